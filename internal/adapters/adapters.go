// Package adapters defines the External Adapter Shims (§6): the four
// collaborator interfaces the core invokes, plus NATS request-reply
// implementations grounded on the teacher's pkg/nats client wrapper.
package adapters

import (
	"context"
	"time"
)

// Reply is the generic collaborator envelope: { success, data?, error? }.
type Reply struct {
	Success bool            `json:"success"`
	Data    any             `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ChatSendRequest is the body forwarded to the moderator's chat/send subject.
type ChatSendRequest struct {
	TableID   string `json:"tableId"`
	Principal string `json:"principal"`
	Message   string `json:"message"`
}

// ChatSendReply carries the moderator's verdict plus an assigned message id.
type ChatSendReply struct {
	Success bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ChatModerator is the chat/send|delete|mute|report collaborator (§6). The
// gateway forwards to it and never interprets moderation policy itself.
type ChatModerator interface {
	Send(ctx context.Context, req ChatSendRequest) (ChatSendReply, error)
	Delete(ctx context.Context, tableID, messageID, principal string) (Reply, error)
	Mute(ctx context.Context, tableID, principal, target, reason string) (Reply, error)
	Report(ctx context.Context, tableID, principal, messageID, reason string) (Reply, error)
}

// PlayerActionRequest is a synthesized player_action forwarded to the game
// engine (§4.3).
type PlayerActionRequest struct {
	TableID  string          `json:"tableId"`
	PlayerID string          `json:"playerId"`
	Action   string          `json:"action"`
	Amount   string          `json:"amount,omitempty"`
}

// GameUpdate is the authoritative state delta returned by the game engine,
// broadcast verbatim as an outbound game_update frame (§4.3).
type GameUpdate struct {
	TableID string `json:"tableId"`
	Delta   any    `json:"delta"`
}

// DisconnectEvent is the "player-disconnected" context reported to the game
// adapter on grace-disconnect (§4.7).
type DisconnectEvent struct {
	TableID          string        `json:"tableId"`
	PlayerID         string        `json:"playerId"`
	InHand           bool          `json:"inHand"`
	HasBet           bool          `json:"hasBet"`
	DisconnectedFor  time.Duration `json:"disconnectedFor"`
}

// RecoveryPolicy is the game adapter's answer to a DisconnectEvent.
type RecoveryPolicy struct {
	Policy string `json:"policy"` // "auto-fold" | "hold" | ...
}

// GameEngine is the table/game engine collaborator (§6).
type GameEngine interface {
	Action(ctx context.Context, req PlayerActionRequest) (GameUpdate, error)
	ReportDisconnect(ctx context.Context, evt DisconnectEvent) (RecoveryPolicy, error)
}

// ChatRecord is the append-only chat persistence row (§6).
type ChatRecord struct {
	ID               string    `json:"id"`
	PlayerID         string    `json:"playerId"`
	TableID          string    `json:"tableId,omitempty"`
	TournamentID     string    `json:"tournamentId,omitempty"`
	Message          string    `json:"message"`
	MessageType      string    `json:"messageType"`
	IsModerated      bool      `json:"isModerated"`
	ModerationReason string    `json:"moderationReason,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// ChatQuery selects a page of ChatRecords, ordered by createdAt desc (§6).
type ChatQuery struct {
	TableID      string
	TournamentID string
	PlayerID     string
	From, To     time.Time
	Limit        int
	Offset       int
}

// Persistence is the append-only chat storage collaborator (§6).
type Persistence interface {
	SaveChat(ctx context.Context, rec ChatRecord) error
	QueryChat(ctx context.Context, q ChatQuery) ([]ChatRecord, error)
}

// AuditSeverity classifies an AuditEvent (§6, §7 Fatal).
type AuditSeverity string

const (
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEvent is emitted for login, rate limit, disconnect, and suspicious
// activity occurrences (§6, §7).
type AuditEvent struct {
	Type     string         `json:"type"`
	Severity AuditSeverity  `json:"severity"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// AuditSink is the audit/threat-monitoring collaborator (§6). The gateway
// produces events but does not own alert state.
type AuditSink interface {
	Emit(ctx context.Context, evt AuditEvent) error
}
