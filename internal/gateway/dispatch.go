package gateway

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/adred-codev/poker-ws-gateway/internal/adapters"
	"github.com/adred-codev/poker-ws-gateway/internal/auth"
	"github.com/adred-codev/poker-ws-gateway/internal/channel"
	"github.com/adred-codev/poker-ws-gateway/internal/protocol"
	"github.com/adred-codev/poker-ws-gateway/internal/ratelimit"
	"github.com/adred-codev/poker-ws-gateway/internal/registry"
)

const adapterTimeout = 3 * time.Second

// dispatch classifies an inbound frame by type and routes it to the
// relevant handler (§4.3).
func (g *Gateway) dispatch(conn *registry.Connection, raw []byte) {
	var frame protocol.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.sendError(conn, "invalid message format")
		return
	}

	switch frame.Type {
	case protocol.TypePing:
		g.handlePing(conn)
	case protocol.TypeAck:
		if !conn.Ack(frame.SequenceID) {
			g.log.Debug().Str("connection_id", conn.ID).Int64("sequence_id", frame.SequenceID).
				Msg("ack for unknown or already-acked frame")
		}
	case protocol.TypeSubscribe:
		g.handleSubscribe(conn, frame)
	case protocol.TypeUnsubscribe:
		g.handleUnsubscribe(conn, frame)
	case protocol.TypeChat:
		g.handleChat(conn, frame)
	case protocol.TypePlayerAction:
		g.handlePlayerAction(conn, frame)
	case protocol.TypeJoinTable:
		g.handleJoinTable(conn, frame)
	case protocol.TypeLeaveTable:
		g.handleLeaveTable(conn)
	case protocol.TypeGetChatHistory:
		g.handleGetChatHistory(conn, frame)
	case protocol.TypeDeleteChatMessage:
		g.handleDeleteChatMessage(conn, frame)
	case protocol.TypeMutePlayer:
		g.handleMutePlayer(conn, frame)
	case protocol.TypeReportMessage:
		g.handleReportMessage(conn, frame)
	case protocol.TypeStateRequest:
		g.handleStateRequest(conn, frame)
	default:
		g.log.Warn().Str("connection_id", conn.ID).Str("type", frame.Type).Msg("unknown inbound frame type")
		g.sendError(conn, "unknown message type")
	}
}

func (g *Gateway) sendFrame(conn *registry.Connection, frame protocol.Frame) {
	frame.Timestamp = time.Now().UnixMilli()
	if frame.RequiresAck && frame.SequenceID == 0 {
		frame.SequenceID = g.nextSequence()
	}
	if conn.Pipeline == nil {
		return
	}
	if frame.RequiresAck {
		conn.TrackAck(frame.SequenceID, frame.Type)
	}
	_ = conn.Pipeline.Enqueue(frame, protocol.DefaultPriority(frame.Type))
}

func (g *Gateway) sendError(conn *registry.Connection, message string) {
	g.sendFrame(conn, protocol.Frame{
		Type:    protocol.TypeError,
		Payload: protocol.MustMarshal(protocol.ErrorPayload{Message: message}),
	})
}

func (g *Gateway) handlePing(conn *registry.Connection) {
	conn.Touch(true)
	g.sendFrame(conn, protocol.Frame{Type: protocol.TypePong})
}

type subscribeRequest struct {
	Channel string `json:"channel"`
	TableID string `json:"tableId"`
}

func (g *Gateway) handleSubscribe(conn *registry.Connection, frame protocol.Frame) {
	var req subscribeRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		g.sendError(conn, "invalid subscribe request")
		return
	}
	sub, err := g.mux.Subscribe(conn, channel.Name(req.Channel), req.TableID)
	if err != nil {
		g.sendError(conn, err.Error())
		return
	}
	g.sendFrame(conn, protocol.Frame{
		Type:    protocol.TypeSubscriptionConfirmed,
		Payload: protocol.MustMarshal(map[string]any{"channel": sub.Channel, "tableId": sub.TableID, "permissions": sub.Perms}),
	})
}

func (g *Gateway) handleUnsubscribe(conn *registry.Connection, frame protocol.Frame) {
	var req subscribeRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		g.sendError(conn, "invalid unsubscribe request")
		return
	}
	if err := g.mux.Unsubscribe(conn, channel.Name(req.Channel), req.TableID); err != nil {
		g.sendError(conn, err.Error())
		return
	}
	g.sendFrame(conn, protocol.Frame{
		Type:    protocol.TypeUnsubscriptionConfirmed,
		Payload: protocol.MustMarshal(map[string]any{"channel": req.Channel, "tableId": req.TableID}),
	})
}

type chatRequest struct {
	TableID string `json:"tableId"`
	Message string `json:"message"`
}

// handleChat forwards a chat message to the moderator adapter (§4.3, §6).
// Messages starting with "/" are commands rather than chat text and never
// consume the chat channel's rate-limit tokens.
func (g *Gateway) handleChat(conn *registry.Connection, frame protocol.Frame) {
	var req chatRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		g.sendError(conn, "invalid chat request")
		return
	}

	if strings.HasPrefix(req.Message, "/") {
		g.handleChatCommand(conn, req.TableID, req.Message)
		return
	}

	if !channel.CheckPermission(conn.Principal.Role, channel.Chat, channel.PermWrite) {
		g.sendError(conn, "insufficient permissions for chat")
		return
	}

	if !g.checkChannelRateLimit(conn, channel.Chat, req.TableID) {
		g.sendError(conn, "Rate limit exceeded. Please slow down.")
		return
	}

	if g.adapters.Chat == nil {
		g.sendError(conn, "chat unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	reply, err := g.adapters.Chat.Send(ctx, adapters.ChatSendRequest{
		TableID:   req.TableID,
		Principal: conn.Principal.UserID,
		Message:   req.Message,
	})
	if err != nil || !reply.Success {
		g.sendError(conn, "Failed to process chat message")
		return
	}

	g.sendFrame(conn, protocol.Frame{
		Type:    protocol.TypeChatSent,
		Payload: protocol.MustMarshal(map[string]any{"messageId": reply.MessageID}),
	})

	out := protocol.Frame{
		Type:       protocol.TypeChat,
		Payload:    protocol.MustMarshal(map[string]any{"messageId": reply.MessageID, "playerId": conn.Principal.UserID, "message": req.Message}),
		Timestamp:  time.Now().UnixMilli(),
		SequenceID: g.nextSequence(),
	}
	g.hist.For(req.TableID).Record(out)
	raw, err := json.Marshal(out)
	if err == nil {
		g.pool.BroadcastToTable(channel.Game, req.TableID, raw)
	}
}

// handleChatCommand parses a "/"-prefixed chat message into the §4.3
// Commands: fold/check/call/raise/allin synthesize a player_action, and
// history/mute/report/help reuse their own handlers' logic directly. None
// of these touch the chat rate limiter.
func (g *Gateway) handleChatCommand(conn *registry.Connection, tableID, message string) {
	fields := strings.Fields(strings.TrimPrefix(message, "/"))
	if len(fields) == 0 {
		g.sendError(conn, "empty command")
		return
	}
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "fold", "check", "call", "raise", "allin":
		var amount string
		if cmd == "raise" && len(args) > 0 {
			amount = args[0]
		}
		g.handlePlayerAction(conn, protocol.Frame{
			Type:    protocol.TypePlayerAction,
			Payload: protocol.MustMarshal(playerActionRequest{TableID: tableID, PlayerID: conn.Principal.UserID, Action: cmd, Amount: amount}),
		})
	case "history":
		limit := 0
		if len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil {
				limit = n
			}
		}
		g.handleGetChatHistory(conn, protocol.Frame{
			Type:    protocol.TypeGetChatHistory,
			Payload: protocol.MustMarshal(chatHistoryRequest{TableID: tableID, Limit: limit}),
		})
	case "mute":
		if len(args) == 0 {
			g.sendError(conn, "usage: /mute <player> [reason]")
			return
		}
		g.handleMutePlayer(conn, protocol.Frame{
			Type:    protocol.TypeMutePlayer,
			Payload: protocol.MustMarshal(mutePlayerRequest{TableID: tableID, Target: args[0], Reason: strings.Join(args[1:], " ")}),
		})
	case "report":
		if len(args) == 0 {
			g.sendError(conn, "usage: /report <messageId> [reason]")
			return
		}
		g.handleReportMessage(conn, protocol.Frame{
			Type:    protocol.TypeReportMessage,
			Payload: protocol.MustMarshal(reportMessageRequest{TableID: tableID, MessageID: args[0], Reason: strings.Join(args[1:], " ")}),
		})
	case "help":
		g.sendFrame(conn, protocol.Frame{
			Type: protocol.TypeSystem,
			Payload: protocol.MustMarshal(map[string]any{
				"message": "commands: /fold /check /call /raise <amount> /allin /history [limit] /mute <player> [reason] /report <messageId> [reason] /help",
			}),
		})
	default:
		g.sendError(conn, "unknown command")
	}
}

type playerActionRequest struct {
	TableID  string `json:"tableId"`
	PlayerID string `json:"playerId"`
	Action   string `json:"action"`
	Amount   string `json:"amount,omitempty"`
}

func (g *Gateway) handlePlayerAction(conn *registry.Connection, frame protocol.Frame) {
	var req playerActionRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		g.sendError(conn, "invalid player action request")
		return
	}

	if req.PlayerID != conn.Principal.UserID {
		g.sendError(conn, "unauthorized action")
		return
	}

	if !channel.CheckPermission(conn.Principal.Role, channel.Game, channel.PermWrite) {
		g.sendError(conn, "insufficient permissions for player action")
		return
	}

	if g.adapters.Game == nil {
		g.sendError(conn, "game engine unavailable")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	update, err := g.adapters.Game.Action(ctx, adapters.PlayerActionRequest{
		TableID:  req.TableID,
		PlayerID: conn.Principal.UserID,
		Action:   req.Action,
		Amount:   req.Amount,
	})
	if err != nil {
		g.sendError(conn, "player action failed")
		return
	}

	out := protocol.Frame{
		Type:       protocol.TypeGameUpdate,
		Payload:    protocol.MustMarshal(update),
		Timestamp:  time.Now().UnixMilli(),
		SequenceID: g.nextSequence(),
	}
	g.hist.For(req.TableID).Record(out)
	raw, err := json.Marshal(out)
	if err == nil {
		g.pool.BroadcastToTable(channel.Game, req.TableID, raw)
	}

	g.sendFrame(conn, protocol.Frame{
		Type:    protocol.TypePlayerActionResult,
		Payload: protocol.MustMarshal(map[string]any{"accepted": true}),
	})
}

type joinTableRequest struct {
	TableID string `json:"tableId"`
}

// handleJoinTable and handleLeaveTable implement the supplemented §2.3
// table-membership operations.
func (g *Gateway) handleJoinTable(conn *registry.Connection, frame protocol.Frame) {
	var req joinTableRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil || req.TableID == "" {
		g.sendError(conn, "invalid join_table request")
		return
	}
	if err := g.pool.JoinTable(conn, req.TableID); err != nil {
		g.sendError(conn, err.Error())
		return
	}
	g.sendFrame(conn, protocol.Frame{
		Type:    protocol.TypeTableState,
		Payload: protocol.MustMarshal(map[string]any{"tableId": req.TableID}),
	})
}

func (g *Gateway) handleLeaveTable(conn *registry.Connection) {
	g.pool.LeaveTable(conn)
	g.sendFrame(conn, protocol.Frame{Type: protocol.TypeTableState, Payload: protocol.MustMarshal(map[string]any{"tableId": ""})})
}

type chatHistoryRequest struct {
	TableID string `json:"tableId"`
	Limit   int    `json:"limit"`
}

func (g *Gateway) handleGetChatHistory(conn *registry.Connection, frame protocol.Frame) {
	var req chatHistoryRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		g.sendError(conn, "invalid get_chat_history request")
		return
	}
	if g.adapters.Persistence == nil {
		g.sendError(conn, "chat history unavailable")
		return
	}
	limit := req.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	records, err := g.adapters.Persistence.QueryChat(ctx, adapters.ChatQuery{TableID: req.TableID, Limit: limit})
	if err != nil {
		g.sendError(conn, "failed to load chat history")
		return
	}
	g.sendFrame(conn, protocol.Frame{
		Type:    protocol.TypeChatHistory,
		Payload: protocol.MustMarshal(records),
	})
}

type deleteChatMessageRequest struct {
	TableID   string `json:"tableId"`
	MessageID string `json:"messageId"`
}

func (g *Gateway) handleDeleteChatMessage(conn *registry.Connection, frame protocol.Frame) {
	var req deleteChatMessageRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		g.sendError(conn, "invalid delete_chat_message request")
		return
	}
	if !channel.CheckPermission(conn.Principal.Role, channel.Chat, channel.PermWrite) && conn.Principal.Role != auth.RoleAdmin {
		g.sendError(conn, "insufficient permissions to delete message")
		return
	}
	if g.adapters.Chat == nil {
		g.sendError(conn, "chat unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	reply, err := g.adapters.Chat.Delete(ctx, req.TableID, req.MessageID, conn.Principal.UserID)
	if err != nil || !reply.Success {
		g.sendError(conn, "failed to delete message")
		return
	}
	out := protocol.Frame{Type: protocol.TypeChatMessageDeleted, Payload: protocol.MustMarshal(map[string]any{"messageId": req.MessageID})}
	raw, merr := json.Marshal(out)
	if merr == nil {
		g.pool.BroadcastToTable(channel.Chat, req.TableID, raw)
	}
}

type mutePlayerRequest struct {
	TableID string `json:"tableId"`
	Target  string `json:"target"`
	Reason  string `json:"reason"`
}

func (g *Gateway) handleMutePlayer(conn *registry.Connection, frame protocol.Frame) {
	var req mutePlayerRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		g.sendError(conn, "invalid mute_player request")
		return
	}
	if conn.Principal.Role != auth.RoleAdmin {
		g.sendError(conn, "insufficient permissions to mute")
		return
	}
	if g.adapters.Chat == nil {
		g.sendError(conn, "chat unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	reply, err := g.adapters.Chat.Mute(ctx, req.TableID, conn.Principal.UserID, req.Target, req.Reason)
	if err != nil || !reply.Success {
		g.sendError(conn, "failed to mute player")
		return
	}
	g.sendFrame(conn, protocol.Frame{Type: protocol.TypePlayerMuted, Payload: protocol.MustMarshal(map[string]any{"target": req.Target})})
}

type reportMessageRequest struct {
	TableID   string `json:"tableId"`
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
}

func (g *Gateway) handleReportMessage(conn *registry.Connection, frame protocol.Frame) {
	var req reportMessageRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		g.sendError(conn, "invalid report_message request")
		return
	}
	if g.adapters.Chat == nil {
		g.sendError(conn, "chat unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), adapterTimeout)
	defer cancel()
	reply, err := g.adapters.Chat.Report(ctx, req.TableID, conn.Principal.UserID, req.MessageID, req.Reason)
	if err != nil || !reply.Success {
		g.sendError(conn, "failed to report message")
		return
	}
	g.sendFrame(conn, protocol.Frame{Type: protocol.TypeMessageReported, Payload: protocol.MustMarshal(map[string]any{"messageId": req.MessageID})})
}

type stateRequest struct {
	TableID        string `json:"tableId"`
	LastSequenceID int64  `json:"lastSequenceId"`
}

// handleStateRequest is the in-band §4.7 replay trigger: a still-connected
// client sends its last-known sequence id and receives every table history
// entry recorded after it, without the socket-rebind/grace-cancellation
// side effects the out-of-band /ws/reconnect path needs.
func (g *Gateway) handleStateRequest(conn *registry.Connection, frame protocol.Frame) {
	var req stateRequest
	if err := json.Unmarshal(frame.Payload, &req); err != nil {
		g.sendError(conn, "invalid state_request")
		return
	}
	tableID := req.TableID
	if tableID == "" {
		tableID = conn.TableID()
	}
	if tableID == "" {
		g.sendError(conn, "no table bound for state_request")
		return
	}

	replay := g.super.Replay(tableID, req.LastSequenceID)
	g.sendFrame(conn, protocol.Frame{
		Type:    protocol.TypeReconnectionSuccessful,
		Payload: protocol.MustMarshal(map[string]any{"replayedCount": len(replay)}),
	})
	for _, f := range replay {
		if conn.Pipeline != nil {
			_ = conn.Pipeline.Enqueue(f, protocol.DefaultPriority(f.Type))
		}
	}
}

// checkChannelRateLimit applies the §4.4 token bucket for a channel that
// declares a rate limit, bypassing admins entirely (§9).
func (g *Gateway) checkChannelRateLimit(conn *registry.Connection, ch channel.Name, tableID string) bool {
	if conn.Principal.IsAdmin() {
		return true
	}
	cfg, ok := channel.Table[ch]
	if !ok || cfg.RateLimitPerMin <= 0 {
		return true
	}
	key := ratelimit.Key{Principal: conn.Principal.UserID, Channel: string(ch), Table: tableID}
	maxTokens := float64(cfg.RateLimitPerMin)
	refillPerSec := maxTokens / 60.0
	res := g.rateLimit.Check(key, maxTokens, refillPerSec)
	return res.Allowed
}
