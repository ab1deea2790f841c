package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects are the NATS request-reply subjects each adapter speaks on
// (§2.2), grounded on the teacher's pkg/nats client Subjects builder.
const (
	SubjectChatSend   = "poker.chat.send"
	SubjectChatDelete = "poker.chat.delete"
	SubjectChatMute   = "poker.chat.mute"
	SubjectChatReport = "poker.chat.report"
	SubjectGameAction     = "poker.game.action"
	SubjectGameDisconnect = "poker.game.disconnect"
	SubjectChatPersist = "poker.chat.persist"
	SubjectChatQuery   = "poker.chat.query"
	SubjectAuditEvent  = "poker.audit.event"
)

// NATSConfig configures the shared connection used by every adapter.
type NATSConfig struct {
	URL            string
	RequestTimeout time.Duration
	MaxReconnects  int
	ReconnectWait  time.Duration
}

// Connect dials NATS with the reconnect/backoff options the teacher's
// pkg/nats client wires up.
func Connect(cfg NATSConfig) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return conn, nil
}

// natsRequester performs a JSON request-reply round trip with a bounded
// timeout, the shape every NATS-backed adapter below shares.
func natsRequester(conn *nats.Conn, timeout time.Duration, subject string, req any, reply any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	msg, err := conn.Request(subject, body, timeout)
	if err != nil {
		return fmt.Errorf("request %s: %w", subject, err)
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, reply); err != nil {
		return fmt.Errorf("unmarshal reply from %s: %w", subject, err)
	}
	return nil
}

// NATSChatModerator forwards chat moderation calls over NATS.
type NATSChatModerator struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewNATSChatModerator constructs a ChatModerator backed by conn.
func NewNATSChatModerator(conn *nats.Conn, timeout time.Duration) *NATSChatModerator {
	return &NATSChatModerator{conn: conn, timeout: timeout}
}

func (m *NATSChatModerator) Send(ctx context.Context, req ChatSendRequest) (ChatSendReply, error) {
	var reply ChatSendReply
	err := natsRequester(m.conn, m.timeout, SubjectChatSend, req, &reply)
	return reply, err
}

func (m *NATSChatModerator) Delete(ctx context.Context, tableID, messageID, principal string) (Reply, error) {
	var reply Reply
	req := map[string]string{"tableId": tableID, "messageId": messageID, "principal": principal}
	err := natsRequester(m.conn, m.timeout, SubjectChatDelete, req, &reply)
	return reply, err
}

func (m *NATSChatModerator) Mute(ctx context.Context, tableID, principal, target, reason string) (Reply, error) {
	var reply Reply
	req := map[string]string{"tableId": tableID, "principal": principal, "target": target, "reason": reason}
	err := natsRequester(m.conn, m.timeout, SubjectChatMute, req, &reply)
	return reply, err
}

func (m *NATSChatModerator) Report(ctx context.Context, tableID, principal, messageID, reason string) (Reply, error) {
	var reply Reply
	req := map[string]string{"tableId": tableID, "principal": principal, "messageId": messageID, "reason": reason}
	err := natsRequester(m.conn, m.timeout, SubjectChatReport, req, &reply)
	return reply, err
}

// NATSGameEngine forwards player actions and disconnect events over NATS.
type NATSGameEngine struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewNATSGameEngine constructs a GameEngine backed by conn.
func NewNATSGameEngine(conn *nats.Conn, timeout time.Duration) *NATSGameEngine {
	return &NATSGameEngine{conn: conn, timeout: timeout}
}

func (g *NATSGameEngine) Action(ctx context.Context, req PlayerActionRequest) (GameUpdate, error) {
	var reply GameUpdate
	err := natsRequester(g.conn, g.timeout, SubjectGameAction, req, &reply)
	return reply, err
}

func (g *NATSGameEngine) ReportDisconnect(ctx context.Context, evt DisconnectEvent) (RecoveryPolicy, error) {
	var reply RecoveryPolicy
	err := natsRequester(g.conn, g.timeout, SubjectGameDisconnect, evt, &reply)
	return reply, err
}

// NATSPersistence forwards chat persistence reads/writes over NATS.
type NATSPersistence struct {
	conn    *nats.Conn
	timeout time.Duration
}

// NewNATSPersistence constructs a Persistence backed by conn.
func NewNATSPersistence(conn *nats.Conn, timeout time.Duration) *NATSPersistence {
	return &NATSPersistence{conn: conn, timeout: timeout}
}

func (p *NATSPersistence) SaveChat(ctx context.Context, rec ChatRecord) error {
	return natsRequester(p.conn, p.timeout, SubjectChatPersist, rec, nil)
}

func (p *NATSPersistence) QueryChat(ctx context.Context, q ChatQuery) ([]ChatRecord, error) {
	var records []ChatRecord
	err := natsRequester(p.conn, p.timeout, SubjectChatQuery, q, &records)
	return records, err
}

// NATSAuditSink publishes (fire-and-forget) audit events over NATS. Unlike
// the other adapters this uses Publish, not Request: an unreachable audit
// pipeline must never block the request path that triggered the event.
type NATSAuditSink struct {
	conn *nats.Conn
}

// NewNATSAuditSink constructs an AuditSink backed by conn.
func NewNATSAuditSink(conn *nats.Conn) *NATSAuditSink {
	return &NATSAuditSink{conn: conn}
}

func (a *NATSAuditSink) Emit(ctx context.Context, evt AuditEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	return a.conn.Publish(SubjectAuditEvent, body)
}
