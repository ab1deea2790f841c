package gateway

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/poker-ws-gateway/internal/adapters"
	"github.com/adred-codev/poker-ws-gateway/internal/auth"
	"github.com/adred-codev/poker-ws-gateway/internal/channel"
	"github.com/adred-codev/poker-ws-gateway/internal/config"
	"github.com/adred-codev/poker-ws-gateway/internal/monitoring"
	"github.com/adred-codev/poker-ws-gateway/internal/protocol"
	"github.com/adred-codev/poker-ws-gateway/internal/registry"
)

type fakeChatModerator struct {
	sendReply   adapters.ChatSendReply
	sendErr     error
	deleteReply adapters.Reply
	muteReply   adapters.Reply
	reportReply adapters.Reply
}

func (f *fakeChatModerator) Send(ctx context.Context, req adapters.ChatSendRequest) (adapters.ChatSendReply, error) {
	return f.sendReply, f.sendErr
}
func (f *fakeChatModerator) Delete(ctx context.Context, tableID, messageID, principal string) (adapters.Reply, error) {
	return f.deleteReply, nil
}
func (f *fakeChatModerator) Mute(ctx context.Context, tableID, principal, target, reason string) (adapters.Reply, error) {
	return f.muteReply, nil
}
func (f *fakeChatModerator) Report(ctx context.Context, tableID, principal, messageID, reason string) (adapters.Reply, error) {
	return f.reportReply, nil
}

type fakeGameEngine struct {
	update adapters.GameUpdate
	err    error
}

func (f *fakeGameEngine) Action(ctx context.Context, req adapters.PlayerActionRequest) (adapters.GameUpdate, error) {
	return f.update, f.err
}
func (f *fakeGameEngine) ReportDisconnect(ctx context.Context, evt adapters.DisconnectEvent) (adapters.RecoveryPolicy, error) {
	return adapters.RecoveryPolicy{}, nil
}

type fakePersistence struct {
	records []adapters.ChatRecord
	err     error
}

func (f *fakePersistence) SaveChat(ctx context.Context, rec adapters.ChatRecord) error { return nil }
func (f *fakePersistence) QueryChat(ctx context.Context, q adapters.ChatQuery) ([]adapters.ChatRecord, error) {
	return f.records, f.err
}

func testConfig() *config.Config {
	return &config.Config{
		Addr:                   ":0",
		JWTSecret:              "secret",
		MaxTotalConnections:    100,
		MaxConnectionsPerTable: 100,
		IdleTimeout:            time.Hour,
		GraceWindow:            time.Hour,
		HeartbeatInterval:      time.Hour,
		BatchWindow:            10 * time.Millisecond,
		MaxBatchSize:           10,
		CPURejectThreshold:     95,
		CPUPauseThreshold:      99,
		MetricsInterval:        time.Minute,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

func newTestGateway(t *testing.T, ad Adapters) *Gateway {
	t.Helper()
	cfg := testConfig()
	log := zerolog.Nop()
	metrics := monitoring.New()
	verifier := auth.NewJWTVerifier(cfg.JWTSecret)
	return New(cfg, log, metrics, verifier, ad)
}

func newTestGatewayConn(t *testing.T, g *Gateway, role auth.Role, tableID string) *registry.Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close() })
	conn, err := g.pool.AddConnection(server, auth.Principal{UserID: "u1", Role: role}, tableID, false)
	if err != nil {
		t.Fatalf("AddConnection: %v", err)
	}
	return conn
}

// drainOutbound waits for the next frame written to conn's outbound channel
// and unwraps it if the delivery pipeline batched it: only ping/pong,
// player_action, and disconnect_warning bypass batching, everything else
// arrives inside a single-message `batch` frame.
func drainOutbound(t *testing.T, conn *registry.Connection) protocol.Frame {
	t.Helper()
	select {
	case raw := <-conn.Outbound():
		var outer protocol.Frame
		if err := json.Unmarshal(raw, &outer); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		if outer.Type != protocol.TypeBatch {
			return outer
		}
		var batch protocol.BatchPayload
		if err := json.Unmarshal(outer.Payload, &batch); err != nil {
			t.Fatalf("unmarshal batch payload: %v", err)
		}
		if len(batch.Messages) == 0 {
			t.Fatal("batch frame carried zero messages")
		}
		return batch.Messages[0]
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for an outbound frame")
		return protocol.Frame{}
	}
}

func TestDispatchPingRepliesWithPong(t *testing.T) {
	g := newTestGateway(t, Adapters{})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "")
	defer conn.Close()

	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypePing})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypePong {
		t.Errorf("frame.Type = %q, want %q", frame.Type, protocol.TypePong)
	}
}

func TestDispatchMalformedFrameSendsError(t *testing.T) {
	g := newTestGateway(t, Adapters{})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "")
	defer conn.Close()

	g.dispatch(conn, []byte("not json"))

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypeError {
		t.Errorf("frame.Type = %q, want %q", frame.Type, protocol.TypeError)
	}
}

func TestDispatchSubscribeConfirmsValidChannel(t *testing.T) {
	g := newTestGateway(t, Adapters{})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "t1")
	defer conn.Close()

	payload := protocol.MustMarshal(subscribeRequest{Channel: string(channel.Chat), TableID: "t1"})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeSubscribe, Payload: payload})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypeSubscriptionConfirmed {
		t.Errorf("frame.Type = %q, want %q", frame.Type, protocol.TypeSubscriptionConfirmed)
	}
}

func TestDispatchChatRejectsInsufficientPermission(t *testing.T) {
	g := newTestGateway(t, Adapters{Chat: &fakeChatModerator{}})
	conn := newTestGatewayConn(t, g, auth.RoleSpectator, "t1")
	defer conn.Close()

	payload := protocol.MustMarshal(chatRequest{TableID: "t1", Message: "hi"})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeChat, Payload: payload})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypeError {
		t.Errorf("frame.Type = %q, want %q (spectators cannot write chat)", frame.Type, protocol.TypeError)
	}
}

func TestDispatchChatForwardsAndBroadcastsOnSuccess(t *testing.T) {
	mod := &fakeChatModerator{sendReply: adapters.ChatSendReply{Success: true, MessageID: "m1"}}
	g := newTestGateway(t, Adapters{Chat: mod})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "t1")
	defer conn.Close()

	// The spec broadcasts chat to GAME-channel subscribers of the table, not
	// chat-channel subscribers, so subscribe here to exercise that fan-out.
	if _, err := g.mux.Subscribe(conn, channel.Game, "t1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	payload := protocol.MustMarshal(chatRequest{TableID: "t1", Message: "hi"})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeChat, Payload: payload})
	g.dispatch(conn, raw)

	// The GAME-channel broadcast of the `chat` frame is written straight to
	// the outbound channel; the sender's own chat_sent goes through the
	// batching pipeline and arrives after it.
	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypeChat {
		t.Fatalf("frame.Type = %q, want %q (GAME-channel broadcast)", frame.Type, protocol.TypeChat)
	}
	frame = drainOutbound(t, conn)
	if frame.Type != protocol.TypeChatSent {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, protocol.TypeChatSent)
	}

	hist := g.hist.For("t1").Since(0)
	if len(hist) != 1 {
		t.Fatalf("expected the chat message to be recorded in table history, got %d entries", len(hist))
	}
	if hist[0].SequenceID == 0 {
		t.Error("expected the recorded chat frame to carry a nonzero sequence id")
	}
}

func TestDispatchChatFailureFromModeratorSendsError(t *testing.T) {
	mod := &fakeChatModerator{sendReply: adapters.ChatSendReply{Success: false}}
	g := newTestGateway(t, Adapters{Chat: mod})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "t1")
	defer conn.Close()

	payload := protocol.MustMarshal(chatRequest{TableID: "t1", Message: "hi"})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeChat, Payload: payload})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypeError {
		t.Errorf("frame.Type = %q, want %q", frame.Type, protocol.TypeError)
	}
}

func TestDispatchPlayerActionRepliesAndBroadcasts(t *testing.T) {
	game := &fakeGameEngine{update: adapters.GameUpdate{TableID: "t1", Delta: map[string]any{"pot": 100}}}
	g := newTestGateway(t, Adapters{Game: game})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "t1")
	defer conn.Close()

	payload := protocol.MustMarshal(playerActionRequest{TableID: "t1", PlayerID: "u1", Action: "call"})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypePlayerAction, Payload: payload})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypePlayerActionResult {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, protocol.TypePlayerActionResult)
	}
}

func TestDispatchJoinAndLeaveTable(t *testing.T) {
	g := newTestGateway(t, Adapters{})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "")
	defer conn.Close()

	joinPayload := protocol.MustMarshal(joinTableRequest{TableID: "t1"})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeJoinTable, Payload: joinPayload})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypeTableState {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, protocol.TypeTableState)
	}
	if conn.TableID() != "t1" {
		t.Fatalf("conn.TableID() = %q, want t1", conn.TableID())
	}

	raw, _ = json.Marshal(protocol.Frame{Type: protocol.TypeLeaveTable})
	g.dispatch(conn, raw)
	drainOutbound(t, conn)
	if conn.TableID() != "" {
		t.Errorf("conn.TableID() = %q, want empty after leave_table", conn.TableID())
	}
}

func TestDispatchGetChatHistoryClampsLimit(t *testing.T) {
	persist := &fakePersistence{records: []adapters.ChatRecord{{ID: "m1"}}}
	g := newTestGateway(t, Adapters{Persistence: persist})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "t1")
	defer conn.Close()

	payload := protocol.MustMarshal(chatHistoryRequest{TableID: "t1", Limit: 9999})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeGetChatHistory, Payload: payload})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypeChatHistory {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, protocol.TypeChatHistory)
	}
}

func TestDispatchMutePlayerRequiresAdmin(t *testing.T) {
	mod := &fakeChatModerator{muteReply: adapters.Reply{Success: true}}
	g := newTestGateway(t, Adapters{Chat: mod})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "t1")
	defer conn.Close()

	payload := protocol.MustMarshal(mutePlayerRequest{TableID: "t1", Target: "u2", Reason: "spam"})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeMutePlayer, Payload: payload})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypeError {
		t.Errorf("frame.Type = %q, want %q (non-admin mute must be rejected)", frame.Type, protocol.TypeError)
	}
}

func TestDispatchMutePlayerAllowedForAdmin(t *testing.T) {
	mod := &fakeChatModerator{muteReply: adapters.Reply{Success: true}}
	g := newTestGateway(t, Adapters{Chat: mod})
	conn := newTestGatewayConn(t, g, auth.RoleAdmin, "t1")
	defer conn.Close()

	payload := protocol.MustMarshal(mutePlayerRequest{TableID: "t1", Target: "u2", Reason: "spam"})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeMutePlayer, Payload: payload})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypePlayerMuted {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, protocol.TypePlayerMuted)
	}
}

func TestDispatchUnknownTypeSendsError(t *testing.T) {
	g := newTestGateway(t, Adapters{})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "")
	defer conn.Close()

	raw, _ := json.Marshal(protocol.Frame{Type: "bogus_type"})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypeError {
		t.Errorf("frame.Type = %q, want %q", frame.Type, protocol.TypeError)
	}
}

func TestDispatchAckRemovesAwaitingEntry(t *testing.T) {
	g := newTestGateway(t, Adapters{})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "")
	defer conn.Close()

	conn.TrackAck(42, protocol.TypeSystem)

	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeAck, SequenceID: 42})
	g.dispatch(conn, raw)

	if conn.Ack(42) {
		t.Error("expected sequence 42 to already be removed from the awaiting-ack set by dispatch")
	}
}

func TestDispatchStateRequestReplaysHistoryInBand(t *testing.T) {
	g := newTestGateway(t, Adapters{})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "t1")
	defer conn.Close()

	g.hist.For("t1").Record(protocol.Frame{Type: protocol.TypeGameUpdate, SequenceID: g.nextSequence()})
	g.hist.For("t1").Record(protocol.Frame{Type: protocol.TypeGameUpdate, SequenceID: g.nextSequence()})

	payload := protocol.MustMarshal(stateRequest{TableID: "t1", LastSequenceID: 0})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeStateRequest, Payload: payload})
	g.dispatch(conn, raw)

	select {
	case out := <-conn.Outbound():
		var outer protocol.Frame
		if err := json.Unmarshal(out, &outer); err != nil {
			t.Fatalf("unmarshal outbound frame: %v", err)
		}
		if outer.Type != protocol.TypeBatch {
			t.Fatalf("frame.Type = %q, want %q", outer.Type, protocol.TypeBatch)
		}
		var batch protocol.BatchPayload
		if err := json.Unmarshal(outer.Payload, &batch); err != nil {
			t.Fatalf("unmarshal batch payload: %v", err)
		}
		if len(batch.Messages) != 3 {
			t.Fatalf("batch carried %d messages, want 3 (ack + 2 replayed)", len(batch.Messages))
		}
		var acks, updates int
		for _, m := range batch.Messages {
			switch m.Type {
			case protocol.TypeReconnectionSuccessful:
				acks++
			case protocol.TypeGameUpdate:
				updates++
			}
		}
		if acks != 1 || updates != 2 {
			t.Errorf("batch contained %d acks and %d game updates, want 1 and 2", acks, updates)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound batch")
	}
}

func TestDispatchChatCommandSynthesizesPlayerAction(t *testing.T) {
	game := &fakeGameEngine{update: adapters.GameUpdate{TableID: "t1", Delta: map[string]any{"pot": 50}}}
	g := newTestGateway(t, Adapters{Game: game})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "t1")
	defer conn.Close()

	payload := protocol.MustMarshal(chatRequest{TableID: "t1", Message: "/fold"})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeChat, Payload: payload})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypePlayerActionResult {
		t.Fatalf("frame.Type = %q, want %q (a chat command must synthesize a player_action)", frame.Type, protocol.TypePlayerActionResult)
	}
}

func TestDispatchChatHelpCommandSendsSystemMessage(t *testing.T) {
	g := newTestGateway(t, Adapters{})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "t1")
	defer conn.Close()

	payload := protocol.MustMarshal(chatRequest{TableID: "t1", Message: "/help"})
	raw, _ := json.Marshal(protocol.Frame{Type: protocol.TypeChat, Payload: payload})
	g.dispatch(conn, raw)

	frame := drainOutbound(t, conn)
	if frame.Type != protocol.TypeSystem {
		t.Fatalf("frame.Type = %q, want %q", frame.Type, protocol.TypeSystem)
	}
}

func TestCheckChannelRateLimitBypassesAdmin(t *testing.T) {
	g := newTestGateway(t, Adapters{})
	conn := newTestGatewayConn(t, g, auth.RoleAdmin, "t1")
	defer conn.Close()

	for i := 0; i < 1000; i++ {
		if !g.checkChannelRateLimit(conn, channel.Chat, "t1") {
			t.Fatalf("admin rate limit check denied on attempt %d, want always allowed", i)
		}
	}
}

func TestCheckChannelRateLimitEnforcesBudgetForPlayers(t *testing.T) {
	g := newTestGateway(t, Adapters{})
	conn := newTestGatewayConn(t, g, auth.RolePlayer, "t1")
	defer conn.Close()

	limit := channel.Table[channel.Chat].RateLimitPerMin
	allowed := 0
	for i := 0; i < limit+5; i++ {
		if g.checkChannelRateLimit(conn, channel.Chat, "t1") {
			allowed++
		}
	}
	if allowed > limit {
		t.Fatalf("allowed %d chat sends, want at most the configured limit of %d", allowed, limit)
	}
}
