// Package lifecycle implements the Lifecycle Supervisor (§4.7): heartbeat
// monitoring, grace-disconnect handling, and reconnect takeover with
// history replay.
package lifecycle

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/poker-ws-gateway/internal/adapters"
	"github.com/adred-codev/poker-ws-gateway/internal/channel"
	"github.com/adred-codev/poker-ws-gateway/internal/pool"
	"github.com/adred-codev/poker-ws-gateway/internal/protocol"
	"github.com/adred-codev/poker-ws-gateway/internal/registry"
)

// Retry/backoff policy constants (§9), exposed through SendRetryPolicy and
// ReconnectRetryPolicy. No gateway code retries with them: the delivery
// pipeline never retries a send, and the grace window is Config.GraceWindow.
const (
	sendRetryAttempts = 3
	sendBackoffMin    = 100 * time.Millisecond
	sendBackoffMax    = 2 * time.Second

	reconnectRetryAttempts = 5
	reconnectBackoffMin    = 1 * time.Second
	reconnectBackoffMax    = 30 * time.Second
)

// Backoff returns a jittered delay for retry attempt n (0-indexed): the base
// min<<n, capped at max, is halved and a random amount below that half is
// added, so the result lies in [base/2, base) and can be below min.
func Backoff(n int, min, max time.Duration) time.Duration {
	d := min << n
	if d <= 0 || d > max {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d/2 + jitter
}

// Config controls heartbeat cadence and grace windows.
type Config struct {
	HeartbeatInterval time.Duration
	MissedPongLimit   int
	GraceWindow       time.Duration
}

// Supervisor runs the per-connection heartbeat loop and owns
// grace-disconnect/reconnect state (§4.7).
type Supervisor struct {
	cfg   Config
	log   zerolog.Logger
	pool  *pool.Manager
	mux   *channel.Multiplexer
	game  adapters.GameEngine
	hist  *HistoryStore

	mu    sync.Mutex
	grace map[string]*graceState // connection id -> pending grace-disconnect
}

type graceState struct {
	conn   *registry.Connection
	timer  *time.Timer
	cancel context.CancelFunc
}

// New constructs a Supervisor.
func New(cfg Config, p *pool.Manager, mux *channel.Multiplexer, game adapters.GameEngine, hist *HistoryStore, log zerolog.Logger) *Supervisor {
	if cfg.MissedPongLimit == 0 {
		cfg.MissedPongLimit = 2
	}
	return &Supervisor{
		cfg:   cfg,
		log:   log,
		pool:  p,
		mux:   mux,
		game:  game,
		hist:  hist,
		grace: make(map[string]*graceState),
	}
}

// Watch starts the heartbeat loop for conn; it runs until conn closes.
func (s *Supervisor) Watch(conn *registry.Connection) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	go func() {
		defer ticker.Stop()
		missed := 0
		for {
			select {
			case <-conn.Done():
				return
			case <-ticker.C:
				if conn.State() != registry.StateOpen {
					continue
				}
				if time.Since(conn.LastPong()) > s.cfg.HeartbeatInterval {
					missed++
				} else {
					missed = 0
				}
				if missed >= s.cfg.MissedPongLimit {
					s.log.Warn().Str("connection_id", conn.ID).Int("missed", missed).
						Msg("missed heartbeat threshold, starting grace disconnect")
					s.StartGrace(conn)
					return
				}
				s.sendPing(conn)
			}
		}
	}()
}

func (s *Supervisor) sendPing(conn *registry.Connection) {
	frame := protocol.Frame{
		Type:      protocol.TypePing,
		Timestamp: time.Now().UnixMilli(),
	}
	if conn.Pipeline != nil {
		_ = conn.Pipeline.Enqueue(frame, protocol.DefaultPriority(protocol.TypePing))
	}
}

// StartGrace begins the grace-disconnect sequence for conn: it warns the
// table, reports the disconnect to the game engine, and arms a timer that
// finalizes removal if the client never reconnects (§4.7).
func (s *Supervisor) StartGrace(conn *registry.Connection) {
	s.mu.Lock()
	if _, exists := s.grace[conn.ID]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	gs := &graceState{conn: conn, cancel: cancel}
	s.grace[conn.ID] = gs
	s.mu.Unlock()

	conn.SetState(registry.StateGrace)

	s.broadcastDisconnectWarning(conn)
	s.reportDisconnect(ctx, conn)

	gs.timer = time.AfterFunc(s.cfg.GraceWindow, func() {
		s.finalizeGrace(conn)
	})
}

func (s *Supervisor) broadcastDisconnectWarning(conn *registry.Connection) {
	tableID := conn.TableID()
	if tableID == "" {
		return
	}
	payload := protocol.MustMarshal(map[string]any{
		"userId": conn.Principal.UserID,
		"reason": "connection lost, awaiting reconnect",
	})
	frame := protocol.Frame{
		Type:      protocol.TypeDisconnectWarning,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	s.pool.BroadcastToTable(channel.Chat, tableID, raw)
}

func (s *Supervisor) reportDisconnect(ctx context.Context, conn *registry.Connection) {
	if s.game == nil {
		return
	}
	evt := adapters.DisconnectEvent{
		TableID:         conn.TableID(),
		PlayerID:        conn.Principal.UserID,
		DisconnectedFor: 0,
	}
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := s.game.ReportDisconnect(reqCtx, evt); err != nil {
		s.log.Warn().Err(err).Str("connection_id", conn.ID).Msg("failed to report disconnect to game engine")
	}
}

// finalizeGrace is invoked when the grace window elapses without a
// reconnect: the connection is permanently removed from the pool.
func (s *Supervisor) finalizeGrace(conn *registry.Connection) {
	s.mu.Lock()
	delete(s.grace, conn.ID)
	s.mu.Unlock()

	if conn.State() != registry.StateGrace {
		return
	}
	s.log.Info().Str("connection_id", conn.ID).Msg("grace window elapsed, removing connection")
	s.pool.RemoveConnection(conn)
}

// Reconnect cancels any pending grace-disconnect for existing and replays
// missed table history filtered by sequence id (§4.7 reconnect handling).
// The caller is responsible for calling existing.RebindConn with the new
// socket before invoking Reconnect.
func (s *Supervisor) Reconnect(existing *registry.Connection, lastSequenceID int64) []protocol.Frame {
	s.mu.Lock()
	if gs, ok := s.grace[existing.ID]; ok {
		if gs.timer != nil {
			gs.timer.Stop()
		}
		gs.cancel()
		delete(s.grace, existing.ID)
	}
	s.mu.Unlock()

	existing.SetState(registry.StateOpen)
	existing.IncrReconnect()
	existing.Touch(true)

	return s.Replay(existing.TableID(), lastSequenceID)
}

// Replay returns the table history strictly after lastSequenceID. Shared by
// the out-of-band reconnect takeover above and the in-band state_request
// dispatch path, which replays without a socket rebind or grace cancellation.
func (s *Supervisor) Replay(tableID string, lastSequenceID int64) []protocol.Frame {
	if tableID == "" {
		return nil
	}
	return s.hist.For(tableID).Since(lastSequenceID)
}

// ReconnectRetryPolicy returns the attempt budget and backoff bounds a
// client should use when retrying a dropped connection (§9).
func ReconnectRetryPolicy() (attempts int, min, max time.Duration) {
	return reconnectRetryAttempts, reconnectBackoffMin, reconnectBackoffMax
}

// SendRetryPolicy returns the attempt budget and backoff bounds for a
// single outbound send (§9).
func SendRetryPolicy() (attempts int, min, max time.Duration) {
	return sendRetryAttempts, sendBackoffMin, sendBackoffMax
}
