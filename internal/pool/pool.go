// Package pool implements the Pool Manager (§4.6): connection admission,
// per-table capacity, idle eviction, table broadcast, and load-aware
// connection selection.
package pool

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/poker-ws-gateway/internal/auth"
	"github.com/adred-codev/poker-ws-gateway/internal/channel"
	"github.com/adred-codev/poker-ws-gateway/internal/delivery"
	"github.com/adred-codev/poker-ws-gateway/internal/registry"
)

// Errors returned by AddConnection (§4.6 admission contract); the upgrade
// handler logs them and closes the socket.
var (
	ErrGlobalCapacityExceeded = errors.New("Total connection limit reached")
	ErrTableCapacityExceeded  = errors.New("Table connection limit reached")
)

// Config controls pool capacity and eviction timing, mirrored from
// internal/config.Config.
type Config struct {
	MaxConnectionsPerTable int
	MaxTotalConnections    int
	IdleTimeout            time.Duration
}

// Manager owns the connection Registry and Channel Multiplexer and enforces
// admission policy over them (§4.6).
type Manager struct {
	cfg Config
	log zerolog.Logger

	registry *registry.Registry
	mux      *channel.Multiplexer

	mu          sync.RWMutex
	tableCounts map[string]int

	deliveryCfg delivery.Config
}

// New constructs a Manager over reg/mux.
func New(cfg Config, deliveryCfg delivery.Config, reg *registry.Registry, mux *channel.Multiplexer, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:         cfg,
		log:         log,
		registry:    reg,
		mux:         mux,
		tableCounts: make(map[string]int),
		deliveryCfg: deliveryCfg,
	}
}

// AddConnection runs the full §4.6 admission contract: global cap check,
// per-table cap check, then (if a prior connection exists for the same
// principal) closes it and takes over its slot before inserting the new
// connection. compressionOff carries the per-request ?compression=off
// opt-out (§4.5) into the Pipeline this connection gets built with.
func (m *Manager) AddConnection(conn net.Conn, principal auth.Principal, tableID string, compressionOff bool) (*registry.Connection, error) {
	if m.registry.Count() >= m.cfg.MaxTotalConnections {
		return nil, ErrGlobalCapacityExceeded
	}

	m.mu.Lock()
	if tableID != "" && m.tableCounts[tableID] >= m.cfg.MaxConnectionsPerTable {
		m.mu.Unlock()
		return nil, ErrTableCapacityExceeded
	}
	m.mu.Unlock()

	if prev, ok := m.registry.GetByPrincipal(principal.UserID); ok {
		m.log.Info().Str("user_id", principal.UserID).Str("connection_id", prev.ID).
			Msg("replacing existing connection for principal")
		m.removeLocked(prev)
	}

	newConn := registry.NewConnection(conn, principal, tableID)
	newConn.CompressionOff = compressionOff
	connCfg := m.deliveryCfg
	connCfg.CompressOff = compressionOff
	newConn.Pipeline = delivery.New(newConn, connCfg)
	m.registry.Insert(newConn)

	if tableID != "" {
		m.mu.Lock()
		m.tableCounts[tableID]++
		m.mu.Unlock()
	}

	m.log.Info().Str("connection_id", newConn.ID).Str("user_id", principal.UserID).
		Str("table_id", tableID).Msg("connection admitted")
	return newConn, nil
}

// RemoveConnection tears down conn's channel subscriptions and registry
// entries, and releases its table slot.
func (m *Manager) RemoveConnection(conn *registry.Connection) {
	m.removeLocked(conn)
}

func (m *Manager) removeLocked(conn *registry.Connection) {
	m.mux.OnDisconnect(conn)
	m.registry.Remove(conn)
	conn.Close()

	if tableID := conn.TableID(); tableID != "" {
		m.mu.Lock()
		if m.tableCounts[tableID] > 0 {
			m.tableCounts[tableID]--
		}
		m.mu.Unlock()
	}
}

// JoinTable admits conn into a new table for play, enforcing the table
// capacity cap independently of initial connection admission (§2.3
// join_table).
func (m *Manager) JoinTable(conn *registry.Connection, tableID string) error {
	m.mu.Lock()
	if m.tableCounts[tableID] >= m.cfg.MaxConnectionsPerTable {
		m.mu.Unlock()
		return ErrTableCapacityExceeded
	}
	if prev := conn.TableID(); prev != "" && m.tableCounts[prev] > 0 {
		m.tableCounts[prev]--
	}
	m.tableCounts[tableID]++
	m.mu.Unlock()

	conn.SetTableID(tableID)
	return nil
}

// LeaveTable releases conn's table slot and drops its GAME and SPECTATOR
// subscriptions for that table, without closing the connection (§2.3
// leave_table).
func (m *Manager) LeaveTable(conn *registry.Connection) {
	tableID := conn.TableID()
	if tableID == "" {
		return
	}
	_ = m.mux.Unsubscribe(conn, channel.Game, tableID)
	_ = m.mux.Unsubscribe(conn, channel.Spectator, tableID)
	m.mu.Lock()
	if m.tableCounts[tableID] > 0 {
		m.tableCounts[tableID]--
	}
	m.mu.Unlock()
	conn.SetTableID("")
}

// BroadcastToTable enqueues data on every connection subscribed to
// (ch, tableID), counting as skipped each connection whose EnqueueRaw
// returns an error (§4.6 broadcastToTable). A frame dropped by a full send
// buffer before the third strike is counted as sent.
func (m *Manager) BroadcastToTable(ch channel.Name, tableID string, data []byte) (sent, skipped int) {
	conns := m.mux.Index().Get(ch, tableID)
	for _, c := range conns {
		if err := c.EnqueueRaw(data, false); err != nil {
			skipped++
			continue
		}
		sent++
	}
	return sent, skipped
}

// TableCount reports current occupancy of tableID.
func (m *Manager) TableCount(tableID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tableCounts[tableID]
}

// TotalCount reports current total connection count across the gateway.
func (m *Manager) TotalCount() int {
	return m.registry.Count()
}

// EvictIdle closes every connection whose last activity exceeds the
// configured idle timeout (§4.6 idle eviction, intended to run from a
// periodic ticker).
func (m *Manager) EvictIdle() int {
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)
	evicted := 0
	for _, c := range m.registry.All() {
		if c.LastActivity().Before(cutoff) {
			m.log.Info().Str("connection_id", c.ID).Msg("evicting idle connection")
			m.removeLocked(c)
			evicted++
		}
	}
	return evicted
}

// Shutdown removes and closes every active connection, for graceful server
// shutdown (§4.6). No close frame or reason is sent.
func (m *Manager) Shutdown() {
	for _, c := range m.registry.All() {
		m.removeLocked(c)
	}
}

// MarkLoad tags conn with its current load classification, consulted by
// load-aware routing decisions upstream (§4.6 markConnectionLoad).
func (m *Manager) MarkLoad(conn *registry.Connection, tag registry.LoadTag) {
	conn.SetLoadTag(tag)
}

// OptimalConnection returns the connection for userID under normal load,
// or a nil-safe zero value if none is registered — load-aware routing has
// no alternate-replica pool to pick from in a single-shard gateway, so this
// simply reports whether the existing connection is currently overloaded
// (§4.6 optimalConnection, §9 composition notes).
func (m *Manager) OptimalConnection(userID string) (conn *registry.Connection, overloaded bool) {
	c, ok := m.registry.GetByPrincipal(userID)
	if !ok {
		return nil, false
	}
	return c, c.GetLoadTag() == registry.LoadHigh
}
