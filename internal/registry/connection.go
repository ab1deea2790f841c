// Package registry owns the Connection type and the Connection Registry
// (§4, §3): the single source of truth for live connections, indexed by
// connection id and by principal. The channel index and the pool also hold
// *Connection pointers directly.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/poker-ws-gateway/internal/auth"
	"github.com/adred-codev/poker-ws-gateway/internal/delivery"
)

// State is a Connection's lifecycle state (§4.7).
type State int32

const (
	StateOpen State = iota
	StateGrace
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateGrace:
		return "grace"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// LoadTag classifies a Connection for the pool's load-aware fanout (§4.6).
type LoadTag int32

const (
	LoadNormal LoadTag = iota
	LoadHigh
)

const (
	maxSendAttempts = 3 // 3-strikes slow-client policy
)

// Connection is an upgraded WebSocket plus its server-side bookkeeping
// (§3). The Registry indexes it by id and principal; the channel
// subscriber index keeps pointers to it as well.
type Connection struct {
	ID        string
	Conn      net.Conn
	Principal auth.Principal

	mu          sync.RWMutex
	tableID     string
	createdAt   time.Time
	lastActivity time.Time
	lastPong    time.Time
	reconnects  int
	loadTag     LoadTag
	state       State

	send         chan []byte // raw frame bytes awaiting the write pump
	sendAttempts int32
	closeOnce    sync.Once
	closed       chan struct{}

	Pipeline *delivery.Pipeline

	CompressionOff bool // from ?compression=off at upgrade time

	ackMu       sync.Mutex
	awaitingAck map[int64]string // sequence id -> frame type, for RequiresAck frames
}

// NewConnection constructs a Connection bound to conn for principal on
// tableID. The caller is responsible for assigning Pipeline.
func NewConnection(conn net.Conn, principal auth.Principal, tableID string) *Connection {
	now := time.Now()
	return &Connection{
		ID:           generateID(),
		Conn:         conn,
		Principal:    principal,
		tableID:      tableID,
		createdAt:    now,
		lastActivity: now,
		lastPong:     now,
		state:        StateOpen,
		send:         make(chan []byte, 1024),
		closed:       make(chan struct{}),
		awaitingAck:  make(map[int64]string),
	}
}

func generateID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// TableID returns the connection's current table binding.
func (c *Connection) TableID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tableID
}

// SetTableID rebinds the connection to a new table (§2.3 join_table/leave_table).
func (c *Connection) SetTableID(tableID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tableID = tableID
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetState transitions the connection's lifecycle state.
func (c *Connection) SetState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

// Touch refreshes last-activity (and, if isPong, last-pong) on any inbound
// frame (§4.7).
func (c *Connection) Touch(isPong bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.lastActivity = now
	if isPong {
		c.lastPong = now
	}
}

// LastActivity returns the time of the last inbound frame.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// LastPong returns the time last-pong was refreshed.
func (c *Connection) LastPong() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastPong
}

// IncrReconnect bumps the reconnect counter on a successful grace-window
// reconnect (§4.7).
func (c *Connection) IncrReconnect() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects++
	return c.reconnects
}

// ReconnectCount returns the number of successful reconnects so far.
func (c *Connection) ReconnectCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reconnects
}

// SetLoadTag sets the connection's load classification (§4.6 markConnectionLoad).
func (c *Connection) SetLoadTag(tag LoadTag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadTag = tag
}

// GetLoadTag returns the connection's current load classification.
func (c *Connection) GetLoadTag() LoadTag {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadTag
}

// CreatedAt returns when the connection was established.
func (c *Connection) CreatedAt() time.Time {
	return c.createdAt
}

// RebindConn swaps the underlying socket during a reconnect takeover,
// without changing the Connection's identity (§4.7 Reconnect).
func (c *Connection) RebindConn(conn net.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Conn = conn
}

// ErrConnectionClosed is returned by EnqueueRaw once the connection has been
// closed, including by the send that trips the 3-strikes policy.
var ErrConnectionClosed = errors.New("connection closed")

// EnqueueRaw implements delivery.Sink. It applies the 3-strikes slow-client
// policy (§3 Client comment in the teacher, generalized here): a blocked
// send increments sendAttempts; after maxSendAttempts consecutive failures
// the connection is torn down.
func (c *Connection) EnqueueRaw(data []byte, _ bool) error {
	if c.State() == StateClosed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		atomic.StoreInt32(&c.sendAttempts, 0)
		return nil
	default:
		attempts := atomic.AddInt32(&c.sendAttempts, 1)
		if attempts >= maxSendAttempts {
			c.Close()
			return ErrConnectionClosed
		}
		return nil
	}
}

// TrackAck records that sequenceID is awaiting a client TypeAck, for frames
// sent with RequiresAck set (§4.3).
func (c *Connection) TrackAck(sequenceID int64, frameType string) {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	c.awaitingAck[sequenceID] = frameType
}

// Ack removes sequenceID from the awaiting-ack set, reporting whether it was
// present.
func (c *Connection) Ack(sequenceID int64) bool {
	c.ackMu.Lock()
	defer c.ackMu.Unlock()
	if _, ok := c.awaitingAck[sequenceID]; !ok {
		return false
	}
	delete(c.awaitingAck, sequenceID)
	return true
}

// Outbound returns the channel the write pump drains.
func (c *Connection) Outbound() <-chan []byte {
	return c.send
}

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close tears the connection down: stops its pipeline, closes the send
// channel, and closes the underlying socket. Safe to call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.SetState(StateClosed)
		if c.Pipeline != nil {
			c.Pipeline.Close()
		}
		close(c.send)
		c.mu.Lock()
		close(c.closed)
		if c.Conn != nil {
			c.Conn.Close()
		}
		c.mu.Unlock()
	})
}
