package channel

import (
	"errors"
	"sync"
	"time"

	"github.com/adred-codev/poker-ws-gateway/internal/registry"
)

// Errors returned by Subscribe/Unsubscribe, surfaced as the §4.2 error
// strings.
var (
	ErrInvalidChannel        = errors.New("invalid channel")
	ErrInsufficientPerms     = errors.New("insufficient permissions")
	ErrTableIDRequired       = errors.New("table id required")
	ErrChannelSubsExceeded   = errors.New("maximum subscriptions for channel reached")
	ErrTotalSubsExceeded     = errors.New("maximum channel subscriptions exceeded")
	ErrNotSubscribed         = errors.New("not subscribed")
)

// maxChannelsPerConnection bounds total subscriptions across all channels
// (§3 Subscription invariant).
const maxChannelsPerConnection = 10

// Multiplexer implements subscribe/unsubscribe (§4.2) on top of the
// channel x table Index and per-connection subscription sets.
type Multiplexer struct {
	index *Index

	mu   sync.RWMutex
	subs map[string]*ConnectionSubs // connection id -> its subscriptions
}

// NewMultiplexer constructs a Multiplexer backed by a fresh Index.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		index: NewIndex(),
		subs:  make(map[string]*ConnectionSubs),
	}
}

// Index exposes the underlying channel x table subscriber index, used by
// the Pool Manager's broadcastToTable (§4.6).
func (m *Multiplexer) Index() *Index { return m.index }

func (m *Multiplexer) connSubs(conn *registry.Connection) *ConnectionSubs {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.subs[conn.ID]
	if !ok {
		cs = NewConnectionSubs()
		m.subs[conn.ID] = cs
	}
	return cs
}

// Subscribe validates and installs a (channel, table) Subscription for
// conn, per the §4.2 contract.
func (m *Multiplexer) Subscribe(conn *registry.Connection, ch Name, tableID string) (Subscription, error) {
	cfg, ok := Table[ch]
	if !ok {
		return Subscription{}, ErrInvalidChannel
	}
	if cfg.RequiresTable && tableID == "" {
		return Subscription{}, ErrTableIDRequired
	}

	perms := permsFor(cfg, conn.Principal.Role)
	if !hasPerm(perms, PermRead) {
		return Subscription{}, ErrInsufficientPerms
	}

	cs := m.connSubs(conn)
	if cs.Has(ch, tableID) {
		// idempotent resubscribe: return existing grant
		for _, s := range cs.All() {
			if s.Channel == ch && s.TableID == tableID {
				return s, nil
			}
		}
	}

	if cfg.MaxSubsPerConn > 0 && cs.CountChannel(ch) >= cfg.MaxSubsPerConn {
		return Subscription{}, ErrChannelSubsExceeded
	}
	if cs.Count() >= maxChannelsPerConnection {
		return Subscription{}, ErrTotalSubsExceeded
	}

	sub := Subscription{Channel: ch, TableID: tableID, Perms: perms, SubscribedAt: time.Now()}
	cs.insert(sub)
	m.index.Add(ch, tableID, conn)
	return sub, nil
}

// Unsubscribe removes a previously-installed Subscription for conn.
func (m *Multiplexer) Unsubscribe(conn *registry.Connection, ch Name, tableID string) error {
	cs := m.connSubs(conn)
	if !cs.Has(ch, tableID) {
		return ErrNotSubscribed
	}
	cs.remove(ch, tableID)
	m.index.Remove(ch, tableID, conn)
	return nil
}

// Subscriptions returns a snapshot of conn's active subscriptions.
func (m *Multiplexer) Subscriptions(conn *registry.Connection) []Subscription {
	return m.connSubs(conn).All()
}

// OnDisconnect tears down all of conn's subscriptions (§3 Table
// Membership invariant: on close, index entries are removed).
func (m *Multiplexer) OnDisconnect(conn *registry.Connection) {
	m.index.RemoveConnection(conn)
	m.mu.Lock()
	delete(m.subs, conn.ID)
	m.mu.Unlock()
}
