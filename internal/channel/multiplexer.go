// Package channel implements the Channel Multiplexer (§4.2): per-connection
// subscription bookkeeping, the channel x table subscriber index used for
// table broadcast, and the permission matrix.
package channel

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/poker-ws-gateway/internal/auth"
	"github.com/adred-codev/poker-ws-gateway/internal/registry"
)

// Name is a logical channel namespace (§4.2).
type Name string

const (
	Game      Name = "game"
	Lobby     Name = "lobby"
	Chat      Name = "chat"
	Spectator Name = "spectator"
	Admin     Name = "admin"
)

// Permission is one of the three grantable actions on a channel.
type Permission string

const (
	PermRead      Permission = "read"
	PermWrite     Permission = "write"
	PermBroadcast Permission = "broadcast"
)

// Config is a channel's static configuration row from the §4.2 table.
type Config struct {
	Name             Name
	MaxSubsPerConn   int
	RequiresTable    bool
	Player           []Permission
	Spectator        []Permission
	Admin            []Permission
	RateLimitPerMin  int // 0 = unlimited
}

// Table is the §4.2 channel configuration table.
var Table = map[Name]Config{
	Game: {
		Name: Game, MaxSubsPerConn: 1, RequiresTable: true,
		Player: []Permission{PermRead, PermWrite},
		Admin:  []Permission{PermRead, PermWrite},
	},
	Lobby: {
		Name: Lobby, MaxSubsPerConn: 1, RequiresTable: false,
		Player: []Permission{PermRead}, Spectator: []Permission{PermRead},
		Admin: []Permission{PermRead, PermWrite},
	},
	Chat: {
		Name: Chat, MaxSubsPerConn: 5, RequiresTable: true,
		Player: []Permission{PermRead, PermWrite}, Spectator: []Permission{PermRead},
		Admin: []Permission{PermRead, PermWrite}, RateLimitPerMin: 30,
	},
	Spectator: {
		Name: Spectator, MaxSubsPerConn: 3, RequiresTable: true,
		Spectator: []Permission{PermRead}, Admin: []Permission{PermRead},
	},
	Admin: {
		Name: Admin, MaxSubsPerConn: 1, RequiresTable: false,
		Admin: []Permission{PermRead, PermWrite, PermBroadcast},
	},
}

func permsFor(cfg Config, role auth.Role) []Permission {
	switch role {
	case auth.RoleAdmin:
		return cfg.Admin
	case auth.RoleSpectator:
		return cfg.Spectator
	default:
		return cfg.Player
	}
}

func hasPerm(perms []Permission, want Permission) bool {
	for _, p := range perms {
		if p == want {
			return true
		}
	}
	return false
}

// CheckPermission is the §4.2 check_permission predicate.
func CheckPermission(role auth.Role, ch Name, action Permission) bool {
	cfg, ok := Table[ch]
	if !ok {
		return false
	}
	return hasPerm(permsFor(cfg, role), action)
}

// Subscription is a single (channel, table) binding held by one Connection
// (§3).
type Subscription struct {
	Channel      Name
	TableID      string
	Perms        []Permission
	SubscribedAt time.Time
}

// key identifies a (channel, table) index bucket.
type key struct {
	channel Name
	table   string
}

func (k key) String() string { return fmt.Sprintf("%s:%s", k.channel, k.table) }

// Index is the channel x table subscriber index (§3 Table Membership,
// §4.2), implemented as a lock-free copy-on-write snapshot per bucket —
// the same shape as the teacher's SubscriptionIndex, generalized from a
// bare channel key to a (channel, table) composite key.
type Index struct {
	mu      sync.RWMutex
	buckets map[string]*atomic.Value // key.String() -> []*registry.Connection
}

// NewIndex constructs an empty Index.
func NewIndex() *Index {
	return &Index{buckets: make(map[string]*atomic.Value)}
}

func (idx *Index) bucket(k key) *atomic.Value {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	v, ok := idx.buckets[k.String()]
	if !ok {
		v = &atomic.Value{}
		idx.buckets[k.String()] = v
	}
	return v
}

// Add registers conn as a subscriber of (ch, table).
func (idx *Index) Add(ch Name, table string, conn *registry.Connection) {
	b := idx.bucket(key{ch, table})
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var cur []*registry.Connection
	if v := b.Load(); v != nil {
		cur = v.([]*registry.Connection)
	}
	for _, c := range cur {
		if c == conn {
			return
		}
	}
	next := make([]*registry.Connection, len(cur)+1)
	copy(next, cur)
	next[len(cur)] = conn
	b.Store(next)
}

// Remove unregisters conn from (ch, table).
func (idx *Index) Remove(ch Name, table string, conn *registry.Connection) {
	k := key{ch, table}
	idx.mu.Lock()
	b, ok := idx.buckets[k.String()]
	idx.mu.Unlock()
	if !ok {
		return
	}
	v := b.Load()
	if v == nil {
		return
	}
	cur := v.([]*registry.Connection)
	for i, c := range cur {
		if c == conn {
			next := make([]*registry.Connection, 0, len(cur)-1)
			next = append(next, cur[:i]...)
			next = append(next, cur[i+1:]...)
			b.Store(next)
			if len(next) == 0 {
				idx.mu.Lock()
				delete(idx.buckets, k.String())
				idx.mu.Unlock()
			}
			return
		}
	}
}

// RemoveConnection unregisters conn from every bucket it appears in,
// called on Connection close (§3 Table Membership invariant).
func (idx *Index) RemoveConnection(conn *registry.Connection) {
	idx.mu.RLock()
	keys := make([]string, 0, len(idx.buckets))
	vals := make([]*atomic.Value, 0, len(idx.buckets))
	for k, v := range idx.buckets {
		keys = append(keys, k)
		vals = append(vals, v)
	}
	idx.mu.RUnlock()

	for i, v := range vals {
		raw := v.Load()
		if raw == nil {
			continue
		}
		cur := raw.([]*registry.Connection)
		for j, c := range cur {
			if c == conn {
				next := make([]*registry.Connection, 0, len(cur)-1)
				next = append(next, cur[:j]...)
				next = append(next, cur[j+1:]...)
				v.Store(next)
				if len(next) == 0 {
					idx.mu.Lock()
					delete(idx.buckets, keys[i])
					idx.mu.Unlock()
				}
				break
			}
		}
	}
}

// Get returns the immutable snapshot of subscribers to (ch, table).
func (idx *Index) Get(ch Name, table string) []*registry.Connection {
	idx.mu.RLock()
	b, ok := idx.buckets[(key{ch, table}).String()]
	idx.mu.RUnlock()
	if !ok {
		return nil
	}
	v := b.Load()
	if v == nil {
		return nil
	}
	return v.([]*registry.Connection)
}

// Count returns the number of subscribers to (ch, table).
func (idx *Index) Count(ch Name, table string) int {
	return len(idx.Get(ch, table))
}

// ConnectionSubs tracks the set of Subscriptions belonging to one
// Connection, keyed by (channel, table).
type ConnectionSubs struct {
	mu   sync.RWMutex
	subs map[key]Subscription
}

// NewConnectionSubs constructs an empty per-connection subscription set.
func NewConnectionSubs() *ConnectionSubs {
	return &ConnectionSubs{subs: make(map[key]Subscription)}
}

// Count returns the total number of active subscriptions.
func (cs *ConnectionSubs) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.subs)
}

// CountChannel returns the number of active subscriptions on a given
// channel (across tables), for the per-channel cap check.
func (cs *ConnectionSubs) CountChannel(ch Name) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	n := 0
	for k := range cs.subs {
		if k.channel == ch {
			n++
		}
	}
	return n
}

// Has reports whether (ch, table) is already subscribed.
func (cs *ConnectionSubs) Has(ch Name, table string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.subs[key{ch, table}]
	return ok
}

func (cs *ConnectionSubs) insert(sub Subscription) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.subs[key{sub.Channel, sub.TableID}] = sub
}

func (cs *ConnectionSubs) remove(ch Name, table string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.subs, key{ch, table})
}

// All returns a snapshot of active subscriptions.
func (cs *ConnectionSubs) All() []Subscription {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]Subscription, 0, len(cs.subs))
	for _, s := range cs.subs {
		out = append(out, s)
	}
	return out
}
