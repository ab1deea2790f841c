package registry

import (
	"sync"
)

// Registry indexes live Connections by connection id and by principal
// (§3, §8 invariant: at most one open Connection per principal).
type Registry struct {
	mu          sync.RWMutex
	byID        map[string]*Connection
	byPrincipal map[string]*Connection
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		byID:        make(map[string]*Connection),
		byPrincipal: make(map[string]*Connection),
	}
}

// Insert installs conn under both indices. Callers must ensure any prior
// Connection for the same principal has already been evicted (§4.6
// addConnection step 4) — Insert itself does not enforce the invariant.
func (r *Registry) Insert(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[conn.ID] = conn
	r.byPrincipal[conn.Principal.UserID] = conn
}

// Get resolves a connection id to its Connection, or ok=false if it has
// since terminated.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// GetByPrincipal resolves the (at most one) live Connection for a user id.
func (r *Registry) GetByPrincipal(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byPrincipal[userID]
	return c, ok
}

// Remove evicts a connection from both indices. It does not close the
// connection; callers close before or after removing depending on context.
func (r *Registry) Remove(conn *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, conn.ID)
	if existing, ok := r.byPrincipal[conn.Principal.UserID]; ok && existing == conn {
		delete(r.byPrincipal, conn.Principal.UserID)
	}
}

// Count returns the number of live (indexed) connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot slice of all live connections. Safe to iterate
// without holding the registry lock.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}
