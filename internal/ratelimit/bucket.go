// Package ratelimit implements the per-(principal, channel[, table]) token
// bucket rate limiter (§4.4) and the upgrade-path connection-admission
// limiter used by the gateway's upgrade handler (§4.6).
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// TokenBucket is the token-bucket primitive backing every rate-limited
// key. Unlike golang.org/x/time/rate.Limiter, this is cheap to key by an
// arbitrary string and to garbage-collect once idle, which the per-key
// sharding in §4.4 requires.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket constructs a bucket starting full.
func NewTokenBucket(maxTokens, refillRate float64) *TokenBucket {
	return &TokenBucket{tokens: maxTokens, maxTokens: maxTokens, refillRate: refillRate, lastRefill: time.Now()}
}

// Result is the outcome of a TryConsume call (§4.4 steps 2-3).
type Result struct {
	Allowed    bool
	Remaining  float64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// TryConsume refills the bucket proportionally to elapsed time, then
// attempts to consume n tokens.
func (tb *TokenBucket) TryConsume(n float64) Result {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= n {
		tb.tokens -= n
		return Result{Allowed: true, Remaining: tb.tokens, ResetAt: now}
	}

	deficit := n - tb.tokens
	retryAfter := time.Duration(deficit/tb.refillRate*1000) * time.Millisecond
	return Result{Allowed: false, Remaining: tb.tokens, RetryAfter: retryAfter}
}

// idleStale reports whether the bucket is full (as of its last refill) and hasn't been touched
// for more than 2x its nominal refill window — eligible for GC (§3, §4.4).
func (tb *TokenBucket) idleStale(window time.Duration) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens >= tb.maxTokens-0.0001 && time.Since(tb.lastRefill) > 2*window
}

// Key identifies one rate-limit bucket: (principal, channel[, table]) (§3).
type Key struct {
	Principal string
	Channel   string
	Table     string
}

func (k Key) String() string {
	if k.Table == "" {
		return fmt.Sprintf("%s|%s", k.Principal, k.Channel)
	}
	return fmt.Sprintf("%s|%s|%s", k.Principal, k.Channel, k.Table)
}

// BlockedCounter is notified whenever a key denies a request, so the
// gateway can forward a count to the audit sink (§4.4 Observability).
type BlockedCounter func(key Key)

// Manager owns one TokenBucket per Key and idle-collects full, stale
// buckets (§3).
type Manager struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	onBlock BlockedCounter
}

// NewManager constructs an empty Manager. onBlock may be nil.
func NewManager(onBlock BlockedCounter) *Manager {
	return &Manager{buckets: make(map[string]*TokenBucket), onBlock: onBlock}
}

// Check runs the §4.4 algorithm for key, creating its bucket on first use
// with the given (maxTokens, refillRate). maxTokens/refillRate are derived
// from channel config and are only used the first time a key is seen.
func (m *Manager) Check(key Key, maxTokens, refillPerSec float64) Result {
	m.mu.Lock()
	b, ok := m.buckets[key.String()]
	if !ok {
		b = NewTokenBucket(maxTokens, refillPerSec)
		m.buckets[key.String()] = b
	}
	m.mu.Unlock()

	res := b.TryConsume(1)
	if !res.Allowed && m.onBlock != nil {
		m.onBlock(key)
	}
	return res
}

// GCIdle removes buckets that are full and have been idle for more than
// 2x window. Intended to be called from the periodic cleanup task (§5).
func (m *Manager) GCIdle(window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, b := range m.buckets {
		if b.idleStale(window) {
			delete(m.buckets, k)
			removed++
		}
	}
	return removed
}
