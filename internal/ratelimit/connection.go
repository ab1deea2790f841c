package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnectionLimiterConfig controls the upgrade-path admission limiter,
// grounded on the teacher's per-IP + global golang.org/x/time/rate pairing.
type ConnectionLimiterConfig struct {
	IPBurst     int
	IPRate      float64
	IPTTL       time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func (c *ConnectionLimiterConfig) applyDefaults() {
	if c.IPBurst == 0 {
		c.IPBurst = 10
	}
	if c.IPRate == 0 {
		c.IPRate = 1.0
	}
	if c.IPTTL == 0 {
		c.IPTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 300
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 50.0
	}
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// ConnectionLimiter is a DoS guard in front of the WebSocket upgrade
// handler: a per-IP bucket and a global bucket, both token-bucket (x/time/rate).
type ConnectionLimiter struct {
	cfg ConnectionLimiterConfig

	mu  sync.Mutex
	ips map[string]*ipEntry

	global *rate.Limiter

	stop chan struct{}
}

// NewConnectionLimiter constructs a ConnectionLimiter and starts its idle-IP
// cleanup loop.
func NewConnectionLimiter(cfg ConnectionLimiterConfig) *ConnectionLimiter {
	cfg.applyDefaults()
	cl := &ConnectionLimiter{
		cfg:    cfg,
		ips:    make(map[string]*ipEntry),
		global: rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		stop:   make(chan struct{}),
	}
	go cl.cleanupLoop()
	return cl
}

// Allow reports whether a new upgrade attempt from ip may proceed.
func (cl *ConnectionLimiter) Allow(ip string) bool {
	if !cl.global.Allow() {
		return false
	}

	cl.mu.Lock()
	entry, ok := cl.ips[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(cl.cfg.IPRate), cl.cfg.IPBurst)}
		cl.ips[ip] = entry
	}
	entry.lastAccess = time.Now()
	cl.mu.Unlock()

	return entry.limiter.Allow()
}

func (cl *ConnectionLimiter) cleanupLoop() {
	ticker := time.NewTicker(cl.cfg.IPTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cl.mu.Lock()
			cutoff := time.Now().Add(-cl.cfg.IPTTL)
			for ip, e := range cl.ips {
				if e.lastAccess.Before(cutoff) {
					delete(cl.ips, ip)
				}
			}
			cl.mu.Unlock()
		case <-cl.stop:
			return
		}
	}
}

// Close stops the cleanup loop.
func (cl *ConnectionLimiter) Close() { close(cl.stop) }

// ClientIP extracts the caller's IP the same way the teacher's upgrade
// handler does: X-Forwarded-For first, then RemoteAddr.
func ClientIP(forwardedFor, remoteAddr string) string {
	if forwardedFor != "" {
		for i := 0; i < len(forwardedFor); i++ {
			if forwardedFor[i] == ',' {
				return forwardedFor[:i]
			}
		}
		return forwardedFor
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
