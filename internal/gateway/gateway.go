// Package gateway wires the Connection Registry, Channel Multiplexer,
// Pool Manager, Lifecycle Supervisor, rate limiters, and external adapter
// shims into the HTTP upgrade handler and inbound dispatcher (§4).
package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/poker-ws-gateway/internal/adapters"
	"github.com/adred-codev/poker-ws-gateway/internal/auth"
	"github.com/adred-codev/poker-ws-gateway/internal/channel"
	"github.com/adred-codev/poker-ws-gateway/internal/config"
	"github.com/adred-codev/poker-ws-gateway/internal/delivery"
	"github.com/adred-codev/poker-ws-gateway/internal/lifecycle"
	"github.com/adred-codev/poker-ws-gateway/internal/monitoring"
	"github.com/adred-codev/poker-ws-gateway/internal/pool"
	"github.com/adred-codev/poker-ws-gateway/internal/ratelimit"
	"github.com/adred-codev/poker-ws-gateway/internal/registry"
)

// Adapters bundles the four external collaborator shims (§6, §9).
type Adapters struct {
	Chat        adapters.ChatModerator
	Game        adapters.GameEngine
	Persistence adapters.Persistence
	Audit       adapters.AuditSink
}

// Gateway is the single composition root replacing the teacher's package
// globals: every piece of shared state hangs off one struct (§9 composition
// notes).
type Gateway struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *monitoring.Metrics
	guard   *monitoring.ResourceGuard

	verifier auth.Verifier

	registry *registry.Registry
	mux      *channel.Multiplexer
	pool     *pool.Manager
	super    *lifecycle.Supervisor
	hist     *lifecycle.HistoryStore

	connLimiter *ratelimit.ConnectionLimiter
	rateLimit   *ratelimit.Manager

	adapters Adapters

	shuttingDown int32
	seq          atomic.Int64 // per-instance outbound frame sequence (§5)
}

// nextSequence returns the next monotonically increasing sequence id,
// stamped onto every frame recorded to table history so Since() replay can
// filter on it (§4.7, §5).
func (g *Gateway) nextSequence() int64 {
	return g.seq.Add(1)
}

// New constructs a Gateway from its fully-resolved dependencies.
func New(cfg *config.Config, log zerolog.Logger, metrics *monitoring.Metrics, verifier auth.Verifier, ad Adapters) *Gateway {
	guard := monitoring.NewResourceGuard(cfg.CPURejectThreshold, cfg.CPUPauseThreshold)

	reg := registry.New()
	mux := channel.NewMultiplexer()

	deliveryCfg := delivery.Config{
		BatchWindow:            cfg.BatchWindow,
		MaxBatchSize:           cfg.MaxBatchSize,
		EnableAdaptiveBatching: cfg.EnableAdaptiveBatching,
		EnableDeduplication:    cfg.EnableDeduplication,
		EnableBatchCompression: cfg.EnableBatchCompression,
		CompressionThreshold:   cfg.CompressionThreshold,
	}

	poolCfg := pool.Config{
		MaxConnectionsPerTable: cfg.MaxConnectionsPerTable,
		MaxTotalConnections:    cfg.MaxTotalConnections,
		IdleTimeout:            cfg.IdleTimeout,
	}
	poolMgr := pool.New(poolCfg, deliveryCfg, reg, mux, log)

	hist := lifecycle.NewHistoryStore()

	superCfg := lifecycle.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		GraceWindow:       cfg.GraceWindow,
	}
	super := lifecycle.New(superCfg, poolMgr, mux, ad.Game, hist, log)

	connLimiterCfg := ratelimit.ConnectionLimiterConfig{}
	connLimiter := ratelimit.NewConnectionLimiter(connLimiterCfg)

	var auditCounter ratelimit.BlockedCounter
	if ad.Audit != nil {
		auditCounter = func(key ratelimit.Key) {
			metrics.RateLimitedTotal.WithLabelValues(key.Channel).Inc()
			_ = ad.Audit.Emit(context.Background(), adapters.AuditEvent{
				Type:     "rate_limit_exceeded",
				Severity: adapters.SeverityWarning,
				Metadata: map[string]any{"principal": key.Principal, "channel": key.Channel, "table": key.Table},
				At:       time.Now(),
			})
		}
	}
	rl := ratelimit.NewManager(auditCounter)

	return &Gateway{
		cfg:         cfg,
		log:         log,
		metrics:     metrics,
		guard:       guard,
		verifier:    verifier,
		registry:    reg,
		mux:         mux,
		pool:        poolMgr,
		super:       super,
		hist:        hist,
		connLimiter: connLimiter,
		rateLimit:   rl,
		adapters:    ad,
	}
}

// BeginShutdown marks the gateway as draining: new upgrades are rejected
// and every live connection is closed.
func (g *Gateway) BeginShutdown() {
	atomic.StoreInt32(&g.shuttingDown, 1)
	g.connLimiter.Close()
	g.pool.Shutdown()
}

func (g *Gateway) isShuttingDown() bool {
	return atomic.LoadInt32(&g.shuttingDown) == 1
}

// StartBackgroundTasks launches periodic idle eviction, rate-limit bucket
// GC, and runtime metric collection. Call once after construction.
func (g *Gateway) StartBackgroundTasks(stop <-chan struct{}) {
	g.metrics.StartCollector(g.cfg.MetricsInterval, stop)

	idleTicker := time.NewTicker(g.cfg.IdleTimeout / 2)
	gcTicker := time.NewTicker(5 * time.Minute)
	go func() {
		defer idleTicker.Stop()
		defer gcTicker.Stop()
		for {
			select {
			case <-idleTicker.C:
				if n := g.pool.EvictIdle(); n > 0 {
					g.log.Info().Int("count", n).Msg("evicted idle connections")
				}
			case <-gcTicker.C:
				if n := g.rateLimit.GCIdle(time.Minute); n > 0 {
					g.log.Debug().Int("count", n).Msg("garbage collected idle rate limit buckets")
				}
			case <-stop:
				return
			}
		}
	}()
}

