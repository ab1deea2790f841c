// Package monitoring collects Prometheus metrics and container-aware
// resource usage, grounded on the teacher's internal/single/monitoring and
// internal/single/platform packages.
package monitoring

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the gateway publishes, all
// registered against a private registry so tests can construct
// independent instances without colliding on the global default registry.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsMax    prometheus.Gauge
	ConnectionsFailed prometheus.Counter

	DisconnectsTotal    *prometheus.CounterVec
	ConnectionDuration  *prometheus.HistogramVec
	ReconnectsTotal     prometheus.Counter

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	BytesSent        prometheus.Counter
	BytesReceived    prometheus.Counter

	BatchesSent         prometheus.Counter
	BatchSize           prometheus.Histogram
	CompressedBatches   prometheus.Counter
	SlowClientsDropped  prometheus.Counter
	RateLimitedTotal    *prometheus.CounterVec
	ReplayRequestsTotal prometheus.Counter

	MemoryUsageBytes prometheus.Gauge
	CPUPercent       prometheus.Gauge
	GoroutinesActive prometheus.Gauge

	CapacityRejections *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec

	AuditEventsTotal *prometheus.CounterVec
}

// New constructs and registers the full metric set under the wsgw_ prefix.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.ConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_connections_total",
		Help: "Total WebSocket connections established.",
	})
	m.ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsgw_connections_active",
		Help: "Current number of active WebSocket connections.",
	})
	m.ConnectionsMax = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsgw_connections_max",
		Help: "Configured maximum concurrent connections.",
	})
	m.ConnectionsFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_connections_failed_total",
		Help: "Total failed upgrade/admission attempts.",
	})
	m.DisconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsgw_disconnects_total",
		Help: "Disconnections by reason and initiator.",
	}, []string{"reason", "initiated_by"})
	m.ConnectionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wsgw_connection_duration_seconds",
		Help:    "Connection lifetime before disconnect.",
		Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
	}, []string{"reason"})
	m.ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_reconnects_total",
		Help: "Total successful reconnection takeovers.",
	})

	m.MessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_messages_sent_total",
		Help: "Total frames sent to clients.",
	})
	m.MessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_messages_received_total",
		Help: "Total frames received from clients.",
	})
	m.BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_bytes_sent_total",
		Help: "Total bytes written to client sockets.",
	})
	m.BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_bytes_received_total",
		Help: "Total bytes read from client sockets.",
	})

	m.BatchesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_batches_sent_total",
		Help: "Total batch frames flushed by the delivery pipeline.",
	})
	m.BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "wsgw_batch_size",
		Help:    "Distribution of messages per flushed batch.",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})
	m.CompressedBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_compressed_batches_total",
		Help: "Total batches gzip-compressed before send.",
	})
	m.SlowClientsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_slow_clients_disconnected_total",
		Help: "Total connections dropped for exceeding the send-attempt budget.",
	})
	m.RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsgw_rate_limited_total",
		Help: "Total requests denied by the per-channel rate limiter.",
	}, []string{"channel"})
	m.ReplayRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wsgw_replay_requests_total",
		Help: "Total message-history replays served on reconnect.",
	})

	m.MemoryUsageBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsgw_memory_bytes",
		Help: "Heap bytes allocated and still in use (runtime MemStats.Alloc).",
	})
	m.CPUPercent = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsgw_cpu_usage_percent",
		Help: "Current CPU usage percentage, container-aware.",
	})
	m.GoroutinesActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wsgw_goroutines_active",
		Help: "Current goroutine count.",
	})

	m.CapacityRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsgw_capacity_rejections_total",
		Help: "Connection admissions rejected by reason.",
	}, []string{"reason"})
	m.ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsgw_errors_total",
		Help: "Errors by type and severity.",
	}, []string{"type", "severity"})

	m.AuditEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wsgw_audit_events_total",
		Help: "Audit events emitted by type and severity.",
	}, []string{"type", "severity"})

	reg.MustRegister(
		m.ConnectionsTotal, m.ConnectionsActive, m.ConnectionsMax, m.ConnectionsFailed,
		m.DisconnectsTotal, m.ConnectionDuration, m.ReconnectsTotal,
		m.MessagesSent, m.MessagesReceived, m.BytesSent, m.BytesReceived,
		m.BatchesSent, m.BatchSize, m.CompressedBatches, m.SlowClientsDropped,
		m.RateLimitedTotal, m.ReplayRequestsTotal,
		m.MemoryUsageBytes, m.CPUPercent, m.GoroutinesActive,
		m.CapacityRejections, m.ErrorsTotal, m.AuditEventsTotal,
	)

	return m
}

// Handler serves the registered metrics for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// CollectRuntime samples process-wide runtime stats. Intended to be called
// from a periodic ticker at the configured metrics interval.
func (m *Metrics) CollectRuntime() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	m.MemoryUsageBytes.Set(float64(mem.Alloc))
	m.GoroutinesActive.Set(float64(runtime.NumGoroutine()))
}

// StartCollector runs CollectRuntime on a ticker until stop is closed.
func (m *Metrics) StartCollector(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.CollectRuntime()
			case <-stop:
				return
			}
		}
	}()
}
