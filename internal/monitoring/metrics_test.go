package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAgainstAPrivateRegistry(t *testing.T) {
	a := New()
	b := New()

	// constructing two instances must not panic (duplicate registration
	// against the shared default registry would panic via MustRegister).
	a.ConnectionsTotal.Inc()
	b.ConnectionsTotal.Inc()
}

func TestHandlerServesRegisteredMetrics(t *testing.T) {
	m := New()
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Set(3)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "wsgw_connections_total") {
		t.Error("expected exported metrics text to include wsgw_connections_total")
	}
	if !strings.Contains(body, "wsgw_connections_active 3") {
		t.Error("expected wsgw_connections_active to reflect the set gauge value")
	}
}

func TestCollectRuntimeUpdatesGauges(t *testing.T) {
	m := New()
	m.CollectRuntime()

	if v := testutil.ToFloat64(m.GoroutinesActive); v <= 0 {
		t.Errorf("GoroutinesActive = %v, want > 0", v)
	}
	if v := testutil.ToFloat64(m.MemoryUsageBytes); v <= 0 {
		t.Errorf("MemoryUsageBytes = %v, want > 0", v)
	}
}

func TestStartCollectorStopsOnSignal(t *testing.T) {
	m := New()
	stop := make(chan struct{})
	m.StartCollector(5*time.Millisecond, stop)

	time.Sleep(20 * time.Millisecond)
	close(stop)

	// collector must not keep running (and panicking on a closed ticker)
	// after stop is closed; sleeping past another tick interval should be
	// a no-op.
	time.Sleep(20 * time.Millisecond)
}
