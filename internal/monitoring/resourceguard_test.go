package monitoring

import (
	"testing"
	"time"
)

func TestNewResourceGuardReportsKnownMode(t *testing.T) {
	g := NewResourceGuard(90, 80)
	if g.Mode() != "host" && g.Mode() != "container" {
		t.Fatalf("Mode() = %q, want host or container", g.Mode())
	}
}

func TestAllowConnectionMatchesRejectThreshold(t *testing.T) {
	g := NewResourceGuard(90, 80)

	allowed, pct := g.AllowConnection()
	if allowed != (pct < 90) {
		t.Errorf("AllowConnection() = (%v, %v), inconsistent with rejectThreshold=90", allowed, pct)
	}
}

func TestShouldShedMatchesPauseThreshold(t *testing.T) {
	g := NewResourceGuard(90, 0) // pauseThreshold=0 forces ShouldShed true for any non-negative reading
	if !g.ShouldShed() {
		t.Error("expected ShouldShed() to be true once usage is at or above a zero pause threshold")
	}
}

func TestAllowConnectionDefaultsToAllowedOnSampleError(t *testing.T) {
	g := &ResourceGuard{mode: "container", cc: &containerCPU{cgroupPath: "/nonexistent", lastSampleTime: time.Now()}, rejectThreshold: 50}
	allowed, pct := g.AllowConnection()
	if !allowed || pct != 0 {
		t.Errorf("AllowConnection() on sample error = (%v, %v), want (true, 0) fail-open behavior", allowed, pct)
	}
}
