package health_test

import (
	"testing"
	"time"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/health"
)

func newRegistry(t *testing.T) (*health.Registry, *time.Time) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Service.ID = "test"
	cfg.Providers = []config.ProviderConfig{{ID: "alpha", Kind: "tempo", SLATargetMs: 1000, Rails: []config.RailConfig{{
		ID: "alpha-usdc", SettlementClass: domain.SettlementInstant, Currencies: []string{"USD"},
	}}}}
	cfg.Health = config.HealthConfig{DownAfterFailures: 5, WindowCalls: 50, WindowSeconds: 600}
	reg := health.NewRegistry(cfg)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	reg.Now = func() time.Time { return now }
	return reg, &now
}

func TestHealthyByDefault(t *testing.T) {
	reg, _ := newRegistry(t)
	h := reg.Get("alpha")
	if h.State != domain.HealthHealthy || h.Score != 1.0 {
		t.Fatalf("untouched provider should be healthy, got %+v", h)
	}
}

func TestDownAfterConsecutiveFailures(t *testing.T) {
	reg, _ := newRegistry(t)
	for i := 0; i < 4; i++ {
		reg.Record("alpha", false, 100)
	}
	if h := reg.Get("alpha"); h.State == domain.HealthDown {
		t.Fatalf("4 failures should not mark down yet, got %+v", h)
	}
	reg.Record("alpha", false, 100)
	h := reg.Get("alpha")
	if h.State != domain.HealthDown || h.Score != 0 {
		t.Fatalf("5th consecutive failure marks down, got %+v", h)
	}
	// One success resets the streak.
	reg.Record("alpha", true, 100)
	if h := reg.Get("alpha"); h.State == domain.HealthDown {
		t.Fatalf("success should clear the down streak, got %+v", h)
	}
}

func TestDegradedOnLowSuccessRate(t *testing.T) {
	reg, _ := newRegistry(t)
	for i := 0; i < 8; i++ {
		reg.Record("alpha", true, 100)
	}
	reg.Record("alpha", false, 100)
	reg.Record("alpha", true, 100)
	h := reg.Get("alpha")
	// 9/10 is exactly the threshold; one more failure tips it.
	reg.Record("alpha", false, 100)
	h = reg.Get("alpha")
	if h.State != domain.HealthDegraded {
		t.Fatalf("success rate below 0.9 should degrade, got %+v", h)
	}
	if h.SuccessRate >= 0.9 {
		t.Fatalf("success rate should be below 0.9, got %f", h.SuccessRate)
	}
}

func TestDegradedOnHighLatency(t *testing.T) {
	reg, _ := newRegistry(t)
	for i := 0; i < 10; i++ {
		reg.Record("alpha", true, 5000) // far past the 1000ms SLA target
	}
	h := reg.Get("alpha")
	if h.State != domain.HealthDegraded {
		t.Fatalf("p95 over 2x sla target should degrade, got %+v", h)
	}
	if h.Score >= 1.0 {
		t.Fatalf("latency must dent the score, got %f", h.Score)
	}
}

func TestFailedProbeMarksDownImmediately(t *testing.T) {
	reg, _ := newRegistry(t)
	reg.Record("alpha", true, 100)
	reg.RecordProbe("alpha", false, 0)
	if h := reg.Get("alpha"); h.State != domain.HealthDown {
		t.Fatalf("failed probe marks down without waiting for a streak, got %+v", h)
	}
	reg.RecordProbe("alpha", true, 50)
	if h := reg.Get("alpha"); h.State == domain.HealthDown {
		t.Fatalf("healthy probe clears the probe-down flag, got %+v", h)
	}
}

func TestWindowExpiresOldCalls(t *testing.T) {
	reg, now := newRegistry(t)
	for i := 0; i < 4; i++ {
		reg.Record("alpha", false, 100)
	}
	*now = now.Add(11 * time.Minute)
	reg.Record("alpha", true, 100)
	h := reg.Get("alpha")
	if h.SuccessRate != 1.0 {
		t.Fatalf("calls outside the window must not count, got %+v", h)
	}
}

func TestSnapshotCoversConfiguredProviders(t *testing.T) {
	reg, _ := newRegistry(t)
	snap := reg.Snapshot()
	if _, ok := snap["alpha"]; !ok {
		t.Fatalf("configured provider missing from snapshot: %v", snap)
	}
}
