// Package health keeps a rolling in-memory call window per provider and
// derives the healthy/degraded/down state the selector ranks against. State
// is process-local and rebuilt from live traffic after a restart; nothing
// here touches the database.
package health

import (
	"sort"
	"sync"
	"time"

	"switchyard/internal/config"
	"switchyard/internal/domain"
)

const degradedSuccessRate = 0.90

type call struct {
	at        time.Time
	ok        bool
	latencyMs int64
}

type providerState struct {
	mu                  sync.Mutex
	calls               []call
	consecutiveFailures int
	lastProbeAt         time.Time
	probeDown           bool
}

// Registry records call outcomes and probe results per provider.
type Registry struct {
	cfg        config.HealthConfig
	slaTargets map[string]int64

	mu        sync.RWMutex
	providers map[string]*providerState

	Now func() time.Time
}

func NewRegistry(cfg *config.Config) *Registry {
	slas := make(map[string]int64, len(cfg.Providers))
	for _, p := range cfg.Providers {
		slas[p.ID] = p.SLATargetMs
	}
	r := &Registry{
		cfg:        cfg.Health,
		slaTargets: slas,
		providers:  make(map[string]*providerState),
		Now:        time.Now,
	}
	for _, p := range cfg.Providers {
		r.providers[p.ID] = &providerState{}
	}
	return r
}

func (r *Registry) state(providerID string) *providerState {
	r.mu.RLock()
	ps, ok := r.providers[providerID]
	r.mu.RUnlock()
	if ok {
		return ps
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok = r.providers[providerID]; ok {
		return ps
	}
	ps = &providerState{}
	r.providers[providerID] = ps
	return ps
}

// Record adds one call outcome to the provider's rolling window. Transport
// failures and timeouts count as failed calls; business rejections do not
// reach here because the provider itself behaved.
func (r *Registry) Record(providerID string, ok bool, latencyMs int64) {
	ps := r.state(providerID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.calls = append(ps.calls, call{at: r.Now(), ok: ok, latencyMs: latencyMs})
	if over := len(ps.calls) - r.windowCalls(); over > 0 {
		ps.calls = ps.calls[over:]
	}
	if ok {
		ps.consecutiveFailures = 0
	} else {
		ps.consecutiveFailures++
	}
}

// RecordProbe feeds an active liveness probe into the window. A failed probe
// marks the provider down immediately regardless of the failure streak; a
// successful probe clears that flag.
func (r *Registry) RecordProbe(providerID string, healthy bool, latencyMs int64) {
	ps := r.state(providerID)
	ps.mu.Lock()
	ps.lastProbeAt = r.Now()
	ps.probeDown = !healthy
	ps.mu.Unlock()
	r.Record(providerID, healthy, latencyMs)
}

// Get returns the current health snapshot for one provider. Providers with no
// recorded calls are healthy with a neutral score.
func (r *Registry) Get(providerID string) domain.ProviderHealth {
	ps := r.state(providerID)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return r.derive(providerID, ps)
}

// Snapshot returns health for every known provider keyed by id.
func (r *Registry) Snapshot() map[string]domain.ProviderHealth {
	r.mu.RLock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	out := make(map[string]domain.ProviderHealth, len(ids))
	for _, id := range ids {
		out[id] = r.Get(id)
	}
	return out
}

func (r *Registry) derive(providerID string, ps *providerState) domain.ProviderHealth {
	cutoff := r.Now().Add(-r.windowDuration())
	var recent []call
	for _, c := range ps.calls {
		if !c.at.Before(cutoff) {
			recent = append(recent, c)
		}
	}
	h := domain.ProviderHealth{
		ProviderID:          providerID,
		State:               domain.HealthHealthy,
		Score:               1.0,
		SuccessRate:         1.0,
		ConsecutiveFailures: ps.consecutiveFailures,
	}
	if !ps.lastProbeAt.IsZero() {
		h.LastProbeAt = ps.lastProbeAt.UTC().Format(time.RFC3339)
	}
	if len(recent) > 0 {
		succeeded := 0
		latencies := make([]int64, 0, len(recent))
		for _, c := range recent {
			if c.ok {
				succeeded++
			}
			latencies = append(latencies, c.latencyMs)
		}
		h.SuccessRate = float64(succeeded) / float64(len(recent))
		h.P95LatencyMs = percentile95(latencies)
	}

	sla := r.slaTargets[providerID]
	latencyFactor := 1.0
	if sla > 0 && h.P95LatencyMs > sla {
		latencyFactor = float64(sla) / float64(h.P95LatencyMs)
	}
	h.Score = h.SuccessRate * latencyFactor

	switch {
	case ps.probeDown || ps.consecutiveFailures >= r.downAfter():
		h.State = domain.HealthDown
		h.Score = 0
	case h.SuccessRate < degradedSuccessRate || (sla > 0 && h.P95LatencyMs > 2*sla):
		h.State = domain.HealthDegraded
	}
	return h
}

func (r *Registry) windowCalls() int {
	if r.cfg.WindowCalls > 0 {
		return r.cfg.WindowCalls
	}
	return 50
}

func (r *Registry) windowDuration() time.Duration {
	if r.cfg.WindowSeconds > 0 {
		return time.Duration(r.cfg.WindowSeconds) * time.Second
	}
	return 10 * time.Minute
}

func (r *Registry) downAfter() int {
	if r.cfg.DownAfterFailures > 0 {
		return r.cfg.DownAfterFailures
	}
	return 5
}

func percentile95(latencies []int64) int64 {
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	idx := (95*len(latencies) + 99) / 100
	if idx > 0 {
		idx--
	}
	return latencies[idx]
}
