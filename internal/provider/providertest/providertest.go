// Package providertest holds a scriptable in-memory adapter used by
// orchestrator, reconciler and server tests.
package providertest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"switchyard/internal/domain"
	"switchyard/internal/provider"
)

// Fake implements provider.Adapter with scripted responses. Zero values are
// safe: an unscripted Fake accepts every submission and reports healthy.
type Fake struct {
	mu sync.Mutex

	ProviderID string
	Secret     string

	// Rails returned by Eligibility when EligibilityErr is nil.
	Rails          []domain.RailCapability
	EligibilityErr error

	// SubmitResults is consumed one entry per Submit call; after it is
	// exhausted the corresponding SubmitErrs entry (or an accept) applies.
	SubmitResults []provider.SubmitResult
	SubmitErrs    []error

	ProbeHealthy bool
	ProbeErr     error

	StatusEvent domain.SettlementEvent
	StatusErr   error

	submits   []domain.PaymentRequest
	railIDs   []string
	eligCalls int
	nextID    int
}

func New(id string) *Fake {
	return &Fake{ProviderID: id, Secret: "test-secret-" + id, ProbeHealthy: true}
}

func (f *Fake) ID() string              { return f.ProviderID }
func (f *Fake) SignatureHeader() string { return "X-Test-Signature" }

func (f *Fake) Eligibility(ctx context.Context, sourceRef, destinationRef string, amountMinor int64, currency string) ([]domain.RailCapability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.eligCalls++
	if f.EligibilityErr != nil {
		return nil, f.EligibilityErr
	}
	return f.Rails, nil
}

// EligibilityCalls reports how many times Eligibility ran, for cache tests.
func (f *Fake) EligibilityCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eligCalls
}

func (f *Fake) Submit(ctx context.Context, req domain.PaymentRequest, rail domain.RailCapability) (provider.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, req)
	f.railIDs = append(f.railIDs, rail.RailID)
	n := len(f.submits) - 1
	if n < len(f.SubmitErrs) && f.SubmitErrs[n] != nil {
		return provider.SubmitResult{}, f.SubmitErrs[n]
	}
	if n < len(f.SubmitResults) {
		return f.SubmitResults[n], nil
	}
	f.nextID++
	return provider.SubmitResult{
		Accepted:   true,
		ExternalID: f.ProviderID + "-ext-" + req.CorrelationID,
		Code:       "accepted",
	}, nil
}

func (f *Fake) Status(ctx context.Context, externalID string) (domain.SettlementEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StatusErr != nil {
		return domain.SettlementEvent{}, f.StatusErr
	}
	ev := f.StatusEvent
	ev.ProviderID = f.ProviderID
	if ev.ExternalID == "" {
		ev.ExternalID = externalID
	}
	return ev, nil
}

func (f *Fake) Probe(ctx context.Context) (provider.ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ProbeErr != nil {
		return provider.ProbeResult{}, f.ProbeErr
	}
	return provider.ProbeResult{Healthy: f.ProbeHealthy, LatencyMs: 5}, nil
}

func (f *Fake) VerifyWebhook(signature string, body []byte) bool {
	return provider.VerifyHMAC(f.Secret, signature, body)
}

// ParseWebhook accepts the neutral settlement event shape directly so tests
// can post exactly what they want to observe.
func (f *Fake) ParseWebhook(body []byte) (domain.SettlementEvent, error) {
	return parseNeutral(f.ProviderID, body)
}

// Sign forges a valid webhook signature for body.
func (f *Fake) Sign(body []byte) string {
	return provider.SignHMAC(f.Secret, body)
}

// Submits returns a copy of the requests seen by Submit, in call order.
func (f *Fake) Submits() []domain.PaymentRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PaymentRequest, len(f.submits))
	copy(out, f.submits)
	return out
}

// RailIDs returns the rail ids used by each Submit call, in order.
func (f *Fake) RailIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.railIDs))
	copy(out, f.railIDs)
	return out
}

func parseNeutral(providerID string, body []byte) (domain.SettlementEvent, error) {
	var ev domain.SettlementEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.SettlementEvent{}, fmt.Errorf("test webhook payload: %w", err)
	}
	if ev.ExternalID == "" {
		return domain.SettlementEvent{}, fmt.Errorf("test webhook missing external_id")
	}
	ev.ProviderID = providerID
	return ev, nil
}

// Rail builds a capability on this fake for test setup.
func (f *Fake) Rail(railID, class string, feeFixed int64, windowSecs int64) domain.RailCapability {
	return domain.RailCapability{
		ProviderID:           f.ProviderID,
		RailID:               railID,
		SettlementClass:      class,
		MinAmountMinor:       1,
		MaxAmountMinor:       100_000_000,
		FeeFixedMinor:        feeFixed,
		SettlementWindowSecs: windowSecs,
		InstantChannel:       class == domain.SettlementInstant,
	}
}
