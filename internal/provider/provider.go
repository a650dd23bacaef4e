// Package provider defines the capability-typed adapter boundary between the
// orchestrator and external payment providers. Each adapter wraps one
// provider's API: it translates neutral requests into provider calls and
// provider responses/webhooks into neutral results and settlement events.
// Provider-specific branching lives here and nowhere else.
package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"switchyard/internal/domain"
)

// SubmitResult is a provider's synchronous answer to a transfer submission.
// Accepted means the provider queued the transfer; settlement is async.
// A rejection carries Permanent so the orchestrator knows whether to stop
// iterating candidates or fall through to the next one.
type SubmitResult struct {
	Accepted   bool
	ExternalID string
	Code       string
	Reason     string
	Permanent  bool
}

// ProbeResult is a lightweight liveness answer.
type ProbeResult struct {
	Healthy   bool
	LatencyMs int64
}

// Adapter is implemented once per external provider. Submit returns an error
// only for transport-level failures (timeout, connection refused, 5xx); those
// are always transient from the orchestrator's point of view. Business
// rejections come back in SubmitResult.
type Adapter interface {
	ID() string
	// Eligibility answers which of the provider's rails can carry a transfer
	// of amountMinor currency between the two account refs. Amount and
	// currency gates also run centrally against config; the parameters let a
	// provider apply its own account-level limits.
	Eligibility(ctx context.Context, sourceRef, destinationRef string, amountMinor int64, currency string) ([]domain.RailCapability, error)
	Submit(ctx context.Context, req domain.PaymentRequest, rail domain.RailCapability) (SubmitResult, error)
	Status(ctx context.Context, externalID string) (domain.SettlementEvent, error)
	Probe(ctx context.Context) (ProbeResult, error)

	// SignatureHeader names the HTTP header carrying the webhook signature.
	SignatureHeader() string
	// VerifyWebhook checks the provider's HMAC over the raw body. Events that
	// fail verification never reach the reconciler.
	VerifyWebhook(signature string, body []byte) bool
	// ParseWebhook normalizes a provider webhook payload into a neutral
	// settlement event.
	ParseWebhook(body []byte) (domain.SettlementEvent, error)
}

// BatchSubmitter is implemented by adapters that support native
// multi-recipient submission. The orchestrator folds same-rail batch
// recipients into one provider call when available; per-recipient transaction
// semantics are unchanged.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, reqs []domain.PaymentRequest, rail domain.RailCapability) ([]SubmitResult, error)
}

// Registry owns the constructed adapters. Built once at process start and
// injected; there is no ambient global client state.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ID()] = a
	}
	return r
}

func (r *Registry) Get(id string) (Adapter, bool) {
	a, ok := r.adapters[id]
	return a, ok
}

// IDs returns provider ids in stable order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns adapters in stable id order.
func (r *Registry) All() []Adapter {
	ids := r.IDs()
	out := make([]Adapter, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.adapters[id])
	}
	return out
}

// SignHMAC computes the hex HMAC-SHA256 of body under secret. Adapters use it
// for webhook verification; tests use it to forge valid signatures.
func SignHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compares an hex signature against the expected HMAC in constant
// time.
func VerifyHMAC(secret, signature string, body []byte) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := SignHMAC(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
