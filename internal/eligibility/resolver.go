// Package eligibility resolves the set of (provider, rail) pairs a concrete
// payment request may use. It combines static config gates (currency, amount
// bounds, KYC tier) with each provider's own account-level answer, cached for
// a short TTL so hot senders do not hammer provider APIs.
package eligibility

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/provider"
)

type cacheKey struct {
	providerID     string
	sourceRef      string
	destinationRef string
	amountMinor    int64
	currency       string
}

type cacheEntry struct {
	rails     []domain.RailCapability
	eligErr   *domain.EligibilityError
	fetchedAt time.Time
}

// Resolver answers "which rails can this request use". Stateless apart from
// the TTL cache of provider eligibility answers.
type Resolver struct {
	cfg      *config.Config
	registry *provider.Registry
	log      zerolog.Logger
	ttl      time.Duration
	railFX   map[string]map[string]bool
	mu       sync.Mutex
	cache    map[cacheKey]cacheEntry
	Now      func() time.Time
}

func NewResolver(cfg *config.Config, registry *provider.Registry, log zerolog.Logger) *Resolver {
	ttl := 300 * time.Second
	if cfg.Eligibility.CacheTTLSeconds > 0 {
		ttl = time.Duration(cfg.Eligibility.CacheTTLSeconds) * time.Second
	}
	// Currency gates live in config, not on the capability, so index them up
	// front by provider/rail.
	railFX := make(map[string]map[string]bool)
	for _, p := range cfg.Providers {
		for _, rail := range p.Rails {
			set := make(map[string]bool, len(rail.Currencies))
			for _, c := range rail.Currencies {
				set[c] = true
			}
			railFX[p.ID+"/"+rail.ID] = set
		}
	}
	return &Resolver{
		cfg:      cfg,
		registry: registry,
		log:      log.With().Str("component", "eligibility").Logger(),
		ttl:      ttl,
		railFX:   railFX,
		cache:    make(map[cacheKey]cacheEntry),
		Now:      time.Now,
	}
}

// Resolve returns every rail the request may use, unranked. An empty result
// with a nil error means no rail is eligible; the caller decides how to
// report that. A non-nil EligibilityError means no provider recognizes the
// account refs at all.
func (r *Resolver) Resolve(ctx context.Context, req domain.PaymentRequest) ([]domain.RailCapability, error) {
	kycClasses := make(map[string]bool)
	for _, class := range r.cfg.KYCClasses(req.KYCTier) {
		kycClasses[class] = true
	}

	var out []domain.RailCapability
	var firstEligErr *domain.EligibilityError
	answered := false
	for _, adapter := range r.registry.All() {
		rails, eligErr, err := r.providerRails(ctx, adapter, req)
		if err != nil {
			// A provider we cannot reach is simply not a candidate right now.
			r.log.Warn().Err(err).Str("provider", adapter.ID()).Msg("eligibility lookup failed")
			continue
		}
		if eligErr != nil {
			if firstEligErr == nil {
				firstEligErr = eligErr
			}
			continue
		}
		answered = true
		for _, rail := range rails {
			if !r.railAllows(rail, req, kycClasses) {
				continue
			}
			out = append(out, rail)
		}
	}
	if !answered && firstEligErr != nil {
		return nil, *firstEligErr
	}
	return out, nil
}

// Invalidate drops any cached answers for a source/destination pair. Used
// after account-level provider rejections so the next request re-asks.
func (r *Resolver) Invalidate(sourceRef, destinationRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range r.cache {
		if key.sourceRef == sourceRef && key.destinationRef == destinationRef {
			delete(r.cache, key)
		}
	}
}

// providerRails returns one provider's cached answer for the request. Amount
// and currency are part of the key because providers may gate on them.
func (r *Resolver) providerRails(ctx context.Context, adapter provider.Adapter, req domain.PaymentRequest) ([]domain.RailCapability, *domain.EligibilityError, error) {
	key := cacheKey{
		providerID:     adapter.ID(),
		sourceRef:      req.SourceRef,
		destinationRef: req.DestinationRef,
		amountMinor:    req.AmountMinor,
		currency:       req.Currency,
	}
	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if ok && r.Now().Sub(entry.fetchedAt) < r.ttl {
		return entry.rails, entry.eligErr, nil
	}

	rails, err := adapter.Eligibility(ctx, req.SourceRef, req.DestinationRef, req.AmountMinor, req.Currency)
	if err != nil {
		var eligErr domain.EligibilityError
		if errors.As(err, &eligErr) {
			r.store(key, nil, &eligErr)
			return nil, &eligErr, nil
		}
		return nil, nil, err
	}
	r.store(key, rails, nil)
	return rails, nil, nil
}

func (r *Resolver) store(key cacheKey, rails []domain.RailCapability, eligErr *domain.EligibilityError) {
	r.mu.Lock()
	r.cache[key] = cacheEntry{rails: rails, eligErr: eligErr, fetchedAt: r.Now()}
	r.mu.Unlock()
}

func (r *Resolver) railAllows(rail domain.RailCapability, req domain.PaymentRequest, kycClasses map[string]bool) bool {
	if !kycClasses[rail.SettlementClass] {
		return false
	}
	if fx, ok := r.railFX[rail.ProviderID+"/"+rail.RailID]; ok && !fx[req.Currency] {
		return false
	}
	if rail.MinAmountMinor > 0 && req.AmountMinor < rail.MinAmountMinor {
		return false
	}
	if rail.MaxAmountMinor > 0 && req.AmountMinor > rail.MaxAmountMinor {
		return false
	}
	return true
}
