package selector_test

import (
	"testing"

	"switchyard/internal/domain"
	"switchyard/internal/selector"
)

func rail(provider, id, class string, feeFixed, feeBps, window int64) domain.RailCapability {
	return domain.RailCapability{
		ProviderID:           provider,
		RailID:               id,
		SettlementClass:      class,
		MinAmountMinor:       1,
		MaxAmountMinor:       100_000_000,
		FeeFixedMinor:        feeFixed,
		FeeBps:               feeBps,
		SettlementWindowSecs: window,
		InstantChannel:       class == domain.SettlementInstant,
	}
}

func healthy(score float64) domain.ProviderHealth {
	return domain.ProviderHealth{State: domain.HealthHealthy, Score: score}
}

func req(urgency string, amount int64) domain.PaymentRequest {
	return domain.PaymentRequest{
		CorrelationID: "c-1",
		AmountMinor:   amount,
		Currency:      "USD",
		Urgency:       urgency,
		PaymentType:   domain.PaymentP2P,
	}
}

func TestStandardUrgencySortsByFee(t *testing.T) {
	eligible := []domain.RailCapability{
		rail("alpha", "alpha-ach", domain.SettlementBatch, 100, 0, 259200),
		rail("beta", "beta-ach", domain.SettlementBatch, 10, 0, 259200),
	}
	health := map[string]domain.ProviderHealth{"alpha": healthy(1), "beta": healthy(1)}
	d := selector.Select(req(domain.UrgencyStandard, 10_000), eligible, health, nil)
	if len(d.Candidates) != 2 {
		t.Fatalf("want 2 candidates, got %d", len(d.Candidates))
	}
	if d.Candidates[0].ProviderID != "beta" {
		t.Fatalf("cheapest first, got %s", d.Candidates[0].ProviderID)
	}
}

func TestInstantUrgencySortsBySettlementWindow(t *testing.T) {
	eligible := []domain.RailCapability{
		rail("alpha", "alpha-rtp", domain.SettlementInstant, 5, 0, 300),
		rail("beta", "beta-usdc", domain.SettlementInstant, 50, 0, 60),
	}
	health := map[string]domain.ProviderHealth{"alpha": healthy(1), "beta": healthy(1)}
	d := selector.Select(req(domain.UrgencyInstant, 10_000), eligible, health, nil)
	if d.Candidates[0].ProviderID != "beta" {
		t.Fatalf("fastest first for instant, got %s", d.Candidates[0].ProviderID)
	}
}

func TestUrgencyFloorExcludesSlowClasses(t *testing.T) {
	eligible := []domain.RailCapability{
		rail("alpha", "alpha-ach", domain.SettlementBatch, 1, 0, 259200),
		rail("alpha", "alpha-wire", domain.SettlementSameDay, 100, 0, 14400),
	}
	health := map[string]domain.ProviderHealth{"alpha": healthy(1)}
	d := selector.Select(req(domain.UrgencyInstant, 10_000), eligible, health, nil)
	if !d.Empty() {
		t.Fatalf("instant urgency must not use batch or same_day rails, got %v", d.Candidates)
	}
	d = selector.Select(req(domain.UrgencyExpress, 10_000), eligible, health, nil)
	if len(d.Candidates) != 1 || d.Candidates[0].RailID != "alpha-wire" {
		t.Fatalf("express should keep only same_day, got %v", d.Candidates)
	}
}

func TestDownProvidersExcluded(t *testing.T) {
	eligible := []domain.RailCapability{
		rail("alpha", "alpha-ach", domain.SettlementBatch, 1, 0, 259200),
		rail("beta", "beta-ach", domain.SettlementBatch, 100, 0, 259200),
	}
	health := map[string]domain.ProviderHealth{
		"alpha": {State: domain.HealthDown, Score: 0},
		"beta":  healthy(1),
	}
	d := selector.Select(req(domain.UrgencyStandard, 10_000), eligible, health, nil)
	if len(d.Candidates) != 1 || d.Candidates[0].ProviderID != "beta" {
		t.Fatalf("down provider must be dropped, got %v", d.Candidates)
	}
}

func TestHealthyRankAheadOfDegraded(t *testing.T) {
	eligible := []domain.RailCapability{
		rail("cheap", "cheap-ach", domain.SettlementBatch, 1, 0, 259200),
		rail("solid", "solid-ach", domain.SettlementBatch, 500, 0, 259200),
	}
	health := map[string]domain.ProviderHealth{
		"cheap": {State: domain.HealthDegraded, Score: 0.5},
		"solid": healthy(1),
	}
	d := selector.Select(req(domain.UrgencyStandard, 10_000), eligible, health, nil)
	if d.Candidates[0].ProviderID != "solid" {
		t.Fatalf("healthy band first even when pricier, got %s", d.Candidates[0].ProviderID)
	}
	if d.Candidates[1].ProviderID != "cheap" {
		t.Fatalf("degraded provider should still be a fallback, got %v", d.Candidates)
	}
}

func TestPreferenceWeightBiasesFee(t *testing.T) {
	eligible := []domain.RailCapability{
		rail("alpha", "alpha-ach", domain.SettlementBatch, 100, 0, 259200),
		rail("beta", "beta-ach", domain.SettlementBatch, 90, 0, 259200),
	}
	health := map[string]domain.ProviderHealth{"alpha": healthy(1), "beta": healthy(1)}
	weights := map[string]float64{"alpha": 0.5}
	d := selector.Select(req(domain.UrgencyStandard, 10_000), eligible, health, weights)
	if d.Candidates[0].ProviderID != "alpha" {
		t.Fatalf("weighted alpha (50) should beat beta (90), got %s", d.Candidates[0].ProviderID)
	}
	if d.Candidates[0].EstimatedFeeMinor != 100 {
		t.Fatalf("recorded fee must stay unbiased, got %d", d.Candidates[0].EstimatedFeeMinor)
	}
}

func TestTieBreakDeterministic(t *testing.T) {
	eligible := []domain.RailCapability{
		rail("zeta", "zeta-ach", domain.SettlementBatch, 10, 0, 259200),
		rail("alpha", "alpha-ach", domain.SettlementBatch, 10, 0, 259200),
	}
	health := map[string]domain.ProviderHealth{"alpha": healthy(1), "zeta": healthy(1)}
	for i := 0; i < 5; i++ {
		d := selector.Select(req(domain.UrgencyStandard, 10_000), eligible, health, nil)
		if d.Candidates[0].ProviderID != "alpha" {
			t.Fatalf("equal fee and score break on provider id, got %s", d.Candidates[0].ProviderID)
		}
	}
}

func TestEstimateFee(t *testing.T) {
	r := rail("alpha", "alpha-ach", domain.SettlementBatch, 25, 15, 259200)
	// 15 bps of 100_000 is 150, plus the fixed 25.
	if got := selector.EstimateFee(r, 100_000); got != 175 {
		t.Fatalf("got %d", got)
	}
}
