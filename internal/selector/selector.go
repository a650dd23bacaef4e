// Package selector ranks eligible rails into a routing decision. Pure and
// deterministic: same inputs, same candidate order. All live state (health,
// eligibility) arrives as arguments so decisions are replayable from the
// audit trail.
package selector

import (
	"sort"

	"switchyard/internal/domain"
)

// Select ranks eligible rails for one request. Down providers are excluded
// entirely. Healthy providers always rank ahead of degraded ones; inside a
// band the cost objective depends on urgency: speed-sensitive classes sort by
// settlement window, cost-sensitive classes by estimated fee. Preference
// weights bias the fee a provider appears to charge.
func Select(req domain.PaymentRequest, eligible []domain.RailCapability, health map[string]domain.ProviderHealth, weights map[string]float64) domain.RoutingDecision {
	floor := make(map[string]bool)
	for _, class := range domain.UrgencyFloor(req.Urgency) {
		floor[class] = true
	}

	type ranked struct {
		cand      domain.RouteCandidate
		band      int // 0 healthy, 1 degraded
		biasedFee float64
	}
	var rows []ranked
	for _, rail := range eligible {
		if !floor[rail.SettlementClass] {
			continue
		}
		h, ok := health[rail.ProviderID]
		if !ok {
			h = domain.ProviderHealth{ProviderID: rail.ProviderID, State: domain.HealthHealthy, Score: 1.0}
		}
		if h.State == domain.HealthDown {
			continue
		}
		band := 0
		if h.State == domain.HealthDegraded {
			band = 1
		}
		fee := EstimateFee(rail, req.AmountMinor)
		weight := weights[rail.ProviderID]
		if weight <= 0 {
			weight = 1.0
		}
		rows = append(rows, ranked{
			cand: domain.RouteCandidate{
				ProviderID:           rail.ProviderID,
				RailID:               rail.RailID,
				EstimatedFeeMinor:    fee,
				SettlementWindowSecs: rail.SettlementWindowSecs,
				HealthScore:          h.Score,
				HealthState:          h.State,
			},
			band:      band,
			biasedFee: float64(fee) * weight,
		})
	}

	speedFirst := req.Urgency == domain.UrgencyInstant || req.Urgency == domain.UrgencyEmergency
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.band != b.band {
			return a.band < b.band
		}
		if speedFirst {
			if a.cand.SettlementWindowSecs != b.cand.SettlementWindowSecs {
				return a.cand.SettlementWindowSecs < b.cand.SettlementWindowSecs
			}
		}
		if a.biasedFee != b.biasedFee {
			return a.biasedFee < b.biasedFee
		}
		if a.cand.HealthScore != b.cand.HealthScore {
			return a.cand.HealthScore > b.cand.HealthScore
		}
		if a.cand.ProviderID != b.cand.ProviderID {
			return a.cand.ProviderID < b.cand.ProviderID
		}
		return a.cand.RailID < b.cand.RailID
	})

	decision := domain.RoutingDecision{Candidates: make([]domain.RouteCandidate, 0, len(rows))}
	for _, row := range rows {
		decision.Candidates = append(decision.Candidates, row.cand)
	}
	return decision
}

// EstimateFee computes the rail's fee for an amount in minor units.
func EstimateFee(rail domain.RailCapability, amountMinor int64) int64 {
	return rail.FeeFixedMinor + amountMinor*rail.FeeBps/10000
}
