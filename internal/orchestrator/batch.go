package orchestrator

import (
	"context"
	"errors"
	"time"

	"switchyard/internal/domain"
	"switchyard/internal/provider"
)

type batchMember struct {
	idx      int
	t        domain.Transaction
	req      domain.PaymentRequest
	decision domain.RoutingDecision
	urgency  string
}

// SubmitBatch processes a group of payment requests sharing a batch id. Each
// recipient keeps its own transaction, idempotency key and fallback chain;
// the batch only changes how accepted submissions reach the provider. When
// every member of the batch routes to the same rail and the adapter supports
// native multi-recipient submission, one provider call carries them all.
func (o *Orchestrator) SubmitBatch(ctx context.Context, reqs []domain.PaymentRequest, actorID string) []SubmitOutcome {
	outcomes := make([]SubmitOutcome, len(reqs))

	var fresh []batchMember
	for i, req := range reqs {
		t, replayed, err := o.prepare(ctx, req, actorID)
		if err != nil {
			outcomes[i] = SubmitOutcome{Err: err}
			continue
		}
		if replayed {
			outcomes[i] = SubmitOutcome{Transaction: t, Replayed: true}
			continue
		}
		decision, effUrgency, err := o.route(ctx, t, req, actorID)
		if err != nil {
			ft, _, ferr := o.failCreated(ctx, t, reasonFor(err), actorID, err)
			outcomes[i] = SubmitOutcome{Transaction: ft, Err: ferr}
			continue
		}
		fresh = append(fresh, batchMember{idx: i, t: t, req: req, decision: decision, urgency: effUrgency})
	}

	group, rest := o.splitBatchable(fresh)
	for _, m := range rest {
		t, replayed, err := o.runCandidates(ctx, m.t, m.req, m.decision, m.urgency, 0, actorID)
		outcomes[m.idx] = SubmitOutcome{Transaction: t, Replayed: replayed, Err: err}
	}
	if len(group) == 0 {
		return outcomes
	}

	top := group[0].decision.Candidates[0]
	adapter, _ := o.Registry.Get(top.ProviderID)
	batcher := adapter.(provider.BatchSubmitter)
	rail, _ := o.capability(top)

	live := group[:0]
	submitReqs := make([]domain.PaymentRequest, 0, len(group))
	for _, m := range group {
		t, err := o.markSubmitting(ctx, m.t, top)
		if err != nil {
			outcomes[m.idx] = SubmitOutcome{Transaction: m.t, Err: err}
			continue
		}
		m.t = t
		live = append(live, m)
		submitReqs = append(submitReqs, m.req)
	}
	if len(live) == 0 {
		return outcomes
	}

	timeout := o.Config.AttemptTimeout(live[0].urgency)
	startAt := o.stamp()
	callStart := time.Now()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	results, submitErr := batcher.SubmitBatch(attemptCtx, submitReqs, rail)
	cancel()
	elapsedMs := time.Since(callStart).Milliseconds()
	endAt := o.stamp()

	if submitErr != nil || len(results) != len(submitReqs) {
		outcome := domain.AttemptError
		if errors.Is(submitErr, context.DeadlineExceeded) {
			outcome = domain.AttemptTimeout
		}
		o.Health.Record(top.ProviderID, false, elapsedMs)
		for _, m := range live {
			o.logAttempt(ctx, m.t, top, startAt, endAt, outcome, nil, actorID)
			t, replayed, err := o.runCandidates(ctx, m.t, m.req, m.decision, m.urgency, 1, actorID)
			outcomes[m.idx] = SubmitOutcome{Transaction: t, Replayed: replayed, Err: err}
		}
		return outcomes
	}

	o.Health.Record(top.ProviderID, true, elapsedMs)
	for gi, m := range live {
		res := results[gi]
		switch {
		case res.Accepted:
			t, err := o.persistAccepted(ctx, m.t, top, res, m.urgency, startAt, endAt, actorID)
			outcomes[m.idx] = SubmitOutcome{Transaction: t, Err: err}
		case res.Permanent:
			o.Resolver.Invalidate(m.req.SourceRef, m.req.DestinationRef)
			t, err := o.persistPermanentRejection(ctx, m.t, top, res, startAt, endAt, actorID)
			if err == nil {
				err = domain.PermanentProviderError{ProviderID: top.ProviderID, Code: res.Code, Msg: res.Reason}
			}
			outcomes[m.idx] = SubmitOutcome{Transaction: t, Err: err}
		default:
			code := res.Code
			o.logAttempt(ctx, m.t, top, startAt, endAt, domain.AttemptRejected, &code, actorID)
			t, replayed, err := o.runCandidates(ctx, m.t, m.req, m.decision, m.urgency, 1, actorID)
			outcomes[m.idx] = SubmitOutcome{Transaction: t, Replayed: replayed, Err: err}
		}
	}
	return outcomes
}

// splitBatchable peels off the members that share one native-batch-capable
// top candidate. Anything else goes through the normal per-request path.
func (o *Orchestrator) splitBatchable(members []batchMember) (group, rest []batchMember) {
	if len(members) < 2 {
		return nil, members
	}
	top := members[0].decision.Candidates[0]
	adapter, ok := o.Registry.Get(top.ProviderID)
	if !ok {
		return nil, members
	}
	if _, ok := adapter.(provider.BatchSubmitter); !ok {
		return nil, members
	}
	for _, m := range members {
		c := m.decision.Candidates[0]
		if c.ProviderID != top.ProviderID || c.RailID != top.RailID || m.urgency != members[0].urgency {
			return nil, members
		}
	}
	return members, nil
}
