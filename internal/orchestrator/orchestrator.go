// Package orchestrator drives a payment request through routing, submission
// and persistence. It owns every transaction status write on the submission
// path; the settlement reconciler owns the rest of the lifecycle.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/eligibility"
	"switchyard/internal/events"
	"switchyard/internal/health"
	"switchyard/internal/provider"
	"switchyard/internal/repo"
	"switchyard/internal/selector"
)

type Orchestrator struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Resolver *eligibility.Resolver
	Health   *health.Registry
	Registry *provider.Registry
	Log      zerolog.Logger
	Now      func() time.Time
	Sleep    func(time.Duration)
}

func New(db *sql.DB, cfg *config.Config, resolver *eligibility.Resolver, healthReg *health.Registry, registry *provider.Registry, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Resolver: resolver,
		Health:   healthReg,
		Registry: registry,
		Log:      log.With().Str("component", "orchestrator").Logger(),
		Now:      time.Now,
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (o *Orchestrator) stamp() string {
	return o.now().UTC().Format(time.RFC3339)
}

// SubmitOutcome pairs the persisted transaction with how submission ended.
// Replayed means the correlation id had already been accepted and the stored
// transaction was returned without any new provider call.
type SubmitOutcome struct {
	Transaction domain.Transaction
	Replayed    bool
	Err         error
}

// Submit runs one payment request end to end: idempotent create, routing,
// candidate iteration, persistence. The returned transaction always reflects
// what is durably stored, including on failure.
func (o *Orchestrator) Submit(ctx context.Context, req domain.PaymentRequest, actorID string) (domain.Transaction, bool, error) {
	t, replayed, err := o.prepare(ctx, req, actorID)
	if err != nil {
		return domain.Transaction{}, false, err
	}
	if replayed {
		return t, true, nil
	}

	decision, effUrgency, err := o.route(ctx, t, req, actorID)
	if err != nil {
		return o.failCreated(ctx, t, reasonFor(err), actorID, err)
	}
	return o.runCandidates(ctx, t, req, decision, effUrgency, 0, actorID)
}

// Get returns a transaction with its attempt log by correlation id.
func (o *Orchestrator) Get(ctx context.Context, correlationID string) (domain.Transaction, error) {
	return o.Repo.GetByCorrelation(ctx, correlationID)
}

// Batch returns every transaction in a batch, oldest first.
func (o *Orchestrator) Batch(ctx context.Context, batchID string) ([]domain.Transaction, error) {
	return o.Repo.ListByBatch(ctx, batchID)
}

// prepare validates the request and creates the transaction row under the
// correlation id constraint. On a duplicate it loads and returns the stored
// transaction instead.
func (o *Orchestrator) prepare(ctx context.Context, req domain.PaymentRequest, actorID string) (domain.Transaction, bool, error) {
	if err := validate(req); err != nil {
		return domain.Transaction{}, false, err
	}

	now := o.stamp()
	t := domain.Transaction{
		ID:             uuid.NewString(),
		CorrelationID:  req.CorrelationID,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		SourceRef:      req.SourceRef,
		DestinationRef: req.DestinationRef,
		Urgency:        req.Urgency,
		PaymentType:    req.PaymentType,
		Status:         domain.StatusCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if batchID := req.BatchID(); batchID != "" {
		t.BatchID = &batchID
	}
	if len(req.Metadata) > 0 {
		data, err := json.Marshal(req.Metadata)
		if err != nil {
			return domain.Transaction{}, false, domain.ValidationError{Field: "metadata", Msg: err.Error()}
		}
		s := string(data)
		t.MetadataJSON = &s
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transaction{}, false, err
	}
	defer tx.Rollback()
	if err := o.Repo.CreateTransaction(ctx, tx, t); err != nil {
		// The open insert tx holds the shared-cache write lock; release it
		// before reading the existing row through the pool or the lookup
		// blocks on our own lock.
		tx.Rollback()
		if errors.Is(err, repo.ErrDuplicateCorrelation) {
			existing, gerr := o.Repo.GetByCorrelation(ctx, req.CorrelationID)
			if gerr != nil {
				return domain.Transaction{}, false, gerr
			}
			return existing, true, nil
		}
		return domain.Transaction{}, false, err
	}
	if err := o.Events.Append(ctx, tx, "payment.received", "transaction", t.ID, actorID, events.EventPayload{
		"correlation_id": t.CorrelationID,
		"amount_minor":   t.AmountMinor,
		"currency":       t.Currency,
		"urgency":        t.Urgency,
	}); err != nil {
		return domain.Transaction{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Transaction{}, false, err
	}
	return t, false, nil
}

// route resolves eligibility and ranks candidates. When the request's own
// urgency class yields nothing and downgrades are enabled, it walks down the
// urgency ladder until a class produces candidates.
func (o *Orchestrator) route(ctx context.Context, t domain.Transaction, req domain.PaymentRequest, actorID string) (domain.RoutingDecision, string, error) {
	eligible, err := o.Resolver.Resolve(ctx, req)
	if err != nil {
		return domain.RoutingDecision{}, "", err
	}
	weights := o.Config.PreferenceWeights()
	snapshot := o.Health.Snapshot()

	effUrgency := req.Urgency
	decision := selector.Select(req, eligible, snapshot, weights)
	for decision.Empty() && o.Config.Routing.AllowDowngrade {
		next, ok := domain.Downgrade(effUrgency)
		if !ok {
			break
		}
		effUrgency = next
		lowered := req
		lowered.Urgency = effUrgency
		decision = selector.Select(lowered, eligible, snapshot, weights)
	}
	if decision.Empty() {
		return decision, effUrgency, domain.EligibilityError{Code: domain.ReasonNoEligibleRail, Msg: "no rail satisfies urgency, amount and eligibility constraints"}
	}

	o.audit(ctx, "payment.routed", t.ID, actorID, events.EventPayload{
		"urgency":    effUrgency,
		"candidates": decision.Candidates,
	})
	if effUrgency != req.Urgency {
		o.audit(ctx, "payment.downgraded", t.ID, actorID, events.EventPayload{
			"from": req.Urgency,
			"to":   effUrgency,
		})
	}
	return decision, effUrgency, nil
}

// runCandidates iterates the ranked list from index start until a provider
// accepts, a provider rejects permanently, or the list runs out.
func (o *Orchestrator) runCandidates(ctx context.Context, t domain.Transaction, req domain.PaymentRequest, decision domain.RoutingDecision, effUrgency string, start int, actorID string) (domain.Transaction, bool, error) {
	timeout := o.Config.AttemptTimeout(effUrgency)
	attempts := 0
	for i := start; i < len(decision.Candidates); i++ {
		cand := decision.Candidates[i]
		adapter, ok := o.Registry.Get(cand.ProviderID)
		if !ok {
			continue
		}
		rail, ok := o.capability(cand)
		if !ok {
			continue
		}

		next, err := o.markSubmitting(ctx, t, cand)
		if err != nil {
			return t, false, err
		}
		t = next

		attempts++
		startAt := o.stamp()
		callStart := time.Now()
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		res, submitErr := adapter.Submit(attemptCtx, req, rail)
		cancel()
		// Health scoring needs the measured call duration, not the difference
		// of whole-second timestamps.
		elapsedMs := time.Since(callStart).Milliseconds()
		endAt := o.stamp()

		switch {
		case submitErr != nil:
			outcome := domain.AttemptError
			if errors.Is(submitErr, context.DeadlineExceeded) {
				outcome = domain.AttemptTimeout
			}
			o.Health.Record(cand.ProviderID, false, elapsedMs)
			o.logAttempt(ctx, t, cand, startAt, endAt, outcome, nil, actorID)
			o.Log.Warn().Err(submitErr).
				Str("transaction", t.ID).Str("provider", cand.ProviderID).
				Msg("submission attempt failed, trying next candidate")

		case res.Accepted:
			o.Health.Record(cand.ProviderID, true, elapsedMs)
			accepted, err := o.persistAccepted(ctx, t, cand, res, effUrgency, startAt, endAt, actorID)
			if err != nil {
				return t, false, err
			}
			return accepted, false, nil

		case res.Permanent:
			o.Health.Record(cand.ProviderID, true, elapsedMs)
			o.Resolver.Invalidate(req.SourceRef, req.DestinationRef)
			rejected, err := o.persistPermanentRejection(ctx, t, cand, res, startAt, endAt, actorID)
			if err != nil {
				return t, false, err
			}
			return rejected, false, domain.PermanentProviderError{ProviderID: cand.ProviderID, Code: res.Code, Msg: res.Reason}

		default:
			// Transient business rejection: rate limit, temporary decline.
			o.Health.Record(cand.ProviderID, true, elapsedMs)
			code := res.Code
			o.logAttempt(ctx, t, cand, startAt, endAt, domain.AttemptRejected, &code, actorID)
		}
	}

	failed, err := o.failExhausted(ctx, t, actorID)
	if err != nil {
		return t, false, err
	}
	return failed, false, domain.ExhaustedError{Attempts: attempts}
}

func (o *Orchestrator) capability(cand domain.RouteCandidate) (domain.RailCapability, bool) {
	pcfg, ok := o.Config.Provider(cand.ProviderID)
	if !ok {
		return domain.RailCapability{}, false
	}
	for _, rc := range pcfg.Rails {
		if rc.ID == cand.RailID {
			return domain.RailCapability{
				ProviderID:           cand.ProviderID,
				RailID:               rc.ID,
				SettlementClass:      rc.SettlementClass,
				MinAmountMinor:       rc.MinAmountMinor,
				MaxAmountMinor:       rc.MaxAmountMinor,
				FeeFixedMinor:        rc.FeeFixedMinor,
				FeeBps:               rc.FeeBps,
				SettlementWindowSecs: rc.SettlementWindowSeconds,
				InstantChannel:       rc.InstantChannel,
			}, true
		}
	}
	return domain.RailCapability{}, false
}

func (o *Orchestrator) markSubmitting(ctx context.Context, t domain.Transaction, cand domain.RouteCandidate) (domain.Transaction, error) {
	from := t.Status
	if !domain.CanTransition(from, domain.StatusSubmitting) {
		return t, fmt.Errorf("cannot submit transaction %s from status %s", t.ID, from)
	}
	t.Status = domain.StatusSubmitting
	t.ProviderID = &cand.ProviderID
	t.RailID = &cand.RailID
	t.UpdatedAt = o.stamp()

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := o.Repo.UpdateTransactionFrom(ctx, tx, t, from); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// persistAccepted records provider acceptance. The provider now owns the
// money movement, so losing this write would orphan the transfer: the write
// is retried with capped backoff until it commits. Only a stale-status race
// stops the loop, because then another writer already owns the row.
func (o *Orchestrator) persistAccepted(ctx context.Context, t domain.Transaction, cand domain.RouteCandidate, res provider.SubmitResult, effUrgency, startAt, endAt, actorID string) (domain.Transaction, error) {
	deadline := o.now().UTC().Add(o.Config.UrgencyWindow(effUrgency)).Format(time.RFC3339)
	from := t.Status
	t.Status = domain.StatusPendingSettlement
	t.ExternalID = &res.ExternalID
	t.SLADeadline = &deadline
	t.UpdatedAt = o.stamp()

	// Caller cancellation must not orphan an accepted transfer.
	ctx = context.WithoutCancel(ctx)
	err := o.retryDurable(t.ID, "provider acceptance", func() error {
		return o.persistAcceptedOnce(ctx, t, cand, res, from, startAt, endAt, actorID)
	})
	if err != nil {
		return t, err
	}
	return t, nil
}

// retryDurable runs fn until it commits, backing off between attempts.
// ErrStaleStatus aborts immediately; retrying a lost optimistic check cannot
// win.
func (o *Orchestrator) retryDurable(transactionID, what string, fn func() error) error {
	delay := 100 * time.Millisecond
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, repo.ErrStaleStatus) {
			return err
		}
		o.Log.Error().Err(err).Str("transaction", transactionID).
			Msgf("failed to persist %s, retrying", what)
		o.sleep(delay)
		delay *= 2
		if delay > 5*time.Second {
			delay = 5 * time.Second
		}
	}
}

func (o *Orchestrator) sleep(d time.Duration) {
	if o.Sleep != nil {
		o.Sleep(d)
		return
	}
	time.Sleep(d)
}

func (o *Orchestrator) persistAcceptedOnce(ctx context.Context, t domain.Transaction, cand domain.RouteCandidate, res provider.SubmitResult, from, startAt, endAt, actorID string) error {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := o.Repo.UpdateTransactionFrom(ctx, tx, t, from); err != nil {
		return err
	}
	if err := o.Repo.AppendAttempt(ctx, tx, domain.AttemptLog{
		TransactionID: t.ID,
		ProviderID:    cand.ProviderID,
		RailID:        cand.RailID,
		StartedAt:     startAt,
		EndedAt:       endAt,
		Outcome:       domain.AttemptAccepted,
	}); err != nil {
		return err
	}
	if err := o.Events.Append(ctx, tx, "payment.accepted", "transaction", t.ID, actorID, events.EventPayload{
		"provider_id":  cand.ProviderID,
		"rail_id":      cand.RailID,
		"external_id":  res.ExternalID,
		"sla_deadline": derefOr(t.SLADeadline, ""),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (o *Orchestrator) persistPermanentRejection(ctx context.Context, t domain.Transaction, cand domain.RouteCandidate, res provider.SubmitResult, startAt, endAt, actorID string) (domain.Transaction, error) {
	now := o.stamp()
	reason := res.Code
	if res.Reason != "" {
		reason = res.Code + ": " + res.Reason
	}

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	from := t.Status
	t.Status = domain.StatusRejectedImmediate
	t.Reason = &reason
	t.UpdatedAt = now
	if err := o.Repo.UpdateTransactionFrom(ctx, tx, t, from); err != nil {
		return t, err
	}
	// rejected_immediate is transitional; the terminal record is failed.
	from = t.Status
	t.Status = domain.StatusFailed
	t.TerminalAt = &now
	if err := o.Repo.UpdateTransactionFrom(ctx, tx, t, from); err != nil {
		return t, err
	}
	code := res.Code
	if err := o.Repo.AppendAttempt(ctx, tx, domain.AttemptLog{
		TransactionID: t.ID,
		ProviderID:    cand.ProviderID,
		RailID:        cand.RailID,
		StartedAt:     startAt,
		EndedAt:       endAt,
		Outcome:       domain.AttemptRejected,
		ProviderCode:  &code,
	}); err != nil {
		return t, err
	}
	if err := o.Events.Append(ctx, tx, "payment.rejected", "transaction", t.ID, actorID, events.EventPayload{
		"provider_id": cand.ProviderID,
		"code":        res.Code,
		"reason":      res.Reason,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (o *Orchestrator) failCreated(ctx context.Context, t domain.Transaction, reason, actorID string, cause error) (domain.Transaction, bool, error) {
	now := o.stamp()
	from := t.Status
	t.Status = domain.StatusFailed
	t.Reason = &reason
	t.UpdatedAt = now
	t.TerminalAt = &now

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, false, err
	}
	defer tx.Rollback()
	if err := o.Repo.UpdateTransactionFrom(ctx, tx, t, from); err != nil {
		return t, false, err
	}
	if err := o.Events.Append(ctx, tx, "payment.failed", "transaction", t.ID, actorID, events.EventPayload{
		"reason": reason,
		"detail": cause.Error(),
	}); err != nil {
		return t, false, err
	}
	if err := tx.Commit(); err != nil {
		return t, false, err
	}
	return t, false, cause
}

func (o *Orchestrator) failExhausted(ctx context.Context, t domain.Transaction, actorID string) (domain.Transaction, error) {
	now := o.stamp()
	from := t.Status
	reason := domain.ReasonAllRailsExhausted
	t.Status = domain.StatusFailed
	t.Reason = &reason
	t.ProviderID = nil
	t.RailID = nil
	t.UpdatedAt = now
	t.TerminalAt = &now

	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := o.Repo.UpdateTransactionFrom(ctx, tx, t, from); err != nil {
		return t, err
	}
	if err := o.Events.Append(ctx, tx, "payment.failed", "transaction", t.ID, actorID, events.EventPayload{
		"reason": reason,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (o *Orchestrator) logAttempt(ctx context.Context, t domain.Transaction, cand domain.RouteCandidate, startAt, endAt, outcome string, code *string, actorID string) {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		o.Log.Error().Err(err).Str("transaction", t.ID).Msg("attempt log write failed")
		return
	}
	defer tx.Rollback()
	if err := o.Repo.AppendAttempt(ctx, tx, domain.AttemptLog{
		TransactionID: t.ID,
		ProviderID:    cand.ProviderID,
		RailID:        cand.RailID,
		StartedAt:     startAt,
		EndedAt:       endAt,
		Outcome:       outcome,
		ProviderCode:  code,
	}); err != nil {
		o.Log.Error().Err(err).Str("transaction", t.ID).Msg("attempt log write failed")
		return
	}
	if err := o.Events.Append(ctx, tx, "payment.attempt", "transaction", t.ID, actorID, events.EventPayload{
		"provider_id": cand.ProviderID,
		"rail_id":     cand.RailID,
		"outcome":     outcome,
	}); err != nil {
		o.Log.Error().Err(err).Str("transaction", t.ID).Msg("attempt log write failed")
		return
	}
	if err := tx.Commit(); err != nil {
		o.Log.Error().Err(err).Str("transaction", t.ID).Msg("attempt log write failed")
	}
}

func (o *Orchestrator) audit(ctx context.Context, evtType, entityID, actorID string, payload events.EventPayload) {
	tx, err := o.DB.BeginTx(ctx, nil)
	if err != nil {
		o.Log.Error().Err(err).Str("event", evtType).Msg("audit write failed")
		return
	}
	defer tx.Rollback()
	if err := o.Events.Append(ctx, tx, evtType, "transaction", entityID, actorID, payload); err != nil {
		o.Log.Error().Err(err).Str("event", evtType).Msg("audit write failed")
		return
	}
	if err := tx.Commit(); err != nil {
		o.Log.Error().Err(err).Str("event", evtType).Msg("audit write failed")
	}
}

func validate(req domain.PaymentRequest) error {
	if req.CorrelationID == "" {
		return domain.ValidationError{Field: "correlation_id", Msg: "required"}
	}
	if req.AmountMinor <= 0 {
		return domain.ValidationError{Field: "amount_minor", Msg: "must be positive"}
	}
	if len(req.Currency) != 3 || req.Currency != strings.ToUpper(req.Currency) {
		return domain.ValidationError{Field: "currency", Msg: "must be an uppercase ISO 4217 code"}
	}
	if req.SourceRef == "" {
		return domain.ValidationError{Field: "source_ref", Msg: "required"}
	}
	if req.DestinationRef == "" {
		return domain.ValidationError{Field: "destination_ref", Msg: "required"}
	}
	if !domain.ValidUrgency(req.Urgency) {
		return domain.ValidationError{Field: "urgency", Msg: "unknown urgency class"}
	}
	if !domain.ValidPaymentType(req.PaymentType) {
		return domain.ValidationError{Field: "payment_type", Msg: "unknown payment type"}
	}
	return nil
}

func reasonFor(err error) string {
	var eligErr domain.EligibilityError
	if errors.As(err, &eligErr) {
		return eligErr.Code
	}
	return domain.ReasonNoEligibleRail
}

func derefOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
