// Package reconcile applies asynchronous settlement events to pending
// transactions. Events arrive from provider webhooks and from the status
// poll loop; both paths converge on Apply, which is the only writer of
// post-acceptance status changes.
package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/events"
	"switchyard/internal/provider"
	"switchyard/internal/repo"
)

const (
	shardCount = 32
	// orphanTTL is how long an event for an unknown external id is buffered
	// before it is dropped. Webhooks can outrun the acceptance write by a
	// moment; anything older than this never had a matching submission.
	orphanTTL = 60 * time.Second
)

type orphan struct {
	ev        domain.SettlementEvent
	firstSeen time.Time
}

type Reconciler struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Registry *provider.Registry
	Config   *config.Config
	Log      zerolog.Logger
	Now      func() time.Time

	shards [shardCount]sync.Mutex

	orphanMu sync.Mutex
	orphans  map[string]orphan
}

func New(db *sql.DB, cfg *config.Config, registry *provider.Registry, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Registry: registry,
		Config:   cfg,
		Log:      log.With().Str("component", "reconcile").Logger(),
		Now:      time.Now,
		orphans:  make(map[string]orphan),
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Reconciler) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &r.shards[h.Sum32()%shardCount]
}

// Apply matches a settlement event to its transaction and advances the
// status. Out-of-order and duplicate events are dropped: a terminal
// transaction never moves again, and transitions the state machine rejects
// are recorded as stale rather than applied. Events for unknown external ids
// are buffered briefly in case the acceptance write is still in flight.
func (r *Reconciler) Apply(ctx context.Context, ev domain.SettlementEvent) error {
	key := ev.ProviderID + "/" + ev.ExternalID
	mu := r.shard(key)
	mu.Lock()
	defer mu.Unlock()

	t, err := r.Repo.GetByProviderExternal(ctx, ev.ProviderID, ev.ExternalID)
	if errors.Is(err, repo.ErrNotFound) {
		r.buffer(key, ev)
		return nil
	}
	if err != nil {
		return err
	}
	r.discard(key)
	return r.apply(ctx, t, ev)
}

func (r *Reconciler) apply(ctx context.Context, t domain.Transaction, ev domain.SettlementEvent) error {
	if t.Terminal() {
		r.audit(ctx, "settlement.stale", t.ID, events.EventPayload{
			"provider_id": ev.ProviderID,
			"external_id": ev.ExternalID,
			"new_status":  ev.NewStatus,
			"current":     t.Status,
		})
		return nil
	}
	if !domain.CanTransition(t.Status, ev.NewStatus) {
		r.Log.Warn().Str("transaction", t.ID).Str("from", t.Status).Str("to", ev.NewStatus).
			Msg("dropping out-of-order settlement event")
		r.audit(ctx, "settlement.stale", t.ID, events.EventPayload{
			"provider_id": ev.ProviderID,
			"external_id": ev.ExternalID,
			"new_status":  ev.NewStatus,
			"current":     t.Status,
		})
		return nil
	}
	if ev.NewStatus == t.Status {
		return nil
	}

	now := r.now().UTC().Format(time.RFC3339)
	from := t.Status
	t.Status = ev.NewStatus
	t.UpdatedAt = now
	if ev.Reason != "" {
		reason := ev.Reason
		t.Reason = &reason
	}
	if t.Terminal() {
		t.TerminalAt = &now
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateTransactionFrom(ctx, tx, t, from); err != nil {
		if errors.Is(err, repo.ErrStaleStatus) {
			// Another event won the race; it will have been legal.
			return nil
		}
		return err
	}
	if err := r.Events.Append(ctx, tx, "settlement.applied", "transaction", t.ID, "reconciler", events.EventPayload{
		"provider_id": ev.ProviderID,
		"external_id": ev.ExternalID,
		"from":        from,
		"to":          ev.NewStatus,
		"occurred_at": ev.OccurredAt,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Reconciler) buffer(key string, ev domain.SettlementEvent) {
	r.orphanMu.Lock()
	defer r.orphanMu.Unlock()
	if _, ok := r.orphans[key]; !ok {
		r.orphans[key] = orphan{ev: ev, firstSeen: r.now()}
	}
}

func (r *Reconciler) discard(key string) {
	r.orphanMu.Lock()
	delete(r.orphans, key)
	r.orphanMu.Unlock()
}

// FlushOrphans retries buffered events and drops the ones past the TTL with
// an audit record. Called periodically alongside the poll loop.
func (r *Reconciler) FlushOrphans(ctx context.Context) {
	r.orphanMu.Lock()
	pending := make(map[string]orphan, len(r.orphans))
	for k, v := range r.orphans {
		pending[k] = v
	}
	r.orphanMu.Unlock()

	for key, o := range pending {
		t, err := r.Repo.GetByProviderExternal(ctx, o.ev.ProviderID, o.ev.ExternalID)
		if err == nil {
			r.discard(key)
			mu := r.shard(key)
			mu.Lock()
			if err := r.apply(ctx, t, o.ev); err != nil {
				r.Log.Error().Err(err).Str("transaction", t.ID).Msg("orphan replay failed")
			}
			mu.Unlock()
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			r.Log.Error().Err(err).Str("external_id", o.ev.ExternalID).Msg("orphan lookup failed")
			continue
		}
		if r.now().Sub(o.firstSeen) > orphanTTL {
			r.discard(key)
			r.Log.Warn().Str("provider", o.ev.ProviderID).Str("external_id", o.ev.ExternalID).
				Msg("dropping settlement event with no matching transaction")
			r.audit(ctx, "settlement.orphan_dropped", "", events.EventPayload{
				"provider_id": o.ev.ProviderID,
				"external_id": o.ev.ExternalID,
				"new_status":  o.ev.NewStatus,
			})
		}
	}
}

// SweepSLA fails every pending transaction whose settlement deadline passed
// and records an escalation on the audit trail. Settlement funds may still
// arrive afterwards; a late completion event for a swept transaction is
// dropped as stale, which is the operator's cue to reconcile manually.
func (r *Reconciler) SweepSLA(ctx context.Context) (int, error) {
	now := r.now().UTC().Format(time.RFC3339)
	overdue, err := r.Repo.ListPendingPastDeadline(ctx, now)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, t := range overdue {
		key := derefOr(t.ProviderID, "") + "/" + derefOr(t.ExternalID, t.ID)
		mu := r.shard(key)
		mu.Lock()
		err := r.sweepOne(ctx, t, now)
		mu.Unlock()
		if err != nil {
			r.Log.Error().Err(err).Str("transaction", t.ID).Msg("sla sweep failed")
			continue
		}
		swept++
	}
	return swept, nil
}

func (r *Reconciler) sweepOne(ctx context.Context, t domain.Transaction, now string) error {
	from := t.Status
	reason := domain.ReasonSLAExceeded
	t.Status = domain.StatusFailed
	t.Reason = &reason
	t.UpdatedAt = now
	t.TerminalAt = &now

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.Repo.UpdateTransactionFrom(ctx, tx, t, from); err != nil {
		if errors.Is(err, repo.ErrStaleStatus) {
			// A settlement event landed between the list and the sweep.
			return nil
		}
		return err
	}
	if err := r.Events.Append(ctx, tx, "settlement.sla_exceeded", "transaction", t.ID, "reconciler", events.EventPayload{
		"sla_deadline": derefOr(t.SLADeadline, ""),
		"provider_id":  derefOr(t.ProviderID, ""),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Poll asks poll-configured providers for the status of every pending
// transaction and applies the answers. Providers that deliver webhooks
// reliably are skipped.
func (r *Reconciler) Poll(ctx context.Context) {
	for _, pcfg := range r.Config.Providers {
		if !pcfg.Poll {
			continue
		}
		adapter, ok := r.Registry.Get(pcfg.ID)
		if !ok {
			continue
		}
		pending, err := r.Repo.ListPendingByProvider(ctx, pcfg.ID)
		if err != nil {
			r.Log.Error().Err(err).Str("provider", pcfg.ID).Msg("poll listing failed")
			continue
		}
		for _, t := range pending {
			if t.ExternalID == nil {
				continue
			}
			ev, err := adapter.Status(ctx, *t.ExternalID)
			if err != nil {
				r.Log.Warn().Err(err).Str("transaction", t.ID).Msg("status poll failed")
				continue
			}
			if err := r.Apply(ctx, ev); err != nil {
				r.Log.Error().Err(err).Str("transaction", t.ID).Msg("poll apply failed")
			}
		}
	}
}

func (r *Reconciler) audit(ctx context.Context, evtType, entityID string, payload events.EventPayload) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		r.Log.Error().Err(err).Str("event", evtType).Msg("audit write failed")
		return
	}
	defer tx.Rollback()
	if err := r.Events.Append(ctx, tx, evtType, "transaction", entityID, "reconciler", payload); err != nil {
		r.Log.Error().Err(err).Str("event", evtType).Msg("audit write failed")
		return
	}
	if err := tx.Commit(); err != nil {
		r.Log.Error().Err(err).Str("event", evtType).Msg("audit write failed")
	}
}

func derefOr(v *string, def string) string {
	if v == nil {
		return def
	}
	return *v
}
