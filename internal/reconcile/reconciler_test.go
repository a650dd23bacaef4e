package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"switchyard/internal/config"
	"switchyard/internal/db"
	"switchyard/internal/domain"
	"switchyard/internal/migrate"
	"switchyard/internal/provider"
	"switchyard/internal/provider/providertest"
	"switchyard/internal/reconcile"
	"switchyard/internal/repo"
)

type testEnv struct {
	Rec  *reconcile.Reconciler
	Repo repo.Repo
	Fake *providertest.Fake
	Now  *time.Time
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := &config.Config{}
	cfg.Service.ID = "test"
	cfg.Providers = []config.ProviderConfig{
		{ID: "alpha", Kind: "tempo", Poll: true, Rails: []config.RailConfig{
			{ID: "alpha-usdc", SettlementClass: domain.SettlementInstant, Currencies: []string{"USD"}},
		}},
	}

	fake := providertest.New("alpha")
	rec := reconcile.New(conn, cfg, provider.NewRegistry(fake), zerolog.Nop())
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec.Now = func() time.Time { return now }
	return testEnv{
		Rec:  rec,
		Repo: repo.Repo{DB: conn},
		Fake: fake,
		Now:  &now,
		Ctx:  context.Background(),
	}
}

// seed inserts a transaction directly, bypassing the orchestrator.
func (env testEnv) seed(t *testing.T, status, externalID, slaDeadline string) domain.Transaction {
	t.Helper()
	now := env.Now.UTC().Format(time.RFC3339)
	providerID := "alpha"
	railID := "alpha-usdc"
	tr := domain.Transaction{
		ID:             uuid.NewString(),
		CorrelationID:  uuid.NewString(),
		AmountMinor:    10_000,
		Currency:       "USD",
		SourceRef:      "src-1",
		DestinationRef: "dst-1",
		Urgency:        domain.UrgencyInstant,
		PaymentType:    domain.PaymentP2P,
		ProviderID:     &providerID,
		RailID:         &railID,
		Status:         status,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if externalID != "" {
		tr.ExternalID = &externalID
	}
	if slaDeadline != "" {
		tr.SLADeadline = &slaDeadline
	}
	tx, err := env.Rec.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	if err := env.Repo.CreateTransaction(env.Ctx, tx, tr); err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	return tr
}

func event(externalID, newStatus string) domain.SettlementEvent {
	return domain.SettlementEvent{
		ProviderID: "alpha",
		ExternalID: externalID,
		NewStatus:  newStatus,
		OccurredAt: "2026-03-01T09:00:30Z",
	}
}

func TestApplyCompletesPending(t *testing.T) {
	env := newTestEnv(t)
	tr := env.seed(t, domain.StatusPendingSettlement, "ext-1", "2026-03-01T10:00:00Z")

	if err := env.Rec.Apply(env.Ctx, event("ext-1", domain.StatusCompleted)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := env.Repo.GetByID(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("want completed, got %s", got.Status)
	}
	if got.TerminalAt == nil {
		t.Fatal("terminal transition must stamp terminal_at")
	}
}

func TestApplyRecordsReversalReason(t *testing.T) {
	env := newTestEnv(t)
	tr := env.seed(t, domain.StatusPendingSettlement, "ext-1", "2026-03-01T10:00:00Z")

	ev := event("ext-1", domain.StatusReversed)
	ev.Reason = "insufficient funds at settlement"
	if err := env.Rec.Apply(env.Ctx, ev); err != nil {
		t.Fatal(err)
	}
	got, err := env.Repo.GetByID(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusReversed {
		t.Fatalf("want reversed, got %s", got.Status)
	}
	if got.Reason == nil || *got.Reason != "insufficient funds at settlement" {
		t.Fatalf("reversal reason should be stored, got %v", got.Reason)
	}
}

func TestApplyDropsEventsForTerminalTransactions(t *testing.T) {
	env := newTestEnv(t)
	tr := env.seed(t, domain.StatusPendingSettlement, "ext-1", "2026-03-01T10:00:00Z")

	if err := env.Rec.Apply(env.Ctx, event("ext-1", domain.StatusCompleted)); err != nil {
		t.Fatal(err)
	}
	// A duplicate and a contradicting late event both bounce off.
	if err := env.Rec.Apply(env.Ctx, event("ext-1", domain.StatusCompleted)); err != nil {
		t.Fatal(err)
	}
	if err := env.Rec.Apply(env.Ctx, event("ext-1", domain.StatusFailed)); err != nil {
		t.Fatal(err)
	}
	got, err := env.Repo.GetByID(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("terminal status must never move, got %s", got.Status)
	}
}

func TestApplyDropsIllegalTransition(t *testing.T) {
	env := newTestEnv(t)
	tr := env.seed(t, domain.StatusSubmitting, "ext-1", "")

	// completed is not reachable from submitting; the event is early.
	if err := env.Rec.Apply(env.Ctx, event("ext-1", domain.StatusCompleted)); err != nil {
		t.Fatal(err)
	}
	got, err := env.Repo.GetByID(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusSubmitting {
		t.Fatalf("illegal transition must be dropped, got %s", got.Status)
	}
}

func TestOrphanBufferedThenFlushed(t *testing.T) {
	env := newTestEnv(t)

	// Webhook lands before the acceptance write.
	if err := env.Rec.Apply(env.Ctx, event("ext-early", domain.StatusCompleted)); err != nil {
		t.Fatal(err)
	}
	tr := env.seed(t, domain.StatusPendingSettlement, "ext-early", "2026-03-01T10:00:00Z")

	env.Rec.FlushOrphans(env.Ctx)
	got, err := env.Repo.GetByID(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("flushed orphan should apply, got %s", got.Status)
	}
}

func TestOrphanDroppedAfterTTL(t *testing.T) {
	env := newTestEnv(t)

	if err := env.Rec.Apply(env.Ctx, event("ext-ghost", domain.StatusCompleted)); err != nil {
		t.Fatal(err)
	}
	*env.Now = env.Now.Add(61 * time.Second)
	env.Rec.FlushOrphans(env.Ctx)

	// The transaction shows up only after the drop; nothing should apply now.
	tr := env.seed(t, domain.StatusPendingSettlement, "ext-ghost", "2026-03-01T10:00:00Z")
	env.Rec.FlushOrphans(env.Ctx)
	got, err := env.Repo.GetByID(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPendingSettlement {
		t.Fatalf("dropped orphan must not replay, got %s", got.Status)
	}
}

func TestSweepSLAFailsOverduePending(t *testing.T) {
	env := newTestEnv(t)
	overdue := env.seed(t, domain.StatusPendingSettlement, "ext-1", "2026-03-01T08:59:00Z")
	fresh := env.seed(t, domain.StatusPendingSettlement, "ext-2", "2026-03-01T10:00:00Z")

	swept, err := env.Rec.SweepSLA(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Fatalf("want 1 swept, got %d", swept)
	}
	got, err := env.Repo.GetByID(env.Ctx, overdue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusFailed {
		t.Fatalf("overdue transaction should fail, got %s", got.Status)
	}
	if got.Reason == nil || *got.Reason != domain.ReasonSLAExceeded {
		t.Fatalf("want SLA_EXCEEDED, got %v", got.Reason)
	}
	got, err = env.Repo.GetByID(env.Ctx, fresh.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPendingSettlement {
		t.Fatalf("deadline in the future must survive the sweep, got %s", got.Status)
	}
}

func TestPollAppliesProviderStatus(t *testing.T) {
	env := newTestEnv(t)
	tr := env.seed(t, domain.StatusPendingSettlement, "ext-1", "2026-03-01T10:00:00Z")
	env.Fake.StatusEvent = domain.SettlementEvent{
		ExternalID: "ext-1",
		NewStatus:  domain.StatusCompleted,
		OccurredAt: "2026-03-01T09:00:30Z",
	}

	env.Rec.Poll(env.Ctx)
	got, err := env.Repo.GetByID(env.Ctx, tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusCompleted {
		t.Fatalf("poll result should apply, got %s", got.Status)
	}
}
