package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"switchyard/internal/config"
	"switchyard/internal/db"
	"switchyard/internal/domain"
	"switchyard/internal/eligibility"
	"switchyard/internal/health"
	"switchyard/internal/migrate"
	"switchyard/internal/orchestrator"
	"switchyard/internal/provider"
	"switchyard/internal/provider/providertest"
	"switchyard/internal/repo"
)

type testEnv struct {
	Orch  *orchestrator.Orchestrator
	Repo  repo.Repo
	Alpha *providertest.Fake
	Beta  *providertest.Fake
	Ctx   context.Context
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Service.ID = "test"
	cfg.Providers = []config.ProviderConfig{
		{ID: "alpha", Kind: "tempo", SLATargetMs: 500, Rails: []config.RailConfig{
			{ID: "alpha-instant", SettlementClass: domain.SettlementInstant, Currencies: []string{"USD"},
				MinAmountMinor: 1, MaxAmountMinor: 100_000_000, FeeFixedMinor: 10,
				SettlementWindowSeconds: 60, InstantChannel: true},
		}},
		{ID: "beta", Kind: "circle", SLATargetMs: 500, Rails: []config.RailConfig{
			{ID: "beta-instant", SettlementClass: domain.SettlementInstant, Currencies: []string{"USD"},
				MinAmountMinor: 1, MaxAmountMinor: 100_000_000, FeeFixedMinor: 50,
				SettlementWindowSeconds: 120, InstantChannel: true},
			{ID: "beta-sameday", SettlementClass: domain.SettlementSameDay, Currencies: []string{"USD"},
				MinAmountMinor: 1, MaxAmountMinor: 100_000_000, FeeFixedMinor: 5,
				SettlementWindowSeconds: 14400},
		}},
	}
	cfg.Eligibility = config.EligibilityConfig{CacheTTLSeconds: 60}
	cfg.Health = config.HealthConfig{DownAfterFailures: 5, WindowCalls: 50, WindowSeconds: 600}
	return cfg
}

func newTestEnv(t *testing.T, cfg *config.Config) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	alpha := providertest.New("alpha")
	alpha.Rails = []domain.RailCapability{alpha.Rail("alpha-instant", domain.SettlementInstant, 10, 60)}
	beta := providertest.New("beta")
	beta.Rails = []domain.RailCapability{
		beta.Rail("beta-instant", domain.SettlementInstant, 50, 120),
		beta.Rail("beta-sameday", domain.SettlementSameDay, 5, 14400),
	}
	registry := provider.NewRegistry(alpha, beta)
	healthReg := health.NewRegistry(cfg)
	resolver := eligibility.NewResolver(cfg, registry, zerolog.Nop())
	orch := orchestrator.New(conn, cfg, resolver, healthReg, registry, zerolog.Nop())
	orch.Now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return testEnv{
		Orch:  orch,
		Repo:  repo.Repo{DB: conn},
		Alpha: alpha,
		Beta:  beta,
		Ctx:   context.Background(),
	}
}

func paymentReq(correlationID, urgency string) domain.PaymentRequest {
	return domain.PaymentRequest{
		CorrelationID:  correlationID,
		AmountMinor:    10_000,
		Currency:       "USD",
		SourceRef:      "acct-src",
		DestinationRef: "acct-dst",
		Urgency:        urgency,
		PaymentType:    domain.PaymentP2P,
	}
}

func TestSubmitAcceptedEndsPendingSettlement(t *testing.T) {
	env := newTestEnv(t, testConfig())
	tx, replayed, err := env.Orch.Submit(env.Ctx, paymentReq("c-1", domain.UrgencyInstant), "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if replayed {
		t.Fatal("first submission must not be a replay")
	}
	if tx.Status != domain.StatusPendingSettlement {
		t.Fatalf("want pending_settlement, got %s", tx.Status)
	}
	// Instant urgency sorts by settlement window, so alpha (60s) wins.
	if tx.ProviderID == nil || *tx.ProviderID != "alpha" {
		t.Fatalf("want alpha, got %v", tx.ProviderID)
	}
	if tx.ExternalID == nil || *tx.ExternalID == "" {
		t.Fatal("acceptance must record the provider reference")
	}
	if tx.SLADeadline == nil {
		t.Fatal("acceptance must set the settlement deadline")
	}

	stored, err := env.Repo.GetByCorrelation(env.Ctx, "c-1")
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(stored.Attempts) != 1 || stored.Attempts[0].Outcome != domain.AttemptAccepted {
		t.Fatalf("want one accepted attempt, got %v", stored.Attempts)
	}
}

func TestSubmitIdempotentReplay(t *testing.T) {
	env := newTestEnv(t, testConfig())
	first, _, err := env.Orch.Submit(env.Ctx, paymentReq("c-1", domain.UrgencyInstant), "tester")
	if err != nil {
		t.Fatal(err)
	}
	second, replayed, err := env.Orch.Submit(env.Ctx, paymentReq("c-1", domain.UrgencyInstant), "tester")
	if err != nil {
		t.Fatal(err)
	}
	if !replayed {
		t.Fatal("same correlation id must replay")
	}
	if second.ID != first.ID {
		t.Fatalf("replay must return the stored transaction, got %s vs %s", second.ID, first.ID)
	}
	if got := len(env.Alpha.Submits()); got != 1 {
		t.Fatalf("replay must not call the provider again, got %d submits", got)
	}
}

func TestSubmitConcurrentSameCorrelation(t *testing.T) {
	env := newTestEnv(t, testConfig())
	const n = 8
	var wg sync.WaitGroup
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, _, err := env.Orch.Submit(env.Ctx, paymentReq("c-race", domain.UrgencyInstant), "tester")
			if err == nil {
				ids[i] = tx.ID
			}
		}(i)
	}
	wg.Wait()
	seen := map[string]bool{}
	for _, id := range ids {
		if id != "" {
			seen[id] = true
		}
	}
	if len(seen) != 1 {
		t.Fatalf("concurrent submissions of one correlation id must share a transaction, got %v", seen)
	}
	if got := len(env.Alpha.Submits()) + len(env.Beta.Submits()); got != 1 {
		t.Fatalf("exactly one provider submission expected, got %d", got)
	}
}

func TestTransientFailureFallsBackToNextCandidate(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.Alpha.SubmitErrs = []error{fmt.Errorf("gateway unavailable")}

	tx, _, err := env.Orch.Submit(env.Ctx, paymentReq("c-1", domain.UrgencyInstant), "tester")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tx.Status != domain.StatusPendingSettlement {
		t.Fatalf("want pending_settlement via fallback, got %s (%v)", tx.Status, tx.Reason)
	}
	if tx.ProviderID == nil || *tx.ProviderID != "beta" {
		t.Fatalf("want beta after alpha failed, got %v", tx.ProviderID)
	}

	stored, err := env.Repo.GetByCorrelation(env.Ctx, "c-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored.Attempts) != 2 {
		t.Fatalf("want 2 attempts, got %v", stored.Attempts)
	}
	if stored.Attempts[0].ProviderID != "alpha" || stored.Attempts[0].Outcome != domain.AttemptError {
		t.Fatalf("first attempt should be alpha/error, got %+v", stored.Attempts[0])
	}
	if stored.Attempts[1].ProviderID != "beta" || stored.Attempts[1].Outcome != domain.AttemptAccepted {
		t.Fatalf("second attempt should be beta/accepted, got %+v", stored.Attempts[1])
	}
}

func TestPermanentRejectionStopsIteration(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.Alpha.SubmitResults = []provider.SubmitResult{
		{Accepted: false, Code: "compliance_block", Reason: "sanctioned counterparty", Permanent: true},
	}

	tx, _, err := env.Orch.Submit(env.Ctx, paymentReq("c-1", domain.UrgencyInstant), "tester")
	var pe domain.PermanentProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("want PermanentProviderError, got %v", err)
	}
	if tx.Status != domain.StatusFailed {
		t.Fatalf("permanent rejection is terminal, got %s", tx.Status)
	}
	if tx.Reason == nil || *tx.Reason != "compliance_block: sanctioned counterparty" {
		t.Fatalf("reason should carry the provider code, got %v", tx.Reason)
	}
	if got := len(env.Beta.Submits()); got != 0 {
		t.Fatalf("no fallback after a permanent rejection, beta saw %d submits", got)
	}
}

func TestAllCandidatesExhausted(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.Alpha.SubmitErrs = []error{fmt.Errorf("timeout")}
	env.Beta.SubmitErrs = []error{fmt.Errorf("timeout")}

	tx, _, err := env.Orch.Submit(env.Ctx, paymentReq("c-1", domain.UrgencyInstant), "tester")
	var xe domain.ExhaustedError
	if !errors.As(err, &xe) {
		t.Fatalf("want ExhaustedError, got %v", err)
	}
	if tx.Status != domain.StatusFailed {
		t.Fatalf("want failed, got %s", tx.Status)
	}
	if tx.Reason == nil || *tx.Reason != domain.ReasonAllRailsExhausted {
		t.Fatalf("want ALL_RAILS_EXHAUSTED, got %v", tx.Reason)
	}
}

func TestNoEligibleRailFailsImmediately(t *testing.T) {
	env := newTestEnv(t, testConfig())
	// Neither fake offers an instant rail anymore.
	env.Alpha.Rails = nil
	env.Beta.Rails = []domain.RailCapability{env.Beta.Rail("beta-sameday", domain.SettlementSameDay, 5, 14400)}

	tx, _, err := env.Orch.Submit(env.Ctx, paymentReq("c-1", domain.UrgencyInstant), "tester")
	var ee domain.EligibilityError
	if !errors.As(err, &ee) || ee.Code != domain.ReasonNoEligibleRail {
		t.Fatalf("want NO_ELIGIBLE_RAIL, got %v", err)
	}
	if tx.Status != domain.StatusFailed {
		t.Fatalf("want failed, got %s", tx.Status)
	}
	if got := len(env.Alpha.Submits()) + len(env.Beta.Submits()); got != 0 {
		t.Fatalf("no provider call without an eligible rail, got %d", got)
	}
}

func TestDowngradePolicyFindsSlowerRail(t *testing.T) {
	cfg := testConfig()
	cfg.Routing.AllowDowngrade = true
	env := newTestEnv(t, cfg)
	env.Alpha.Rails = nil
	env.Beta.Rails = []domain.RailCapability{env.Beta.Rail("beta-sameday", domain.SettlementSameDay, 5, 14400)}

	tx, _, err := env.Orch.Submit(env.Ctx, paymentReq("c-1", domain.UrgencyInstant), "tester")
	if err != nil {
		t.Fatalf("downgrade should rescue the request: %v", err)
	}
	if tx.Status != domain.StatusPendingSettlement {
		t.Fatalf("want pending_settlement, got %s", tx.Status)
	}
	if tx.RailID == nil || *tx.RailID != "beta-sameday" {
		t.Fatalf("want beta-sameday after downgrade, got %v", tx.RailID)
	}
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t, testConfig())
	cases := []domain.PaymentRequest{
		{},
		{CorrelationID: "c-1", AmountMinor: -5, Currency: "USD", SourceRef: "s", DestinationRef: "d", Urgency: "standard", PaymentType: "p2p"},
		{CorrelationID: "c-1", AmountMinor: 5, Currency: "usd", SourceRef: "s", DestinationRef: "d", Urgency: "standard", PaymentType: "p2p"},
		{CorrelationID: "c-1", AmountMinor: 5, Currency: "USD", SourceRef: "", DestinationRef: "d", Urgency: "standard", PaymentType: "p2p"},
		{CorrelationID: "c-1", AmountMinor: 5, Currency: "USD", SourceRef: "s", DestinationRef: "d", Urgency: "rush", PaymentType: "p2p"},
		{CorrelationID: "c-1", AmountMinor: 5, Currency: "USD", SourceRef: "s", DestinationRef: "d", Urgency: "standard", PaymentType: "refund"},
	}
	for i, req := range cases {
		_, _, err := env.Orch.Submit(env.Ctx, req, "tester")
		var ve domain.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("case %d: want ValidationError, got %v", i, err)
		}
	}
	if got := len(env.Alpha.Submits()) + len(env.Beta.Submits()); got != 0 {
		t.Fatalf("invalid requests must not reach providers, got %d", got)
	}
}

func TestBatchMembersFailIndependently(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.Alpha.SubmitResults = []provider.SubmitResult{
		{Accepted: true, ExternalID: "alpha-ext-1", Code: "accepted"},
		{Accepted: false, Code: "limit_exceeded", Reason: "daily limit", Permanent: true},
		{Accepted: true, ExternalID: "alpha-ext-3", Code: "accepted"},
	}

	reqs := make([]domain.PaymentRequest, 3)
	for i := range reqs {
		reqs[i] = paymentReq(fmt.Sprintf("b-%d", i), domain.UrgencyInstant)
		reqs[i].Metadata = map[string]string{"batch_id": "batch-1"}
	}
	outcomes := env.Orch.SubmitBatch(env.Ctx, reqs, "tester")
	if len(outcomes) != 3 {
		t.Fatalf("want 3 outcomes, got %d", len(outcomes))
	}
	if outcomes[0].Transaction.Status != domain.StatusPendingSettlement {
		t.Fatalf("member 0 should be pending, got %s", outcomes[0].Transaction.Status)
	}
	if outcomes[1].Transaction.Status != domain.StatusFailed {
		t.Fatalf("member 1 should fail on its own, got %s", outcomes[1].Transaction.Status)
	}
	if outcomes[2].Transaction.Status != domain.StatusPendingSettlement {
		t.Fatalf("member 2 must not be dragged down, got %s", outcomes[2].Transaction.Status)
	}

	members, err := env.Orch.Batch(env.Ctx, "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 3 {
		t.Fatalf("batch listing should find all members, got %d", len(members))
	}
}

// slowAdapter delays Submit so tests can observe the measured call duration.
type slowAdapter struct {
	*providertest.Fake
	delay time.Duration
}

func (s slowAdapter) Submit(ctx context.Context, req domain.PaymentRequest, rail domain.RailCapability) (provider.SubmitResult, error) {
	time.Sleep(s.delay)
	return s.Fake.Submit(ctx, req, rail)
}

func TestHealthRecordsMeasuredSubmitLatency(t *testing.T) {
	cfg := testConfig()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	alpha := providertest.New("alpha")
	alpha.Rails = []domain.RailCapability{alpha.Rail("alpha-instant", domain.SettlementInstant, 10, 60)}
	registry := provider.NewRegistry(slowAdapter{Fake: alpha, delay: 30 * time.Millisecond})
	healthReg := health.NewRegistry(cfg)
	resolver := eligibility.NewResolver(cfg, registry, zerolog.Nop())
	orch := orchestrator.New(conn, cfg, resolver, healthReg, registry, zerolog.Nop())

	if _, _, err := orch.Submit(context.Background(), paymentReq("c-lat", domain.UrgencyInstant), "tester"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got := healthReg.Get("alpha").P95LatencyMs; got < 30 {
		t.Fatalf("health must see the measured call duration, got %dms", got)
	}
}

func TestPermanentRejectionRefreshesEligibility(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.Alpha.SubmitResults = []provider.SubmitResult{
		{Accepted: false, Code: "account_closed", Reason: "account closed", Permanent: true},
	}

	_, _, err := env.Orch.Submit(env.Ctx, paymentReq("c-1", domain.UrgencyInstant), "tester")
	var pe domain.PermanentProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("want PermanentProviderError, got %v", err)
	}
	before := env.Alpha.EligibilityCalls()

	if _, _, err := env.Orch.Submit(env.Ctx, paymentReq("c-2", domain.UrgencyInstant), "tester"); err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if got := env.Alpha.EligibilityCalls(); got != before+1 {
		t.Fatalf("a permanent rejection must drop cached eligibility for the account pair, got %d calls after %d", got, before)
	}
}

func TestGetUnknownCorrelation(t *testing.T) {
	env := newTestEnv(t, testConfig())
	_, err := env.Orch.Get(env.Ctx, "missing")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}
