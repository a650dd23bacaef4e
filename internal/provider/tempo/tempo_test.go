package tempo_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/provider"
	"switchyard/internal/provider/tempo"
)

func newAdapter(handler http.Handler) (*tempo.Adapter, *httptest.Server) {
	srv := httptest.NewServer(handler)
	return tempo.New(config.ProviderConfig{
		ID:            "tempo",
		Kind:          "tempo",
		BaseURL:       srv.URL,
		APIKey:        "k-123",
		WebhookSecret: "whsec",
		Rails: []config.RailConfig{{
			ID: "tempo-usdc", SettlementClass: domain.SettlementInstant,
			Currencies: []string{"USD"}, MinAmountMinor: 100, MaxAmountMinor: 100_000_000,
			SettlementWindowSeconds: 60, InstantChannel: true,
		}},
	}), srv
}

func submitReq() domain.PaymentRequest {
	return domain.PaymentRequest{
		CorrelationID:  "c-1",
		AmountMinor:    10_000,
		Currency:       "USD",
		SourceRef:      "acct-src",
		DestinationRef: "acct-dst",
		Urgency:        domain.UrgencyInstant,
		PaymentType:    domain.PaymentP2P,
	}
}

func TestSubmitAccepted(t *testing.T) {
	var seen map[string]any
	a, srv := newAdapter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "k-123" {
			t.Error("api key header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"payment_id": "tp-1", "state": "processing"})
	}))
	defer srv.Close()

	rail := domain.RailCapability{ProviderID: "tempo", RailID: "tempo-usdc"}
	res, err := a.Submit(context.Background(), submitReq(), rail)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.ExternalID != "tp-1" {
		t.Fatalf("got %+v", res)
	}
	if seen["amount_minor"] != float64(10_000) || seen["rail"] != "tempo-usdc" {
		t.Fatalf("wire request wrong: %v", seen)
	}
}

func TestSubmitRetryableErrorIsTransient(t *testing.T) {
	a, srv := newAdapter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error_code": "rate_limited", "message": "slow down", "retryable": true,
		})
	}))
	defer srv.Close()

	_, err := a.Submit(context.Background(), submitReq(), domain.RailCapability{RailID: "tempo-usdc"})
	if err == nil {
		t.Fatal("retryable rejection must surface as a transport-style error")
	}
}

func TestSubmitNonRetryableErrorIsPermanent(t *testing.T) {
	a, srv := newAdapter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error_code": "account_frozen", "message": "destination frozen", "retryable": false,
		})
	}))
	defer srv.Close()

	res, err := a.Submit(context.Background(), submitReq(), domain.RailCapability{RailID: "tempo-usdc"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted || !res.Permanent || res.Code != "account_frozen" {
		t.Fatalf("got %+v", res)
	}
}

func TestEligibilityUnknownSource(t *testing.T) {
	a, srv := newAdapter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := a.Eligibility(context.Background(), "acct-missing", "acct-dst", 10_000, "USD")
	var ee domain.EligibilityError
	if !errors.As(err, &ee) || ee.Code != domain.CodeUnknownSource {
		t.Fatalf("want UNKNOWN_SOURCE, got %v", err)
	}
}

func TestEligibilityInstantDisabled(t *testing.T) {
	a, srv := newAdapter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("amount_minor") != "10000" || r.URL.Query().Get("currency") != "USD" {
			t.Errorf("amount and currency must reach the provider, got %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{"account_id": "acct-src", "instant_enabled": false})
	}))
	defer srv.Close()

	rails, err := a.Eligibility(context.Background(), "acct-src", "acct-dst", 10_000, "USD")
	if err != nil {
		t.Fatal(err)
	}
	if len(rails) != 0 {
		t.Fatalf("disabled account offers no rails, got %v", rails)
	}
}

func TestStatusMapsStates(t *testing.T) {
	state := "settled"
	a, srv := newAdapter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"payment_id": "tp-1", "state": state})
	}))
	defer srv.Close()

	ev, err := a.Status(context.Background(), "tp-1")
	if err != nil {
		t.Fatal(err)
	}
	if ev.NewStatus != domain.StatusCompleted || ev.ProviderID != "tempo" {
		t.Fatalf("got %+v", ev)
	}

	state = "processing"
	ev, err = a.Status(context.Background(), "tp-1")
	if err != nil {
		t.Fatal(err)
	}
	if ev.NewStatus != domain.StatusPendingSettlement {
		t.Fatalf("unknown states stay pending, got %s", ev.NewStatus)
	}
}

func TestWebhookRoundTrip(t *testing.T) {
	a, srv := newAdapter(http.NotFoundHandler())
	defer srv.Close()

	body := []byte(`{"payment_id":"tp-1","state":"reversed","reason":"clawback","occurred_at":"2026-03-01T09:00:30Z"}`)
	sig := provider.SignHMAC("whsec", body)
	if !a.VerifyWebhook(sig, body) {
		t.Fatal("valid signature rejected")
	}
	if a.VerifyWebhook(sig, append(body, ' ')) {
		t.Fatal("tampered body accepted")
	}

	ev, err := a.ParseWebhook(body)
	if err != nil {
		t.Fatal(err)
	}
	if ev.NewStatus != domain.StatusReversed || ev.Reason != "clawback" {
		t.Fatalf("got %+v", ev)
	}
	if _, err := a.ParseWebhook([]byte(`{"state":"settled"}`)); err == nil {
		t.Fatal("missing payment_id must be rejected")
	}
}
