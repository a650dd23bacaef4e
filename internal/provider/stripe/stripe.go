// Package stripe adapts the Stripe payouts API: an RTP/FedNow instant channel
// plus wires. Stripe is the one adapter with native multi-recipient
// submission, so it also implements provider.BatchSubmitter.
package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/provider"
)

const signatureHeader = "Stripe-Signature"

type Adapter struct {
	cfg    config.ProviderConfig
	client *http.Client
	rails  []domain.RailCapability
}

func New(cfg config.ProviderConfig) *Adapter {
	rails := make([]domain.RailCapability, 0, len(cfg.Rails))
	for _, rc := range cfg.Rails {
		rails = append(rails, domain.RailCapability{
			ProviderID:           cfg.ID,
			RailID:               rc.ID,
			SettlementClass:      rc.SettlementClass,
			MinAmountMinor:       rc.MinAmountMinor,
			MaxAmountMinor:       rc.MaxAmountMinor,
			FeeFixedMinor:        rc.FeeFixedMinor,
			FeeBps:               rc.FeeBps,
			SettlementWindowSecs: rc.SettlementWindowSeconds,
			InstantChannel:       rc.InstantChannel,
		})
	}
	return &Adapter{cfg: cfg, client: &http.Client{}, rails: rails}
}

func (a *Adapter) ID() string              { return a.cfg.ID }
func (a *Adapter) SignatureHeader() string { return signatureHeader }

type capabilitiesResponse struct {
	InstantPayouts string `json:"instant_payouts"` // active | inactive
}

// Eligibility checks whether the destination has the instant payout
// capability; rails on the instant channel are withheld when it does not.
func (a *Adapter) Eligibility(ctx context.Context, sourceRef, destinationRef string, amountMinor int64, currency string) ([]domain.RailCapability, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		a.cfg.BaseURL+"/v1/accounts/"+destinationRef+"/capabilities?currency="+currency, nil)
	if err != nil {
		return nil, err
	}
	a.authorize(req)
	res, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, domain.EligibilityError{Code: domain.CodeUnknownDestination, Msg: "destination account not found at stripe"}
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stripe capabilities: status %d", res.StatusCode)
	}
	var caps capabilitiesResponse
	if err := json.NewDecoder(res.Body).Decode(&caps); err != nil {
		return nil, err
	}
	if caps.InstantPayouts == "active" {
		return a.rails, nil
	}
	var out []domain.RailCapability
	for _, rail := range a.rails {
		if !rail.InstantChannel {
			out = append(out, rail)
		}
	}
	return out, nil
}

type payoutResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *Adapter) Submit(ctx context.Context, pr domain.PaymentRequest, rail domain.RailCapability) (provider.SubmitResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(pr.AmountMinor, 10))
	form.Set("currency", strings.ToLower(pr.Currency))
	form.Set("source", pr.SourceRef)
	form.Set("destination", pr.DestinationRef)
	if rail.InstantChannel {
		form.Set("method", "instant")
	} else {
		form.Set("method", "standard")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/payouts",
		strings.NewReader(form.Encode()))
	if err != nil {
		return provider.SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", pr.CorrelationID)
	a.authorize(req)
	res, err := a.client.Do(req)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	defer res.Body.Close()
	return a.decodeSubmit(res)
}

func (a *Adapter) decodeSubmit(res *http.Response) (provider.SubmitResult, error) {
	switch {
	case res.StatusCode == http.StatusOK || res.StatusCode == http.StatusCreated:
		var po payoutResponse
		if err := json.NewDecoder(res.Body).Decode(&po); err != nil {
			return provider.SubmitResult{}, err
		}
		return provider.SubmitResult{Accepted: true, ExternalID: po.ID, Code: po.Status}, nil
	case res.StatusCode >= 400 && res.StatusCode < 500:
		var er errorResponse
		if err := json.NewDecoder(res.Body).Decode(&er); err != nil {
			return provider.SubmitResult{}, err
		}
		// invalid_request_error and account errors will not succeed on retry;
		// api_error and rate_limit_error might.
		permanent := er.Error.Type == "invalid_request_error" || er.Error.Type == "account_error"
		if !permanent {
			return provider.SubmitResult{}, fmt.Errorf("stripe payout %s: %s", er.Error.Type, er.Error.Message)
		}
		return provider.SubmitResult{
			Accepted:  false,
			Code:      er.Error.Code,
			Reason:    er.Error.Message,
			Permanent: true,
		}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return provider.SubmitResult{}, fmt.Errorf("stripe payout: status %d: %s", res.StatusCode, body)
	}
}

type batchRequest struct {
	Method  string      `json:"method"`
	Payouts []batchItem `json:"payouts"`
}

type batchItem struct {
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Source         string `json:"source"`
	Destination    string `json:"destination"`
	IdempotencyKey string `json:"idempotency_key"`
}

type batchResponse struct {
	Results []struct {
		payoutResponse
		Error *errorResponse `json:"error,omitempty"`
	} `json:"results"`
}

// SubmitBatch folds N same-rail recipients into one provider call. The result
// slice is positional: results[i] answers reqs[i].
func (a *Adapter) SubmitBatch(ctx context.Context, reqs []domain.PaymentRequest, rail domain.RailCapability) ([]provider.SubmitResult, error) {
	br := batchRequest{Method: "standard"}
	if rail.InstantChannel {
		br.Method = "instant"
	}
	for _, pr := range reqs {
		br.Payouts = append(br.Payouts, batchItem{
			Amount:         pr.AmountMinor,
			Currency:       strings.ToLower(pr.Currency),
			Source:         pr.SourceRef,
			Destination:    pr.DestinationRef,
			IdempotencyKey: pr.CorrelationID,
		})
	}
	data, err := json.Marshal(br)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/payouts/batch", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)
	res, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("stripe batch payout: status %d: %s", res.StatusCode, body)
	}
	var bres batchResponse
	if err := json.NewDecoder(res.Body).Decode(&bres); err != nil {
		return nil, err
	}
	if len(bres.Results) != len(reqs) {
		return nil, fmt.Errorf("stripe batch payout: %d results for %d requests", len(bres.Results), len(reqs))
	}
	out := make([]provider.SubmitResult, len(bres.Results))
	for i, item := range bres.Results {
		if item.Error != nil {
			out[i] = provider.SubmitResult{
				Accepted:  false,
				Code:      item.Error.Error.Code,
				Reason:    item.Error.Error.Message,
				Permanent: item.Error.Error.Type == "invalid_request_error" || item.Error.Error.Type == "account_error",
			}
			continue
		}
		out[i] = provider.SubmitResult{Accepted: true, ExternalID: item.ID, Code: item.Status}
	}
	return out, nil
}

func (a *Adapter) Status(ctx context.Context, externalID string) (domain.SettlementEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/payouts/"+externalID, nil)
	if err != nil {
		return domain.SettlementEvent{}, err
	}
	a.authorize(req)
	res, err := a.client.Do(req)
	if err != nil {
		return domain.SettlementEvent{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return domain.SettlementEvent{}, fmt.Errorf("stripe payout status: status %d", res.StatusCode)
	}
	var po payoutResponse
	if err := json.NewDecoder(res.Body).Decode(&po); err != nil {
		return domain.SettlementEvent{}, err
	}
	return domain.SettlementEvent{
		ProviderID: a.cfg.ID,
		ExternalID: po.ID,
		NewStatus:  mapStatus(po.Status),
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (a *Adapter) Probe(ctx context.Context) (provider.ProbeResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/healthcheck", nil)
	if err != nil {
		return provider.ProbeResult{}, err
	}
	res, err := a.client.Do(req)
	if err != nil {
		return provider.ProbeResult{}, err
	}
	res.Body.Close()
	return provider.ProbeResult{
		Healthy:   res.StatusCode == http.StatusOK,
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// VerifyWebhook checks a Stripe-style signature: "t=<unix>,v1=<hex>", where
// the HMAC covers "<t>.<body>".
func (a *Adapter) VerifyWebhook(signature string, body []byte) bool {
	var ts, v1 string
	for _, part := range strings.Split(signature, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return false
	}
	signed := append([]byte(ts+"."), body...)
	return provider.VerifyHMAC(a.cfg.WebhookSecret, v1, signed)
}

// SignWebhook produces a signature header value accepted by VerifyWebhook.
func (a *Adapter) SignWebhook(ts string, body []byte) string {
	signed := append([]byte(ts+"."), body...)
	return fmt.Sprintf("t=%s,v1=%s", ts, provider.SignHMAC(a.cfg.WebhookSecret, signed))
}

type webhookPayload struct {
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID             string `json:"id"`
			FailureMessage string `json:"failure_message"`
		} `json:"object"`
	} `json:"data"`
}

func (a *Adapter) ParseWebhook(body []byte) (domain.SettlementEvent, error) {
	var wp webhookPayload
	if err := json.Unmarshal(body, &wp); err != nil {
		return domain.SettlementEvent{}, fmt.Errorf("stripe webhook payload: %w", err)
	}
	if wp.Data.Object.ID == "" {
		return domain.SettlementEvent{}, fmt.Errorf("stripe webhook missing payout id")
	}
	ev := domain.SettlementEvent{
		ProviderID: a.cfg.ID,
		ExternalID: wp.Data.Object.ID,
		OccurredAt: time.Unix(wp.Created, 0).UTC().Format(time.RFC3339),
	}
	switch wp.Type {
	case "payout.paid":
		ev.NewStatus = domain.StatusCompleted
	case "payout.failed", "payout.canceled":
		ev.NewStatus = domain.StatusFailed
		ev.Reason = wp.Data.Object.FailureMessage
	case "payout.reversed":
		ev.NewStatus = domain.StatusReversed
	default:
		ev.NewStatus = domain.StatusPendingSettlement
	}
	return ev, nil
}

func (a *Adapter) authorize(req *http.Request) {
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
}

func mapStatus(s string) string {
	switch s {
	case "paid":
		return domain.StatusCompleted
	case "failed", "canceled":
		return domain.StatusFailed
	case "reversed":
		return domain.StatusReversed
	default:
		return domain.StatusPendingSettlement
	}
}
