// Package dwolla adapts the Dwolla ACH API: standard (batch) and same-day
// ACH clearing. Poll-based; Dwolla webhooks are supported too but deployments
// behind NAT rely on the status poll loop.
package dwolla

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"switchyard/internal/config"
	"switchyard/internal/domain"
	"switchyard/internal/provider"
)

const signatureHeader = "X-Request-Signature-SHA-256"

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

type fundingSource struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Eligibility verifies the funding source is known to Dwolla and returns the
// configured ACH rails. Unverified sources lose same-day clearing. ACH moves
// USD only, so other currencies short-circuit without a provider call.
func (a *Adapter) Eligibility(ctx context.Context, sourceRef, destinationRef string, amountMinor int64, currency string) ([]domain.RailCapability, error) {
	if currency != "USD" {
		return nil, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/funding-sources/"+sourceRef, nil)
	if err != nil {
		return nil, err
	}
	res, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, domain.EligibilityError{Code: domain.CodeUnknownSource, Msg: "funding source not found at dwolla"}
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dwolla funding source lookup: status %d", res.StatusCode)
	}
	var fs fundingSource
	if err := json.NewDecoder(res.Body).Decode(&fs); err != nil {
		return nil, err
	}
	if fs.Status == "verified" {
		return a.rails, nil
	}
	var out []domain.RailCapability
	for _, rail := range a.rails {
		if rail.SettlementClass == domain.SettlementBatch {
			out = append(out, rail)
		}
	}
	return out, nil
}

type transferRequest struct {
	Links struct {
		Source      string `json:"source"`
		Destination string `json:"destination"`
	} `json:"_links"`
	Amount struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Clearing struct {
		Source string `json:"source"`
	} `json:"clearing"`
}

type transferResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var permanentCodes = map[string]bool{
	"InvalidFundingSource": true,
	"InsufficientFunds":    true,
	"Forbidden":            true,
	"ReceiverRestricted":   true,
}

func (a *Adapter) Submit(ctx context.Context, pr domain.PaymentRequest, rail domain.RailCapability) (provider.SubmitResult, error) {
	var body transferRequest
	body.Links.Source = pr.SourceRef
	body.Links.Destination = pr.DestinationRef
	body.Amount.Value = provider.FormatMinor(pr.AmountMinor)
	body.Amount.Currency = pr.Currency
	body.Clearing.Source = "standard"
	if rail.SettlementClass == domain.SettlementSameDay {
		body.Clearing.Source = "next-available"
	}
	data, err := json.Marshal(body)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/transfers", bytes.NewReader(data))
	if err != nil {
		return provider.SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/vnd.dwolla.v1.hal+json")
	req.Header.Set("Idempotency-Key", pr.CorrelationID)
	res, err := a.client.Do(req)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusCreated:
		var tr transferResponse
		if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
			return provider.SubmitResult{}, err
		}
		return provider.SubmitResult{Accepted: true, ExternalID: tr.ID, Code: tr.Status}, nil
	case res.StatusCode >= 400 && res.StatusCode < 500:
		var ae apiError
		if err := json.NewDecoder(res.Body).Decode(&ae); err != nil {
			return provider.SubmitResult{}, err
		}
		return provider.SubmitResult{
			Accepted:  false,
			Code:      ae.Code,
			Reason:    ae.Message,
			Permanent: permanentCodes[ae.Code],
		}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return provider.SubmitResult{}, fmt.Errorf("dwolla transfer: status %d: %s", res.StatusCode, body)
	}
}

func (a *Adapter) Status(ctx context.Context, externalID string) (domain.SettlementEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/transfers/"+externalID, nil)
	if err != nil {
		return domain.SettlementEvent{}, err
	}
	res, err := a.client.Do(req)
	if err != nil {
		return domain.SettlementEvent{}, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return domain.SettlementEvent{}, fmt.Errorf("dwolla transfer status: status %d", res.StatusCode)
	}
	var tr transferResponse
	if err := json.NewDecoder(res.Body).Decode(&tr); err != nil {
		return domain.SettlementEvent{}, err
	}
	return domain.SettlementEvent{
		ProviderID: a.cfg.ID,
		ExternalID: tr.ID,
		NewStatus:  mapStatus(tr.Status),
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (a *Adapter) Probe(ctx context.Context) (provider.ProbeResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/ok", nil)
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

func (a *Adapter) VerifyWebhook(signature string, body []byte) bool {
	return provider.VerifyHMAC(a.cfg.WebhookSecret, signature, body)
}

type webhookPayload struct {
	Topic      string `json:"topic"`
	ResourceID string `json:"resourceId"`
	Timestamp  string `json:"timestamp"`
}

func (a *Adapter) ParseWebhook(body []byte) (domain.SettlementEvent, error) {
	var wp webhookPayload
	if err := json.Unmarshal(body, &wp); err != nil {
		return domain.SettlementEvent{}, fmt.Errorf("dwolla webhook payload: %w", err)
	}
	if wp.ResourceID == "" {
		return domain.SettlementEvent{}, fmt.Errorf("dwolla webhook missing resourceId")
	}
	ev := domain.SettlementEvent{
		ProviderID: a.cfg.ID,
		ExternalID: wp.ResourceID,
		OccurredAt: wp.Timestamp,
	}
	switch wp.Topic {
	case "transfer_completed":
		ev.NewStatus = domain.StatusCompleted
	case "transfer_failed", "transfer_cancelled":
		ev.NewStatus = domain.StatusFailed
		ev.Reason = wp.Topic
	case "transfer_reclaimed":
		ev.NewStatus = domain.StatusReversed
		ev.Reason = wp.Topic
	default:
		ev.NewStatus = domain.StatusPendingSettlement
	}
	return ev, nil
}

func mapStatus(s string) string {
	switch s {
	case "processed":
		return domain.StatusCompleted
	case "failed", "cancelled":
		return domain.StatusFailed
	case "reclaimed":
		return domain.StatusReversed
	default:
		return domain.StatusPendingSettlement
	}
}
