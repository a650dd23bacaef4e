// Package tempo adapts the Tempo high-throughput stablecoin rail. Tempo's
// API works in integer minor units and flags retryability explicitly, which
// makes its error mapping the simplest of the adapters.
package tempo

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

const signatureHeader = "X-Tempo-Signature"

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

type accountResponse struct {
	AccountID      string `json:"account_id"`
	InstantEnabled bool   `json:"instant_enabled"`
}

// Eligibility checks the source account's instant flag on Tempo's side.
// Tempo validates the intended amount against the account's limits.
func (a *Adapter) Eligibility(ctx context.Context, sourceRef, destinationRef string, amountMinor int64, currency string) ([]domain.RailCapability, error) {
	url := fmt.Sprintf("%s/api/v1/accounts/%s?amount_minor=%d&currency=%s", a.cfg.BaseURL, sourceRef, amountMinor, currency)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
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
		return nil, domain.EligibilityError{Code: domain.CodeUnknownSource, Msg: "account not found at tempo"}
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tempo account lookup: status %d", res.StatusCode)
	}
	var ar accountResponse
	if err := json.NewDecoder(res.Body).Decode(&ar); err != nil {
		return nil, err
	}
	if !ar.InstantEnabled {
		return nil, nil
	}
	return a.rails, nil
}

type paymentRequest struct {
	Reference   string `json:"reference"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Rail        string `json:"rail"`
}

type paymentResponse struct {
	PaymentID string `json:"payment_id"`
	State     string `json:"state"`
}

type apiError struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (a *Adapter) Submit(ctx context.Context, pr domain.PaymentRequest, rail domain.RailCapability) (provider.SubmitResult, error) {
	body := paymentRequest{
		Reference:   pr.CorrelationID,
		AmountMinor: pr.AmountMinor,
		Currency:    pr.Currency,
		Source:      pr.SourceRef,
		Destination: pr.DestinationRef,
		Rail:        rail.RailID,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/api/v1/payments", bytes.NewReader(data))
	if err != nil {
		return provider.SubmitResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)
	res, err := a.client.Do(req)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	defer res.Body.Close()
	switch {
	case res.StatusCode == http.StatusAccepted || res.StatusCode == http.StatusCreated:
		var prr paymentResponse
		if err := json.NewDecoder(res.Body).Decode(&prr); err != nil {
			return provider.SubmitResult{}, err
		}
		return provider.SubmitResult{Accepted: true, ExternalID: prr.PaymentID, Code: prr.State}, nil
	case res.StatusCode >= 400 && res.StatusCode < 500:
		var ae apiError
		if err := json.NewDecoder(res.Body).Decode(&ae); err != nil {
			return provider.SubmitResult{}, err
		}
		if ae.Retryable {
			return provider.SubmitResult{}, fmt.Errorf("tempo payment retryable failure %s: %s", ae.ErrorCode, ae.Message)
		}
		return provider.SubmitResult{
			Accepted:  false,
			Code:      ae.ErrorCode,
			Reason:    ae.Message,
			Permanent: true,
		}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return provider.SubmitResult{}, fmt.Errorf("tempo payment: status %d: %s", res.StatusCode, body)
	}
}

func (a *Adapter) Status(ctx context.Context, externalID string) (domain.SettlementEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/api/v1/payments/"+externalID, nil)
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
		return domain.SettlementEvent{}, fmt.Errorf("tempo payment status: status %d", res.StatusCode)
	}
	var prr paymentResponse
	if err := json.NewDecoder(res.Body).Decode(&prr); err != nil {
		return domain.SettlementEvent{}, err
	}
	return domain.SettlementEvent{
		ProviderID: a.cfg.ID,
		ExternalID: prr.PaymentID,
		NewStatus:  mapState(prr.State),
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (a *Adapter) Probe(ctx context.Context) (provider.ProbeResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/api/v1/health", nil)
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
	PaymentID  string `json:"payment_id"`
	State      string `json:"state"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at"`
}

func (a *Adapter) ParseWebhook(body []byte) (domain.SettlementEvent, error) {
	var wp webhookPayload
	if err := json.Unmarshal(body, &wp); err != nil {
		return domain.SettlementEvent{}, fmt.Errorf("tempo webhook payload: %w", err)
	}
	if wp.PaymentID == "" {
		return domain.SettlementEvent{}, fmt.Errorf("tempo webhook missing payment_id")
	}
	return domain.SettlementEvent{
		ProviderID: a.cfg.ID,
		ExternalID: wp.PaymentID,
		NewStatus:  mapState(wp.State),
		Reason:     wp.Reason,
		OccurredAt: wp.OccurredAt,
	}, nil
}

func (a *Adapter) authorize(req *http.Request) {
	if a.cfg.APIKey != "" {
		req.Header.Set("X-Api-Key", a.cfg.APIKey)
	}
}

func mapState(s string) string {
	switch s {
	case "settled":
		return domain.StatusCompleted
	case "failed":
		return domain.StatusFailed
	case "reversed":
		return domain.StatusReversed
	default:
		return domain.StatusPendingSettlement
	}
}
