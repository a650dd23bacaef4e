// Package circle adapts the Circle USDC transfer API, an instant-class
// stablecoin rail.
package circle

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

const signatureHeader = "X-Circle-Signature"

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

type walletResponse struct {
	Data struct {
		WalletID string `json:"walletId"`
		Enabled  bool   `json:"enabled"`
	} `json:"data"`
}

// Eligibility verifies the source wallet exists and is enabled for transfers.
// Circle wallets are multi-currency, so the currency narrows the lookup.
func (a *Adapter) Eligibility(ctx context.Context, sourceRef, destinationRef string, amountMinor int64, currency string) ([]domain.RailCapability, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/wallets/"+sourceRef+"?currency="+currency, nil)
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
		return nil, domain.EligibilityError{Code: domain.CodeUnknownSource, Msg: "wallet not found at circle"}
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("circle wallet lookup: status %d", res.StatusCode)
	}
	var wr walletResponse
	if err := json.NewDecoder(res.Body).Decode(&wr); err != nil {
		return nil, err
	}
	if !wr.Data.Enabled {
		return nil, nil
	}
	return a.rails, nil
}

type transferRequest struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Source         struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"source"`
	Destination struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"destination"`
	Amount struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

type transferData struct {
	Data struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"data"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (a *Adapter) Submit(ctx context.Context, pr domain.PaymentRequest, rail domain.RailCapability) (provider.SubmitResult, error) {
	var body transferRequest
	body.IdempotencyKey = pr.CorrelationID
	body.Source.Type = "wallet"
	body.Source.ID = pr.SourceRef
	body.Destination.Type = "wallet"
	body.Destination.ID = pr.DestinationRef
	body.Amount.Amount = provider.FormatMinor(pr.AmountMinor)
	body.Amount.Currency = pr.Currency
	data, err := json.Marshal(body)
	if err != nil {
		return provider.SubmitResult{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/transfers", bytes.NewReader(data))
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
	case res.StatusCode == http.StatusCreated:
		var td transferData
		if err := json.NewDecoder(res.Body).Decode(&td); err != nil {
			return provider.SubmitResult{}, err
		}
		return provider.SubmitResult{Accepted: true, ExternalID: td.Data.ID, Code: td.Data.Status}, nil
	case res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests:
		var ae apiError
		if err := json.NewDecoder(res.Body).Decode(&ae); err != nil {
			return provider.SubmitResult{}, err
		}
		return provider.SubmitResult{
			Accepted:  false,
			Code:      fmt.Sprintf("%d", ae.Code),
			Reason:    ae.Message,
			Permanent: true,
		}, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return provider.SubmitResult{}, fmt.Errorf("circle transfer: status %d: %s", res.StatusCode, body)
	}
}

func (a *Adapter) Status(ctx context.Context, externalID string) (domain.SettlementEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/transfers/"+externalID, nil)
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
		return domain.SettlementEvent{}, fmt.Errorf("circle transfer status: status %d", res.StatusCode)
	}
	var td transferData
	if err := json.NewDecoder(res.Body).Decode(&td); err != nil {
		return domain.SettlementEvent{}, err
	}
	return domain.SettlementEvent{
		ProviderID: a.cfg.ID,
		ExternalID: td.Data.ID,
		NewStatus:  mapStatus(td.Data.Status),
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

func (a *Adapter) Probe(ctx context.Context) (provider.ProbeResult, error) {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/ping", nil)
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
	NotificationType string `json:"notificationType"`
	Transfer         struct {
		ID         string `json:"id"`
		Status     string `json:"status"`
		CreateDate string `json:"createDate"`
	} `json:"transfer"`
}

func (a *Adapter) ParseWebhook(body []byte) (domain.SettlementEvent, error) {
	var wp webhookPayload
	if err := json.Unmarshal(body, &wp); err != nil {
		return domain.SettlementEvent{}, fmt.Errorf("circle webhook payload: %w", err)
	}
	if wp.NotificationType != "transfers" || wp.Transfer.ID == "" {
		return domain.SettlementEvent{}, fmt.Errorf("circle webhook missing transfer")
	}
	return domain.SettlementEvent{
		ProviderID: a.cfg.ID,
		ExternalID: wp.Transfer.ID,
		NewStatus:  mapStatus(wp.Transfer.Status),
		OccurredAt: wp.Transfer.CreateDate,
	}, nil
}

func (a *Adapter) authorize(req *http.Request) {
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
}

func mapStatus(s string) string {
	switch s {
	case "complete":
		return domain.StatusCompleted
	case "failed":
		return domain.StatusFailed
	default:
		return domain.StatusPendingSettlement
	}
}
