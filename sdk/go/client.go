package switchyardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Switchyard HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// PaymentRequest is the submission payload.
type PaymentRequest struct {
	CorrelationID  string            `json:"correlation_id"`
	AmountMinor    int64             `json:"amount_minor"`
	Currency       string            `json:"currency"`
	SourceRef      string            `json:"source_ref"`
	DestinationRef string            `json:"destination_ref"`
	Urgency        string            `json:"urgency"`
	PaymentType    string            `json:"payment_type"`
	KYCTier        string            `json:"kyc_tier,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Transaction is the API transaction model.
type Transaction struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	AmountMinor   int64     `json:"amount_minor"`
	Currency      string    `json:"currency"`
	Urgency       string    `json:"urgency"`
	ProviderID    *string   `json:"provider_id,omitempty"`
	RailID        *string   `json:"rail_id,omitempty"`
	ExternalID    *string   `json:"external_id,omitempty"`
	Status        string    `json:"status"`
	Reason        *string   `json:"reason,omitempty"`
	SLADeadline   *string   `json:"sla_deadline,omitempty"`
	CreatedAt     string    `json:"created_at"`
	UpdatedAt     string    `json:"updated_at"`
	TerminalAt    *string   `json:"terminal_at,omitempty"`
	Replayed      bool      `json:"replayed,omitempty"`
	Attempts      []Attempt `json:"attempts,omitempty"`
}

// Attempt is one submission attempt.
type Attempt struct {
	Seq          int     `json:"seq"`
	ProviderID   string  `json:"provider_id"`
	RailID       string  `json:"rail_id"`
	StartedAt    string  `json:"started_at"`
	EndedAt      string  `json:"ended_at"`
	Outcome      string  `json:"outcome"`
	ProviderCode *string `json:"provider_code,omitempty"`
}

// Batch is a batch listing with per-status counts.
type Batch struct {
	BatchID      string         `json:"batch_id"`
	Transactions []Transaction  `json:"transactions"`
	Counts       map[string]int `json:"counts"`
}

// ProviderHealth is one provider's live health snapshot.
type ProviderHealth struct {
	ProviderID          string  `json:"provider_id"`
	State               string  `json:"state"`
	Score               float64 `json:"score"`
	SuccessRate         float64 `json:"success_rate"`
	P95LatencyMs        int64   `json:"p95_latency_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitPayment submits one payment request.
func (c *Client) SubmitPayment(ctx context.Context, req PaymentRequest) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "v0/payments", req, &resp)
	return resp, err
}

// SubmitBatch submits a group of payments under one batch id.
func (c *Client) SubmitBatch(ctx context.Context, batchID string, payments []PaymentRequest) (Batch, error) {
	body := map[string]any{
		"batch_id": batchID,
		"payments": payments,
	}
	var resp Batch
	err := c.do(ctx, http.MethodPost, "v0/batches", body, &resp)
	return resp, err
}

// GetPayment fetches a payment by correlation id.
func (c *Client) GetPayment(ctx context.Context, correlationID string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodGet, "v0/payments/"+url.PathEscape(correlationID), nil, &resp)
	return resp, err
}

// PaymentAttempts lists the submission attempts for a payment.
func (c *Client) PaymentAttempts(ctx context.Context, correlationID string) ([]Attempt, error) {
	var resp []Attempt
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/payments/%s/attempts", url.PathEscape(correlationID)), nil, &resp)
	return resp, err
}

// GetBatch fetches a batch listing.
func (c *Client) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodGet, "v0/batches/"+url.PathEscape(batchID), nil, &resp)
	return resp, err
}

// Providers returns the provider health snapshot.
func (c *Client) Providers(ctx context.Context) ([]ProviderHealth, error) {
	var resp []ProviderHealth
	err := c.do(ctx, http.MethodGet, "v0/providers", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
