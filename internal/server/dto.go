package server

import (
	"switchyard/internal/domain"
)

// Request payloads

type SubmitPaymentRequest struct {
	CorrelationID  string            `json:"correlation_id"`
	AmountMinor    int64             `json:"amount_minor"`
	Currency       string            `json:"currency"`
	SourceRef      string            `json:"source_ref"`
	DestinationRef string            `json:"destination_ref"`
	Urgency        string            `json:"urgency" enum:"standard,express,instant,emergency"`
	PaymentType    string            `json:"payment_type" enum:"p2p,disbursement,payout,deposit"`
	KYCTier        *string           `json:"kyc_tier,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type SubmitBatchRequest struct {
	BatchID  string                 `json:"batch_id"`
	Payments []SubmitPaymentRequest `json:"payments"`
}

// Response payloads

type TransactionResponse struct {
	ID             string            `json:"id"`
	CorrelationID  string            `json:"correlation_id"`
	AmountMinor    int64             `json:"amount_minor"`
	Currency       string            `json:"currency"`
	SourceRef      string            `json:"source_ref"`
	DestinationRef string            `json:"destination_ref"`
	Urgency        string            `json:"urgency"`
	PaymentType    string            `json:"payment_type"`
	BatchID        *string           `json:"batch_id,omitempty"`
	ProviderID     *string           `json:"provider_id,omitempty"`
	RailID         *string           `json:"rail_id,omitempty"`
	ExternalID     *string           `json:"external_id,omitempty"`
	Status         string            `json:"status"`
	Reason         *string           `json:"reason,omitempty"`
	SLADeadline    *string           `json:"sla_deadline,omitempty"`
	CreatedAt      string            `json:"created_at"`
	UpdatedAt      string            `json:"updated_at"`
	TerminalAt     *string           `json:"terminal_at,omitempty"`
	Replayed       bool              `json:"replayed,omitempty"`
	Attempts       []AttemptResponse `json:"attempts,omitempty"`
}

type AttemptResponse struct {
	Seq          int     `json:"seq"`
	ProviderID   string  `json:"provider_id"`
	RailID       string  `json:"rail_id"`
	StartedAt    string  `json:"started_at"`
	EndedAt      string  `json:"ended_at"`
	Outcome      string  `json:"outcome"`
	ProviderCode *string `json:"provider_code,omitempty"`
}

type BatchResponse struct {
	BatchID      string                `json:"batch_id"`
	Transactions []TransactionResponse `json:"transactions"`
	Counts       map[string]int        `json:"counts"`
}

func (r SubmitPaymentRequest) toDomain(batchID string) domain.PaymentRequest {
	req := domain.PaymentRequest{
		CorrelationID:  r.CorrelationID,
		AmountMinor:    r.AmountMinor,
		Currency:       r.Currency,
		SourceRef:      r.SourceRef,
		DestinationRef: r.DestinationRef,
		Urgency:        r.Urgency,
		PaymentType:    r.PaymentType,
		Metadata:       r.Metadata,
	}
	if r.KYCTier != nil {
		req.KYCTier = *r.KYCTier
	}
	if batchID != "" {
		if req.Metadata == nil {
			req.Metadata = map[string]string{}
		}
		req.Metadata["batch_id"] = batchID
	}
	return req
}

func transactionResponse(t domain.Transaction, replayed bool) TransactionResponse {
	resp := TransactionResponse{
		ID:             t.ID,
		CorrelationID:  t.CorrelationID,
		AmountMinor:    t.AmountMinor,
		Currency:       t.Currency,
		SourceRef:      t.SourceRef,
		DestinationRef: t.DestinationRef,
		Urgency:        t.Urgency,
		PaymentType:    t.PaymentType,
		BatchID:        t.BatchID,
		ProviderID:     t.ProviderID,
		RailID:         t.RailID,
		ExternalID:     t.ExternalID,
		Status:         t.Status,
		Reason:         t.Reason,
		SLADeadline:    t.SLADeadline,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		TerminalAt:     t.TerminalAt,
		Replayed:       replayed,
	}
	for _, a := range t.Attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse(a))
	}
	return resp
}

func attemptResponse(a domain.AttemptLog) AttemptResponse {
	return AttemptResponse{
		Seq:          a.Seq,
		ProviderID:   a.ProviderID,
		RailID:       a.RailID,
		StartedAt:    a.StartedAt,
		EndedAt:      a.EndedAt,
		Outcome:      a.Outcome,
		ProviderCode: a.ProviderCode,
	}
}

func batchResponse(batchID string, txs []domain.Transaction) BatchResponse {
	resp := BatchResponse{
		BatchID: batchID,
		Counts:  map[string]int{},
	}
	for _, t := range txs {
		resp.Transactions = append(resp.Transactions, transactionResponse(t, false))
		resp.Counts[t.Status]++
	}
	return resp
}
