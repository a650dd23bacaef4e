package domain

// Urgency classes a caller can declare on a payment request. The urgency
// constrains which settlement classes are eligible and derives the SLA
// deadline once a provider accepts the transfer.
const (
	UrgencyStandard  = "standard"
	UrgencyExpress   = "express"
	UrgencyInstant   = "instant"
	UrgencyEmergency = "emergency"
)

// Payment types.
const (
	PaymentP2P          = "p2p"
	PaymentDisbursement = "disbursement"
	PaymentPayout       = "payout"
	PaymentDeposit      = "deposit"
)

// Settlement classes a rail can belong to.
const (
	SettlementBatch   = "batch"
	SettlementSameDay = "same_day"
	SettlementInstant = "instant"
)

// Transaction statuses.
const (
	StatusCreated           = "created"
	StatusSubmitting        = "submitting"
	StatusPendingSettlement = "pending_settlement"
	StatusRejectedImmediate = "rejected_immediate"
	StatusCompleted         = "completed"
	StatusFailed            = "failed"
	StatusReversed          = "reversed"
)

// Attempt outcomes.
const (
	AttemptAccepted = "accepted"
	AttemptRejected = "rejected"
	AttemptTimeout  = "timeout"
	AttemptError    = "error"
)

// Provider health states.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthDown     = "down"
)

// Failure reason codes carried on failed transactions.
const (
	ReasonNoEligibleRail    = "NO_ELIGIBLE_RAIL"
	ReasonAllRailsExhausted = "ALL_RAILS_EXHAUSTED"
	ReasonSLAExceeded       = "SLA_EXCEEDED"
)

// PaymentRequest is the caller-supplied intent. Immutable once accepted; the
// orchestrator snapshots it onto the Transaction.
type PaymentRequest struct {
	CorrelationID  string            `json:"correlation_id"`
	AmountMinor    int64             `json:"amount_minor"`
	Currency       string            `json:"currency"`
	SourceRef      string            `json:"source_ref"`
	DestinationRef string            `json:"destination_ref"`
	Urgency        string            `json:"urgency" enum:"standard,express,instant,emergency"`
	PaymentType    string            `json:"payment_type" enum:"p2p,disbursement,payout,deposit"`
	KYCTier        string            `json:"kyc_tier,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// BatchID returns the batch grouping key, if the caller set one.
func (r PaymentRequest) BatchID() string {
	return r.Metadata["batch_id"]
}

// RailCapability describes one usable (provider, rail) pair as resolved for a
// concrete request.
type RailCapability struct {
	ProviderID           string `json:"provider_id"`
	RailID               string `json:"rail_id"`
	SettlementClass      string `json:"settlement_class" enum:"batch,same_day,instant"`
	MinAmountMinor       int64  `json:"min_amount_minor"`
	MaxAmountMinor       int64  `json:"max_amount_minor"`
	FeeFixedMinor        int64  `json:"fee_fixed_minor"`
	FeeBps               int64  `json:"fee_bps"`
	SettlementWindowSecs int64  `json:"settlement_window_seconds"`
	InstantChannel       bool   `json:"instant_channel"`
}

// RouteCandidate is one entry of a RoutingDecision, in rank order.
type RouteCandidate struct {
	ProviderID           string  `json:"provider_id"`
	RailID               string  `json:"rail_id"`
	EstimatedFeeMinor    int64   `json:"estimated_fee_minor"`
	SettlementWindowSecs int64   `json:"settlement_window_seconds"`
	HealthScore          float64 `json:"health_score"`
	HealthState          string  `json:"health_state"`
}

// RoutingDecision is the full ranked candidate list for one request. It is
// produced fresh per request and recorded on the transaction's audit trail,
// never persisted as standalone state.
type RoutingDecision struct {
	Candidates []RouteCandidate `json:"candidates"`
}

// Empty reports whether routing produced no usable candidate.
func (d RoutingDecision) Empty() bool { return len(d.Candidates) == 0 }

// ProviderHealth is a read snapshot of one provider's rolling health window.
type ProviderHealth struct {
	ProviderID          string  `json:"provider_id"`
	State               string  `json:"state" enum:"healthy,degraded,down"`
	Score               float64 `json:"score"`
	SuccessRate         float64 `json:"success_rate"`
	P95LatencyMs        int64   `json:"p95_latency_ms"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	LastProbeAt         string  `json:"last_probe_at,omitempty" format:"date-time"`
}

// Transaction is the persisted record of one payment intent moving through
// the settlement lifecycle. Mutated only by the orchestrator (submission path)
// and the settlement reconciler (status events); immutable once terminal.
type Transaction struct {
	ID             string       `json:"id"`
	CorrelationID  string       `json:"correlation_id"`
	AmountMinor    int64        `json:"amount_minor"`
	Currency       string       `json:"currency"`
	SourceRef      string       `json:"source_ref"`
	DestinationRef string       `json:"destination_ref"`
	Urgency        string       `json:"urgency"`
	PaymentType    string       `json:"payment_type"`
	BatchID        *string      `json:"batch_id,omitempty"`
	MetadataJSON   *string      `json:"metadata_json,omitempty"`
	ProviderID     *string      `json:"provider_id,omitempty"`
	RailID         *string      `json:"rail_id,omitempty"`
	ExternalID     *string      `json:"external_id,omitempty"`
	Status         string       `json:"status" enum:"created,submitting,pending_settlement,rejected_immediate,completed,failed,reversed"`
	Reason         *string      `json:"reason,omitempty"`
	SLADeadline    *string      `json:"sla_deadline,omitempty" format:"date-time"`
	CreatedAt      string       `json:"created_at" format:"date-time"`
	UpdatedAt      string       `json:"updated_at" format:"date-time"`
	TerminalAt     *string      `json:"terminal_at,omitempty" format:"date-time"`
	Attempts       []AttemptLog `json:"attempts,omitempty"`
}

// Terminal reports whether the transaction reached a terminal status.
func (t Transaction) Terminal() bool { return TerminalStatus(t.Status) }

// AttemptLog is one append-only record of a submission attempt against a
// provider. Attempt order matches the routing decision's rank order actually
// tried.
type AttemptLog struct {
	TransactionID string  `json:"transaction_id"`
	Seq           int     `json:"seq"`
	ProviderID    string  `json:"provider_id"`
	RailID        string  `json:"rail_id"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	EndedAt       string  `json:"ended_at" format:"date-time"`
	Outcome       string  `json:"outcome" enum:"accepted,rejected,timeout,error"`
	ProviderCode  *string `json:"provider_code,omitempty"`
}

// SettlementEvent is the neutral form of a provider webhook or poll result,
// produced at the adapter boundary after signature verification.
type SettlementEvent struct {
	ProviderID string `json:"provider_id"`
	ExternalID string `json:"external_id"`
	NewStatus  string `json:"new_status" enum:"pending_settlement,completed,failed,reversed"`
	Reason     string `json:"reason,omitempty"`
	OccurredAt string `json:"occurred_at" format:"date-time"`
}

// TerminalStatus reports whether s is one of the three terminal statuses.
func TerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusReversed
}

// CanTransition is the single state-machine gate for transaction status
// changes. Every status write, webhook- or orchestrator-driven, goes through
// it; anything it rejects is a stale or illegal event.
func CanTransition(from, to string) bool {
	switch from {
	case StatusCreated:
		return to == StatusSubmitting || to == StatusFailed
	case StatusSubmitting:
		// submitting -> submitting models advancing to the next candidate.
		return to == StatusSubmitting || to == StatusPendingSettlement ||
			to == StatusRejectedImmediate || to == StatusFailed
	case StatusPendingSettlement:
		return to == StatusCompleted || to == StatusFailed || to == StatusReversed
	case StatusRejectedImmediate:
		return to == StatusFailed
	}
	return false
}

// ValidUrgency reports whether u names a known urgency class.
func ValidUrgency(u string) bool {
	switch u {
	case UrgencyStandard, UrgencyExpress, UrgencyInstant, UrgencyEmergency:
		return true
	}
	return false
}

// ValidPaymentType reports whether p names a known payment type.
func ValidPaymentType(p string) bool {
	switch p {
	case PaymentP2P, PaymentDisbursement, PaymentPayout, PaymentDeposit:
		return true
	}
	return false
}

// UrgencyFloor returns the settlement classes that satisfy an urgency class.
func UrgencyFloor(urgency string) []string {
	switch urgency {
	case UrgencyEmergency:
		return []string{SettlementInstant, SettlementSameDay}
	case UrgencyInstant:
		return []string{SettlementInstant}
	case UrgencyExpress:
		return []string{SettlementInstant, SettlementSameDay}
	default:
		return []string{SettlementInstant, SettlementSameDay, SettlementBatch}
	}
}

// Downgrade returns the next-less-strict urgency class, used by the explicit
// downgrade routing policy when an instant request has no instant channel.
func Downgrade(urgency string) (string, bool) {
	switch urgency {
	case UrgencyInstant:
		return UrgencyExpress, true
	case UrgencyExpress:
		return UrgencyStandard, true
	}
	return urgency, false
}
