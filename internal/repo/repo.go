package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"switchyard/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateCorrelation signals that a transaction already exists for a
	// correlation id. The caller must return the existing transaction instead
	// of creating a new attempt.
	ErrDuplicateCorrelation = errors.New("correlation id already exists")
	// ErrStaleStatus signals an optimistic status update found the row in a
	// different status than expected.
	ErrStaleStatus = errors.New("transaction status changed concurrently")
)

const txColumns = `id,correlation_id,amount_minor,currency,source_ref,destination_ref,urgency,payment_type,batch_id,metadata_json,provider_id,rail_id,external_id,status,reason,sla_deadline,created_at,updated_at,terminal_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var t domain.Transaction
	var batchID, metadata, providerID, railID, externalID, reason, slaDeadline, terminalAt sql.NullString
	err := row.Scan(&t.ID, &t.CorrelationID, &t.AmountMinor, &t.Currency, &t.SourceRef, &t.DestinationRef,
		&t.Urgency, &t.PaymentType, &batchID, &metadata, &providerID, &railID, &externalID,
		&t.Status, &reason, &slaDeadline, &t.CreatedAt, &t.UpdatedAt, &terminalAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.BatchID = ptrOf(batchID)
	t.MetadataJSON = ptrOf(metadata)
	t.ProviderID = ptrOf(providerID)
	t.RailID = ptrOf(railID)
	t.ExternalID = ptrOf(externalID)
	t.Reason = ptrOf(reason)
	t.SLADeadline = ptrOf(slaDeadline)
	t.TerminalAt = ptrOf(terminalAt)
	return t, nil
}

func ptrOf(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

// CreateTransaction inserts a new transaction under the correlation_id unique
// constraint. The check-and-insert is a single statement so that concurrent
// submissions of the same correlation id cannot both create a row.
func (r Repo) CreateTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO transactions(`+txColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(correlation_id) DO NOTHING`,
		t.ID, t.CorrelationID, t.AmountMinor, t.Currency, t.SourceRef, t.DestinationRef,
		t.Urgency, t.PaymentType, nullableStringPtr(t.BatchID), nullableStringPtr(t.MetadataJSON),
		nullableStringPtr(t.ProviderID), nullableStringPtr(t.RailID), nullableStringPtr(t.ExternalID),
		t.Status, nullableStringPtr(t.Reason), nullableStringPtr(t.SLADeadline),
		t.CreatedAt, t.UpdatedAt, nullableStringPtr(t.TerminalAt))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicateCorrelation
	}
	return nil
}

// UpdateTransactionFrom writes routing/status fields with an optimistic check
// on the previous status. A zero-row update means another writer got there
// first (or the row is terminal), which callers treat as a stale transition.
func (r Repo) UpdateTransactionFrom(ctx context.Context, tx *sql.Tx, t domain.Transaction, fromStatus string) error {
	res, err := tx.ExecContext(ctx, `UPDATE transactions
SET provider_id=?, rail_id=?, external_id=?, status=?, reason=?, sla_deadline=?, updated_at=?, terminal_at=?
WHERE id=? AND status=?`,
		nullableStringPtr(t.ProviderID), nullableStringPtr(t.RailID), nullableStringPtr(t.ExternalID),
		t.Status, nullableStringPtr(t.Reason), nullableStringPtr(t.SLADeadline),
		t.UpdatedAt, nullableStringPtr(t.TerminalAt), t.ID, fromStatus)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleStatus
	}
	return nil
}

func (r Repo) GetByCorrelation(ctx context.Context, correlationID string) (domain.Transaction, error) {
	t, err := scanTransaction(r.DB.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE correlation_id=?`, correlationID))
	if err != nil {
		return t, err
	}
	t.Attempts, err = r.ListAttempts(ctx, t.ID)
	return t, err
}

func (r Repo) GetByID(ctx context.Context, id string) (domain.Transaction, error) {
	return scanTransaction(r.DB.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id=?`, id))
}

// GetByProviderExternal looks a transaction up by the provider's reference,
// the key settlement events carry.
func (r Repo) GetByProviderExternal(ctx context.Context, providerID, externalID string) (domain.Transaction, error) {
	return scanTransaction(r.DB.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE provider_id=? AND external_id=?`, providerID, externalID))
}

func (r Repo) ListByBatch(ctx context.Context, batchID string) ([]domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE batch_id=? ORDER BY created_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPendingPastDeadline returns pending_settlement transactions whose SLA
// deadline is at or before now. RFC3339 UTC strings compare lexicographically.
func (r Repo) ListPendingPastDeadline(ctx context.Context, now string) ([]domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE status=? AND sla_deadline IS NOT NULL AND sla_deadline<=? ORDER BY sla_deadline ASC`,
		domain.StatusPendingSettlement, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPendingByProvider returns pending_settlement transactions submitted to
// one provider, for the status poll loop.
func (r Repo) ListPendingByProvider(ctx context.Context, providerID string) ([]domain.Transaction, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE status=? AND provider_id=? ORDER BY updated_at ASC`,
		domain.StatusPendingSettlement, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// AppendAttempt inserts the next attempt row for a transaction. Sequencing is
// derived inside the statement so attempts stay densely numbered even under
// retries of the surrounding persistence transaction.
func (r Repo) AppendAttempt(ctx context.Context, tx *sql.Tx, a domain.AttemptLog) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO attempts(transaction_id,seq,provider_id,rail_id,started_at,ended_at,outcome,provider_code)
VALUES (?,(SELECT COALESCE(MAX(seq),0)+1 FROM attempts WHERE transaction_id=?),?,?,?,?,?,?)`,
		a.TransactionID, a.TransactionID, a.ProviderID, a.RailID, a.StartedAt, a.EndedAt, a.Outcome, nullableStringPtr(a.ProviderCode))
	return err
}

func (r Repo) ListAttempts(ctx context.Context, transactionID string) ([]domain.AttemptLog, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT transaction_id,seq,provider_id,rail_id,started_at,ended_at,outcome,provider_code FROM attempts WHERE transaction_id=? ORDER BY seq ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AttemptLog
	for rows.Next() {
		var a domain.AttemptLog
		var code sql.NullString
		if err := rows.Scan(&a.TransactionID, &a.Seq, &a.ProviderID, &a.RailID, &a.StartedAt, &a.EndedAt, &a.Outcome, &code); err != nil {
			return nil, err
		}
		a.ProviderCode = ptrOf(code)
		res = append(res, a)
	}
	return res, rows.Err()
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// LatestEvents returns the most recent audit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
