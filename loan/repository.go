package loan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no loan row exists for the provided key.
	ErrNotFound = errors.New("loan: not found")
	// ErrAmbiguousEnvelope signals that more than one loan carries the same envelope id.
	ErrAmbiguousEnvelope = errors.New("loan: envelope id matches more than one loan")
)

const selectColumns = `
	id::text,
	status,
	docusign_envelope_id,
	docusign_status,
	docusign_completed_at,
	docusign_status_updated_at,
	phone_verification_status,
	verified_phone_number,
	updated_at
`

// PGRepository reads and updates loans in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// GetByID fetches a loan by its primary key. Identifiers that are not valid
// UUIDs are reported as ErrNotFound.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + selectColumns + ` FROM loans WHERE id = $1`

	rec, err := scanRecord(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidText(err) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("loan: query by id: %w", err)
	}
	return rec, nil
}

// GetByEnvelopeID fetches the single loan correlated with an e-signature envelope.
func (r *PGRepository) GetByEnvelopeID(ctx context.Context, envelopeID string) (Record, error) {
	query := `SELECT ` + selectColumns + ` FROM loans WHERE docusign_envelope_id = $1 LIMIT 2`

	rows, err := r.pool.Query(ctx, query, envelopeID)
	if err != nil {
		return Record{}, fmt.Errorf("loan: query by envelope: %w", err)
	}
	defer rows.Close()

	matches := make([]Record, 0, 1)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return Record{}, fmt.Errorf("loan: scan by envelope: %w", err)
		}
		matches = append(matches, rec)
	}
	if err := rows.Err(); err != nil {
		return Record{}, fmt.Errorf("loan: iterate by envelope: %w", err)
	}

	switch len(matches) {
	case 0:
		return Record{}, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return Record{}, ErrAmbiguousEnvelope
	}
}

// ApplyDocusignUpdate writes the reconciled e-signature state, the status
// history and, when the loan status moves, an outbox message in one transaction.
func (r *PGRepository) ApplyDocusignUpdate(ctx context.Context, params DocusignUpdate) error {
	if params.LoanID == "" {
		return fmt.Errorf("loan: missing loan id")
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("loan: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var nextStatus *string
	if params.NextStatus != nil {
		s := string(*params.NextStatus)
		nextStatus = &s
	}

	const updateSQL = `
UPDATE loans
SET docusign_status = $2,
    docusign_status_updated_at = $3,
    status = COALESCE($4::text, status),
    docusign_completed_at = COALESCE($5, docusign_completed_at),
    updated_at = $3
WHERE id = $1
`
	tag, err := tx.Exec(ctx, updateSQL, params.LoanID, string(params.DocusignStatus), params.ReceivedAt, nextStatus, params.CompletedAt)
	if err != nil {
		return fmt.Errorf("loan: update docusign status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	received := map[string]any{
		"envelope_id":     params.EnvelopeID,
		"provider_status": params.ProviderStatus,
		"docusign_status": params.DocusignStatus,
	}
	if params.CompletedAt != nil {
		received["completed_at"] = params.CompletedAt.UTC()
	}
	if err := appendEvent(ctx, tx, params.LoanID, EventDocusignStatusReceived, received); err != nil {
		return err
	}

	if params.NextStatus != nil {
		changed := map[string]any{
			"previous_status": params.PreviousStatus,
			"next_status":     *params.NextStatus,
			"envelope_id":     params.EnvelopeID,
		}
		if err := appendEvent(ctx, tx, params.LoanID, EventStatusChanged, changed); err != nil {
			return err
		}
		if err := enqueueOutbox(ctx, tx, OutboxTopicStatusChanged, map[string]any{
			"loan_id":  params.LoanID,
			"previous": params.PreviousStatus,
			"next":     *params.NextStatus,
			"at":       params.ReceivedAt.UTC(),
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("loan: commit docusign update: %w", err)
	}
	return nil
}

// UpdatePhoneVerification records the outcome of an SMS verification check.
// A nil VerifiedPhone keeps the stored number.
func (r *PGRepository) UpdatePhoneVerification(ctx context.Context, params PhoneVerificationUpdate) error {
	const updateSQL = `
UPDATE loans
SET phone_verification_status = $2,
    verified_phone_number = COALESCE($3, verified_phone_number),
    updated_at = $4
WHERE id = $1
`
	updatedAt := params.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	tag, err := r.pool.Exec(ctx, updateSQL, params.LoanID, string(params.Status), params.VerifiedPhone, updatedAt)
	if err != nil {
		if isInvalidText(err) {
			return ErrNotFound
		}
		return fmt.Errorf("loan: update phone verification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping checks that the pool can reach the database.
func (r *PGRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func appendEvent(ctx context.Context, tx pgx.Tx, loanID, eventType string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("loan: marshal event payload: %w", err)
	}

	const insertSQL = `
INSERT INTO loan_events (loan_id, type, payload)
VALUES ($1, $2, $3);
`
	if _, err := tx.Exec(ctx, insertSQL, loanID, eventType, payloadBytes); err != nil {
		return fmt.Errorf("loan: insert %s event: %w", eventType, err)
	}
	return nil
}

func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("loan: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, payload)
VALUES ($1, $2);
`
	if _, err := tx.Exec(ctx, insertSQL, topic, payloadBytes); err != nil {
		return fmt.Errorf("loan: insert outbox message: %w", err)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec            Record
		status         string
		envelopeID     *string
		docusignStatus *string
		phoneStatus    string
		verifiedPhone  *string
	)
	err := row.Scan(
		&rec.ID,
		&status,
		&envelopeID,
		&docusignStatus,
		&rec.DocusignCompletedAt,
		&rec.DocusignStatusUpdatedAt,
		&phoneStatus,
		&verifiedPhone,
		&rec.UpdatedAt,
	)
	if err != nil {
		return Record{}, err
	}

	rec.Status = Status(status)
	rec.DocusignEnvelopeID = envelopeID
	if docusignStatus != nil {
		ds := DocusignStatus(*docusignStatus)
		rec.DocusignStatus = &ds
	}
	rec.PhoneVerificationStatus = PhoneVerificationStatus(phoneStatus)
	rec.VerifiedPhoneNumber = verifiedPhone
	return rec, nil
}

// isInvalidText reports whether postgres rejected a malformed uuid literal.
func isInvalidText(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}
