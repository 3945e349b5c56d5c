// Package checkoutdb persists checkout attempts and the payment ledger in Postgres.
package checkoutdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"voyager/internal/checkout"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Ledger is a PaymentLedgerService backed by Postgres. Payments are verified
// against the gateway through lookup; holds are confirmed through confirmer
// inside the confirmation transaction.
type Ledger struct {
	db        *sql.DB
	confirmer checkout.HoldConfirmer
	lookup    checkout.PaymentLookup
	newID     func() string
}

func NewLedger(db *sql.DB, confirmer checkout.HoldConfirmer, lookup checkout.PaymentLookup) *Ledger {
	return &Ledger{db: db, confirmer: confirmer, lookup: lookup, newID: uuid.NewString}
}

// NewLedgerWithSchema initializes the schema then returns the ledger.
func NewLedgerWithSchema(ctx context.Context, db *sql.DB, confirmer checkout.HoldConfirmer, lookup checkout.PaymentLookup) (*Ledger, error) {
	l := NewLedger(db, confirmer, lookup)
	if err := l.InitSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) InitSchema(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_attempts (
			attempt_id TEXT PRIMARY KEY,
			reservation_kind TEXT NOT NULL,
			payment_method TEXT NOT NULL,
			amount BIGINT NOT NULL,
			hold_ids JSONB NOT NULL,
			gateway_ref TEXT UNIQUE,
			verified_amount BIGINT,
			verified_at TIMESTAMPTZ,
			confirmation_id TEXT UNIQUE,
			confirmed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

// RecordAttempt inserts the attempt; recording the same attempt twice is a no-op.
func (l *Ledger) RecordAttempt(ctx context.Context, rec checkout.AttemptRecord) error {
	if rec.AttemptID == "" {
		return fmt.Errorf("attempt id required")
	}
	holds, err := json.Marshal(rec.HoldIDs)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `
		INSERT INTO payment_attempts (attempt_id, reservation_kind, payment_method, amount, hold_ids)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (attempt_id) DO NOTHING`,
		rec.AttemptID, rec.Kind, rec.Method, rec.Amount, string(holds),
	)
	return err
}

// Verify reads the payment back from the gateway and stores the gateway's
// amount against the attempt. Confirmed attempts cannot be re-verified, and a
// gateway transaction verifies at most one attempt.
func (l *Ledger) Verify(ctx context.Context, req checkout.VerifyRequest) (checkout.VerificationResult, error) {
	payment, err := checkout.LookupVerified(ctx, l.lookup, req)
	if err != nil {
		return checkout.VerificationResult{}, err
	}
	row := l.db.QueryRowContext(ctx, `
		UPDATE payment_attempts
		SET gateway_ref = $2, verified_amount = $3, verified_at = NOW()
		WHERE attempt_id = $1 AND confirmed_at IS NULL
		RETURNING verified_at`,
		req.AttemptID, payment.TransactionID, payment.Amount,
	)
	var verifiedAt time.Time
	var pgErr *pgconn.PgError
	switch err := row.Scan(&verifiedAt); {
	case errors.Is(err, sql.ErrNoRows):
		return checkout.VerificationResult{}, l.missing(ctx, req.AttemptID, checkout.ErrVerificationFailed)
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return checkout.VerificationResult{}, fmt.Errorf("%w: transaction %s already verified for another attempt", checkout.ErrVerificationFailed, payment.TransactionID)
	case err != nil:
		return checkout.VerificationResult{}, err
	}
	return checkout.VerificationResult{
		GatewayRef:     payment.TransactionID,
		VerifiedAmount: payment.Amount,
		VerifiedAt:     verifiedAt,
	}, nil
}

// missing distinguishes an unknown attempt from one in the wrong state.
func (l *Ledger) missing(ctx context.Context, attemptID string, wrongState error) error {
	var exists bool
	err := l.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payment_attempts WHERE attempt_id = $1)`, attemptID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", checkout.ErrAttemptNotFound, attemptID)
	}
	return fmt.Errorf("%w: attempt %s already confirmed", wrongState, attemptID)
}

// Confirm finalizes a verified attempt. Confirming twice returns the first record.
func (l *Ledger) Confirm(ctx context.Context, req checkout.ConfirmRequest) (rec checkout.ConfirmationRecord, err error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		amount         int64
		gatewayRef     sql.NullString
		verifiedAmount sql.NullInt64
		confirmationID sql.NullString
		confirmedAt    sql.NullTime
		rawHolds       string
	)
	row := tx.QueryRowContext(ctx, `
		SELECT amount, hold_ids, gateway_ref, verified_amount, confirmation_id, confirmed_at
		FROM payment_attempts
		WHERE attempt_id = $1
		FOR UPDATE`,
		req.AttemptID,
	)
	if err = row.Scan(&amount, &rawHolds, &gatewayRef, &verifiedAmount, &confirmationID, &confirmedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			err = fmt.Errorf("%w: %s", checkout.ErrAttemptNotFound, req.AttemptID)
		}
		return rec, err
	}

	var holdIDs []string
	if err = json.Unmarshal([]byte(rawHolds), &holdIDs); err != nil {
		return rec, fmt.Errorf("decode hold ids: %w", err)
	}

	rec = checkout.ConfirmationRecord{
		AttemptID:  req.AttemptID,
		GatewayRef: gatewayRef.String,
		HoldIDs:    holdIDs,
		Amount:     verifiedAmount.Int64,
	}
	if confirmedAt.Valid {
		rec.ConfirmationID = confirmationID.String
		rec.ConfirmedAt = confirmedAt.Time
		return rec, tx.Commit()
	}
	if !verifiedAmount.Valid || verifiedAmount.Int64 != amount {
		err = fmt.Errorf("%w: attempt %s is not verified", checkout.ErrConfirmationFailed, req.AttemptID)
		return checkout.ConfirmationRecord{}, err
	}

	if l.confirmer != nil {
		if err = l.confirmer.ConfirmHolds(ctx, holdIDs); err != nil {
			return checkout.ConfirmationRecord{}, err
		}
	}

	rec.ConfirmationID = "conf-" + l.newID()
	if err = tx.QueryRowContext(ctx, `
		UPDATE payment_attempts
		SET confirmation_id = $2, confirmed_at = NOW()
		WHERE attempt_id = $1
		RETURNING confirmed_at`,
		req.AttemptID, rec.ConfirmationID,
	).Scan(&rec.ConfirmedAt); err != nil {
		return checkout.ConfirmationRecord{}, err
	}
	if err = tx.Commit(); err != nil {
		return checkout.ConfirmationRecord{}, err
	}
	return rec, nil
}
