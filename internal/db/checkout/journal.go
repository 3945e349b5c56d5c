package checkoutdb

import (
	"context"
	"database/sql"
	"time"

	"voyager/internal/checkout"
)

// AttemptJournal records purchase attempts and their saga steps in Postgres.
type AttemptJournal struct {
	db *sql.DB
}

func NewAttemptJournal(db *sql.DB) *AttemptJournal {
	return &AttemptJournal{db: db}
}

// NewAttemptJournalWithSchema initializes the schema then returns the journal.
func NewAttemptJournalWithSchema(ctx context.Context, db *sql.DB) (*AttemptJournal, error) {
	j := NewAttemptJournal(db)
	if err := j.InitSchema(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *AttemptJournal) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS purchase_attempts (
			attempt_id TEXT PRIMARY KEY,
			reservation_kind TEXT NOT NULL,
			payment_method TEXT NOT NULL,
			amount BIGINT NOT NULL,
			buyer_email TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS purchase_attempt_steps (
			id BIGSERIAL PRIMARY KEY,
			attempt_id TEXT NOT NULL REFERENCES purchase_attempts(attempt_id) ON DELETE CASCADE,
			step TEXT NOT NULL,
			status TEXT NOT NULL,
			detail TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS purchase_attempt_steps_attempt_idx ON purchase_attempt_steps (attempt_id, id)`,
	}
	for _, stmt := range statements {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Start inserts the attempt row. Re-starting a known attempt is a no-op.
func (j *AttemptJournal) Start(ctx context.Context, a *checkout.PaymentAttempt) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO purchase_attempts (attempt_id, reservation_kind, payment_method, amount, buyer_email, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (attempt_id) DO NOTHING`,
		a.ID, a.Request.Kind, a.Request.Method, a.Request.TotalAmount, a.Request.Buyer.Email, a.Status,
	)
	return err
}

func (j *AttemptJournal) UpdateStatus(ctx context.Context, attemptID string, status checkout.AttemptStatus) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE purchase_attempts
		SET status = $2, updated_at = NOW()
		WHERE attempt_id = $1`,
		attemptID, status,
	)
	return err
}

func (j *AttemptJournal) AddStep(ctx context.Context, attemptID, step, status, detail string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO purchase_attempt_steps (attempt_id, step, status, detail)
		VALUES ($1, $2, $3, $4)`,
		attemptID, step, status, detail,
	)
	return err
}

// StepEntry is one journaled saga step.
type StepEntry struct {
	Step      string    `json:"step"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Steps lists an attempt's steps in the order they were recorded.
func (j *AttemptJournal) Steps(ctx context.Context, attemptID string) ([]StepEntry, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT step, status, COALESCE(detail, ''), created_at
		FROM purchase_attempt_steps
		WHERE attempt_id = $1
		ORDER BY id`,
		attemptID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StepEntry
	for rows.Next() {
		var e StepEntry
		if err := rows.Scan(&e.Step, &e.Status, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
