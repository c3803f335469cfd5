package delivery

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	wardenotel "github.com/dativo-io/warden/internal/otel"
)

// DeadLetterRiskScore is the fixed risk score every dead-lettered event
// carries: delivery exhaustion is always treated as maximum-severity until
// manually reconciled.
const DeadLetterRiskScore = 100

// Dead-letter row statuses.
const (
	StatusPending  = "pending"
	StatusRequeued = "requeued"
)

// DeadLetter is one exhausted delivery, held for manual reconciliation.
type DeadLetter struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	RawInput      string    `json:"raw_input"`
	ErrorReason   string    `json:"error_reason"`
	Status        string    `json:"status"`
	RiskScore     int       `json:"risk_score"`
	SourceType    string    `json:"source_type"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// DLQ is the SQLite-backed dead-letter store. Rows are only ever inserted
// or flipped to requeued, never deleted, so the reconciliation trail stays
// complete.
type DLQ struct {
	db *sql.DB
}

const dlqSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    correlation_id TEXT NOT NULL,
    raw_input      TEXT NOT NULL,
    error_reason   TEXT NOT NULL,
    status         TEXT NOT NULL DEFAULT 'pending',
    risk_score     INTEGER NOT NULL,
    source_type    TEXT NOT NULL,
    user_id        TEXT NOT NULL,
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_status ON dead_letters(status);
CREATE INDEX IF NOT EXISTS idx_dead_letters_correlation ON dead_letters(correlation_id);
`

// OpenDLQ opens (creating if needed) the dead-letter database.
func OpenDLQ(dbPath string) (*DLQ, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening dead-letter db: %w", err)
	}
	if _, err := db.Exec(dlqSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating dead-letter schema: %w", err)
	}
	return &DLQ{db: db}, nil
}

// Close closes the underlying database.
func (q *DLQ) Close() error { return q.db.Close() }

// Insert writes one dead letter with StatusPending and the fixed risk score.
func (q *DLQ) Insert(ctx context.Context, dl *DeadLetter) error {
	dl.Status = StatusPending
	dl.RiskScore = DeadLetterRiskScore
	dl.CreatedAt = time.Now().UTC()

	_, err := q.db.ExecContext(ctx, `
        INSERT INTO dead_letters
            (correlation_id, raw_input, error_reason, status, risk_score, source_type, user_id, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.CorrelationID, dl.RawInput, dl.ErrorReason, dl.Status,
		dl.RiskScore, dl.SourceType, dl.UserID, dl.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}

	log.Warn().
		Str("correlation_id", dl.CorrelationID).
		Str("source_type", dl.SourceType).
		Str("error_reason", dl.ErrorReason).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("event_dead_lettered")
	return nil
}

// List returns dead letters, newest first, optionally filtered by status.
func (q *DLQ) List(ctx context.Context, status string, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, correlation_id, raw_input, error_reason, status, risk_score, source_type, user_id, created_at
              FROM dead_letters`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *dl)
	}
	return out, rows.Err()
}

// Get returns one dead letter by id.
func (q *DLQ) Get(ctx context.Context, id int64) (*DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx, `
        SELECT id, correlation_id, raw_input, error_reason, status, risk_score, source_type, user_id, created_at
        FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("loading dead letter %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, fmt.Errorf("dead letter %d not found", id)
	}
	return scanDeadLetter(rows)
}

// Requeue returns the raw input of a pending dead letter and flips it to
// StatusRequeued. Requeuing an already-requeued row is an error so a letter
// cannot be replayed twice by racing operators.
func (q *DLQ) Requeue(ctx context.Context, id int64) (*DeadLetter, error) {
	dl, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.Status != StatusPending {
		return nil, fmt.Errorf("dead letter %d is %s, not pending", id, dl.Status)
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE dead_letters SET status = ? WHERE id = ? AND status = ?`,
		StatusRequeued, id, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("requeuing dead letter %d: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, fmt.Errorf("dead letter %d was requeued concurrently", id)
	}

	dl.Status = StatusRequeued
	log.Info().
		Int64("dead_letter_id", id).
		Str("correlation_id", dl.CorrelationID).
		Msg("dead_letter_requeued")
	return dl, nil
}

// CountPending returns the number of rows awaiting reconciliation.
func (q *DLQ) CountPending(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM dead_letters WHERE status = ?`, StatusPending).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending dead letters: %w", err)
	}
	return n, nil
}

func scanDeadLetter(rows *sql.Rows) (*DeadLetter, error) {
	var dl DeadLetter
	var createdAt string
	if err := rows.Scan(&dl.ID, &dl.CorrelationID, &dl.RawInput, &dl.ErrorReason,
		&dl.Status, &dl.RiskScore, &dl.SourceType, &dl.UserID, &createdAt); err != nil {
		return nil, fmt.Errorf("scanning dead letter: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing dead letter timestamp: %w", err)
	}
	dl.CreatedAt = ts
	return &dl, nil
}
