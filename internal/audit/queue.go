package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// QueuedSink wraps a Sink with a durable local queue. Record never loses an
// event: when the underlying sink fails, the event is persisted in a queue
// table and retried by Drain, mirroring the dead-letter strategy used for
// event delivery. Record itself only returns an error when both the sink
// and the local queue are unavailable.
type QueuedSink struct {
	remote Sink
	db     *sql.DB
}

// NewQueuedSink opens (creating if needed) the local queue database and
// wraps the given sink.
func NewQueuedSink(dbPath string, remote Sink) (*QueuedSink, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit queue database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pending_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_json TEXT NOT NULL,
		enqueued_at TIMESTAMP NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit queue schema: %w", err)
	}

	return &QueuedSink{remote: remote, db: db}, nil
}

// Close releases the queue database connection.
func (q *QueuedSink) Close() error {
	return q.db.Close()
}

// Record forwards the event to the underlying sink, queuing it locally when
// the sink is unreachable.
func (q *QueuedSink) Record(ctx context.Context, ev *RiskEvent) error {
	err := q.remote.Record(ctx, ev)
	if err == nil {
		return nil
	}

	log.Warn().Err(err).
		Str("event_type", ev.EventType).
		Str("tenant_id", ev.TenantID).
		Msg("audit_sink_unreachable_queuing")

	eventJSON, merr := json.Marshal(ev)
	if merr != nil {
		return fmt.Errorf("marshaling risk event for queue: %w", merr)
	}
	if _, qerr := q.db.ExecContext(ctx,
		`INSERT INTO pending_events (event_json, enqueued_at) VALUES (?, ?)`,
		string(eventJSON), time.Now().UTC(),
	); qerr != nil {
		return fmt.Errorf("queuing risk event after sink failure (%v): %w", err, qerr)
	}
	return nil
}

// Pending returns the number of locally queued events.
func (q *QueuedSink) Pending(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM pending_events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending audit events: %w", err)
	}
	return n, nil
}

// Drain retries delivery of queued events in enqueue order, stopping at the
// first failure so ordering is preserved across drain cycles. Returns the
// number of events delivered.
func (q *QueuedSink) Drain(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "audit.queue_drain")
	defer span.End()

	rows, err := q.db.QueryContext(ctx,
		`SELECT id, event_json FROM pending_events ORDER BY id ASC`)
	if err != nil {
		return 0, fmt.Errorf("listing pending audit events: %w", err)
	}

	type pending struct {
		id        int64
		eventJSON string
	}
	var queued []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.eventJSON); err != nil {
			continue
		}
		queued = append(queued, p)
	}
	rows.Close()

	delivered := 0
	for _, p := range queued {
		var ev RiskEvent
		if err := json.Unmarshal([]byte(p.eventJSON), &ev); err != nil {
			// Unreadable row: drop it rather than wedge the queue forever.
			log.Error().Err(err).Int64("queue_id", p.id).Msg("audit_queue_row_corrupt")
			_, _ = q.db.ExecContext(ctx, `DELETE FROM pending_events WHERE id = ?`, p.id)
			continue
		}

		if err := q.remote.Record(ctx, &ev); err != nil {
			_, _ = q.db.ExecContext(ctx,
				`UPDATE pending_events SET attempts = attempts + 1 WHERE id = ?`, p.id)
			span.SetAttributes(attribute.Int("audit.drained", delivered))
			return delivered, fmt.Errorf("draining audit queue at row %d: %w", p.id, err)
		}
		if _, err := q.db.ExecContext(ctx,
			`DELETE FROM pending_events WHERE id = ?`, p.id); err != nil {
			return delivered, fmt.Errorf("removing drained audit event %d: %w", p.id, err)
		}
		delivered++
	}

	span.SetAttributes(attribute.Int("audit.drained", delivered))
	if delivered > 0 {
		log.Info().Int("count", delivered).Msg("audit_queue_drained")
	}
	return delivered, nil
}
