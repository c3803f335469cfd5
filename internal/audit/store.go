package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/risk"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/audit")

// Store persists HMAC-signed risk events in SQLite. Rows are insert-only.
type Store struct {
	db     *sql.DB
	signer *Signer
}

// NewStore opens (creating if needed) the risk event database.
func NewStore(dbPath string, signingKey string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS risk_events (
		event_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		risk_lane TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		event_json TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_risk_events_tenant ON risk_events(tenant_id);
	CREATE INDEX IF NOT EXISTS idx_risk_events_type ON risk_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_risk_events_created ON risk_events(created_at);
	`

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	return &Store{db: db, signer: signer}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record signs and inserts a risk event. Missing EventID and CreatedAt are
// filled in; no other mutation happens after signing.
func (s *Store) Record(ctx context.Context, ev *RiskEvent) error {
	ctx, span := tracer.Start(ctx, "audit.record",
		trace.WithAttributes(
			attribute.String("audit.event_type", ev.EventType),
			attribute.String("tenant_id", ev.TenantID),
		))
	defer span.End()

	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.TraceID == "" {
		ev.TraceID, _ = wardenotel.TraceContextFrom(ctx)
	}

	ev.Signature = ""
	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshaling risk event: %w", err)
	}
	signature, err := s.signer.Sign(eventJSON)
	if err != nil {
		return fmt.Errorf("signing risk event: %w", err)
	}
	ev.Signature = signature

	signedJSON, _ := json.Marshal(ev)

	query := `INSERT INTO risk_events (event_id, tenant_id, event_type, risk_lane, created_at, event_json, signature)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		ev.EventID, ev.TenantID, ev.EventType, string(ev.RiskLane),
		ev.CreatedAt, string(signedJSON), signature,
	); err != nil {
		return fmt.Errorf("storing risk event: %w", err)
	}

	return nil
}

// Get retrieves a risk event by ID.
func (s *Store) Get(ctx context.Context, id string) (*RiskEvent, error) {
	ctx, span := tracer.Start(ctx, "audit.get",
		trace.WithAttributes(attribute.String("audit.event_id", id)))
	defer span.End()

	var eventJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT event_json FROM risk_events WHERE event_id = ?`, id).Scan(&eventJSON)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("risk event %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("querying risk event: %w", err)
	}

	var ev RiskEvent
	if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
		return nil, fmt.Errorf("unmarshaling risk event: %w", err)
	}
	return &ev, nil
}

// List returns risk events matching the given filters, newest first.
func (s *Store) List(ctx context.Context, tenantID, eventType string, from, to time.Time, limit int) ([]RiskEvent, error) {
	ctx, span := tracer.Start(ctx, "audit.list",
		trace.WithAttributes(
			attribute.String("tenant_id", tenantID),
			attribute.String("audit.event_type", eventType),
		))
	defer span.End()

	query := `SELECT event_json FROM risk_events WHERE 1=1`
	args := []interface{}{}

	if tenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, eventType)
	}
	if !from.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, from)
	}
	if !to.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, to)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying risk events: %w", err)
	}
	defer rows.Close()

	var results []RiskEvent
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			continue
		}
		var ev RiskEvent
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			continue
		}
		results = append(results, ev)
	}

	span.SetAttributes(attribute.Int("audit.result_count", len(results)))
	return results, nil
}

// CountByLane returns the number of stored events per risk lane for a
// tenant, for audit dashboards.
func (s *Store) CountByLane(ctx context.Context, tenantID string) (map[risk.Lane]int, error) {
	ctx, span := tracer.Start(ctx, "audit.count_by_lane",
		trace.WithAttributes(attribute.String("tenant_id", tenantID)))
	defer span.End()

	rows, err := s.db.QueryContext(ctx,
		`SELECT risk_lane, COUNT(1) FROM risk_events WHERE tenant_id = ? GROUP BY risk_lane`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("counting risk events: %w", err)
	}
	defer rows.Close()

	counts := make(map[risk.Lane]int)
	for rows.Next() {
		var lane string
		var n int
		if err := rows.Scan(&lane, &n); err != nil {
			continue
		}
		counts[risk.Lane(lane)] = n
	}
	return counts, nil
}

// Verify checks the HMAC signature integrity of a stored risk event.
func (s *Store) Verify(ctx context.Context, id string) (bool, error) {
	ctx, span := tracer.Start(ctx, "audit.verify",
		trace.WithAttributes(attribute.String("audit.event_id", id)))
	defer span.End()

	ev, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}

	signature := ev.Signature
	ev.Signature = ""

	eventJSON, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("marshaling for verification: %w", err)
	}

	return s.signer.Verify(eventJSON, signature), nil
}
