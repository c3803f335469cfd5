// Package delivery pushes filtered, translated event batches to the
// downstream ingest port with bounded retries. Exhausted deliveries land in
// a dead-letter store instead of being dropped.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/event"
	wardenotel "github.com/dativo-io/warden/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/delivery")

// Kind selects the downstream ingest route for a batch.
type Kind string

const (
	KindEvents    Kind = "events"
	KindCommands  Kind = "commands"
	KindWorkflows Kind = "workflows"
)

// Path returns the ingest route for the kind.
func (k Kind) Path() string { return "/" + string(k) }

// Delivery defaults.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 250 * time.Millisecond
	DefaultMaxDelay    = 5 * time.Second
)

// RetryDelay is the shared backoff formula: base doubled per attempt index,
// capped at max. The chaos harness asserts against this exact function, so
// it carries no jitter.
func RetryDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d <= 0 || d > max {
		return max
	}
	return d
}

// Result reports the outcome of one batch delivery.
type Result struct {
	Success      bool   `json:"success"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"lastError,omitempty"`
	DeadLettered int    `json:"deadLettered,omitempty"`
}

// wireBatch is the JSON body posted to the ingest port.
type wireBatch struct {
	AppID         string                  `json:"appId"`
	CorrelationID string                  `json:"correlationId"`
	Events        []*event.CanonicalEvent `json:"events"`
}

// Manager delivers batches over HTTP with retry, backoff, and dead-letter
// fallback.
type Manager struct {
	client      *http.Client
	baseURL     string
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	dlq         *DLQ
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithMaxAttempts sets the retry ceiling (minimum 1).
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n >= 1 {
			m.maxAttempts = n
		}
	}
}

// WithBackoff sets the base and cap of the retry delay.
func WithBackoff(base, max time.Duration) Option {
	return func(m *Manager) {
		m.baseDelay = base
		m.maxDelay = max
	}
}

// NewManager builds a Manager targeting the given ingest base URL. The DLQ
// may be nil, in which case exhausted deliveries are only logged; every
// production wiring passes one.
func NewManager(baseURL string, dlq *DLQ, opts ...Option) *Manager {
	m := &Manager{
		client:      &http.Client{Timeout: 10 * time.Second},
		baseURL:     baseURL,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		dlq:         dlq,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// MaxAttempts returns the configured retry ceiling.
func (m *Manager) MaxAttempts() int { return m.maxAttempts }

// DeliverBatch delivers events to the default ingest route.
func (m *Manager) DeliverBatch(ctx context.Context, events []*event.CanonicalEvent, appID, correlationID string) (*Result, error) {
	return m.Deliver(ctx, KindEvents, events, appID, correlationID)
}

// Deliver posts the batch to the route for kind, retrying with exponential
// backoff. After the final failed attempt every event in the batch is
// written to the dead-letter store with the last error; the returned error
// is non-nil only when that dead-letter write itself fails.
func (m *Manager) Deliver(ctx context.Context, kind Kind, events []*event.CanonicalEvent, appID, correlationID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "delivery.deliver",
		trace.WithAttributes(
			attribute.String("delivery.kind", string(kind)),
			attribute.String("app.id", appID),
			attribute.String("correlation.id", correlationID),
			attribute.Int("events.count", len(events)),
		))
	defer span.End()

	res := &Result{}
	if len(events) == 0 {
		res.Success = true
		return res, nil
	}

	body, err := json.Marshal(wireBatch{AppID: appID, CorrelationID: correlationID, Events: events})
	if err != nil {
		return nil, fmt.Errorf("marshalling batch: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < m.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := RetryDelay(m.baseDelay, m.maxDelay, attempt-1)
			log.Debug().
				Str("correlation_id", correlationID).
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("delivery_retry_scheduled")
			if err := sleepContext(ctx, delay); err != nil {
				lastErr = err
				break
			}
		}

		res.Attempts = attempt + 1
		lastErr = m.post(ctx, kind, body)
		if lastErr == nil {
			res.Success = true
			span.SetAttributes(attribute.Int("delivery.attempts", res.Attempts))
			return res, nil
		}

		log.Warn().Err(lastErr).
			Str("correlation_id", correlationID).
			Int("attempt", res.Attempts).
			Int("max_attempts", m.maxAttempts).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("delivery_attempt_failed")
	}

	res.LastError = lastErr.Error()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "delivery exhausted")

	if err := m.deadLetter(ctx, events, correlationID, string(kind), lastErr); err != nil {
		return res, err
	}
	res.DeadLettered = len(events)
	return res, nil
}

// post performs a single HTTP attempt. Any transport error or non-2xx
// response is a retryable failure.
func (m *Manager) post(ctx context.Context, kind Kind, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+kind.Path(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting to ingest: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("ingest returned status %d", resp.StatusCode)
	}
	return nil
}

// deadLetter writes one row per event so each can be reconciled and
// requeued independently.
func (m *Manager) deadLetter(ctx context.Context, events []*event.CanonicalEvent, correlationID, sourceType string, cause error) error {
	if m.dlq == nil {
		log.Error().Err(cause).
			Str("correlation_id", correlationID).
			Int("events_lost", len(events)).
			Msg("delivery_exhausted_without_dlq")
		return nil
	}

	for _, ev := range events {
		raw, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("serializing event %s for dead letter: %w", ev.EventID, err)
		}
		dl := &DeadLetter{
			CorrelationID: correlationID,
			RawInput:      string(raw),
			ErrorReason:   cause.Error(),
			SourceType:    sourceType,
			UserID:        ev.UserID,
		}
		if err := m.dlq.Insert(ctx, dl); err != nil {
			return fmt.Errorf("dead-lettering event %s: %w", ev.EventID, err)
		}
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
