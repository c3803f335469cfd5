// Package audit provides an HMAC-signed, append-only risk event trail.
//
// Every denial the gating layer produces — injection attempts, blocked
// actions, policy refusals, delivery dead-letters — becomes a RiskEvent.
// Records are signed (HMAC-SHA256) and persisted insert-only in SQLite;
// nothing in this package updates or deletes a stored row. When the
// configured sink is remote and unreachable, events queue durably in a
// local table and drain on recovery.
package audit

import (
	"context"
	"time"

	"github.com/dativo-io/warden/internal/risk"
)

// Risk event types written by the gating layer.
const (
	EventInjectionAttempt  = "injection_attempt"
	EventExecutionBlocked  = "execution_blocked"
	EventEgressDenied      = "egress_denied"
	EventTranslationFailed = "translation_failed"
	EventDeliveryExhausted = "delivery_exhausted"
)

// RiskEvent is one append-only audit record.
type RiskEvent struct {
	EventID       string    `json:"event_id"`
	TenantID      string    `json:"tenant_id"`
	EventType     string    `json:"event_type"`
	RiskLane      risk.Lane `json:"risk_lane"`
	Details       string    `json:"details"`
	BlockedAction string    `json:"blocked_action,omitempty"`
	TraceID       string    `json:"trace_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	Signature     string    `json:"signature,omitempty"`
}

// Sink accepts risk events for durable, insert-only persistence. The
// production sink is the SQLite Store; deployments with a central audit
// service wrap their client in this interface and put a QueuedSink in
// front of it.
type Sink interface {
	Record(ctx context.Context, ev *RiskEvent) error
}
