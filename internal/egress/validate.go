package egress

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/event"
)

// maxEventAge is the freshness window for incoming events. Older events are
// rejected unless their type is a designated historical-import type.
const maxEventAge = 24 * time.Hour

// historicalImportTypes may carry timestamps older than maxEventAge.
var historicalImportTypes = map[string]bool{
	"HISTORICAL_IMPORT": true,
	"BACKFILL":          true,
}

// EventValidation is the result of the strict per-event gate.
type EventValidation struct {
	Valid   bool     `json:"valid"`
	Reasons []string `json:"reasons,omitempty"`
}

// ValidateEvent is a stricter, standalone gate than Filter: it checks the
// per-type payload schema, consent for SENSITIVE events, timestamp sanity,
// and allowlist membership, and reports every violation instead of
// silently dropping.
func (e *Engine) ValidateEvent(ctx context.Context, ev *event.CanonicalEvent, appID string) *EventValidation {
	_, span := tracer.Start(ctx, "egress.validate_event",
		trace.WithAttributes(
			attribute.String("app.id", appID),
			attribute.String("event.type", ev.EventType),
		))
	defer span.End()

	res := &EventValidation{Valid: true, Reasons: []string{}}
	fail := func(reason string) {
		res.Valid = false
		res.Reasons = append(res.Reasons, reason)
	}

	if ev.EventType == "" {
		fail("event has no eventType")
	}

	checkPayloadSchema(ev, fail)

	if ev.Classification == event.ClassificationSensitive && !ev.HasConsent() {
		fail("SENSITIVE-classified event carries no consent flag")
	}

	now := time.Now().UTC()
	switch {
	case ev.Timestamp.IsZero():
		fail("event has no timestamp")
	case ev.Timestamp.After(now):
		fail(fmt.Sprintf("event timestamp %s is in the future", ev.Timestamp.Format(time.RFC3339)))
	case now.Sub(ev.Timestamp) > maxEventAge && !historicalImportTypes[ev.EventType]:
		fail(fmt.Sprintf("event timestamp %s is older than %s", ev.Timestamp.Format(time.RFC3339), maxEventAge))
	}

	profile := e.Profile(appID)
	switch {
	case profile == nil:
		fail(fmt.Sprintf("no egress profile registered for app %s", appID))
	case !profile.AllowsEventType(ev.EventType):
		fail(fmt.Sprintf("event type %q is not allowed for app %s", ev.EventType, appID))
	}

	span.SetAttributes(
		attribute.Bool("event.valid", res.Valid),
		attribute.Int("event.reasons", len(res.Reasons)),
	)
	return res
}

// checkPayloadSchema enforces the required payload fields per event type.
// Types without a registered schema only need the generic checks.
func checkPayloadSchema(ev *event.CanonicalEvent, fail func(string)) {
	switch ev.EventType {
	case "COMMENT":
		requireText(ev, "text", fail)
		requireText(ev, "author", fail)
		requireText(ev, "target", fail)
	case "MESSAGE":
		requireText(ev, "content", fail)
		requireText(ev, "sender", fail)
	}
}

func requireText(ev *event.CanonicalEvent, field string, fail func(string)) {
	v, ok := ev.Payload[field]
	if !ok {
		fail(fmt.Sprintf("%s event payload is missing %q", ev.EventType, field))
		return
	}
	s, ok := v.(string)
	if !ok || s == "" {
		fail(fmt.Sprintf("%s event payload field %q must be a non-empty string", ev.EventType, field))
	}
}
