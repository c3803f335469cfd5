// Package translate converts the textual payload of canonical events into a
// consumer's target locale, with a round-trip integrity check: every forward
// translation is immediately back-translated and compared against the
// original. A mismatch fails that single event closed instead of passing
// silently drifted content downstream.
package translate

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/dativo-io/warden/internal/event"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/risk"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/translate")

// textualFields are the payload keys run through translation.
var textualFields = []string{"text", "content", "title", "description"}

// Backend performs the actual locale transform in both directions.
type Backend interface {
	Translate(ctx context.Context, text string, from, to language.Tag) (string, error)
}

// PassthroughBackend returns text unchanged. It is the default when no
// machine-translation service is configured, and always passes the
// round-trip check.
type PassthroughBackend struct{}

func (PassthroughBackend) Translate(_ context.Context, text string, _, _ language.Tag) (string, error) {
	return text, nil
}

// Translator applies a Backend to event batches with per-event fail-closed
// semantics.
type Translator struct {
	backend Backend
	target  language.Tag
	source  language.Tag
}

// Option configures a Translator.
type Option func(*Translator)

// WithSourceLocale overrides the default source locale used when an event
// carries none.
func WithSourceLocale(tag language.Tag) Option {
	return func(t *Translator) { t.source = tag }
}

// NewTranslator builds a Translator targeting the given locale. A nil
// backend gets the passthrough default.
func NewTranslator(backend Backend, target language.Tag, opts ...Option) *Translator {
	if backend == nil {
		backend = PassthroughBackend{}
	}
	t := &Translator{
		backend: backend,
		target:  target,
		source:  language.English,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Translate processes each event independently and returns deep copies:
// textual payload fields are forward-translated, back-translated, and
// compared. An event whose round trip drifts (or whose backend call fails)
// comes back with translation_status FAILED and risk_lane RED, with its
// original payload intact; sibling events in the same call are unaffected.
func (t *Translator) Translate(ctx context.Context, events []*event.CanonicalEvent, appID, correlationID string) []*event.CanonicalEvent {
	ctx, span := tracer.Start(ctx, "translate.batch",
		trace.WithAttributes(
			attribute.String("app.id", appID),
			attribute.String("correlation.id", correlationID),
			attribute.Int("events.in", len(events)),
			attribute.String("locale.target", t.target.String()),
		))
	defer span.End()

	out := make([]*event.CanonicalEvent, 0, len(events))
	failed := 0
	for _, ev := range events {
		translated := t.translateEvent(ctx, ev)
		if translated.TranslationStatus == event.TranslationFailed {
			failed++
			log.Warn().
				Str("event_id", ev.EventID).
				Str("app_id", appID).
				Str("correlation_id", correlationID).
				Func(wardenotel.LogTraceFields(ctx)).
				Msg("translation_integrity_failed")
		}
		out = append(out, translated)
	}

	span.SetAttributes(attribute.Int("events.failed", failed))
	return out
}

// translateEvent runs the round-trip transform on one event's clone.
func (t *Translator) translateEvent(ctx context.Context, ev *event.CanonicalEvent) *event.CanonicalEvent {
	out := ev.Clone()
	source := t.sourceLocale(ev)

	for _, field := range textualFields {
		original, ok := out.Payload[field].(string)
		if !ok || original == "" {
			continue
		}

		forward, err := t.backend.Translate(ctx, original, source, t.target)
		if err != nil {
			return failClosed(out)
		}
		back, err := t.backend.Translate(ctx, forward, t.target, source)
		if err != nil {
			return failClosed(out)
		}
		if normalize(back) != normalize(original) {
			return failClosed(out)
		}

		out.Payload[field] = forward
	}

	out.TranslationStatus = event.TranslationCompleted
	return out
}

// failClosed marks the clone FAILED at RED with the original payload intact.
func failClosed(out *event.CanonicalEvent) *event.CanonicalEvent {
	out.TranslationStatus = event.TranslationFailed
	out.RiskLane = risk.Escalate(out.RiskLane, risk.LaneRed)
	return out
}

// sourceLocale resolves the event's locale metadata, falling back to the
// translator default when absent or unparseable.
func (t *Translator) sourceLocale(ev *event.CanonicalEvent) language.Tag {
	raw, ok := ev.Metadata["locale"].(string)
	if !ok || raw == "" {
		return t.source
	}
	tag, err := language.Parse(raw)
	if err != nil {
		return t.source
	}
	return tag
}

var whitespaceFold = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

// normalize reduces text to its comparable semantic form: NFKC, lowercase,
// collapsed whitespace. The round-trip check tolerates formatting drift but
// not content drift.
func normalize(text string) string {
	folded := norm.NFKC.String(text)
	folded = strings.ToLower(whitespaceFold.Replace(folded))
	return strings.Join(strings.Fields(folded), " ")
}
