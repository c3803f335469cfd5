// Package egress enforces per-consumer filter profiles on canonical events
// before they leave the tenant boundary: event-type allowlists and content
// category rules (OPA), emotional-data stripping, PII masking or redaction,
// and per-consumer rate limits.
package egress

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/audit"
	"github.com/dativo-io/warden/internal/event"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/recognizer"
	"github.com/dativo-io/warden/internal/risk"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/egress")

//go:embed rego/*.rego
var embeddedPolicies embed.FS

// regoPolicy maps a Rego file to the OPA query used to extract deny messages.
type regoPolicy struct {
	file  string
	query string
}

var allPolicies = []regoPolicy{
	{file: "rego/event_types.rego", query: "data.warden.egress.event_types.deny"},
	{file: "rego/content_categories.rego", query: "data.warden.egress.content_categories.deny"},
}

// emotionalFields are the payload/metadata keys stripped when a profile has
// emotionalDataEnabled=false.
var emotionalFields = map[string]bool{
	"emotion":        true,
	"emotions":       true,
	"sentiment":      true,
	"sentimentScore": true,
	"mood":           true,
	"affect":         true,
	"emotionalTone":  true,
}

// Engine filters canonical events against registered consumer profiles.
// Consumers without a registered profile get nothing: egress is
// deny-by-default, matching the action allowlist posture on the intake side.
type Engine struct {
	mu       sync.RWMutex
	profiles map[string]*AppFilterProfile
	limiters *limiterRegistry

	scanner  *PIIScanner
	prepared map[string]rego.PreparedEvalQuery
	sink     audit.Sink
}

// EngineOption configures an Engine.
type EngineOption func(*engineConfig)

type engineConfig struct {
	sink         audit.Sink
	piiOverrides []recognizer.Config
}

// WithAuditSink records a risk event for every consumer denied wholesale
// (missing profile). Per-event drops are logged, not audited.
func WithAuditSink(sink audit.Sink) EngineOption {
	return func(c *engineConfig) { c.sink = sink }
}

// WithPIIOverrides layers operator recognizer overrides on the embedded
// PII defaults.
func WithPIIOverrides(overrides []recognizer.Config) EngineOption {
	return func(c *engineConfig) { c.piiOverrides = overrides }
}

// NewEngine precompiles the embedded Rego policies and the PII scanner.
func NewEngine(ctx context.Context, opts ...EngineOption) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "egress.engine.new")
	defer span.End()

	var cfg engineConfig
	for _, o := range opts {
		o(&cfg)
	}

	scanner, err := NewPIIScanner(cfg.piiOverrides)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	prepared := make(map[string]rego.PreparedEvalQuery, len(allPolicies))
	for _, rp := range allPolicies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}

		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(inmem.New()),
		)
		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}
		prepared[rp.file] = pq
	}

	span.SetAttributes(attribute.Int("egress.prepared_count", len(prepared)))

	return &Engine{
		profiles: make(map[string]*AppFilterProfile),
		limiters: newLimiterRegistry(),
		scanner:  scanner,
		prepared: prepared,
		sink:     cfg.sink,
	}, nil
}

// SetProfile registers or replaces the filter profile for one appId. The
// consumer's rate limiter is rebuilt from the new profile.
func (e *Engine) SetProfile(p *AppFilterProfile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	e.profiles[p.AppID] = p
	e.mu.Unlock()
	e.limiters.configure(p.AppID, p.RateLimit)

	log.Info().
		Str("app_id", p.AppID).
		Int("allowed_event_types", len(p.AllowedEventTypes)).
		Str("pii_handling", string(p.PIIHandling)).
		Msg("egress_profile_registered")
	return nil
}

// Profile returns the registered profile for appID, or nil.
func (e *Engine) Profile(appID string) *AppFilterProfile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.profiles[appID]
}

// Filter applies the consumer's profile to a batch and returns the events
// that may leave the boundary, with emotional-data stripping and PII
// handling already applied to deep copies. Input events are never mutated.
// An unregistered appID denies the whole batch.
func (e *Engine) Filter(ctx context.Context, events []*event.CanonicalEvent, appID, correlationID string) ([]*event.CanonicalEvent, error) {
	ctx, span := tracer.Start(ctx, "egress.filter",
		trace.WithAttributes(
			attribute.String("app.id", appID),
			attribute.String("correlation.id", correlationID),
			attribute.Int("events.in", len(events)),
		))
	defer span.End()

	profile := e.Profile(appID)
	if profile == nil {
		log.Warn().
			Str("app_id", appID).
			Str("correlation_id", correlationID).
			Int("events_denied", len(events)).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("egress_profile_missing")
		e.recordDenied(ctx, events, appID, correlationID)
		span.SetAttributes(attribute.Int("events.out", 0))
		return []*event.CanonicalEvent{}, nil
	}

	profileData, err := profileToInput(profile)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	passed := make([]*event.CanonicalEvent, 0, len(events))
	for _, ev := range events {
		if !e.limiters.allow(appID) {
			log.Warn().
				Str("app_id", appID).
				Str("event_id", ev.EventID).
				Str("correlation_id", correlationID).
				Msg("egress_rate_limited")
			continue
		}

		reasons, err := e.evaluateEvent(ctx, ev, profileData)
		if err != nil {
			return nil, err
		}
		if len(reasons) > 0 {
			log.Debug().
				Str("app_id", appID).
				Str("event_id", ev.EventID).
				Strs("reasons", reasons).
				Msg("egress_event_dropped")
			continue
		}

		out := ev.Clone()
		if !profile.EmotionalDataEnabled {
			stripEmotionalData(out)
		}
		e.applyPIIHandling(ctx, profile.PIIHandling, out)
		passed = append(passed, out)
	}

	span.SetAttributes(attribute.Int("events.out", len(passed)))
	return passed, nil
}

// evaluateEvent runs both Rego policies for one event and collects deny
// reasons.
func (e *Engine) evaluateEvent(ctx context.Context, ev *event.CanonicalEvent, profileData map[string]interface{}) ([]string, error) {
	eventData, err := eventToInput(ev)
	if err != nil {
		return nil, err
	}
	input := map[string]interface{}{
		"event":   eventData,
		"profile": profileData,
		"text":    searchableText(ev),
	}

	var reasons []string
	for _, rp := range allPolicies {
		rs, err := e.evaluateDeny(ctx, rp.file, input)
		if err != nil {
			return nil, err
		}
		reasons = append(reasons, rs...)
	}
	return reasons, nil
}

// evaluateDeny runs one prepared Rego policy producing a set of deny
// reason strings.
func (e *Engine) evaluateDeny(ctx context.Context, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// A "deny" set query comes back as []interface{} or, occasionally,
	// map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if s, ok := msg.(string); ok {
				reasons = append(reasons, s)
			}
		}
	}
	return reasons, nil
}

// applyPIIHandling rewrites every string-valued payload and metadata field
// in place on the (already cloned) event.
func (e *Engine) applyPIIHandling(ctx context.Context, handling PIIHandling, ev *event.CanonicalEvent) {
	if handling == "" || handling == PIIAllow {
		return
	}
	rewriteStrings(ev.Payload, func(s string) string {
		return e.scanner.Apply(ctx, handling, s)
	})
	rewriteStrings(ev.Metadata, func(s string) string {
		return e.scanner.Apply(ctx, handling, s)
	})
}

// recordDenied writes one audit event per denied event when a sink is
// configured. Sink failures are logged, never propagated.
func (e *Engine) recordDenied(ctx context.Context, events []*event.CanonicalEvent, appID, correlationID string) {
	if e.sink == nil {
		return
	}
	for _, ev := range events {
		rec := &audit.RiskEvent{
			TenantID:  ev.TenantID,
			EventType: audit.EventEgressDenied,
			RiskLane:  risk.LaneBlocked,
			Details: fmt.Sprintf("event %s (type %s) denied: no egress profile registered for app %s (correlation %s)",
				ev.EventID, ev.EventType, appID, correlationID),
		}
		if err := e.sink.Record(ctx, rec); err != nil {
			log.Error().Err(err).
				Str("app_id", appID).
				Str("event_id", ev.EventID).
				Msg("risk_event_record_failed")
		}
	}
}

// stripEmotionalData removes emotion-bearing fields from payload and
// metadata, including one level of nesting.
func stripEmotionalData(ev *event.CanonicalEvent) {
	stripEmotionalFields(ev.Payload)
	stripEmotionalFields(ev.Metadata)
}

func stripEmotionalFields(m map[string]interface{}) {
	for k, v := range m {
		if emotionalFields[k] {
			delete(m, k)
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			stripEmotionalFields(nested)
		}
	}
}

// rewriteStrings applies fn to every string value in m, one nesting level
// at a time.
func rewriteStrings(m map[string]interface{}, fn func(string) string) {
	for k, v := range m {
		switch val := v.(type) {
		case string:
			m[k] = fn(val)
		case map[string]interface{}:
			rewriteStrings(val, fn)
		}
	}
}

// searchableText flattens every string value of the event's payload and
// metadata into one lowercased blob for category matching. Keys are sorted
// so the text is deterministic.
func searchableText(ev *event.CanonicalEvent) string {
	var parts []string
	collectStrings(ev.Payload, &parts)
	collectStrings(ev.Metadata, &parts)
	sort.Strings(parts)
	return strings.ToLower(strings.Join(parts, " "))
}

func collectStrings(m map[string]interface{}, out *[]string) {
	for _, v := range m {
		switch val := v.(type) {
		case string:
			*out = append(*out, val)
		case map[string]interface{}:
			collectStrings(val, out)
		}
	}
}

// profileToInput converts a profile to clean map types for OPA input.
func profileToInput(p *AppFilterProfile) (map[string]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshalling profile: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling profile data: %w", err)
	}
	// Rego rules index these two unconditionally.
	if data["allowedEventTypes"] == nil {
		data["allowedEventTypes"] = []interface{}{}
	}
	if data["contentCategories"] == nil {
		data["contentCategories"] = map[string]interface{}{}
	}
	return data, nil
}

// eventToInput converts an event to clean map types for OPA input.
func eventToInput(ev *event.CanonicalEvent) (map[string]interface{}, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshalling event: %w", err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling event data: %w", err)
	}
	return data, nil
}
