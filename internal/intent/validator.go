package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/audit"
	"github.com/dativo-io/warden/internal/injection"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/risk"
)

var tracer = wardenotel.Tracer("github.com/dativo-io/warden/internal/intent")

var (
	idempotencyKeyPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)
	// BCP-47-like: lowercase language, optional script, optional region.
	localePattern = regexp.MustCompile(`^[a-z]{2,3}(-[A-Z][a-z]{3})?(-[A-Z]{2})?$`)
)

// previewLimit bounds how much raw input an injection_attempt audit record
// carries.
const previewLimit = 200

// Validator checks an intent's shape, identity, confidence, action
// membership, and parameter payload, and assigns the risk lane.
type Validator struct {
	detector *injection.Detector
	registry *Registry
	sink     audit.Sink
}

// NewValidator creates a validator. The registry is the engine-owned action
// allowlist; the sink receives risk events for denials.
func NewValidator(detector *injection.Detector, registry *Registry, sink audit.Sink) *Validator {
	return &Validator{detector: detector, registry: registry, sink: sink}
}

// ValidateIntent runs every check in order, accumulating errors and
// warnings into one result. The lane only escalates across checks. As the
// sole mutator of an intent, the validator stamps the final lane onto it.
func (v *Validator) ValidateIntent(ctx context.Context, in *Intent) *ValidationResult {
	ctx, span := tracer.Start(ctx, "intent.validate",
		trace.WithAttributes(
			attribute.String("intent.id", in.IntentID),
			attribute.String("intent.action", in.Action),
		))
	defer span.End()

	res := &ValidationResult{
		Valid:    true,
		Errors:   []string{},
		Warnings: []string{},
		RiskLane: risk.LaneGreen,
	}
	fail := func(lane risk.Lane, msg string) {
		res.Valid = false
		res.Errors = append(res.Errors, msg)
		res.RiskLane = risk.Escalate(res.RiskLane, lane)
	}

	if !idempotencyKeyPattern.MatchString(in.IdempotencyKey) {
		fail(risk.LaneRed, "idempotency_key must be a 64-character lowercase hex string")
	}
	if in.Identity.TenantID == "" {
		fail(risk.LaneRed, "identity.tenant_id is required")
	}
	if in.Identity.UserID == "" {
		fail(risk.LaneRed, "identity.user_id is required")
	}
	if in.Identity.SessionID == "" {
		fail(risk.LaneRed, "identity.session_id is required")
	}
	if in.Identity.Locale != "" && !localePattern.MatchString(in.Identity.Locale) {
		fail(risk.LaneRed, fmt.Sprintf("identity.locale %q is not a valid locale tag", in.Identity.Locale))
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		fail(risk.LaneRed, fmt.Sprintf("confidence %.3f is outside [0, 1]", in.Confidence))
	}

	if !v.registry.Allowed(in.Action) {
		fail(risk.LaneRed, fmt.Sprintf("action %q is not allowlisted", in.Action))
		v.recordRiskEvent(ctx, &audit.RiskEvent{
			TenantID:      in.Identity.TenantID,
			EventType:     audit.EventExecutionBlocked,
			RiskLane:      risk.LaneBlocked,
			Details:       fmt.Sprintf("intent %s requested non-allowlisted action", in.IntentID),
			BlockedAction: in.Action,
		})
	} else if spec, ok := v.registry.Spec(in.Action); ok {
		for _, problem := range spec.Validate(in.Parameters) {
			fail(risk.LaneRed, fmt.Sprintf("parameters: %s", problem))
		}
	}

	v.scanParameters(ctx, in, res)

	in.RiskLane = res.RiskLane

	span.SetAttributes(
		attribute.Bool("intent.valid", res.Valid),
		attribute.String("intent.risk_lane", string(res.RiskLane)),
		attribute.Int("intent.error_count", len(res.Errors)),
	)

	return res
}

// scanParameters runs the injection detector over the serialized parameter
// bag. A blocked scan fails validation at RED and writes an audit record; a
// detection without block only raises the lane to YELLOW with warnings.
func (v *Validator) scanParameters(ctx context.Context, in *Intent, res *ValidationResult) {
	if len(in.Parameters) == 0 {
		return
	}

	serialized, err := json.Marshal(in.Parameters)
	if err != nil {
		res.Valid = false
		res.Errors = append(res.Errors, "parameters are not serializable")
		res.RiskLane = risk.Escalate(res.RiskLane, risk.LaneRed)
		return
	}

	scan := v.detector.Detect(ctx, string(serialized))
	if !scan.Detected {
		return
	}

	if scan.Blocked {
		res.Valid = false
		res.Errors = append(res.Errors,
			fmt.Sprintf("parameters blocked by injection scan (risk score %d)", scan.RiskScore))
		res.RiskLane = risk.Escalate(res.RiskLane, risk.LaneRed)
		v.recordRiskEvent(ctx, &audit.RiskEvent{
			TenantID:  in.Identity.TenantID,
			EventType: audit.EventInjectionAttempt,
			RiskLane:  risk.LaneRed,
			Details: fmt.Sprintf("patterns %v matched in intent %s parameters; preview: %s",
				scan.PatternsMatched, in.IntentID, truncate(string(serialized), previewLimit)),
		})
		return
	}

	res.RiskLane = risk.Escalate(res.RiskLane, risk.LaneYellow)
	res.Warnings = append(res.Warnings,
		fmt.Sprintf("injection patterns %v detected below block threshold (risk score %d)",
			scan.PatternsMatched, scan.RiskScore))
	res.Warnings = append(res.Warnings, scan.Warnings...)
}

// recordRiskEvent writes to the audit sink. Sink failures are logged, not
// propagated: the sink is expected to be a QueuedSink that buffers locally,
// and a denial decision must not be flipped by audit infrastructure.
func (v *Validator) recordRiskEvent(ctx context.Context, ev *audit.RiskEvent) {
	if v.sink == nil {
		return
	}
	if err := v.sink.Record(ctx, ev); err != nil {
		log.Error().Err(err).
			Str("event_type", ev.EventType).
			Str("tenant_id", ev.TenantID).
			Func(wardenotel.LogTraceFields(ctx)).
			Msg("risk_event_record_failed")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
