package intent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/warden/internal/audit"
	"github.com/dativo-io/warden/internal/event"
	wardenotel "github.com/dativo-io/warden/internal/otel"
	"github.com/dativo-io/warden/internal/risk"
)

// MinConfidence is the execution floor: below it an otherwise valid intent
// is hard-blocked rather than dispatched.
const MinConfidence = 0.7

// Approver is the human-approval channel for MAN mode escalations.
type Approver interface {
	Approve(ctx context.Context, req *ApprovalRequest) (*ApprovalDecision, error)
}

// denyAllApprover is the default when no real approver is wired: anything
// requiring manual sign-off is denied.
type denyAllApprover struct{}

func (denyAllApprover) Approve(_ context.Context, _ *ApprovalRequest) (*ApprovalDecision, error) {
	return &ApprovalDecision{
		Approved: false,
		Reason:   "no approver configured; denying by default",
	}, nil
}

// Engine executes validated intents singly or in fail-stop batches.
type Engine struct {
	validator *Validator
	registry  *Registry
	sink      audit.Sink
	approver  Approver
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithApprover wires a real manual-approval channel.
func WithApprover(a Approver) EngineOption {
	return func(e *Engine) { e.approver = a }
}

// NewEngine creates an execution engine. The registry instance is owned by
// this engine; independent engines track independent custom-action sets.
func NewEngine(validator *Validator, registry *Registry, sink audit.Sink, opts ...EngineOption) *Engine {
	e := &Engine{
		validator: validator,
		registry:  registry,
		sink:      sink,
		approver:  denyAllApprover{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Registry returns the engine-owned action registry, so callers can bind
// handlers and register custom actions.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Validator returns the validator used by this engine, so callers can run
// the validation gate without executing.
func (e *Engine) Validator() *Validator {
	return e.validator
}

// ExecuteIntent re-validates and then runs the intent through the gate
// sequence: translation integrity, confirmation, confidence floor, and
// finally dispatch to the bound action handler.
func (e *Engine) ExecuteIntent(ctx context.Context, in *Intent) *ExecutionResult {
	ctx, span := tracer.Start(ctx, "intent.execute",
		trace.WithAttributes(
			attribute.String("intent.id", in.IntentID),
			attribute.String("intent.action", in.Action),
		))
	defer span.End()

	vr := e.validator.ValidateIntent(ctx, in)
	if !vr.Valid {
		return e.finish(span, &ExecutionResult{
			IntentID: in.IntentID,
			Error:    strings.Join(vr.Errors, "; "),
			Blocked:  vr.RiskLane.Rank() >= risk.LaneRed.Rank(),
			RiskLane: vr.RiskLane,
		})
	}

	// A failed translation is a hard stop regardless of validation outcome:
	// the payload no longer provably means what the planner produced.
	if in.TranslationStatus == event.TranslationFailed {
		return e.finish(span, &ExecutionResult{
			IntentID: in.IntentID,
			Error:    "translation integrity check failed for this intent",
			Blocked:  true,
			RiskLane: risk.LaneRed,
		})
	}

	if vr.RiskLane == risk.LaneYellow && !in.UserConfirmed {
		return e.finish(span, &ExecutionResult{
			IntentID:             in.IntentID,
			Error:                "explicit user confirmation required for this risk lane",
			ConfirmationRequired: true,
			RiskLane:             risk.LaneYellow,
		})
	}

	if in.Confidence < MinConfidence {
		return e.finish(span, &ExecutionResult{
			IntentID: in.IntentID,
			Error:    fmt.Sprintf("confidence %.2f is below the %.2f execution floor", in.Confidence, MinConfidence),
			Blocked:  true,
			RiskLane: risk.Escalate(vr.RiskLane, risk.LaneRed),
		})
	}

	handler, ok := e.registry.handlerFor(in.Action)
	if !ok {
		return e.finish(span, &ExecutionResult{
			IntentID: in.IntentID,
			Error:    fmt.Sprintf("no handler bound for action %q", in.Action),
			RiskLane: vr.RiskLane,
		})
	}

	outcome, err := handler(ctx, in.Parameters)
	if err != nil {
		return e.finish(span, &ExecutionResult{
			IntentID: in.IntentID,
			Error:    fmt.Sprintf("action %q failed: %v", in.Action, err),
			RiskLane: vr.RiskLane,
		})
	}

	return e.finish(span, &ExecutionResult{
		Success:  true,
		IntentID: in.IntentID,
		Outcome:  outcome,
		RiskLane: vr.RiskLane,
	})
}

// ExecuteBatch runs intents strictly in order with fail-stop semantics.
// Duplicate idempotency keys abort the whole batch before any execution;
// the first blocked RED result ends the batch, and later intents are never
// dispatched.
func (e *Engine) ExecuteBatch(ctx context.Context, intents []*Intent) *BatchResult {
	ctx, span := tracer.Start(ctx, "intent.execute_batch",
		trace.WithAttributes(attribute.Int("batch.size", len(intents))))
	defer span.End()

	seen := make(map[string]int, len(intents))
	for i, in := range intents {
		if prev, dup := seen[in.IdempotencyKey]; dup {
			span.SetAttributes(attribute.Bool("batch.aborted", true))
			return &BatchResult{
				Aborted: true,
				Reason: fmt.Sprintf("duplicate idempotency key shared by intents %d and %d; batch rejected before execution",
					prev, i),
				Results: []ExecutionResult{},
			}
		}
		seen[in.IdempotencyKey] = i
	}

	result := &BatchResult{Results: make([]ExecutionResult, 0, len(intents))}
	for _, in := range intents {
		res := e.ExecuteIntent(ctx, in)
		result.Results = append(result.Results, *res)

		if res.Blocked && res.RiskLane.Rank() >= risk.LaneRed.Rank() {
			log.Warn().
				Str("intent_id", in.IntentID).
				Str("tenant_id", in.Identity.TenantID).
				Int("executed", len(result.Results)).
				Int("skipped", len(intents)-len(result.Results)).
				Func(wardenotel.LogTraceFields(ctx)).
				Msg("batch_fail_stop")
			break
		}
	}

	span.SetAttributes(attribute.Int("batch.executed", len(result.Results)))
	return result
}

// RequestMANMode synchronously escalates to the manual-approval channel.
// An error means the channel itself failed; a deny comes back as a
// decision, not an error.
func (e *Engine) RequestMANMode(ctx context.Context, req *ApprovalRequest) (*ApprovalDecision, error) {
	ctx, span := tracer.Start(ctx, "intent.request_man_mode",
		trace.WithAttributes(
			attribute.String("intent.id", req.IntentID),
			attribute.String("intent.action", req.Action),
		))
	defer span.End()

	decision, err := e.approver.Approve(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("manual approval channel: %w", err)
	}

	log.Info().
		Str("intent_id", req.IntentID).
		Str("tenant_id", req.TenantID).
		Bool("approved", decision.Approved).
		Func(wardenotel.LogTraceFields(ctx)).
		Msg("man_mode_decision")

	span.SetAttributes(attribute.Bool("man_mode.approved", decision.Approved))
	return decision, nil
}

func (e *Engine) finish(span trace.Span, res *ExecutionResult) *ExecutionResult {
	span.SetAttributes(
		attribute.Bool("intent.success", res.Success),
		attribute.Bool("intent.blocked", res.Blocked),
		attribute.String("intent.risk_lane", string(res.RiskLane)),
	)
	return res
}
