// Package intent gates actions initiated by an automated caller before they
// touch real resources.
//
// An Intent produced by the upstream planner flows RECEIVED → VALIDATED →
// {EXECUTED | BLOCKED | PENDING_CONFIRMATION | ESCALATED}. The validator is
// the only mutator of an intent (it sets the risk lane); the engine treats
// intents as terminal once consumed. All gating paths return result objects
// — an error from this package means infrastructure failed, not that an
// intent was denied.
package intent

import (
	"github.com/dativo-io/warden/internal/event"
	"github.com/dativo-io/warden/internal/risk"
)

// Identity describes who an intent acts on behalf of.
type Identity struct {
	TenantID  string `json:"tenant_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Locale    string `json:"locale"`
}

// Intent is a planned action awaiting validation and execution. The
// idempotency key is a 64-char lowercase hex fingerprint of the logical
// intent; downstream handlers use it to enforce exactly-once semantics on
// top of the engine's at-least-once dispatch.
type Intent struct {
	IntentID          string                  `json:"intent_id"`
	IdempotencyKey    string                  `json:"idempotency_key"`
	Action            string                  `json:"action"`
	Parameters        map[string]interface{}  `json:"parameters,omitempty"`
	Identity          Identity                `json:"identity"`
	TranslationStatus event.TranslationStatus `json:"translation_status,omitempty"`
	Confidence        float64                 `json:"confidence"`
	UserConfirmed     bool                    `json:"user_confirmed"`
	RiskLane          risk.Lane               `json:"risk_lane,omitempty"`
}

// ValidationResult accumulates every check of one validation pass.
type ValidationResult struct {
	Valid    bool      `json:"valid"`
	Errors   []string  `json:"errors"`
	Warnings []string  `json:"warnings"`
	RiskLane risk.Lane `json:"risk_lane"`
}

// ExecutionResult is the terminal outcome of one executed intent.
type ExecutionResult struct {
	Success              bool        `json:"success"`
	IntentID             string      `json:"intent_id"`
	Outcome              interface{} `json:"outcome,omitempty"`
	Error                string      `json:"error,omitempty"`
	Blocked              bool        `json:"blocked,omitempty"`
	ConfirmationRequired bool        `json:"confirmation_required,omitempty"`
	RiskLane             risk.Lane   `json:"risk_lane,omitempty"`
}

// BatchResult is the outcome of an executeBatch call. Aborted is set when
// the batch was rejected before any execution (duplicate idempotency keys);
// otherwise Results holds one entry per attempted intent, in order, ending
// early at the first blocked RED result.
type BatchResult struct {
	Aborted bool              `json:"aborted"`
	Reason  string            `json:"reason,omitempty"`
	Results []ExecutionResult `json:"results"`
}

// ApprovalRequest escalates an intent to a human approver (MAN mode).
type ApprovalRequest struct {
	IntentID string `json:"intent_id"`
	TenantID string `json:"tenant_id"`
	Action   string `json:"action"`
	Reason   string `json:"reason"`
}

// ApprovalDecision is the approver's answer.
type ApprovalDecision struct {
	Approved bool   `json:"approved"`
	Approver string `json:"approver,omitempty"`
	Reason   string `json:"reason,omitempty"`
}
