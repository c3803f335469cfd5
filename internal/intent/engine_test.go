package intent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/event"
	"github.com/dativo-io/warden/internal/injection"
	"github.com/dativo-io/warden/internal/risk"
)

type engineFixture struct {
	engine *Engine
	sink   *memorySink
	calls  *int
}

func newTestEngine(t *testing.T) *engineFixture {
	t.Helper()

	sink := &memorySink{}
	registry := NewRegistry()
	calls := 0
	require.NoError(t, registry.Bind("get_status", func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		calls++
		return map[string]interface{}{"status": "ok"}, nil
	}))

	validator := NewValidator(injection.NewDetector(), registry, sink)
	return &engineFixture{
		engine: NewEngine(validator, registry, sink),
		sink:   sink,
		calls:  &calls,
	}
}

func keyed(suffix byte) string {
	key := []byte(validKey)
	key[len(key)-1] = suffix
	return string(key)
}

func TestExecuteIntentSuccess(t *testing.T) {
	f := newTestEngine(t)

	res := f.engine.ExecuteIntent(context.Background(), validIntent())

	assert.True(t, res.Success)
	assert.False(t, res.Blocked)
	assert.Equal(t, risk.LaneGreen, res.RiskLane)
	assert.Equal(t, 1, *f.calls)
	require.IsType(t, map[string]interface{}{}, res.Outcome)
}

func TestExecuteIntentValidationFailureBlocks(t *testing.T) {
	f := newTestEngine(t)

	in := validIntent()
	in.Action = "send_funds"
	in.Confidence = 0.95
	in.UserConfirmed = false

	res := f.engine.ExecuteIntent(context.Background(), in)

	assert.False(t, res.Success)
	assert.True(t, res.Blocked)
	assert.Equal(t, risk.LaneRed, res.RiskLane)
	assert.Zero(t, *f.calls)
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, "send_funds", f.sink.events[0].BlockedAction)
}

func TestExecuteIntentTranslationFailureBlocks(t *testing.T) {
	f := newTestEngine(t)

	in := validIntent()
	in.TranslationStatus = event.TranslationFailed

	res := f.engine.ExecuteIntent(context.Background(), in)

	assert.True(t, res.Blocked)
	assert.Equal(t, risk.LaneRed, res.RiskLane)
	assert.Zero(t, *f.calls)
}

func TestExecuteIntentYellowRequiresConfirmation(t *testing.T) {
	f := newTestEngine(t)
	require.NoError(t, f.engine.Registry().Bind("log_message",
		func(_ context.Context, _ map[string]interface{}) (interface{}, error) { return "logged", nil }))

	in := validIntent()
	in.Action = "log_message"
	in.Parameters = map[string]interface{}{"message": "blob " + repeatBase64(60)}

	res := f.engine.ExecuteIntent(context.Background(), in)
	assert.False(t, res.Success)
	assert.False(t, res.Blocked)
	assert.True(t, res.ConfirmationRequired)
	assert.Equal(t, risk.LaneYellow, res.RiskLane)

	in.UserConfirmed = true
	res = f.engine.ExecuteIntent(context.Background(), in)
	assert.True(t, res.Success)
	assert.Equal(t, risk.LaneYellow, res.RiskLane)
}

func repeatBase64(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = "Ab0"[i%3]
	}
	return string(buf)
}

func TestExecuteIntentConfidenceFloor(t *testing.T) {
	f := newTestEngine(t)

	in := validIntent()
	in.Confidence = 0.5

	res := f.engine.ExecuteIntent(context.Background(), in)

	assert.True(t, res.Blocked)
	assert.Equal(t, risk.LaneRed, res.RiskLane)
	assert.Zero(t, *f.calls)
}

func TestExecuteIntentUnboundHandler(t *testing.T) {
	f := newTestEngine(t)

	in := validIntent()
	in.Action = "health_check"

	res := f.engine.ExecuteIntent(context.Background(), in)

	assert.False(t, res.Success)
	assert.False(t, res.Blocked, "a missing handler is an operational failure, not a policy block")
	assert.Contains(t, res.Error, "no handler bound")
}

func TestExecuteIntentHandlerError(t *testing.T) {
	f := newTestEngine(t)
	require.NoError(t, f.engine.Registry().Bind("read_data",
		func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
			return nil, errors.New("backend unavailable")
		}))

	in := validIntent()
	in.Action = "read_data"
	in.Parameters = map[string]interface{}{"key": "cfg"}

	res := f.engine.ExecuteIntent(context.Background(), in)

	assert.False(t, res.Success)
	assert.False(t, res.Blocked)
	assert.Contains(t, res.Error, "backend unavailable")
}

func TestExecuteBatchDuplicateKeysAbort(t *testing.T) {
	f := newTestEngine(t)

	a := validIntent()
	b := validIntent()
	b.IntentID = "int-002"

	res := f.engine.ExecuteBatch(context.Background(), []*Intent{a, b})

	assert.True(t, res.Aborted)
	assert.Contains(t, res.Reason, "duplicate idempotency key")
	assert.Empty(t, res.Results)
	assert.Zero(t, *f.calls, "nothing executes when the batch is rejected")
}

func TestExecuteBatchFailStop(t *testing.T) {
	f := newTestEngine(t)

	first := validIntent()
	second := validIntent()
	second.IntentID = "int-002"
	second.IdempotencyKey = keyed('b')
	second.Action = "send_funds"
	third := validIntent()
	third.IntentID = "int-003"
	third.IdempotencyKey = keyed('c')

	res := f.engine.ExecuteBatch(context.Background(), []*Intent{first, second, third})

	assert.False(t, res.Aborted)
	require.Len(t, res.Results, 2, "the batch stops at the first blocked result")
	assert.True(t, res.Results[0].Success)
	assert.True(t, res.Results[1].Blocked)
	assert.Equal(t, 1, *f.calls, "the intent after the block never runs")
}

func TestExecuteBatchAllGreen(t *testing.T) {
	f := newTestEngine(t)

	a := validIntent()
	b := validIntent()
	b.IntentID = "int-002"
	b.IdempotencyKey = keyed('b')

	res := f.engine.ExecuteBatch(context.Background(), []*Intent{a, b})

	assert.False(t, res.Aborted)
	require.Len(t, res.Results, 2)
	assert.Equal(t, 2, *f.calls)
}

func TestRequestMANModeDeniesByDefault(t *testing.T) {
	f := newTestEngine(t)

	decision, err := f.engine.RequestMANMode(context.Background(), &ApprovalRequest{
		IntentID: "int-001",
		Action:   "send_funds",
	})

	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.NotEmpty(t, decision.Reason)
}

func TestRequestMANModeCustomApprover(t *testing.T) {
	sink := &memorySink{}
	registry := NewRegistry()
	validator := NewValidator(injection.NewDetector(), registry, sink)
	engine := NewEngine(validator, registry, sink,
		WithApprover(approverFunc(func(_ context.Context, req *ApprovalRequest) (*ApprovalDecision, error) {
			return &ApprovalDecision{Approved: true, Approver: "ops-oncall", Reason: "verified " + req.Action}, nil
		})))

	decision, err := engine.RequestMANMode(context.Background(), &ApprovalRequest{Action: "read_data"})

	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Equal(t, "ops-oncall", decision.Approver)
}

func TestRequestMANModeChannelFailure(t *testing.T) {
	registry := NewRegistry()
	validator := NewValidator(injection.NewDetector(), registry, nil)
	engine := NewEngine(validator, registry, nil,
		WithApprover(approverFunc(func(_ context.Context, _ *ApprovalRequest) (*ApprovalDecision, error) {
			return nil, errors.New("pager service down")
		})))

	_, err := engine.RequestMANMode(context.Background(), &ApprovalRequest{Action: "read_data"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "manual approval channel")
}

type approverFunc func(context.Context, *ApprovalRequest) (*ApprovalDecision, error)

func (f approverFunc) Approve(ctx context.Context, req *ApprovalRequest) (*ApprovalDecision, error) {
	return f(ctx, req)
}
