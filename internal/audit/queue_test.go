package audit

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/risk"
)

// flakySink fails until healthy is flipped, then records in memory.
type flakySink struct {
	healthy  bool
	recorded []RiskEvent
}

func (f *flakySink) Record(_ context.Context, ev *RiskEvent) error {
	if !f.healthy {
		return errors.New("sink unreachable")
	}
	f.recorded = append(f.recorded, *ev)
	return nil
}

func TestQueuedSinkBuffersAndDrains(t *testing.T) {
	ctx := context.Background()
	sink := &flakySink{}
	q, err := NewQueuedSink(filepath.Join(t.TempDir(), "queue.db"), sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	// Sink down: events land in the queue, Record still succeeds.
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Record(ctx, &RiskEvent{
			EventID:   "ev-" + string(rune('a'+i)),
			TenantID:  "tenant-a",
			EventType: EventInjectionAttempt,
			RiskLane:  risk.LaneRed,
		}))
	}
	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, pending)

	// Drain while still down: nothing delivered, queue intact.
	delivered, err := q.Drain(ctx)
	require.Error(t, err)
	assert.Zero(t, delivered)

	// Recovery: drain delivers in enqueue order and empties the queue.
	sink.healthy = true
	delivered, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	require.Len(t, sink.recorded, 3)
	assert.Equal(t, "ev-a", sink.recorded[0].EventID)

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestQueuedSinkPassesThroughWhenHealthy(t *testing.T) {
	ctx := context.Background()
	sink := &flakySink{healthy: true}
	q, err := NewQueuedSink(filepath.Join(t.TempDir(), "queue.db"), sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	require.NoError(t, q.Record(ctx, &RiskEvent{EventID: "ev-1", TenantID: "t", EventType: EventEgressDenied, RiskLane: risk.LaneRed}))
	assert.Len(t, sink.recorded, 1)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
