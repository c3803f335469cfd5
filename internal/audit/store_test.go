package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/risk"
)

const testSigningKey = "test-signing-key-0123456789abcdef"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRecordAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := &RiskEvent{
		TenantID:      "tenant-a",
		EventType:     EventExecutionBlocked,
		RiskLane:      risk.LaneBlocked,
		Details:       "action send_funds is not allowlisted",
		BlockedAction: "send_funds",
	}
	require.NoError(t, store.Record(ctx, ev))
	require.NotEmpty(t, ev.EventID)
	require.False(t, ev.CreatedAt.IsZero())
	assert.True(t, strings.HasPrefix(ev.Signature, "hmac-sha256:"))

	got, err := store.Get(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, "send_funds", got.BlockedAction)
	assert.Equal(t, risk.LaneBlocked, got.RiskLane)
}

func TestVerifyDetectsIntegrity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ev := &RiskEvent{
		TenantID:  "tenant-a",
		EventType: EventInjectionAttempt,
		RiskLane:  risk.LaneRed,
		Details:   "instruction_override matched",
	}
	require.NoError(t, store.Record(ctx, ev))

	ok, err := store.Verify(ctx, ev.EventID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, ev := range []*RiskEvent{
		{TenantID: "tenant-a", EventType: EventInjectionAttempt, RiskLane: risk.LaneRed},
		{TenantID: "tenant-a", EventType: EventExecutionBlocked, RiskLane: risk.LaneBlocked},
		{TenantID: "tenant-b", EventType: EventInjectionAttempt, RiskLane: risk.LaneRed},
	} {
		require.NoError(t, store.Record(ctx, ev))
	}

	byTenant, err := store.List(ctx, "tenant-a", "", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, byTenant, 2)

	byType, err := store.List(ctx, "", EventInjectionAttempt, time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	limited, err := store.List(ctx, "", "", time.Time{}, time.Time{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestCountByLane(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(ctx, &RiskEvent{
			TenantID: "tenant-a", EventType: EventInjectionAttempt, RiskLane: risk.LaneRed,
		}))
	}
	require.NoError(t, store.Record(ctx, &RiskEvent{
		TenantID: "tenant-a", EventType: EventExecutionBlocked, RiskLane: risk.LaneBlocked,
	}))

	counts, err := store.CountByLane(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 3, counts[risk.LaneRed])
	assert.Equal(t, 1, counts[risk.LaneBlocked])
}

func TestSignerRejectsShortKey(t *testing.T) {
	_, err := NewSigner("too-short")
	require.Error(t, err)
}
