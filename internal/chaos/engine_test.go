package chaos

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/warden/internal/delivery"
	"github.com/dativo-io/warden/internal/event"
)

func chaosEvent(i int) *event.CanonicalEvent {
	return &event.CanonicalEvent{EventID: fmt.Sprintf("ev-%04d", i)}
}

func TestDecideDeterministicAcrossEngines(t *testing.T) {
	a := NewEngine(DefaultConfig(42))
	b := NewEngine(DefaultConfig(42))

	for i := 0; i < 200; i++ {
		ev := chaosEvent(i)
		da := a.Decide(ev, i)
		db := b.Decide(ev, i)
		require.Equal(t, da, db, "sequence index %d", i)
	}
}

func TestDecideIndependentOfCallOrder(t *testing.T) {
	a := NewEngine(DefaultConfig(42))
	b := NewEngine(DefaultConfig(42))

	ev := chaosEvent(7)
	forward := a.Decide(ev, 7)

	// Consume unrelated decisions first; the derived stream must not move.
	for i := 0; i < 50; i++ {
		b.Decide(chaosEvent(i), i)
	}
	assert.Equal(t, forward, b.Decide(ev, 7))
}

func TestDecideSeedChangesSequence(t *testing.T) {
	a := NewEngine(DefaultConfig(42))
	b := NewEngine(DefaultConfig(43))

	diff := 0
	for i := 0; i < 200; i++ {
		ev := chaosEvent(i)
		if a.Decide(ev, i) != b.Decide(ev, i) {
			diff++
		}
	}
	assert.NotZero(t, diff, "different seeds must diverge")
}

func TestDecideRatesConverge(t *testing.T) {
	cfg := DefaultConfig(1234)
	cfg.DuplicateRate = 0.10
	cfg.DelayRate = 0.10
	cfg.TimeoutRate = 0.10
	cfg.NetworkFailureRate = 0.05
	cfg.ServerFailureRate = 0.05
	e := NewEngine(cfg)

	const samples = 1000
	counts := map[Fault]int{}
	for i := 0; i < samples; i++ {
		counts[e.Decide(chaosEvent(i), i).Fault]++
	}

	within := func(fault Fault, want float64) {
		got := float64(counts[fault]) / samples
		assert.LessOrEqual(t, math.Abs(got-want), 0.05,
			"fault %s: empirical rate %.3f vs configured %.3f", fault, got, want)
	}
	within(FaultDuplicate, cfg.DuplicateRate)
	within(FaultDelay, cfg.DelayRate)
	within(FaultTimeout, cfg.TimeoutRate)
	within(FaultNetworkFailure, cfg.NetworkFailureRate)
	within(FaultServerFailure, cfg.ServerFailureRate)
	within(FaultNone, 0.60)
}

func TestDecideDelayBounds(t *testing.T) {
	cfg := DefaultConfig(9)
	cfg.DelayRate = 1.0
	cfg.DuplicateRate = 0
	e := NewEngine(cfg)

	for i := 0; i < 100; i++ {
		d := e.Decide(chaosEvent(i), i)
		require.Equal(t, FaultDelay, d.Fault)
		assert.GreaterOrEqual(t, d.Delay, 50*time.Millisecond)
		assert.Less(t, d.Delay, 500*time.Millisecond)
	}
}

func TestCalculateRetryDelayMirrorsDelivery(t *testing.T) {
	cfg := DefaultConfig(1)
	cfg.MaxAttempts = 3
	cfg.BaseDelay = 250 * time.Millisecond
	cfg.MaxDelay = 5 * time.Second
	e := NewEngine(cfg)

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		assert.Equal(t,
			delivery.RetryDelay(cfg.BaseDelay, cfg.MaxDelay, attempt),
			e.CalculateRetryDelay(attempt))
	}

	assert.Equal(t, time.Duration(-1), e.CalculateRetryDelay(3), "budget exhausted")
	assert.Equal(t, time.Duration(-1), e.CalculateRetryDelay(-1))
}
