// Package chaos is a deterministic fault-injection harness for the
// delivery boundary. Every decision is a pure function of the configured
// seed, the event id, and the sequence index, so a chaos test run replays
// bit-for-bit and a failing sequence can be rerun from its seed alone.
package chaos

import (
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/dativo-io/warden/internal/delivery"
	"github.com/dativo-io/warden/internal/event"
)

// Fault is one injected failure mode.
type Fault string

const (
	FaultNone           Fault = "none"
	FaultDuplicate      Fault = "duplicate"
	FaultDelay          Fault = "delay"
	FaultTimeout        Fault = "timeout"
	FaultNetworkFailure Fault = "network_failure"
	FaultServerFailure  Fault = "server_failure"
)

// Decision is the outcome of one Decide call. Delay is non-zero only for
// FaultDelay.
type Decision struct {
	Fault Fault
	Delay time.Duration
}

// Config holds fault probabilities and the retry budget the harness
// mirrors. Probabilities are cumulative-checked in declaration order and
// must sum to at most 1.
type Config struct {
	Seed               int64
	DuplicateRate      float64
	DelayRate          float64
	TimeoutRate        float64
	NetworkFailureRate float64
	ServerFailureRate  float64

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig matches the delivery manager's retry defaults with modest
// fault rates.
func DefaultConfig(seed int64) Config {
	return Config{
		Seed:               seed,
		DuplicateRate:      0.05,
		DelayRate:          0.05,
		TimeoutRate:        0.03,
		NetworkFailureRate: 0.03,
		ServerFailureRate:  0.02,
		MaxAttempts:        delivery.DefaultMaxAttempts,
		BaseDelay:          delivery.DefaultBaseDelay,
		MaxDelay:           delivery.DefaultMaxDelay,
	}
}

// Engine injects reproducible faults.
type Engine struct {
	cfg Config
}

// NewEngine builds an engine from the config. Engines hold no mutable
// state: two engines with equal configs are interchangeable.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = delivery.DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = delivery.DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = delivery.DefaultMaxDelay
	}
	return &Engine{cfg: cfg}
}

// Decide returns the fault decision for one event at one sequence index.
// The same seed, event id, and index always yield the same decision,
// independent of call order or engine instance.
func (e *Engine) Decide(ev *event.CanonicalEvent, sequenceIndex int) Decision {
	rng := e.rngFor(ev, sequenceIndex)
	draw := rng.Float64()

	cumulative := e.cfg.DuplicateRate
	if draw < cumulative {
		return Decision{Fault: FaultDuplicate}
	}
	cumulative += e.cfg.DelayRate
	if draw < cumulative {
		// 50-500ms, drawn from the same per-call stream.
		return Decision{
			Fault: FaultDelay,
			Delay: 50*time.Millisecond + time.Duration(rng.Int63n(int64(450*time.Millisecond))),
		}
	}
	cumulative += e.cfg.TimeoutRate
	if draw < cumulative {
		return Decision{Fault: FaultTimeout}
	}
	cumulative += e.cfg.NetworkFailureRate
	if draw < cumulative {
		return Decision{Fault: FaultNetworkFailure}
	}
	cumulative += e.cfg.ServerFailureRate
	if draw < cumulative {
		return Decision{Fault: FaultServerFailure}
	}
	return Decision{Fault: FaultNone}
}

// CalculateRetryDelay mirrors the delivery manager's backoff exactly and
// returns -1 once the retry budget is exhausted, so chaos assertions and
// production behavior cannot drift apart.
func (e *Engine) CalculateRetryDelay(attempt int) time.Duration {
	if attempt < 0 || attempt >= e.cfg.MaxAttempts {
		return -1
	}
	return delivery.RetryDelay(e.cfg.BaseDelay, e.cfg.MaxDelay, attempt)
}

// rngFor derives an independent PRNG stream for one (event, index) pair.
func (e *Engine) rngFor(ev *event.CanonicalEvent, sequenceIndex int) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(ev.EventID))
	mixed := mix64(uint64(e.cfg.Seed) ^ h.Sum64() ^ (uint64(sequenceIndex) * 0x9e3779b97f4a7c15))
	return rand.New(rand.NewSource(int64(mixed)))
}

// mix64 is the splitmix64 finalizer, used so nearby seeds and indexes do
// not produce correlated streams.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
