package egress

import (
	"sync"

	"golang.org/x/time/rate"
)

// limiterRegistry holds one token bucket per consumer app, built from each
// profile's rateLimit section. Apps without a configured limit are not
// throttled.
type limiterRegistry struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterRegistry() *limiterRegistry {
	return &limiterRegistry{limiters: make(map[string]*rate.Limiter)}
}

// configure rebuilds the bucket for appID from the profile's limits. A zero
// eventsPerMinute removes any existing limiter.
func (r *limiterRegistry) configure(appID string, rl RateLimit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rl.EventsPerMinute <= 0 {
		delete(r.limiters, appID)
		return
	}

	burst := rl.BurstLimit
	if burst <= 0 {
		burst = rl.EventsPerMinute
	}
	r.limiters[appID] = rate.NewLimiter(rate.Limit(float64(rl.EventsPerMinute)/60.0), burst)
}

// allow consumes one token for appID; unthrottled apps always pass.
func (r *limiterRegistry) allow(appID string) bool {
	r.mu.Lock()
	l := r.limiters[appID]
	r.mu.Unlock()

	if l == nil {
		return true
	}
	return l.Allow()
}
