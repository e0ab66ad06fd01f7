package tool

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimits hands out one token bucket per (tool, account) pair, so a
// burst of calls against one account cannot starve another account of the
// same tool.
type RateLimits struct {
	mu        sync.Mutex
	limiters  map[limiterKey]*rate.Limiter
	rate      rate.Limit
	burst     int
	overrides map[string]rateConfig // per-tool overrides
}

type limiterKey struct {
	tool    string
	account string
}

type rateConfig struct {
	rate  rate.Limit
	burst int
}

// NewRateLimits creates a limiter set with the given default calls-per-second
// and burst for every (tool, account) pair.
func NewRateLimits(callsPerSecond float64, burst int) *RateLimits {
	if burst < 1 {
		burst = 1
	}
	return &RateLimits{
		limiters:  make(map[limiterKey]*rate.Limiter),
		rate:      rate.Limit(callsPerSecond),
		burst:     burst,
		overrides: make(map[string]rateConfig),
	}
}

// SetToolLimit overrides the default rate for one tool. Applies to buckets
// created after the call.
func (r *RateLimits) SetToolLimit(toolName string, callsPerSecond float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if burst < 1 {
		burst = 1
	}
	r.overrides[toolName] = rateConfig{rate: rate.Limit(callsPerSecond), burst: burst}
}

func (r *RateLimits) limiter(toolName, account string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := limiterKey{tool: toolName, account: account}
	if lim, ok := r.limiters[key]; ok {
		return lim
	}
	cfg := rateConfig{rate: r.rate, burst: r.burst}
	if override, ok := r.overrides[toolName]; ok {
		cfg = override
	}
	lim := rate.NewLimiter(cfg.rate, cfg.burst)
	r.limiters[key] = lim
	return lim
}

// Wait blocks until the (tool, account) bucket grants a token or the
// context is done.
func (r *RateLimits) Wait(ctx context.Context, toolName, account string) error {
	return r.limiter(toolName, account).Wait(ctx)
}
