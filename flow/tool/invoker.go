package tool

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Invoker executes adapter calls with the full reliability envelope: rate
// limiting, per-call timeouts, classified retries with exponential backoff,
// and a single credential refresh on auth expiry.
//
// Handlers reach tools only through an Invoker, so every external call in a
// workflow carries the same envelope.
type Invoker struct {
	registry *Registry
	limits   *RateLimits
	creds    CredentialProvider

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	callTimeout time.Duration

	mu  sync.Mutex
	rng *rand.Rand

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// InvokerOption configures an Invoker.
type InvokerOption func(*Invoker)

// WithRateLimits sets the per-(tool, account) rate limiter set.
func WithRateLimits(limits *RateLimits) InvokerOption {
	return func(i *Invoker) { i.limits = limits }
}

// WithCredentialProvider enables a one-shot credential refresh when an
// adapter reports auth expiry.
func WithCredentialProvider(creds CredentialProvider) InvokerOption {
	return func(i *Invoker) { i.creds = creds }
}

// WithMaxAttempts caps the attempts per call, including the first.
func WithMaxAttempts(n int) InvokerOption {
	return func(i *Invoker) {
		if n >= 1 {
			i.maxAttempts = n
		}
	}
}

// WithBackoff sets the retry delay envelope.
func WithBackoff(base, max time.Duration) InvokerOption {
	return func(i *Invoker) {
		i.baseDelay = base
		i.maxDelay = max
	}
}

// WithCallTimeout bounds each individual adapter attempt.
func WithCallTimeout(d time.Duration) InvokerOption {
	return func(i *Invoker) { i.callTimeout = d }
}

// NewInvoker creates an Invoker over a registry. Defaults: 3 attempts,
// 200ms base delay capped at 5s, 30s per-call timeout, 10 calls/sec per
// (tool, account).
func NewInvoker(registry *Registry, opts ...InvokerOption) *Invoker {
	inv := &Invoker{
		registry:    registry,
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
		maxDelay:    5 * time.Second,
		callTimeout: 30 * time.Second,
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter, not crypto
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(inv)
	}
	if inv.limits == nil {
		inv.limits = NewRateLimits(10, 5)
	}
	return inv
}

// Invoke runs one adapter call under the reliability envelope. The returned
// error is the last classified failure when all attempts are exhausted.
func (i *Invoker) Invoke(ctx context.Context, toolName string, req Request) (Result, error) {
	adapter, ok := i.registry.Get(toolName)
	if !ok {
		return Result{}, NewError(KindPermanent, toolName, "adapter not registered", nil)
	}

	var lastErr error
	refreshed := false

	for attempt := 0; attempt < i.maxAttempts; attempt++ {
		if err := i.limits.Wait(ctx, toolName, req.Account); err != nil {
			return Result{}, NewError(KindTransient, toolName, "rate limiter wait aborted", err)
		}

		res, err := i.call(ctx, adapter, req)
		if err == nil {
			return res, nil
		}
		lastErr = err

		switch KindOf(err) {
		case KindPermanent:
			return Result{}, err
		case KindAuthExpired:
			if i.creds == nil || refreshed {
				return Result{}, err
			}
			if rerr := i.creds.Refresh(ctx, toolName, req.Account); rerr != nil {
				return Result{}, NewError(KindAuthExpired, toolName, "credential refresh failed", rerr)
			}
			refreshed = true
			// Refreshed credential: retry immediately, no backoff.
			continue
		}

		if attempt == i.maxAttempts-1 {
			break
		}
		if err := i.sleep(ctx, i.backoff(attempt)); err != nil {
			return Result{}, NewError(KindTransient, toolName, "retry wait aborted", err)
		}
	}
	return Result{}, lastErr
}

func (i *Invoker) call(ctx context.Context, adapter Adapter, req Request) (Result, error) {
	if i.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.callTimeout)
		defer cancel()
	}
	return adapter.Invoke(ctx, req)
}

// backoff computes min(base*2^attempt, maxDelay) plus up to 10% jitter.
func (i *Invoker) backoff(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	delay := i.baseDelay << uint(attempt)
	if delay > i.maxDelay || delay <= 0 {
		delay = i.maxDelay
	}

	i.mu.Lock()
	jitter := time.Duration(i.rng.Int63n(int64(delay)/10 + 1))
	i.mu.Unlock()
	return delay + jitter
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
