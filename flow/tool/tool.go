// Package tool wraps external service calls behind a uniform adapter
// interface with a typed error taxonomy, per-account rate limiting, and
// idempotency keys, so the engine can retry external work without
// duplicating side effects.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrorKind classifies an adapter failure. The invoker's retry behavior is
// driven entirely by this classification.
type ErrorKind string

const (
	// KindRateLimited means the upstream throttled the call. Retryable
	// after backoff.
	KindRateLimited ErrorKind = "rate_limited"

	// KindAuthExpired means the account's credential is stale. The invoker
	// refreshes the credential once and retries.
	KindAuthExpired ErrorKind = "auth_expired"

	// KindTransient covers timeouts, connection resets, and 5xx responses.
	// Retryable after backoff.
	KindTransient ErrorKind = "transient"

	// KindPermanent covers validation failures and 4xx responses that a
	// retry can never fix. Fails the call immediately.
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified adapter failure.
type Error struct {
	Kind    ErrorKind
	Tool    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s: %s (%s): %v", e.Tool, e.Message, e.Kind, e.Err)
	}
	return fmt.Sprintf("tool %s: %s (%s)", e.Tool, e.Message, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the error kind permits another attempt.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient || e.Kind == KindAuthExpired
}

// NewError builds a classified error.
func NewError(kind ErrorKind, toolName, message string, cause error) *Error {
	return &Error{Kind: kind, Tool: toolName, Message: message, Err: cause}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors are treated as permanent: retrying an unknown failure risks
// duplicate side effects for no known benefit.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindPermanent
}

// Request is one adapter invocation.
type Request struct {
	// Account selects the upstream account or tenant the call acts on.
	// Rate limits apply per (tool, account).
	Account string

	// Args is the adapter-specific payload.
	Args map[string]interface{}

	// IdempotencyKey deduplicates retried side effects upstream. Stable
	// across retries of the same workflow step.
	IdempotencyKey string
}

// Result is the adapter's successful response.
type Result struct {
	// Output is the adapter-specific response payload.
	Output map[string]interface{}

	// Cost is the actual spend incurred by the call, in the budget ledger's
	// unit. Zero when the adapter cannot attribute cost.
	Cost float64
}

// Adapter is one external capability: send a message, create a document,
// call an API. Implementations classify every failure with an *Error and
// must honor the request's idempotency key when the upstream supports it.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, req Request) (Result, error)
}

// CredentialProvider refreshes stale credentials for an account. The
// invoker calls Refresh once when an adapter reports KindAuthExpired, then
// retries the call.
type CredentialProvider interface {
	Refresh(ctx context.Context, toolName, account string) error
}

// Registry holds the adapters available to an engine, keyed by name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates a registry preloaded with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns the registered adapter names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
