package tool

import (
	"context"
	"sync"
)

// MockAdapter is a scripted adapter for tests.
//
// Responses are consumed in order; after the script runs out the last entry
// repeats. The adapter records every request it sees, so tests can assert
// on call counts and idempotency keys.
type MockAdapter struct {
	name string

	mu        sync.Mutex
	responses []MockResponse
	calls     []Request
}

// MockResponse is one scripted reply.
type MockResponse struct {
	Result Result
	Err    error
}

// NewMockAdapter creates a mock with the given name and script.
func NewMockAdapter(name string, responses ...MockResponse) *MockAdapter {
	return &MockAdapter{name: name, responses: responses}
}

// Name implements Adapter.
func (m *MockAdapter) Name() string { return m.name }

// Invoke implements Adapter.
func (m *MockAdapter) Invoke(_ context.Context, req Request) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if len(m.responses) == 0 {
		return Result{}, nil
	}
	idx := len(m.calls) - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	r := m.responses[idx]
	return r.Result, r.Err
}

// Calls returns a copy of the recorded requests in call order.
func (m *MockAdapter) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the adapter was invoked.
func (m *MockAdapter) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears recorded calls and restores the script to the beginning.
func (m *MockAdapter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}
