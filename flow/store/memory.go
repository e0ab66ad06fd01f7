package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowline-io/flowline/flow/model"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for tests, development, and short-lived workflows where
// durability is not required. Thread-safe; the same CAS discipline as the
// database stores applies, so engine behavior is identical across backends.
//
// Data is lost when the process terminates.
type MemStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]model.Checkpoint    // runID -> ordered by version
	cancels     map[string]bool                  // runID -> cancel requested
	approvals   map[string]model.ApprovalRequest // approvalID -> request
	order       []string                         // approval IDs in creation order
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string][]model.Checkpoint),
		cancels:     make(map[string]bool),
		approvals:   make(map[string]model.ApprovalRequest),
	}
}

// Save implements Store with an in-memory compare-and-swap on version.
func (m *MemStore) Save(_ context.Context, cp model.Checkpoint, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := m.checkpoints[cp.RunID]
	latest := 0
	if len(history) > 0 {
		latest = history[len(history)-1].Version
	}
	if latest != expectedVersion || cp.Version != expectedVersion+1 {
		return ErrVersionConflict
	}

	m.checkpoints[cp.RunID] = append(history, cp)
	return nil
}

// Load implements Store. The returned checkpoint's state is a deep copy;
// callers mutating it cannot corrupt stored history, matching the isolation
// the database stores get from JSON round-tripping.
func (m *MemStore) Load(_ context.Context, runID string) (model.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.checkpoints[runID]
	if len(history) == 0 {
		return model.Checkpoint{}, ErrNotFound
	}
	return cloneCheckpoint(history[len(history)-1])
}

// LoadVersion implements Store. State is deep-copied as in Load.
func (m *MemStore) LoadVersion(_ context.Context, runID string, version int) (model.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cp := range m.checkpoints[runID] {
		if cp.Version == version {
			return cloneCheckpoint(cp)
		}
	}
	return model.Checkpoint{}, ErrNotFound
}

func cloneCheckpoint(cp model.Checkpoint) (model.Checkpoint, error) {
	state, err := model.Clone(cp.State)
	if err != nil {
		return model.Checkpoint{}, err
	}
	cp.State = state
	return cp, nil
}

// ListRuns implements Store.
func (m *MemStore) ListRuns(_ context.Context, statuses ...model.Status) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[model.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	var runs []string
	for runID, history := range m.checkpoints {
		if len(history) == 0 {
			continue
		}
		if len(want) == 0 || want[history[len(history)-1].Status] {
			runs = append(runs, runID)
		}
	}
	sort.Strings(runs)
	return runs, nil
}

// RequestCancel implements Store.
func (m *MemStore) RequestCancel(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancels[runID] = true
	return nil
}

// CancelRequested implements Store.
func (m *MemStore) CancelRequested(_ context.Context, runID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancels[runID], nil
}

// CreateApproval implements Store.
func (m *MemStore) CreateApproval(_ context.Context, req model.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.approvals {
		if existing.RunID == req.RunID && existing.NodeID == req.NodeID &&
			existing.Decision == model.DecisionPending {
			return ErrApprovalOpen
		}
	}
	m.approvals[req.ID] = req
	m.order = append(m.order, req.ID)
	return nil
}

// GetApproval implements Store.
func (m *MemStore) GetApproval(_ context.Context, approvalID string) (model.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.approvals[approvalID]
	if !ok {
		return model.ApprovalRequest{}, ErrNotFound
	}
	return req, nil
}

// ResolveApproval implements Store. The pending check and the write happen
// under one lock, so exactly one resolver wins a race.
func (m *MemStore) ResolveApproval(_ context.Context, approvalID string, decision model.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.approvals[approvalID]
	if !ok {
		return ErrNotFound
	}
	if req.Decision != model.DecisionPending {
		return ErrApprovalResolved
	}
	req.Decision = decision
	m.approvals[approvalID] = req
	return nil
}

// ListApprovals implements Store.
func (m *MemStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]model.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ApprovalRequest
	for _, id := range m.order {
		req := m.approvals[id]
		if filter.RunID != "" && req.RunID != filter.RunID {
			continue
		}
		if filter.Decision != "" && req.Decision != filter.Decision {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

// ExpiredApprovals implements Store.
func (m *MemStore) ExpiredApprovals(_ context.Context, now time.Time) ([]model.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.ApprovalRequest
	for _, id := range m.order {
		req := m.approvals[id]
		if req.Expired(now) {
			out = append(out, req)
		}
	}
	return out, nil
}
