package model

import (
	"encoding/json"
	"fmt"
)

// State is the opaque payload owned by node handlers. The engine never
// inspects it beyond merging deltas and handing snapshots to predicates.
//
// State must be JSON-serializable: it is persisted as a JSON document in
// every checkpoint and deep-copied via a JSON round trip.
type State map[string]any

// Merge returns a new State with delta's keys laid over s. Neither input is
// mutated. A nil delta returns a copy of s.
//
// Merging is shallow by key: handlers own the payload and are expected to
// return whole values for the keys they change.
func Merge(s, delta State) State {
	out := make(State, len(s)+len(delta))
	for k, v := range s {
		out[k] = v
	}
	for k, v := range delta {
		out[k] = v
	}
	return out
}

// Clone deep-copies a State using JSON round-trip serialization.
//
// Handlers receive clones so that a retried attempt, or a concurrent fan-out
// branch, can never observe another attempt's in-flight mutations.
func Clone(s State) (State, error) {
	if s == nil {
		return State{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	var out State
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if out == nil {
		out = State{}
	}
	return out, nil
}
