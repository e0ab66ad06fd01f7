package flow

import (
	"fmt"
	"time"

	"github.com/flowline-io/flowline/flow/model"
)

// NodeSpec describes one node in a workflow definition.
type NodeSpec struct {
	// ID is unique within the definition.
	ID string

	// Kind is one of the closed set {task, approvalGate, fanOut, join}.
	Kind NodeKind

	// Handler is the unit of work for task nodes. Nil for other kinds.
	Handler Handler

	// Retry overrides the default single-attempt policy for task nodes.
	Retry *RetryPolicy

	// Timeout bounds a single handler attempt. Zero uses the engine default.
	Timeout time.Duration

	// ApprovalTTL is how long an approval gate waits before the timeout
	// sweep resolves it as expired. Zero uses the engine default.
	ApprovalTTL time.Duration

	// Preview builds the descriptive payload attached to an
	// ApprovalRequest. Nil produces an empty preview.
	Preview func(state model.State) model.State

	// Branches lists branch entry node IDs for fanOut nodes, in declaration
	// order. Branch outputs are merged in this order at the join.
	Branches []string

	// Join names the paired join node for fanOut nodes.
	Join string
}

// EdgeSpec is a transition rule between two nodes.
//
// An edge is one of:
//   - unconditional: When == nil, Decision == ""
//   - conditional:   When != nil; evaluated in declaration order, first
//     match wins, no match fails the run
//   - decision:      Decision != ""; selected by the approval outcome on
//     edges leaving an approval gate
type EdgeSpec struct {
	From     string
	To       string
	When     Predicate
	Decision model.Decision
}

// Definition is an immutable workflow graph: nodes, ordered edges, and an
// entry node. Definitions are validated once at registration; runs always
// reference a definition that already passed validation.
type Definition struct {
	id    string
	nodes map[string]*NodeSpec
	edges []EdgeSpec
	entry string
}

// NewDefinition creates an empty definition with the given ID.
func NewDefinition(id string) *Definition {
	return &Definition{
		id:    id,
		nodes: make(map[string]*NodeSpec),
	}
}

// ID returns the definition identifier.
func (d *Definition) ID() string { return d.id }

// Entry returns the entry node ID.
func (d *Definition) Entry() string { return d.entry }

// Node returns the spec for a node ID, or nil.
func (d *Definition) Node(id string) *NodeSpec { return d.nodes[id] }

// AddNode registers a node. Node IDs must be unique; duplicates and empty
// IDs are rejected here so Validate can assume well-formed specs.
func (d *Definition) AddNode(spec NodeSpec) error {
	if spec.ID == "" {
		return &ValidationError{DefinitionID: d.id, Message: "node ID cannot be empty"}
	}
	if _, exists := d.nodes[spec.ID]; exists {
		return &ValidationError{DefinitionID: d.id, NodeID: spec.ID, Message: "duplicate node ID"}
	}
	switch spec.Kind {
	case KindTask, KindApproval, KindFanOut, KindJoin:
	default:
		return &ValidationError{DefinitionID: d.id, NodeID: spec.ID, Message: fmt.Sprintf("unknown node kind %q", spec.Kind)}
	}
	s := spec
	d.nodes[spec.ID] = &s
	return nil
}

// AddTask is shorthand for AddNode with KindTask.
func (d *Definition) AddTask(id string, handler Handler) error {
	return d.AddNode(NodeSpec{ID: id, Kind: KindTask, Handler: handler})
}

// StartAt sets the entry node. The node must already be registered.
func (d *Definition) StartAt(nodeID string) error {
	if _, exists := d.nodes[nodeID]; !exists {
		return &ValidationError{DefinitionID: d.id, NodeID: nodeID, Message: "start node does not exist"}
	}
	d.entry = nodeID
	return nil
}

// Connect creates an unconditional edge from one node to another.
func (d *Definition) Connect(from, to string) error {
	return d.addEdge(EdgeSpec{From: from, To: to})
}

// ConnectWhen creates a conditional edge guarded by a predicate. Conditional
// edges from the same node are evaluated in declaration order; the first
// match wins.
func (d *Definition) ConnectWhen(from, to string, when Predicate) error {
	return d.addEdge(EdgeSpec{From: from, To: to, When: when})
}

// ConnectDecision creates a decision edge leaving an approval gate, selected
// when the gate resolves with the given decision.
func (d *Definition) ConnectDecision(from string, decision model.Decision, to string) error {
	if !decision.Valid() {
		return &ValidationError{DefinitionID: d.id, NodeID: from, Message: fmt.Sprintf("invalid decision %q on edge", decision)}
	}
	return d.addEdge(EdgeSpec{From: from, To: to, Decision: decision})
}

func (d *Definition) addEdge(e EdgeSpec) error {
	if e.From == "" || e.To == "" {
		return &ValidationError{DefinitionID: d.id, Message: "edge endpoints cannot be empty"}
	}
	d.edges = append(d.edges, e)
	return nil
}

// Validate checks the structural integrity of the definition:
//
//   - the entry node exists
//   - every edge endpoint exists
//   - every node is reachable from the entry
//   - a node whose outgoing edges are all conditional carries a trailing
//     unconditional edge (a reachable dead end is a definition error, not a
//     silent drop at run time)
//   - every approval gate has approved and rejected decision edges
//     (an expired edge is optional and falls back to rejected)
//   - every fanOut names at least one existing branch entry and an existing
//     join node of kind join; each join is paired with exactly one fanOut
//   - task nodes carry a handler; retry policies are well-formed
func (d *Definition) Validate() error {
	if d.entry == "" {
		return &ValidationError{DefinitionID: d.id, Message: "entry node not set"}
	}
	if _, ok := d.nodes[d.entry]; !ok {
		return &ValidationError{DefinitionID: d.id, NodeID: d.entry, Message: "entry node does not exist"}
	}

	for _, e := range d.edges {
		if _, ok := d.nodes[e.From]; !ok {
			return &ValidationError{DefinitionID: d.id, NodeID: e.From, Message: "edge source does not exist"}
		}
		if _, ok := d.nodes[e.To]; !ok {
			return &ValidationError{DefinitionID: d.id, NodeID: e.To, Message: "edge target does not exist"}
		}
	}

	joinOwners := make(map[string]string) // join node ID -> fanOut node ID

	for id, spec := range d.nodes {
		switch spec.Kind {
		case KindTask:
			if spec.Handler == nil {
				return &ValidationError{DefinitionID: d.id, NodeID: id, Message: "task node has no handler"}
			}
			if spec.Retry != nil {
				if err := spec.Retry.Validate(); err != nil {
					return &ValidationError{DefinitionID: d.id, NodeID: id, Message: err.Error()}
				}
			}
		case KindApproval:
			var approved, rejected bool
			for _, e := range d.edges {
				if e.From != id {
					continue
				}
				switch e.Decision {
				case model.DecisionApproved:
					approved = true
				case model.DecisionRejected:
					rejected = true
				case model.DecisionExpired:
				default:
					return &ValidationError{DefinitionID: d.id, NodeID: id, Message: "approval gate edges must carry a decision"}
				}
			}
			if !approved || !rejected {
				return &ValidationError{DefinitionID: d.id, NodeID: id, Message: "approval gate needs approved and rejected edges"}
			}
		case KindFanOut:
			if len(spec.Branches) == 0 {
				return &ValidationError{DefinitionID: d.id, NodeID: id, Message: "fanOut has no branches"}
			}
			for _, b := range spec.Branches {
				if _, ok := d.nodes[b]; !ok {
					return &ValidationError{DefinitionID: d.id, NodeID: id, Message: fmt.Sprintf("branch entry %q does not exist", b)}
				}
			}
			join, ok := d.nodes[spec.Join]
			if !ok {
				return &ValidationError{DefinitionID: d.id, NodeID: id, Message: fmt.Sprintf("join node %q does not exist", spec.Join)}
			}
			if join.Kind != KindJoin {
				return &ValidationError{DefinitionID: d.id, NodeID: id, Message: fmt.Sprintf("node %q paired as join is kind %q", spec.Join, join.Kind)}
			}
			if owner, dup := joinOwners[spec.Join]; dup {
				return &ValidationError{DefinitionID: d.id, NodeID: spec.Join, Message: fmt.Sprintf("join shared by fanOut nodes %q and %q", owner, id)}
			}
			joinOwners[spec.Join] = id
		}
	}

	for id, spec := range d.nodes {
		if spec.Kind == KindJoin {
			if _, ok := joinOwners[id]; !ok {
				return &ValidationError{DefinitionID: d.id, NodeID: id, Message: "join is not paired with any fanOut"}
			}
		}
	}

	// Dead-end check: outgoing conditional edges need an unconditional
	// fallback, otherwise a non-matching state strands the run.
	for id, spec := range d.nodes {
		if spec.Kind == KindApproval {
			continue // decision edges are selected by outcome, not predicates
		}
		var conditional, unconditional int
		for _, e := range d.edges {
			if e.From != id {
				continue
			}
			if e.When != nil {
				conditional++
			} else {
				unconditional++
			}
		}
		if conditional > 0 && unconditional == 0 {
			return &ValidationError{DefinitionID: d.id, NodeID: id, Message: "conditional edges have no unconditional fallback"}
		}
	}

	return d.checkReachability()
}

// checkReachability walks the graph from the entry following edges, fanOut
// branches, and fanOut→join pairings, and rejects unreachable nodes.
func (d *Definition) checkReachability() error {
	seen := make(map[string]bool, len(d.nodes))
	frontier := []string{d.entry}
	for len(frontier) > 0 {
		id := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if seen[id] {
			continue
		}
		seen[id] = true

		for _, e := range d.edges {
			if e.From == id && !seen[e.To] {
				frontier = append(frontier, e.To)
			}
		}
		if spec := d.nodes[id]; spec.Kind == KindFanOut {
			frontier = append(frontier, spec.Branches...)
			if !seen[spec.Join] {
				frontier = append(frontier, spec.Join)
			}
		}
	}
	for id := range d.nodes {
		if !seen[id] {
			return &ValidationError{DefinitionID: d.id, NodeID: id, Message: "node is unreachable from entry"}
		}
	}
	return nil
}

// edgesFrom returns the outgoing edges of a node in declaration order.
func (d *Definition) edgesFrom(nodeID string) []EdgeSpec {
	var out []EdgeSpec
	for _, e := range d.edges {
		if e.From == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// nextNode evaluates the outgoing edges of nodeID against a state snapshot:
// unconditional edges always match, conditional edges match when their
// predicate returns true, first match in declaration order wins.
//
// Returns ("", nil) when the node has no outgoing edges (terminal), and an
// error when edges exist but none match or a predicate fails.
func (d *Definition) nextNode(nodeID string, state model.State) (string, error) {
	edges := d.edgesFrom(nodeID)
	if len(edges) == 0 {
		return "", nil
	}
	for _, e := range edges {
		if e.Decision != "" {
			continue
		}
		if e.When == nil {
			return e.To, nil
		}
		ok, err := e.When(state)
		if err != nil {
			return "", fmt.Errorf("edge %s->%s: %w", e.From, e.To, err)
		}
		if ok {
			return e.To, nil
		}
	}
	return "", fmt.Errorf("no edge from node %s matched the current state", nodeID)
}

// decisionTarget returns the edge target for an approval outcome. Expired
// outcomes without a dedicated edge fall back to the rejected edge.
func (d *Definition) decisionTarget(nodeID string, decision model.Decision) (string, error) {
	var rejected string
	for _, e := range d.edgesFrom(nodeID) {
		if e.Decision == decision {
			return e.To, nil
		}
		if e.Decision == model.DecisionRejected {
			rejected = e.To
		}
	}
	if decision == model.DecisionExpired && rejected != "" {
		return rejected, nil
	}
	return "", fmt.Errorf("no edge from gate %s for decision %q", nodeID, decision)
}
