package flow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flowline-io/flowline/flow/model"
)

// yamlDefinition is the on-disk shape of a workflow definition.
type yamlDefinition struct {
	ID    string     `yaml:"id"`
	Start string     `yaml:"start"`
	Nodes []yamlNode `yaml:"nodes"`
	Edges []yamlEdge `yaml:"edges"`
}

type yamlNode struct {
	ID          string     `yaml:"id"`
	Kind        string     `yaml:"kind"`
	Handler     string     `yaml:"handler"`
	Timeout     string     `yaml:"timeout"`
	ApprovalTTL string     `yaml:"approval_ttl"`
	Branches    []string   `yaml:"branches"`
	Join        string     `yaml:"join"`
	Retry       *yamlRetry `yaml:"retry"`
}

type yamlRetry struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelay   string `yaml:"base_delay"`
	MaxDelay    string `yaml:"max_delay"`
}

type yamlEdge struct {
	From     string `yaml:"from"`
	To       string `yaml:"to"`
	When     string `yaml:"when"`
	Decision string `yaml:"decision"`
}

// LoadDefinition parses a YAML workflow definition and binds its task nodes
// to handlers by name. Conditional edges carry expr predicates evaluated
// against the run state. The returned definition has already passed
// Validate.
//
// Example:
//
//	id: order-approval
//	start: validate
//	nodes:
//	  - id: validate
//	    kind: task
//	    handler: validateOrder
//	    retry: {max_attempts: 3, base_delay: 200ms, max_delay: 5s}
//	  - id: gate
//	    kind: approvalGate
//	    approval_ttl: 48h
//	  - id: fulfill
//	    kind: task
//	    handler: fulfillOrder
//	  - id: notifyRejection
//	    kind: task
//	    handler: notifyRejection
//	edges:
//	  - {from: validate, to: gate}
//	  - {from: gate, to: fulfill, decision: approved}
//	  - {from: gate, to: notifyRejection, decision: rejected}
func LoadDefinition(data []byte, handlers map[string]Handler) (*Definition, error) {
	var raw yamlDefinition
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse definition YAML: %w", err)
	}
	if raw.ID == "" {
		return nil, &ValidationError{Message: "definition id is required"}
	}

	def := NewDefinition(raw.ID)
	for _, n := range raw.Nodes {
		spec, err := buildNodeSpec(raw.ID, n, handlers)
		if err != nil {
			return nil, err
		}
		if err := def.AddNode(spec); err != nil {
			return nil, err
		}
	}

	if err := def.StartAt(raw.Start); err != nil {
		return nil, err
	}

	for _, edge := range raw.Edges {
		switch {
		case edge.Decision != "":
			if err := def.ConnectDecision(edge.From, model.Decision(edge.Decision), edge.To); err != nil {
				return nil, err
			}
		case edge.When != "":
			if err := def.ConnectWhen(edge.From, edge.To, Expr(edge.When)); err != nil {
				return nil, err
			}
		default:
			if err := def.Connect(edge.From, edge.To); err != nil {
				return nil, err
			}
		}
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

func buildNodeSpec(defID string, n yamlNode, handlers map[string]Handler) (NodeSpec, error) {
	spec := NodeSpec{
		ID:       n.ID,
		Kind:     NodeKind(n.Kind),
		Branches: n.Branches,
		Join:     n.Join,
	}

	if n.Handler != "" {
		h, ok := handlers[n.Handler]
		if !ok {
			return NodeSpec{}, &ValidationError{DefinitionID: defID, NodeID: n.ID,
				Message: fmt.Sprintf("handler %q is not registered", n.Handler)}
		}
		spec.Handler = h
	}

	var err error
	if spec.Timeout, err = parseOptionalDuration(n.Timeout); err != nil {
		return NodeSpec{}, &ValidationError{DefinitionID: defID, NodeID: n.ID,
			Message: fmt.Sprintf("invalid timeout: %v", err)}
	}
	if spec.ApprovalTTL, err = parseOptionalDuration(n.ApprovalTTL); err != nil {
		return NodeSpec{}, &ValidationError{DefinitionID: defID, NodeID: n.ID,
			Message: fmt.Sprintf("invalid approval_ttl: %v", err)}
	}

	if n.Retry != nil {
		policy := RetryPolicy{MaxAttempts: n.Retry.MaxAttempts}
		if policy.BaseDelay, err = parseOptionalDuration(n.Retry.BaseDelay); err != nil {
			return NodeSpec{}, &ValidationError{DefinitionID: defID, NodeID: n.ID,
				Message: fmt.Sprintf("invalid retry base_delay: %v", err)}
		}
		if policy.MaxDelay, err = parseOptionalDuration(n.Retry.MaxDelay); err != nil {
			return NodeSpec{}, &ValidationError{DefinitionID: defID, NodeID: n.ID,
				Message: fmt.Sprintf("invalid retry max_delay: %v", err)}
		}
		spec.Retry = &policy
	}

	return spec, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
