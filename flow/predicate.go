package flow

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowline-io/flowline/flow/model"
)

// Predicate evaluates a state snapshot to decide whether a conditional edge
// should be traversed.
//
// Predicates must be pure functions of the snapshot: no ambient state, no
// side effects. This keeps edge evaluation deterministic and lets a resumed
// run replay to the same route as an uninterrupted one.
type Predicate func(state model.State) (bool, error)

// Expr compiles an expr-lang expression into a Predicate. The expression is
// evaluated with the run's state payload as `state` and must yield a
// boolean.
//
// Example:
//
//	d.ConnectWhen("score", "publish", flow.Expr(`state.score > 0.8`))
//
// Compilation is lazy and cached; a broken expression surfaces as an edge
// evaluation error, which fails the run rather than silently dropping it.
func Expr(code string) Predicate {
	var (
		once    sync.Once
		program *vm.Program
		compErr error
	)
	return func(state model.State) (bool, error) {
		once.Do(func() {
			program, compErr = expr.Compile(code, expr.AllowUndefinedVariables())
		})
		if compErr != nil {
			return false, fmt.Errorf("compile predicate %q: %w", code, compErr)
		}
		env := map[string]any{"state": map[string]any(state)}
		out, err := expr.Run(program, env)
		if err != nil {
			return false, fmt.Errorf("evaluate predicate %q: %w", code, err)
		}
		b, ok := out.(bool)
		if !ok {
			return false, fmt.Errorf("predicate %q did not evaluate to a boolean, got %T", code, out)
		}
		return b, nil
	}
}

// When adapts a plain boolean function to a Predicate, for callers that
// prefer Go closures over expressions.
func When(fn func(state model.State) bool) Predicate {
	return func(state model.State) (bool, error) {
		return fn(state), nil
	}
}
