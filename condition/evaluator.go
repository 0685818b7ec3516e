// Package condition evaluates boolean CEL expressions against an action's
// output and run context, with compiled programs cached by normalized
// expression string. It backs both the soft-failure predicate the
// scheduler applies at run termination and the conditional component's
// activeOutputPorts selection.
package condition

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// DefaultSoftFailurePredicate flips a terminated run to failed when a
// completed action's output reports its own failure inside the output
// contract, e.g. {"success": false, "error": "..."}.
const DefaultSoftFailurePredicate = "has(output.success) && output.success == false"

// Evaluator compiles and caches CEL programs keyed by their normalized
// expression text.
type Evaluator struct {
	cache map[string]cel.Program
	mu    sync.RWMutex
}

// NewEvaluator creates an evaluator with an empty program cache.
func NewEvaluator() *Evaluator {
	return &Evaluator{cache: make(map[string]cel.Program)}
}

// Evaluate compiles (or reuses a cached compilation of) expr and runs it
// against output and ctx, requiring a boolean result.
func (e *Evaluator) Evaluate(expr string, output any, ctx map[string]any) (bool, error) {
	normalized := strings.ReplaceAll(expr, "$.", "output.")

	e.mu.RLock()
	prg, ok := e.cache[normalized]
	e.mu.RUnlock()

	if !ok {
		var err error
		prg, err = e.compile(normalized)
		if err != nil {
			return false, err
		}
		e.mu.Lock()
		e.cache[normalized] = prg
		e.mu.Unlock()
	}

	out, _, err := prg.Eval(map[string]any{
		"output": output,
		"ctx":    ctx,
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	result, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return boolean, got %T", out.Value())
	}
	return result, nil
}

func (e *Evaluator) compile(expr string) (cel.Program, error) {
	env, err := cel.NewEnv(
		cel.Variable("output", cel.DynType),
		cel.Variable("ctx", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compilation error: %w", issues.Err())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}
	return prg, nil
}

// CacheSize returns the number of distinct compiled expressions held.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}
