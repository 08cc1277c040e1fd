package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/veralt/nodeflow/pkg/schema"
)

// ExprEngine evaluates Expr programs for transform operations: array helpers
// (filter, map, count, any, all, sum), string helpers, nil coalescing (??) and
// optional chaining (?.). Node outputs appear as top-level variables, so
// "order.total * 1.2" reads straight out of the namespace.
// Thread-safe: compiled *vm.Program objects are cached and reused across goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// EvaluateNamespace runs text against the flattened variable namespace,
// rebuilt into its nested form so dotted paths read as member access.
func (e *ExprEngine) EvaluateNamespace(ctx context.Context, text string, vars map[string]any) (any, error) {
	return e.Evaluate(ctx, text, Namespace(vars))
}

// Evaluate compiles (or retrieves from cache) an Expr program and runs it with
// the data map as its environment. Programs are compiled once per text against
// an open environment, so the same cache entry serves every run regardless of
// which variables a given workflow happens to define.
func (e *ExprEngine) Evaluate(ctx context.Context, text string, data map[string]any) (any, error) {
	if text == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr expression")
	}

	prg, err := e.getOrCompile(text)
	if err != nil {
		return nil, err
	}

	env := data
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr evaluation failed for %q: %s", text, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": text})
	}

	return out, nil
}

func (e *ExprEngine) getOrCompile(text string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[text]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[text]; ok {
		return prg, nil
	}

	// The variables a workflow defines are only known at run time, so
	// compilation cannot pin an environment shape. Undefined references
	// evaluate to nil instead of failing the compile.
	prg, err := expr.Compile(text,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr compile error in %q: %s", text, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": text})
	}

	e.cache[text] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
