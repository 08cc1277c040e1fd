package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/veralt/nodeflow/pkg/schema"
)

// GoJQEngine evaluates jq programs for reshape operations over node outputs:
// filtering, projection, aggregation. The namespace is the program's input
// value, so ".order.items[].sku" walks a node's recorded pipeline the same way
// jq walks any JSON document.
// Thread-safe: compiled *Code objects are cached and reused across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return "jq"
}

// EvaluateNamespace runs the program against the flattened variable namespace,
// rebuilt into its nested form so node keys become top-level object fields.
func (e *GoJQEngine) EvaluateNamespace(ctx context.Context, program string, vars map[string]any) (any, error) {
	return e.Evaluate(ctx, program, Namespace(vars))
}

// Evaluate compiles (or retrieves from cache) a jq program and runs it with
// data as the input value. jq programs may emit any number of values: a single
// emission is returned bare, several are collected into a []any, none yields
// nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, program string, data map[string]any) (any, error) {
	if program == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.getOrCompile(program)
	if err != nil {
		return nil, err
	}

	results, err := e.collect(ctx, code, program, data)
	if err != nil {
		return nil, err
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// collect drains the jq iterator, stopping at the first emitted error.
func (e *GoJQEngine) collect(ctx context.Context, code *gojq.Code, program string, data map[string]any) ([]any, error) {
	iter := code.RunWithContext(ctx, data)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"jq evaluation failed for %q: %s", program, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": program})
		}
		results = append(results, val)
	}
}

func (e *GoJQEngine) getOrCompile(program string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[program]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[program]; ok {
		return code, nil
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq parse error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": program})
	}

	code, err := gojq.Compile(query,
		// Workflow programs never see the host environment.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"jq compile error in %q: %s", program, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": program})
	}

	e.cache[program] = code
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)
