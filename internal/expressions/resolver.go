package expressions

import (
	"context"
	"strconv"
	"strings"

	"github.com/veralt/nodeflow/pkg/schema"
)

// Kind selects how an expression text is interpreted by the Resolver.
type Kind string

const (
	// KindVariable treats the text as a dotted path into the flattened
	// variable namespace ("nodeKey.field", "input.x", "sys.y").
	KindVariable Kind = "variable"
	// KindExpression evaluates the text with the Expr engine against the
	// structured namespace (input, sys, node outputs as top-level maps).
	KindExpression Kind = "expression"
	// KindJQ evaluates the text as a jq program against the structured namespace.
	KindJQ Kind = "jq"
)

// Resolver resolves expression texts against a workflow's flattened variable
// namespace. It is a pure evaluator: no call mutates the namespace.
type Resolver struct {
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewResolver creates a Resolver with fresh engine caches.
func NewResolver() *Resolver {
	return &Resolver{
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}
}

// Evaluate resolves text according to kind against the flattened variables.
// KindVariable performs a direct lookup and fails with NOT_FOUND when the path
// is absent. KindExpression and KindJQ evaluate against the nested form of the
// namespace (see Namespace).
func (r *Resolver) Evaluate(ctx context.Context, text string, kind Kind, vars map[string]any) (any, error) {
	switch kind {
	case KindVariable:
		return LookupVariable(text, vars)
	case KindExpression:
		return r.expr.EvaluateNamespace(ctx, text, vars)
	case KindJQ:
		return r.jq.EvaluateNamespace(ctx, text, vars)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression kind %q", string(kind))
	}
}

// LookupVariable resolves a dotted path in the flattened namespace.
func LookupVariable(path string, vars map[string]any) (any, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty variable path")
	}
	if vars != nil {
		if v, ok := vars[path]; ok {
			return v, nil
		}
		if sub, ok := subtree(path, vars); ok {
			return sub, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "variable %q not found", path)
}

// subtree rebuilds the nested value rooted at a non-leaf path. Flattening
// only stores leaves, so a reference to an object or array path is answered
// by collecting every key under the prefix and nesting it back; runs of
// dense numeric segments become slices again.
func subtree(path string, vars map[string]any) (any, bool) {
	prefix := path + "."
	collected := make(map[string]any)
	for k, v := range vars {
		if strings.HasPrefix(k, prefix) {
			collected[k[len(prefix):]] = v
		}
	}
	if len(collected) == 0 {
		return nil, false
	}
	return restoreSlices(Namespace(collected)), true
}

// restoreSlices converts maps whose keys form a dense 0..n-1 run back into
// slices, depth-first.
func restoreSlices(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for k, child := range m {
		m[k] = restoreSlices(child)
	}
	arr := make([]any, len(m))
	for k, child := range m {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 || i >= len(arr) {
			return m
		}
		arr[i] = child
	}
	return arr
}

// HasVariable reports whether the dotted path is present in the namespace.
func HasVariable(path string, vars map[string]any) bool {
	_, ok := vars[strings.TrimSpace(path)]
	return ok
}

// Namespace rebuilds the nested form of a flattened namespace: each dotted key
// becomes a path of nested maps, so "n1.user.name" is reachable as
// n1.user.name in Expr and .n1.user.name in jq. Keys never collide with their
// own prefixes because flattening only emits leaves.
func Namespace(vars map[string]any) map[string]any {
	root := make(map[string]any, len(vars))
	for key, val := range vars {
		segments := strings.Split(key, ".")
		cursor := root
		for i, seg := range segments {
			if i == len(segments)-1 {
				cursor[seg] = val
				break
			}
			next, ok := cursor[seg].(map[string]any)
			if !ok {
				next = make(map[string]any)
				cursor[seg] = next
			}
			cursor = next
		}
	}
	return root
}
