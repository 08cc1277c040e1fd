package expressions

import "context"

// Engine evaluates expressions over a node's variable namespace.
// Three implementations: CEL (edge guards), Expr (data logic), GoJQ (JSON
// transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
