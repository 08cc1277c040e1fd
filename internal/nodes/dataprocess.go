package nodes

import (
	"context"

	"github.com/veralt/nodeflow/internal/expressions"
	"github.com/veralt/nodeflow/pkg/schema"
)

// DataProcessRuntime evaluates an expr or jq program (or a plain variable
// path) against the flattened namespace and exposes the value as the node's
// result.
type DataProcessRuntime struct {
	resolver *expressions.Resolver
}

// NewDataProcessRuntime creates the runtime around a resolver.
func NewDataProcessRuntime(resolver *expressions.Resolver) *DataProcessRuntime {
	return &DataProcessRuntime{resolver: resolver}
}

func (r *DataProcessRuntime) Type() schema.NodeType { return schema.NodeTypeDataProcess }

func (r *DataProcessRuntime) Execute(ctx context.Context, req Request) *schema.NodeExecutionResult {
	text, fail := requireString(req.Inputs, "expression")
	if fail != nil {
		return fail
	}

	kind := expressions.KindExpression
	if k, ok := req.Inputs["kind"].(string); ok && k != "" {
		kind = expressions.Kind(k)
	}

	var vars map[string]any
	if req.Context != nil {
		vars = req.Context.FlattenedVariables
	}

	value, err := r.resolver.Evaluate(ctx, text, kind, vars)
	if err != nil {
		return schema.FailErr(err)
	}
	return schema.Succeed(map[string]any{"result": value})
}
