package nodes

import (
	"context"
	"encoding/json"

	"github.com/veralt/nodeflow/internal/sandbox"
	"github.com/veralt/nodeflow/pkg/schema"
)

// JavaScriptRuntime runs user script source inside the sandbox. The script
// sees a read-only snapshot of the run: input (startup parameters), sys
// (system variables with the prefix stripped), nodes (per-node flattened
// outputs), and variables (the full flattened namespace). The declared
// timeout input is advisory only; the enforced limits come from the sandbox
// configuration.
type JavaScriptRuntime struct {
	engine sandbox.Engine
}

// NewJavaScriptRuntime creates the runtime around a sandbox engine.
func NewJavaScriptRuntime(engine sandbox.Engine) *JavaScriptRuntime {
	return &JavaScriptRuntime{engine: engine}
}

func (r *JavaScriptRuntime) Type() schema.NodeType { return schema.NodeTypeJavaScript }

func (r *JavaScriptRuntime) Execute(ctx context.Context, req Request) *schema.NodeExecutionResult {
	code, fail := requireString(req.Inputs, "code")
	if fail != nil {
		return fail
	}

	value, err := r.engine.Run(ctx, code, r.bindings(req))
	if err != nil {
		return schema.FailErr(err)
	}

	switch v := value.(type) {
	case nil:
		return schema.Succeed(map[string]any{"result": ""})
	case map[string]any:
		return schema.Succeed(v)
	default:
		return schema.Succeed(map[string]any{"result": v})
	}
}

// bindings builds the script's global snapshot. Everything passes through a
// JSON round trip so the script can never reach the live context maps.
func (r *JavaScriptRuntime) bindings(req Request) map[string]any {
	input := map[string]any{}
	sys := map[string]any{}
	nodeOutputs := map[string]any{}
	variables := map[string]any{}

	if wc := req.Context; wc != nil {
		input = snapshot(wc.RuntimeParameters)
		sys = snapshot(wc.SystemVariables())
		variables = snapshot(wc.FlattenedVariables)

		for key, p := range wc.NodePipelines {
			if p.State == schema.NodeStateCompleted {
				nodeOutputs[key] = snapshot(p.FlattenedOutputs)
			}
		}
	}

	return map[string]any{
		"input":     input,
		"sys":       sys,
		"nodes":     nodeOutputs,
		"variables": variables,
	}
}

func snapshot(m map[string]any) map[string]any {
	if len(m) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
