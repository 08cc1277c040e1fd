package nodes

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/veralt/nodeflow/internal/expressions"
	"github.com/veralt/nodeflow/internal/runctx"
	"github.com/veralt/nodeflow/pkg/schema"
)

// floatEpsilon is the nonzero threshold for floating-point coercion.
const floatEpsilon = 1e-9

// ConditionRuntime evaluates a condition input into a boolean decision.
// Resolution order for string conditions: strict "true"/"false" literal,
// then a variable-path lookup, then the literal vocabulary. Unrecognized
// text is a Failure, never a crash.
type ConditionRuntime struct{}

// NewConditionRuntime creates the runtime.
func NewConditionRuntime() *ConditionRuntime {
	return &ConditionRuntime{}
}

func (r *ConditionRuntime) Type() schema.NodeType { return schema.NodeTypeCondition }

func (r *ConditionRuntime) Execute(_ context.Context, req Request) *schema.NodeExecutionResult {
	raw, ok := req.Inputs["condition"]
	if !ok {
		return schema.Fail(`missing required input "condition"`)
	}

	var result bool
	switch v := raw.(type) {
	case bool:
		result = v
	case string:
		parsed, err := r.evaluateText(v, req.Context)
		if err != nil {
			return schema.FailErr(err)
		}
		result = parsed
	default:
		result = CoerceBool(raw)
	}

	return schema.Succeed(map[string]any{
		"result":    result,
		"condition": fmt.Sprintf("%v", raw),
	})
}

// evaluateText resolves a string condition: strict boolean literal first,
// then a variable lookup against the flattened namespace, then the literal
// vocabulary. An unresolvable variable path falls through to the vocabulary
// rather than failing, so plain words keep working as literals.
func (r *ConditionRuntime) evaluateText(text string, wc *runctx.WorkflowContext) (bool, error) {
	s := strings.TrimSpace(text)

	switch s {
	case "true":
		return true, nil
	case "false":
		return false, nil
	}

	if wc != nil {
		if resolved, err := expressions.LookupVariable(s, wc.FlattenedVariables); err == nil {
			return CoerceBool(resolved), nil
		}
	}

	if b, ok := vocabulary(s); ok {
		return b, nil
	}
	return false, schema.NewErrorf(schema.ErrCodeExpression,
		"cannot interpret condition %q as boolean", text)
}

// vocabulary maps the small literal vocabulary to booleans. Matching is
// case-insensitive; the empty string is false.
func vocabulary(s string) (value, known bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off", "":
		return false, true
	}
	return false, false
}

// CoerceBool applies the boolean coercion rules to an arbitrary value:
// nil is false; numbers are nonzero-tested (floats with an epsilon);
// strings go through the vocabulary with any other non-empty string true;
// collections are nonempty-tested; any other non-nil value is true.
func CoerceBool(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		if b, ok := vocabulary(val); ok {
			return b
		}
		return true
	case float64:
		return math.Abs(val) > floatEpsilon
	case float32:
		return math.Abs(float64(val)) > floatEpsilon
	case int:
		return val != 0
	case int32:
		return val != 0
	case int64:
		return val != 0
	case uint:
		return val != 0
	case uint64:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	case reflect.Ptr, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}
