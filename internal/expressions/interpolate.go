package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veralt/nodeflow/pkg/schema"
)

// ResolveRefs resolves ${{dotted.path}} references inside a node's input
// mapping against the flattened variable namespace. A string value that is a
// single reference is replaced by the raw resolved value (type preserved); a
// string with embedded references gets each token stringified in place.
// Nested maps and slices are resolved recursively. The input mapping is not
// mutated; a resolved copy is returned.
func ResolveRefs(inputs map[string]any, vars map[string]any) (map[string]any, error) {
	if len(inputs) == 0 {
		return inputs, nil
	}
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		resolved, err := resolveValue(v, vars)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

// HasRefs reports whether the value tree contains any ${{...}} reference.
func HasRefs(inputs map[string]any) bool {
	raw, err := json.Marshal(inputs)
	if err != nil {
		return false
	}
	return strings.Contains(string(raw), "${{")
}

func resolveValue(v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, vars)
	case map[string]any:
		return ResolveRefs(val, vars)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveValue(item, vars)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func resolveString(s string, vars map[string]any) (any, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}

	// Whole-string reference: replace with the raw value, preserving its type.
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") {
		inner := strings.TrimSpace(trimmed[3 : len(trimmed)-2])
		if inner != "" && !strings.Contains(inner, "${{") && !strings.Contains(inner, "}}") {
			return LookupVariable(inner, vars)
		}
	}

	// Embedded references: stringify each resolved token in place.
	var result strings.Builder
	result.Grow(len(s))
	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], "${{")
		if idx == -1 {
			result.WriteString(s[i:])
			break
		}
		result.WriteString(s[i : i+idx])
		start := i + idx + 3
		end := strings.Index(s[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeExpression, "unclosed ${{ reference")
		}
		end += start

		path := strings.TrimSpace(s[start:end])
		if path == "" {
			return nil, schema.NewError(schema.ErrCodeExpression, "empty variable reference: ${{  }}")
		}
		if strings.Contains(path, "${{") {
			return nil, schema.NewError(schema.ErrCodeExpression, "nested ${{ references are not allowed")
		}

		val, err := LookupVariable(path, vars)
		if err != nil {
			return nil, err
		}
		result.WriteString(stringify(val))
		i = end + 2
	}
	return result.String(), nil
}

// stringify renders a resolved value for embedding inside a string.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return ""
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int, int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
