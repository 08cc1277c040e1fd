package nodes

import (
	"context"
	"reflect"
	"sort"

	"github.com/veralt/nodeflow/pkg/schema"
)

// ForEachRuntime materializes a collection into per-item iteration contexts.
// The loop body itself is expanded by the dispatcher; this runtime only
// prepares the ordered {item, index} list.
type ForEachRuntime struct{}

// NewForEachRuntime creates the runtime.
func NewForEachRuntime() *ForEachRuntime {
	return &ForEachRuntime{}
}

func (r *ForEachRuntime) Type() schema.NodeType { return schema.NodeTypeForEach }

func (r *ForEachRuntime) Execute(ctx context.Context, req Request) *schema.NodeExecutionResult {
	raw, ok := req.Inputs["collection"]
	if !ok {
		return schema.Fail(`missing required input "collection"`)
	}

	items := materialize(raw)

	results := make([]any, 0, len(items))
	for i, item := range items {
		if ctx.Err() != nil {
			return schema.Fail("cancelled")
		}
		results = append(results, map[string]any{
			"item":  item,
			"index": i,
		})
	}

	return schema.Succeed(map[string]any{
		"results":    results,
		"count":      len(results),
		"collection": raw,
	})
}

// materialize converts the collection input into an ordered item list. A
// string is one atomic item, never exploded into characters. Maps iterate in
// sorted-key order so the result is deterministic. A scalar becomes a
// single-element list.
func materialize(raw any) []any {
	switch v := raw.(type) {
	case string:
		return []any{v}
	case []any:
		return v
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items := make([]any, 0, len(keys))
		for _, k := range keys {
			items = append(items, map[string]any{"key": k, "value": v[k]})
		}
		return items
	case nil:
		return nil
	}

	rv := reflect.ValueOf(raw)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		items := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			items[i] = rv.Index(i).Interface()
		}
		return items
	}
	return []any{raw}
}
