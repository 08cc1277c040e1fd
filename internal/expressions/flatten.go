package expressions

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// FlattenJSON walks a JSON-like output tree and emits one entry per leaf,
// keyed by the dotted path from prefix to the leaf. Array elements are indexed
// numerically ("prefix.items.0"). The result is deterministic for a given tree.
//
// A nil tree, empty map, or empty slice produces no entries. Values that are
// not maps or slices (including json.RawMessage already decoded upstream) are
// leaves and stored as-is.
func FlattenJSON(prefix string, tree any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, prefix, tree)
	return out
}

func flattenInto(out map[string]any, path string, v any) {
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			flattenInto(out, joinPath(path, k), child)
		}
	case []any:
		for i, child := range val {
			flattenInto(out, joinPath(path, strconv.Itoa(i)), child)
		}
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(val, &decoded); err != nil {
			out[path] = string(val)
			return
		}
		flattenInto(out, path, decoded)
	default:
		if path == "" {
			return
		}
		out[path] = v
	}
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return fmt.Sprintf("%s.%s", prefix, segment)
}
