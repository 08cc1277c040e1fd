package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRefs_WholeStringPreservesType(t *testing.T) {
	vars := map[string]any{
		"n1.count": float64(5),
		"n1.tags":  []any{"a", "b"},
	}

	out, err := ResolveRefs(map[string]any{
		"count": "${{n1.count}}",
		"tags":  "${{ n1.tags }}",
	}, vars)
	require.NoError(t, err)

	assert.Equal(t, float64(5), out["count"])
	assert.Equal(t, []any{"a", "b"}, out["tags"])
}

func TestResolveRefs_EmbeddedStringifies(t *testing.T) {
	vars := map[string]any{"input.name": "alice", "n1.score": float64(91)}

	out, err := ResolveRefs(map[string]any{
		"greeting": "hello ${{input.name}}, score=${{n1.score}}",
	}, vars)
	require.NoError(t, err)

	assert.Equal(t, "hello alice, score=91", out["greeting"])
}

func TestResolveRefs_NestedStructures(t *testing.T) {
	vars := map[string]any{"input.url": "https://example.com"}

	out, err := ResolveRefs(map[string]any{
		"request": map[string]any{
			"targets": []any{"${{input.url}}", "static"},
		},
	}, vars)
	require.NoError(t, err)

	request := out["request"].(map[string]any)
	targets := request["targets"].([]any)
	assert.Equal(t, "https://example.com", targets[0])
	assert.Equal(t, "static", targets[1])
}

func TestResolveRefs_MissingVariable(t *testing.T) {
	_, err := ResolveRefs(map[string]any{"v": "${{n1.missing}}"}, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestResolveRefs_Malformed(t *testing.T) {
	vars := map[string]any{"input.x": 1}

	_, err := ResolveRefs(map[string]any{"v": "broken ${{input.x"}, vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed")

	_, err = ResolveRefs(map[string]any{"v": "x ${{  }} y"}, vars)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty variable reference")
}

func TestResolveRefs_NoRefsPassthrough(t *testing.T) {
	in := map[string]any{"a": "plain", "b": float64(2)}
	out, err := ResolveRefs(in, nil)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, HasRefs(in))
	assert.True(t, HasRefs(map[string]any{"a": "${{x}}"}))
}
