package runctx

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veralt/nodeflow/internal/expressions"
	"github.com/veralt/nodeflow/pkg/schema"
)

func TestInitializeContext_SeedsNamespace(t *testing.T) {
	m := NewManager(nil)

	wc := m.InitializeContext("run-1", "def-1",
		map[string]any{"x": float64(1), "user": map[string]any{"name": "alice"}},
		map[string]any{"tenant": "t-9"})

	assert.Equal(t, "run-1", wc.InstanceID)
	assert.Equal(t, "def-1", wc.DefinitionID)

	// input.x resolves before any node executes.
	assert.Equal(t, float64(1), wc.FlattenedVariables["input.x"])
	assert.Equal(t, "alice", wc.FlattenedVariables["input.user.name"])
	assert.Equal(t, "t-9", wc.FlattenedVariables["sys.tenant"])

	assert.Empty(t, wc.ExecutedNodeKeys)
	assert.Empty(t, wc.NodePipelines)
}

func TestInitializeContext_GeneratedInstanceID(t *testing.T) {
	m := NewManager(nil)
	wc := m.InitializeContext("", "def-1", nil, nil)
	assert.NotEmpty(t, wc.InstanceID)
}

func TestInitializeContext_CopiesParameters(t *testing.T) {
	m := NewManager(nil)
	params := map[string]any{"x": float64(1)}

	wc := m.InitializeContext("run-1", "def-1", params, nil)
	params["x"] = float64(99)

	assert.Equal(t, float64(1), wc.FlattenedVariables["input.x"])
}

func TestUpdateContext_CompletedFlattensOutputs(t *testing.T) {
	m := NewManager(nil)
	wc := m.InitializeContext("run-1", "def-1", nil, nil)

	outputs := map[string]any{
		"result": true,
		"detail": map[string]any{"score": float64(0.9)},
	}
	m.UpdateContext(wc, "cond1", nil, map[string]any{"condition": "true"}, outputs, schema.NodeStateCompleted, "")

	assert.True(t, wc.HasExecuted("cond1"))
	require.NotNil(t, wc.Pipeline("cond1"))
	assert.Equal(t, schema.NodeStateCompleted, wc.Pipeline("cond1").State)
	assert.Equal(t, true, wc.FlattenedVariables["cond1.result"])
	assert.Equal(t, float64(0.9), wc.FlattenedVariables["cond1.detail.score"])
}

func TestUpdateContext_FailedNeverContributesVariables(t *testing.T) {
	m := NewManager(nil)
	wc := m.InitializeContext("run-1", "def-1", nil, nil)

	m.UpdateContext(wc, "js1", nil, nil,
		map[string]any{"result": "partial"}, schema.NodeStateFailed, "script blew up")

	assert.True(t, wc.HasExecuted("js1"))
	assert.Equal(t, "script blew up", wc.Pipeline("js1").ErrorMessage)
	for k := range wc.FlattenedVariables {
		assert.False(t, strings.HasPrefix(k, "js1."), "unexpected variable %q from failed node", k)
	}
}

func TestUpdateContext_CancelledNeverContributesVariables(t *testing.T) {
	m := NewManager(nil)
	wc := m.InitializeContext("run-1", "def-1", nil, nil)

	m.UpdateContext(wc, "loop1", nil, nil,
		map[string]any{"count": float64(3)}, schema.NodeStateCancelled, "cancelled")

	for k := range wc.FlattenedVariables {
		assert.False(t, strings.HasPrefix(k, "loop1."))
	}
}

func TestUpdateContext_RetryOverwritesPipeline(t *testing.T) {
	m := NewManager(nil)
	wc := m.InitializeContext("run-1", "def-1", nil, nil)

	m.UpdateContext(wc, "n1", nil, nil, map[string]any{"v": float64(1)}, schema.NodeStateFailed, "first try")
	m.UpdateContext(wc, "n1", nil, nil, map[string]any{"v": float64(2)}, schema.NodeStateCompleted, "")

	assert.Equal(t, schema.NodeStateCompleted, wc.Pipeline("n1").State)
	assert.Empty(t, wc.Pipeline("n1").ErrorMessage)
	assert.Equal(t, float64(2), wc.FlattenedVariables["n1.v"])
}

func TestClearNodeExecution_RemovesPrefix(t *testing.T) {
	m := NewManager(nil)
	wc := m.InitializeContext("run-1", "def-1", map[string]any{"x": float64(1)}, nil)

	m.UpdateContext(wc, "n1", nil, nil, map[string]any{
		"a": map[string]any{"b": "deep"},
		"c": float64(7),
	}, schema.NodeStateCompleted, "")
	m.UpdateContext(wc, "n2", nil, nil, map[string]any{"keep": true}, schema.NodeStateCompleted, "")

	m.ClearNodeExecution(wc, "n1")

	assert.False(t, wc.HasExecuted("n1"))
	assert.Nil(t, wc.Pipeline("n1"))
	for _, k := range m.GetAvailableVariableKeys(wc) {
		assert.False(t, strings.HasPrefix(k, "n1."), "stale key %q", k)
	}
	// Unrelated entries survive.
	assert.Equal(t, true, wc.FlattenedVariables["n2.keep"])
	assert.Equal(t, float64(1), wc.FlattenedVariables["input.x"])
}

func TestGetAvailableVariableKeys_Sorted(t *testing.T) {
	m := NewManager(nil)
	wc := m.InitializeContext("run-1", "def-1", map[string]any{"b": 1, "a": 2}, map[string]any{"z": 3})

	keys := m.GetAvailableVariableKeys(wc)
	assert.Equal(t, []string{"input.a", "input.b", "sys.z"}, keys)
}

func TestFlattenLookupRoundTrip(t *testing.T) {
	m := NewManager(nil)
	wc := m.InitializeContext("run-1", "def-1", nil, nil)

	tree := map[string]any{"a": map[string]any{"b": "leaf-value"}}
	m.UpdateContext(wc, "n1", nil, nil, tree, schema.NodeStateCompleted, "")

	got, err := expressions.LookupVariable("n1.a.b", wc.FlattenedVariables)
	require.NoError(t, err)
	assert.Equal(t, "leaf-value", got)
}

func TestSystemVariables_PrefixStripped(t *testing.T) {
	m := NewManager(nil)
	wc := m.InitializeContext("run-1", "def-1", map[string]any{"x": 1}, map[string]any{"tenant": "t-9", "env": "prod"})

	sys := wc.SystemVariables()
	assert.Equal(t, map[string]any{"tenant": "t-9", "env": "prod"}, sys)
}

func TestSnapshot_IsolatedFromLaterWrites(t *testing.T) {
	m := NewManager(nil)
	wc := m.InitializeContext("run-1", "def-1",
		map[string]any{"x": float64(1)}, nil)
	m.UpdateContext(wc, "n1", nil,
		map[string]any{}, map[string]any{"result": "a"},
		schema.NodeStateCompleted, "")

	snap := wc.Snapshot()
	require.Equal(t, "run-1", snap.InstanceID)
	require.Equal(t, "a", snap.FlattenedVariables["n1.result"])
	require.True(t, snap.HasExecuted("n1"))

	// Writes to the live context never reach an existing snapshot.
	m.UpdateContext(wc, "n2", nil,
		map[string]any{}, map[string]any{"result": "b"},
		schema.NodeStateCompleted, "")
	m.ClearNodeExecution(wc, "n1")

	assert.NotContains(t, snap.FlattenedVariables, "n2.result")
	assert.Equal(t, "a", snap.FlattenedVariables["n1.result"])
	assert.True(t, snap.HasExecuted("n1"))
	assert.NotNil(t, snap.Pipeline("n1"))

	// And the snapshot's maps are detached from the live ones.
	snap.FlattenedVariables["rogue"] = true
	assert.NotContains(t, wc.FlattenedVariables, "rogue")
}
