package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veralt/nodeflow/internal/store"
	"github.com/veralt/nodeflow/pkg/schema"
)

func sampleDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:   "order-flow",
		Name: "Order Flow",
		Nodes: []schema.NodeSpec{
			{Key: "begin", Type: schema.NodeTypeStart},
			{Key: "check", Type: schema.NodeTypeCondition, Name: "In Stock?",
				Inputs: map[string]any{"condition": "${{input.stock}}"}},
			{Key: "charge", Type: schema.NodeTypeJavaScript,
				Inputs: map[string]any{"code": "return 1;"}},
			{Key: "notify", Type: schema.NodeTypeFork,
				Inputs: map[string]any{"branches": []any{
					map[string]any{"name": "email", "nextNodeKey": "send.email"},
					map[string]any{"name": "sms", "nextNodeKey": "send.sms"},
				}}},
			{Key: "send.email", Type: schema.NodeTypeJavaScript,
				Inputs: map[string]any{"code": "return 1;"}},
			{Key: "send.sms", Type: schema.NodeTypeJavaScript,
				Inputs: map[string]any{"code": "return 1;"}},
			{Key: "done", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeSpec{
			{Source: "begin", Target: "check"},
			{Source: "check", Target: "charge", Branch: "true"},
			{Source: "check", Target: "done", Branch: "false"},
			{Source: "charge", Target: "notify"},
			{Source: "notify", Target: "done"},
		},
	}
}

func TestRenderMermaid_Shapes(t *testing.T) {
	out := RenderMermaid(sampleDefinition(), nil)

	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "%% Order Flow")
	assert.Contains(t, out, `begin(("begin"))`)
	assert.Contains(t, out, `check{"In Stock?"}`)
	assert.Contains(t, out, `charge["charge"]`)
	assert.Contains(t, out, `notify[["notify"]]`)
	assert.Contains(t, out, `done(("done"))`)
}

func TestRenderMermaid_EdgesAndBranchLabels(t *testing.T) {
	out := RenderMermaid(sampleDefinition(), nil)

	assert.Contains(t, out, "begin --> check")
	assert.Contains(t, out, "check -->|true| charge")
	assert.Contains(t, out, "check -->|false| done")
}

func TestRenderMermaid_ForkBranchesDashed(t *testing.T) {
	out := RenderMermaid(sampleDefinition(), nil)

	assert.Contains(t, out, "notify -.-> send_email")
	assert.Contains(t, out, "notify -.-> send_sms")
}

func TestRenderMermaid_GuardLabel(t *testing.T) {
	def := &schema.WorkflowDefinition{
		ID: "g",
		Nodes: []schema.NodeSpec{
			{Key: "begin", Type: schema.NodeTypeStart},
			{Key: "done", Type: schema.NodeTypeEnd},
		},
		Edges: []schema.EdgeSpec{
			{Source: "begin", Target: "done", Guard: "input.n > 3"},
		},
	}
	out := RenderMermaid(def, nil)
	assert.Contains(t, out, "begin -->|input.n > 3| done")
}

func TestRenderMermaid_StatusOverlay(t *testing.T) {
	records := []*store.NodeRecord{
		{NodeKey: "begin", State: schema.NodeStateCompleted},
		{NodeKey: "check", State: schema.NodeStateCompleted},
		{NodeKey: "charge", State: schema.NodeStateFailed},
		{NodeKey: "notify", State: schema.NodeStatePending},
	}
	out := RenderMermaid(sampleDefinition(), records)

	assert.Contains(t, out, "classDef completed")
	assert.Contains(t, out, "class begin completed")
	assert.Contains(t, out, "class charge failed")
	assert.NotContains(t, out, "class notify")
}

func TestRenderMermaid_SanitizesDottedKeys(t *testing.T) {
	out := RenderMermaid(sampleDefinition(), nil)
	assert.Contains(t, out, `send_email["send.email"]`)
}
