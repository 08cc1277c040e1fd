// Package runctx holds the mutable run-time state of one workflow instance
// and the manager that folds node execution outcomes into it.
package runctx

import (
	"encoding/json"

	"github.com/veralt/nodeflow/pkg/schema"
)

// WorkflowContext is the mutable state of one running workflow instance. It
// is owned by the dispatcher for the lifetime of the run; only the Manager
// mutates it, and concurrent instances never share one.
type WorkflowContext struct {
	InstanceID   string `json:"instanceId"`
	DefinitionID string `json:"definitionId"`

	// RuntimeParameters is a copy of the startup parameters, set once.
	RuntimeParameters map[string]any `json:"runtimeParameters"`

	// ExecutedNodeKeys is the set of node keys that have recorded an
	// execution. Append-only except through ClearNodeExecution.
	ExecutedNodeKeys map[string]struct{} `json:"-"`

	// NodePipelines maps node key to the pipeline of its most recent
	// execution. A retry overwrites the previous pipeline wholesale.
	NodePipelines map[string]*NodePipeline `json:"nodePipelines"`

	// FlattenedVariables is the flat dotted-path namespace: the union of
	// sys.*, input.* and <nodeKey>.<field> entries. A node's outputs appear
	// here only after it reached Completed, and atomically.
	FlattenedVariables map[string]any `json:"flattenedVariables"`
}

// NodePipeline records one node execution: the definition it ran against, the
// terminal state, the input/output payloads in both structured and flattened
// form, and the error message (empty on success). Immutable once created.
type NodePipeline struct {
	NodeKey string             `json:"nodeKey"`
	Define  *schema.NodeDefine `json:"define,omitempty"`
	State   schema.NodeState   `json:"state"`

	Inputs  map[string]any `json:"inputs,omitempty"`
	Outputs map[string]any `json:"outputs,omitempty"`

	InputTree  json.RawMessage `json:"inputTree,omitempty"`
	OutputTree json.RawMessage `json:"outputTree,omitempty"`

	FlattenedInputs  map[string]any `json:"flattenedInputs,omitempty"`
	FlattenedOutputs map[string]any `json:"flattenedOutputs,omitempty"`

	ErrorMessage string `json:"errorMessage,omitempty"`
}

// HasExecuted reports whether the node key has a recorded execution.
func (c *WorkflowContext) HasExecuted(nodeKey string) bool {
	_, ok := c.ExecutedNodeKeys[nodeKey]
	return ok
}

// Pipeline returns the recorded pipeline for a node key, or nil.
func (c *WorkflowContext) Pipeline(nodeKey string) *NodePipeline {
	return c.NodePipelines[nodeKey]
}

// SystemVariables returns the sys.* entries of the namespace with the prefix
// stripped, for injection into sandboxed scripts.
func (c *WorkflowContext) SystemVariables() map[string]any {
	out := make(map[string]any)
	for k, v := range c.FlattenedVariables {
		if len(k) > 4 && k[:4] == "sys." {
			out[k[4:]] = v
		}
	}
	return out
}

// Snapshot returns a copy of the context safe to hand to a concurrently
// executing reader: every map is copied so a writer on the live context can
// never fault an iteration on the snapshot. Pipeline entries are shared;
// they are immutable once recorded. The caller must serialize Snapshot
// against writers of the live context.
func (c *WorkflowContext) Snapshot() *WorkflowContext {
	cp := &WorkflowContext{
		InstanceID:         c.InstanceID,
		DefinitionID:       c.DefinitionID,
		RuntimeParameters:  make(map[string]any, len(c.RuntimeParameters)),
		ExecutedNodeKeys:   make(map[string]struct{}, len(c.ExecutedNodeKeys)),
		NodePipelines:      make(map[string]*NodePipeline, len(c.NodePipelines)),
		FlattenedVariables: make(map[string]any, len(c.FlattenedVariables)),
	}
	for k, v := range c.RuntimeParameters {
		cp.RuntimeParameters[k] = v
	}
	for k := range c.ExecutedNodeKeys {
		cp.ExecutedNodeKeys[k] = struct{}{}
	}
	for k, p := range c.NodePipelines {
		cp.NodePipelines[k] = p
	}
	for k, v := range c.FlattenedVariables {
		cp.FlattenedVariables[k] = v
	}
	return cp
}
