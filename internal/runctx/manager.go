package runctx

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/veralt/nodeflow/internal/expressions"
	"github.com/veralt/nodeflow/pkg/schema"
)

// Manager performs the lifecycle operations on a WorkflowContext. It is the
// only component that mutates a context; the dispatcher invokes it serially
// for a given instance.
type Manager struct {
	logger *slog.Logger
}

// NewManager creates a Manager. A nil logger falls back to slog.Default().
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger}
}

// InitializeContext constructs the context for a new run. The flattened
// namespace is seeded with sys.<key> entries from systemVariables and
// input.<key> entries from startupParameters, so input.* paths resolve before
// any node executes. An empty instanceID gets a generated UUID.
func (m *Manager) InitializeContext(instanceID, definitionID string, startupParameters, systemVariables map[string]any) *WorkflowContext {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	wc := &WorkflowContext{
		InstanceID:         instanceID,
		DefinitionID:       definitionID,
		RuntimeParameters:  make(map[string]any, len(startupParameters)),
		ExecutedNodeKeys:   make(map[string]struct{}),
		NodePipelines:      make(map[string]*NodePipeline),
		FlattenedVariables: make(map[string]any),
	}

	for k, v := range startupParameters {
		wc.RuntimeParameters[k] = v
	}
	for k, v := range expressions.FlattenJSON("sys", copyTree(systemVariables)) {
		wc.FlattenedVariables[k] = v
	}
	for k, v := range expressions.FlattenJSON("input", copyTree(startupParameters)) {
		wc.FlattenedVariables[k] = v
	}

	m.logger.Debug("context initialized",
		slog.String("instance_id", instanceID),
		slog.String("definition_id", definitionID),
		slog.Int("seed_vars", len(wc.FlattenedVariables)))
	return wc
}

// UpdateContext records one node execution outcome. It marks the node as
// executed, stores a fresh pipeline under its key (replacing any prior one),
// and, only when state is Completed, flattens the outputs into the namespace
// under the nodeKey prefix. Failed and cancelled nodes never contribute
// variables.
func (m *Manager) UpdateContext(wc *WorkflowContext, nodeKey string, define *schema.NodeDefine, inputs, outputs map[string]any, state schema.NodeState, errorMessage string) {
	pipeline := &NodePipeline{
		NodeKey:          nodeKey,
		Define:           define,
		State:            state,
		Inputs:           inputs,
		Outputs:          outputs,
		InputTree:        marshalTree(inputs),
		OutputTree:       marshalTree(outputs),
		FlattenedInputs:  expressions.FlattenJSON("", copyTree(inputs)),
		FlattenedOutputs: expressions.FlattenJSON("", copyTree(outputs)),
		ErrorMessage:     errorMessage,
	}

	wc.ExecutedNodeKeys[nodeKey] = struct{}{}
	wc.NodePipelines[nodeKey] = pipeline

	if state == schema.NodeStateCompleted {
		for k, v := range expressions.FlattenJSON(nodeKey, copyTree(outputs)) {
			wc.FlattenedVariables[k] = v
		}
	}

	m.logger.Debug("context updated",
		slog.String("instance_id", wc.InstanceID),
		slog.String("node_key", nodeKey),
		slog.String("state", string(state)))
}

// GetAvailableVariableKeys returns every currently resolvable dotted path,
// sorted for deterministic output. Used for validation and autocomplete.
func (m *Manager) GetAvailableVariableKeys(wc *WorkflowContext) []string {
	keys := make([]string, 0, len(wc.FlattenedVariables))
	for k := range wc.FlattenedVariables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ClearNodeExecution rolls back a node's recorded execution to prepare a
// retry: the key leaves the executed set, its pipeline is dropped, and every
// flattened variable under the nodeKey prefix is removed. All-or-nothing for
// the prefix.
func (m *Manager) ClearNodeExecution(wc *WorkflowContext, nodeKey string) {
	delete(wc.ExecutedNodeKeys, nodeKey)
	delete(wc.NodePipelines, nodeKey)

	prefix := nodeKey + "."
	for k := range wc.FlattenedVariables {
		if k == nodeKey || strings.HasPrefix(k, prefix) {
			delete(wc.FlattenedVariables, k)
		}
	}

	m.logger.Debug("node execution cleared",
		slog.String("instance_id", wc.InstanceID),
		slog.String("node_key", nodeKey))
}

func marshalTree(m map[string]any) json.RawMessage {
	if len(m) == 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}

// copyTree deep-copies a JSON-like tree through a marshal round trip, so the
// stored pipeline and the namespace never alias caller-owned maps. Values
// that cannot marshal are kept by reference.
func copyTree(m map[string]any) map[string]any {
	if len(m) == 0 {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return m
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}
