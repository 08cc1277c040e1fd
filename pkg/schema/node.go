package schema

import (
	"context"
	"errors"
)

// NodeType enumerates the kinds of nodes in a workflow graph.
type NodeType string

const (
	NodeTypeStart       NodeType = "start"
	NodeTypeEnd         NodeType = "end"
	NodeTypeCondition   NodeType = "condition"
	NodeTypeForEach     NodeType = "foreach"
	NodeTypeFork        NodeType = "fork"
	NodeTypeJavaScript  NodeType = "javascript"
	NodeTypePlugin      NodeType = "plugin"
	NodeTypeWiki        NodeType = "wiki"
	NodeTypeDataProcess NodeType = "dataprocess"
	NodeTypeAiChat      NodeType = "aichat"
)

// NodeState is the lifecycle state of one node execution.
type NodeState string

const (
	NodeStatePending   NodeState = "pending"
	NodeStateCompleted NodeState = "completed"
	NodeStateFailed    NodeState = "failed"
	NodeStateCancelled NodeState = "cancelled"
)

// IsTerminal reports whether the state is one of the terminal states.
func (s NodeState) IsTerminal() bool {
	return s == NodeStateCompleted || s == NodeStateFailed || s == NodeStateCancelled
}

// NodeExecutionResult is the outcome of one runtime invocation. It is an
// immutable value: either Success with an output mapping, or Failure with a
// message and an optional underlying fault. Runtimes always return a result,
// never a raw error.
type NodeExecutionResult struct {
	Success bool           `json:"success"`
	Outputs map[string]any `json:"outputs,omitempty"`
	Message string         `json:"message,omitempty"`
	Cause   error          `json:"-"`
}

// Succeed builds a successful result carrying the given outputs.
func Succeed(outputs map[string]any) *NodeExecutionResult {
	return &NodeExecutionResult{Success: true, Outputs: outputs}
}

// Fail builds a failed result with a human-readable message.
func Fail(message string) *NodeExecutionResult {
	return &NodeExecutionResult{Success: false, Message: message}
}

// FailErr builds a failed result from an error, preserving it as the cause
// for diagnostics.
func FailErr(err error) *NodeExecutionResult {
	if err == nil {
		return Fail("unknown failure")
	}
	return &NodeExecutionResult{Success: false, Message: err.Error(), Cause: err}
}

// State maps the result to the node state it produces. A failure whose cause
// carries the CANCELLED code, or wraps context cancellation, records as
// cancelled rather than failed.
func (r *NodeExecutionResult) State() NodeState {
	if r.Success {
		return NodeStateCompleted
	}
	if CodeOf(r.Cause) == ErrCodeCancelled || errors.Is(r.Cause, context.Canceled) {
		return NodeStateCancelled
	}
	return NodeStateFailed
}
