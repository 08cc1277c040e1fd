// Package nodes implements one runtime per workflow node type. A runtime
// reads its declared inputs and the current workflow context and always
// returns a NodeExecutionResult; no error, panic, or cancellation escapes its
// Execute boundary.
package nodes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/veralt/nodeflow/internal/runctx"
	"github.com/veralt/nodeflow/pkg/schema"
)

// Request carries everything a runtime needs for one invocation.
type Request struct {
	NodeKey string
	Inputs  map[string]any
	Context *runctx.WorkflowContext
}

// NodeRuntime is the executable behavior bound to one node type.
type NodeRuntime interface {
	Type() schema.NodeType
	Execute(ctx context.Context, req Request) *schema.NodeExecutionResult
}

// Registry is a thread-safe lookup table from node type to runtime.
type Registry struct {
	mu       sync.RWMutex
	runtimes map[schema.NodeType]NodeRuntime
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[schema.NodeType]NodeRuntime)}
}

// Register adds a runtime. Returns an error on duplicate type.
func (r *Registry) Register(rt NodeRuntime) error {
	if rt == nil {
		return schema.NewError(schema.ErrCodeValidation, "runtime is nil")
	}
	t := rt.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "runtime type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runtimes[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "runtime for type %q already registered", string(t))
	}
	r.runtimes[t] = rt
	return nil
}

// Get retrieves the runtime for a node type.
func (r *Registry) Get(t schema.NodeType) (NodeRuntime, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.runtimes[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no runtime for node type %q", string(t))
	}
	return rt, nil
}

// List returns the registered node types, sorted.
func (r *Registry) List() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.NodeType, 0, len(r.runtimes))
	for t := range r.runtimes {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// requireString extracts a required non-empty string input. The second return
// is a ready-made Failure result when the input is missing or malformed.
func requireString(inputs map[string]any, name string) (string, *schema.NodeExecutionResult) {
	raw, ok := inputs[name]
	if !ok || raw == nil {
		return "", schema.Fail(fmt.Sprintf("missing required input %q", name))
	}
	s, ok := raw.(string)
	if !ok {
		return "", schema.Fail(fmt.Sprintf("input %q must be a string, got %T", name, raw))
	}
	if strings.TrimSpace(s) == "" {
		return "", schema.Fail(fmt.Sprintf("input %q is empty", name))
	}
	return s, nil
}
