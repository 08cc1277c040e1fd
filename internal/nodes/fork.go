package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/veralt/nodeflow/pkg/schema"
)

// DefaultForkParallelism bounds concurrent branch execution when the runtime
// is constructed without an explicit limit.
const DefaultForkParallelism = 8

// Branch is one normalized fork branch.
type Branch struct {
	Index       int    `json:"index"`
	Name        string `json:"name"`
	NextNodeKey string `json:"nextNodeKey,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// BranchExecutor runs the work of one branch. The dispatcher installs one
// that executes the branch's downstream nodes; without one, branches only
// normalize and join. An executor must report problems through its error
// return, never a panic.
type BranchExecutor func(ctx context.Context, req Request, branch Branch) error

// ForkRuntime fans out branches as concurrent units of work and joins on all
// of them. Concurrency is bounded by a semaphore; the barrier never abandons
// a branch early. Any branch failure fails the whole node after the barrier,
// with every failure message aggregated.
type ForkRuntime struct {
	maxParallel int
	executor    BranchExecutor
	logger      *slog.Logger
}

// NewForkRuntime creates the runtime with the given parallelism bound.
// Values below one fall back to DefaultForkParallelism.
func NewForkRuntime(maxParallel int, logger *slog.Logger) *ForkRuntime {
	if maxParallel <= 0 {
		maxParallel = DefaultForkParallelism
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ForkRuntime{maxParallel: maxParallel, logger: logger}
}

// SetBranchExecutor installs the per-branch work function.
func (r *ForkRuntime) SetBranchExecutor(exec BranchExecutor) {
	r.executor = exec
}

func (r *ForkRuntime) Type() schema.NodeType { return schema.NodeTypeFork }

func (r *ForkRuntime) Execute(ctx context.Context, req Request) *schema.NodeExecutionResult {
	raw, ok := req.Inputs["branches"]
	if !ok {
		return schema.Fail(`missing required input "branches"`)
	}

	branches, err := normalizeBranches(raw)
	if err != nil {
		return schema.FailErr(err)
	}
	if len(branches) == 0 {
		return schema.Fail("branches is empty")
	}

	type branchOutcome struct {
		branch Branch
		err    error
	}
	outcomes := make([]branchOutcome, len(branches))

	sem := make(chan struct{}, r.maxParallel)
	var wg sync.WaitGroup

	for i, b := range branches {
		wg.Add(1)
		go func(i int, b Branch) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					outcomes[i] = branchOutcome{branch: b, err: fmt.Errorf("panic: %v", rec)}
				}
			}()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				outcomes[i] = branchOutcome{branch: b, err: fmt.Errorf("cancelled")}
				return
			}

			if ctx.Err() != nil {
				outcomes[i] = branchOutcome{branch: b, err: fmt.Errorf("cancelled")}
				return
			}

			var execErr error
			if r.executor != nil {
				execErr = r.executor(ctx, req, b)
			}
			outcomes[i] = branchOutcome{branch: b, err: execErr}
		}(i, b)
	}
	wg.Wait()

	var failures []string
	for _, o := range outcomes {
		if o.err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", o.branch.Name, o.err))
		}
	}
	if len(failures) > 0 {
		sort.Strings(failures)
		return schema.Fail(strings.Join(failures, "; "))
	}

	branchOut := make([]any, len(branches))
	for i, b := range branches {
		branchOut[i] = map[string]any{
			"index":       b.Index,
			"name":        b.Name,
			"nextNodeKey": b.NextNodeKey,
			"data":        b.Data,
		}
	}
	return schema.Succeed(map[string]any{
		"branches":     branchOut,
		"branchCount":  len(branches),
		"allSucceeded": true,
	})
}

// normalizeBranches accepts a JSON string, a list, or a single object and
// produces the branch list. Unnamed branches get positional names.
func normalizeBranches(raw any) ([]Branch, error) {
	if s, ok := raw.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"branches is not valid JSON: %v", err).WithCause(err)
		}
		raw = decoded
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"branches must be a list or object, got %T", raw)
	}

	branches := make([]Branch, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"branch %d must be an object, got %T", i, item)
		}
		b := Branch{Index: i}
		if name, ok := m["name"].(string); ok && name != "" {
			b.Name = name
		} else {
			b.Name = fmt.Sprintf("branch-%d", i)
		}
		if next, ok := m["nextNodeKey"].(string); ok {
			b.NextNodeKey = next
		}
		if data, ok := m["data"]; ok {
			b.Data = data
		}
		branches = append(branches, b)
	}
	return branches, nil
}
