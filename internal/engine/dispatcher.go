package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veralt/nodeflow/internal/catalog"
	"github.com/veralt/nodeflow/internal/expressions"
	"github.com/veralt/nodeflow/internal/logging"
	"github.com/veralt/nodeflow/internal/nodes"
	"github.com/veralt/nodeflow/internal/runctx"
	"github.com/veralt/nodeflow/internal/store"
	"github.com/veralt/nodeflow/pkg/schema"
)

// DefaultMaxSteps bounds how many node executions one run may perform,
// counting every retry, loop iteration, and fork branch node. Guards against
// definitions that cycle forever.
const DefaultMaxSteps = 10000

// Config tunes a Dispatcher.
type Config struct {
	// MaxSteps overrides DefaultMaxSteps when > 0.
	MaxSteps int
	// Store receives best-effort run and node persistence when non-nil.
	Store store.RunStore
	// Catalog supplies node definitions for input validation. Defaults to
	// the builtin catalog.
	Catalog catalog.Catalog
	Logger  *slog.Logger
}

// Result is the outcome of one workflow run.
type Result struct {
	InstanceID   string          `json:"instance_id"`
	Status       store.RunStatus `json:"status"`
	Outputs      map[string]any  `json:"outputs,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	Duration     time.Duration   `json:"duration"`
}

// Dispatcher walks a workflow graph, invoking node runtimes and folding
// their outputs into the run's variable namespace. One Dispatcher serves any
// number of concurrent runs; per-run state lives in the active map.
type Dispatcher struct {
	registry *nodes.Registry
	contexts *runctx.Manager
	catalog  catalog.Catalog
	cel      *expressions.CELEngine
	runs     store.RunStore
	logger   *slog.Logger
	maxSteps int

	active sync.Map // instanceID -> *runState
}

type runState struct {
	graph   *graph
	wc      *runctx.WorkflowContext
	mu      sync.Mutex // serializes namespace mutation across fork branches
	steps   int
	stepsMu sync.Mutex
	final   map[string]any
}

// snapshot copies the run's context under the namespace lock.
func (rs *runState) snapshot() *runctx.WorkflowContext {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.wc.Snapshot()
}

// NewDispatcher builds a Dispatcher over the given runtime registry. If the
// registry holds a ForkRuntime, its branch executor is wired to the
// dispatcher so fork branches run their downstream nodes.
func NewDispatcher(registry *nodes.Registry, cfg Config) (*Dispatcher, error) {
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "registry is nil")
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("init cel engine: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cat := cfg.Catalog
	if cat == nil {
		cat = catalog.NewMemoryCatalog()
	}
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	d := &Dispatcher{
		registry: registry,
		contexts: runctx.NewManager(logger),
		catalog:  cat,
		cel:      cel,
		runs:     cfg.Store,
		logger:   logger,
		maxSteps: maxSteps,
	}

	if rt, err := registry.Get(schema.NodeTypeFork); err == nil {
		if fork, ok := rt.(*nodes.ForkRuntime); ok {
			fork.SetBranchExecutor(d.executeBranch)
		}
	}
	return d, nil
}

// Execute runs a workflow definition to completion with the given startup
// parameters. Node failures produce a failed Result, not an error; the error
// return is reserved for rejected definitions.
func (d *Dispatcher) Execute(ctx context.Context, def *schema.WorkflowDefinition, params map[string]any) (*Result, error) {
	g, err := parseGraph(def)
	if err != nil {
		return nil, err
	}

	instanceID := uuid.NewString()
	started := time.Now()

	wc := d.contexts.InitializeContext(instanceID, def.ID, params, map[string]any{
		"instanceId":   instanceID,
		"definitionId": def.ID,
		"executedAt":   started.UTC().Format(time.RFC3339),
	})

	rs := &runState{graph: g, wc: wc}
	d.active.Store(instanceID, rs)
	defer d.active.Delete(instanceID)

	ctx = logging.WithInstanceID(ctx, instanceID)
	ctx = logging.WithDefinitionID(ctx, def.ID)

	d.persistRunStart(ctx, instanceID, def.ID, params, started)
	d.logger.InfoContext(ctx, "run started", slog.String("definition_id", def.ID))

	walkErr := d.walk(ctx, rs, g.start.Key, "")

	result := &Result{
		InstanceID: instanceID,
		Duration:   time.Since(started),
		Outputs:    rs.final,
	}
	switch {
	case walkErr == nil:
		result.Status = store.RunStatusCompleted
	case errors.Is(walkErr, context.Canceled) || schema.CodeOf(walkErr) == schema.ErrCodeCancelled:
		result.Status = store.RunStatusCancelled
		result.ErrorMessage = walkErr.Error()
	default:
		result.Status = store.RunStatusFailed
		result.ErrorMessage = walkErr.Error()
	}

	d.persistRunEnd(ctx, instanceID, result)
	d.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(result.Status)),
		slog.Duration("duration", result.Duration))
	return result, nil
}

// walk executes the chain starting at fromKey, following edges until the
// chain ends or reaches stopAt (used to terminate loop bodies at their
// loop-back edge).
func (d *Dispatcher) walk(ctx context.Context, rs *runState, fromKey, stopAt string) error {
	key := fromKey
	for key != "" && key != stopAt {
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		if err := rs.countStep(d.maxSteps); err != nil {
			return err
		}

		node := rs.graph.nodes[key]
		if node == nil {
			return schema.NewErrorf(schema.ErrCodeNotFound, "node %q not found", key)
		}

		result, inputs, err := d.executeNode(ctx, rs, node)
		if err != nil {
			return err
		}
		if !result.Success {
			code := schema.ErrCodeExecution
			if result.State() == schema.NodeStateCancelled {
				code = schema.ErrCodeCancelled
			}
			return schema.NewErrorf(code, "%s", result.Message).WithNode(key)
		}

		if node.Type == schema.NodeTypeEnd {
			rs.mu.Lock()
			rs.final = result.Outputs
			rs.mu.Unlock()
		}

		next, err := d.nextKey(ctx, rs, node, result, inputs)
		if err != nil {
			return err
		}
		key = next
	}
	return nil
}

// executeNode resolves the node's inputs, validates them, and invokes its
// runtime under the node's retry policy. Returns the final result and the
// resolved inputs of the final attempt.
func (d *Dispatcher) executeNode(ctx context.Context, rs *runState, node *schema.NodeSpec) (*schema.NodeExecutionResult, map[string]any, error) {
	nodeCtx := logging.WithNodeKey(ctx, node.Key)
	define := d.lookupDefine(node.Type)

	var (
		result  *schema.NodeExecutionResult
		inputs  map[string]any
		attempt int
	)
	started := time.Now()

	for {
		// Fork branches execute concurrently against this run, so runtimes
		// only ever see a snapshot of the context, never the live maps.
		snap := rs.snapshot()

		var err error
		inputs, err = expressions.ResolveRefs(node.Inputs, snap.FlattenedVariables)
		if err != nil {
			result = schema.FailErr(err)
		} else if verr := catalog.ValidateInputs(define, inputs); verr != nil {
			result = schema.FailErr(verr)
		} else {
			rt, rerr := d.registry.Get(node.Type)
			if rerr != nil {
				return nil, nil, rerr
			}
			result = rt.Execute(nodeCtx, nodes.Request{
				NodeKey: node.Key,
				Inputs:  inputs,
				Context: snap,
			})
		}

		if result.Success || node.Retry == nil || attempt >= node.Retry.Max {
			break
		}
		cause := result.Cause
		if cause == nil {
			cause = errors.New(result.Message)
		}
		if !IsRetryableError(cause) {
			break
		}

		attempt++
		d.logger.WarnContext(nodeCtx, "node retry",
			slog.Int("attempt", attempt),
			slog.String("reason", result.Message))

		rs.mu.Lock()
		d.contexts.ClearNodeExecution(rs.wc, node.Key)
		rs.mu.Unlock()

		if err := WaitForBackoff(ctx, ComputeBackoff(node.Retry, attempt-1)); err != nil {
			return nil, nil, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}
		if err := rs.countStep(d.maxSteps); err != nil {
			return nil, nil, err
		}
	}

	rs.mu.Lock()
	d.contexts.UpdateContext(rs.wc, node.Key, define, inputs, result.Outputs, result.State(), result.Message)
	rs.mu.Unlock()

	d.persistNodeRecord(nodeCtx, rs.wc.InstanceID, node.Key, result, inputs, attempt, time.Since(started))

	if result.Success {
		d.logger.DebugContext(nodeCtx, "node completed", slog.String("type", string(node.Type)))
	} else {
		d.logger.WarnContext(nodeCtx, "node failed", slog.String("reason", result.Message))
	}
	return result, inputs, nil
}


// nextKey selects the node to execute after the given one. Condition results
// route by the "true"/"false" branch label; foreach runs its body edge per
// item before following "done"; everything else takes the first edge whose
// guard passes.
func (d *Dispatcher) nextKey(ctx context.Context, rs *runState, node *schema.NodeSpec, result *schema.NodeExecutionResult, inputs map[string]any) (string, error) {
	edges := rs.graph.outgoing[node.Key]
	if len(edges) == 0 {
		return "", nil
	}

	switch node.Type {
	case schema.NodeTypeCondition:
		branch := "false"
		if b, ok := result.Outputs["result"].(bool); ok && b {
			branch = "true"
		}
		for _, e := range edges {
			if e.Branch == branch {
				return e.Target, nil
			}
		}
		return d.firstOpenEdge(ctx, rs, edges)

	case schema.NodeTypeForEach:
		if err := d.runForEachBody(ctx, rs, node, result); err != nil {
			return "", err
		}
		for _, e := range edges {
			if e.Branch == "done" {
				return e.Target, nil
			}
		}
		return "", nil

	default:
		return d.firstOpenEdge(ctx, rs, edges)
	}
}

// firstOpenEdge returns the target of the first unlabeled edge whose guard
// (if any) evaluates to true over the flattened namespace.
func (d *Dispatcher) firstOpenEdge(ctx context.Context, rs *runState, edges []schema.EdgeSpec) (string, error) {
	rs.mu.Lock()
	vars := make(map[string]any, len(rs.wc.FlattenedVariables))
	for k, v := range rs.wc.FlattenedVariables {
		vars[k] = v
	}
	rs.mu.Unlock()

	for _, e := range edges {
		if e.Branch != "" {
			continue
		}
		if e.Guard == "" {
			return e.Target, nil
		}
		ok, err := d.cel.EvaluateGuard(ctx, e.Guard, vars)
		if err != nil {
			return "", err
		}
		if ok {
			return e.Target, nil
		}
	}
	return "", nil
}

// runForEachBody executes the foreach node's "body" edge chain once per
// materialized item, seeding <key>.item and <key>.index before each pass.
// The chain terminates at its end or at an explicit loop-back edge to the
// foreach node.
func (d *Dispatcher) runForEachBody(ctx context.Context, rs *runState, node *schema.NodeSpec, result *schema.NodeExecutionResult) error {
	var bodyTarget string
	for _, e := range rs.graph.outgoing[node.Key] {
		if e.Branch == "body" {
			bodyTarget = e.Target
			break
		}
	}
	if bodyTarget == "" {
		return nil
	}

	items, _ := result.Outputs["results"].([]any)
	for i, raw := range items {
		if err := ctx.Err(); err != nil {
			return schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithCause(err)
		}

		entry, _ := raw.(map[string]any)
		d.seedIterationVars(rs, node.Key, entry["item"], i)

		if err := d.walk(ctx, rs, bodyTarget, node.Key); err != nil {
			return err
		}
	}
	return nil
}

// seedIterationVars publishes the current item under <key>.item (with nested
// fields flattened below it) and the position under <key>.index, replacing
// the previous iteration's values.
func (d *Dispatcher) seedIterationVars(rs *runState, nodeKey string, item any, index int) {
	itemPrefix := nodeKey + ".item"

	rs.mu.Lock()
	defer rs.mu.Unlock()

	for k := range rs.wc.FlattenedVariables {
		if k == itemPrefix || strings.HasPrefix(k, itemPrefix+".") {
			delete(rs.wc.FlattenedVariables, k)
		}
	}
	for k, v := range expressions.FlattenJSON(itemPrefix, item) {
		rs.wc.FlattenedVariables[k] = v
	}
	rs.wc.FlattenedVariables[nodeKey+".index"] = index
}

// executeBranch is installed as the fork runtime's branch executor. It runs
// the branch's declared next node and its downstream chain.
func (d *Dispatcher) executeBranch(ctx context.Context, req nodes.Request, branch nodes.Branch) error {
	if branch.NextNodeKey == "" {
		return nil
	}
	v, ok := d.active.Load(req.Context.InstanceID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no active run %q", req.Context.InstanceID)
	}
	rs := v.(*runState)
	if _, exists := rs.graph.nodes[branch.NextNodeKey]; !exists {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"branch %q targets unknown node %q", branch.Name, branch.NextNodeKey)
	}
	return d.walk(ctx, rs, branch.NextNodeKey, "")
}

func (rs *runState) countStep(limit int) error {
	rs.stepsMu.Lock()
	defer rs.stepsMu.Unlock()
	rs.steps++
	if rs.steps > limit {
		return schema.NewErrorf(schema.ErrCodeExecution,
			"exceeded maximum of %d node executions", limit)
	}
	return nil
}

func (d *Dispatcher) lookupDefine(t schema.NodeType) *schema.NodeDefine {
	defs, err := d.catalog.GetDefinitions(t, nil)
	if err != nil || len(defs) == 0 {
		return nil
	}
	return defs[0]
}

// --- best-effort persistence ---

func (d *Dispatcher) persistRunStart(ctx context.Context, instanceID, definitionID string, params map[string]any, started time.Time) {
	if d.runs == nil {
		return
	}
	run := &store.Run{
		InstanceID:   instanceID,
		DefinitionID: definitionID,
		Status:       store.RunStatusRunning,
		Params:       params,
		CreatedAt:    started.UTC(),
		StartedAt:    &started,
		UpdatedAt:    started.UTC(),
	}
	if err := d.runs.CreateRun(ctx, run); err != nil {
		d.logger.WarnContext(ctx, "run persistence failed", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) persistRunEnd(ctx context.Context, instanceID string, result *Result) {
	if d.runs == nil {
		return
	}
	status := result.Status
	now := time.Now().UTC()
	update := store.RunUpdate{
		Status:      &status,
		Error:       &result.ErrorMessage,
		CompletedAt: &now,
	}
	if len(result.Outputs) > 0 {
		if raw, err := json.Marshal(result.Outputs); err == nil {
			update.Output = raw
		}
	}
	if err := d.runs.UpdateRun(ctx, instanceID, update); err != nil {
		d.logger.WarnContext(ctx, "run persistence failed", slog.String("error", err.Error()))
	}
}

func (d *Dispatcher) persistNodeRecord(ctx context.Context, instanceID, nodeKey string, result *schema.NodeExecutionResult, inputs map[string]any, retries int, took time.Duration) {
	if d.runs == nil {
		return
	}
	rec := &store.NodeRecord{
		InstanceID: instanceID,
		NodeKey:    nodeKey,
		State:      result.State(),
		Error:      result.Message,
		RetryCount: retries,
		DurationMs: took.Milliseconds(),
	}
	if len(inputs) > 0 {
		if raw, err := json.Marshal(inputs); err == nil {
			rec.Input = raw
		}
	}
	if result.Success && len(result.Outputs) > 0 {
		if raw, err := json.Marshal(result.Outputs); err == nil {
			rec.Output = raw
		}
	}
	if err := d.runs.UpsertNodeRecord(ctx, rec); err != nil {
		d.logger.WarnContext(ctx, "node persistence failed", slog.String("error", err.Error()))
	}
}
