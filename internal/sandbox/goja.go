package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"

	"github.com/veralt/nodeflow/pkg/schema"
)

// GojaEngine executes JavaScript with the goja interpreter. The statement
// budget is enforced statically over the parsed program; stack depth is
// enforced by the interpreter itself; wall-clock, cancellation, and the
// memory ceiling are enforced by a watchdog that interrupts the VM.
type GojaEngine struct {
	limits Limits
	logger *slog.Logger
}

// NewGojaEngine creates an engine with the given limits. Zero limit fields
// fall back to the defaults.
func NewGojaEngine(limits Limits, logger *slog.Logger) *GojaEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &GojaEngine{limits: limits.withDefaults(), logger: logger}
}

// watchdog poll interval. Short enough that a runaway allocation loop is
// interrupted well before it can exhaust process memory.
const samplePeriod = 25 * time.Millisecond

func (e *GojaEngine) Run(ctx context.Context, source string, bindings map[string]any) (any, error) {
	prog, err := parser.ParseFile(nil, "script.js", source, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSandbox, "syntax error: %v", err)
	}
	if n := countStatements(prog.Body); n > e.limits.MaxStatements {
		return nil, schema.NewErrorf(schema.ErrCodeSandbox,
			"statement count %d exceeds limit %d", n, e.limits.MaxStatements)
	}

	compiled, err := goja.CompileAST(prog, false)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSandbox, "compile error: %v", err)
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(e.limits.MaxStackDepth)
	for name, value := range bindings {
		if err := vm.Set(name, value); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeSandbox, "binding %q: %v", name, err).WithCause(err)
		}
	}

	var baseline runtime.MemStats
	runtime.ReadMemStats(&baseline)

	stop := make(chan struct{})
	defer close(stop)
	go e.watchdog(ctx, vm, baseline.HeapAlloc, stop)

	value, err := vm.RunProgram(compiled)
	if err != nil {
		return nil, e.faultFrom(err)
	}
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, nil
	}
	return value.Export(), nil
}

// watchdog interrupts the VM on cancellation, wall-clock expiry, or when the
// process heap has grown past the memory ceiling since the run started. Heap
// growth is a process-wide proxy, so the duration limit backstops it.
func (e *GojaEngine) watchdog(ctx context.Context, vm *goja.Runtime, baseHeap uint64, stop <-chan struct{}) {
	deadline := time.NewTimer(e.limits.MaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(samplePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			vm.Interrupt("execution cancelled")
			return
		case <-deadline.C:
			vm.Interrupt("wall-clock limit exceeded")
			return
		case <-ticker.C:
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			if ms.HeapAlloc > baseHeap && int64(ms.HeapAlloc-baseHeap) > e.limits.MaxMemoryBytes {
				vm.Interrupt("memory limit exceeded")
				return
			}
		}
	}
}

func (e *GojaEngine) faultFrom(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return schema.NewErrorf(schema.ErrCodeSandbox, "interrupted: %v", interrupted.Value()).WithCause(err)
	}
	var overflow *goja.StackOverflowError
	if errors.As(err, &overflow) {
		return schema.NewErrorf(schema.ErrCodeSandbox,
			"call stack depth exceeds limit %d", e.limits.MaxStackDepth).WithCause(err)
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return schema.NewErrorf(schema.ErrCodeSandbox, "script error: %v", exception.Value()).WithCause(err)
	}
	return schema.NewErrorf(schema.ErrCodeSandbox, "script error: %v", err).WithCause(err)
}

// countStatements walks the program body and counts executable statements,
// recursing into the bodies of blocks, branches, loops, and declared
// functions. Node types without nested statements count as one.
func countStatements(stmts []ast.Statement) int {
	total := 0
	for _, s := range stmts {
		total += countStatement(s)
	}
	return total
}

func countStatement(s ast.Statement) int {
	if s == nil {
		return 0
	}
	switch st := s.(type) {
	case *ast.BlockStatement:
		return countStatements(st.List)
	case *ast.IfStatement:
		return 1 + countStatement(st.Consequent) + countStatement(st.Alternate)
	case *ast.ForStatement:
		return 1 + countStatement(st.Body)
	case *ast.ForInStatement:
		return 1 + countStatement(st.Body)
	case *ast.ForOfStatement:
		return 1 + countStatement(st.Body)
	case *ast.WhileStatement:
		return 1 + countStatement(st.Body)
	case *ast.DoWhileStatement:
		return 1 + countStatement(st.Body)
	case *ast.LabelledStatement:
		return countStatement(st.Statement)
	case *ast.WithStatement:
		return 1 + countStatement(st.Body)
	case *ast.TryStatement:
		n := 1 + countStatement(st.Body)
		if st.Catch != nil {
			n += countStatement(st.Catch.Body)
		}
		if st.Finally != nil {
			n += countStatement(st.Finally)
		}
		return n
	case *ast.SwitchStatement:
		n := 1
		for _, c := range st.Body {
			n += countStatements(c.Consequent)
		}
		return n
	case *ast.FunctionDeclaration:
		if st.Function != nil {
			return 1 + countStatement(st.Function.Body)
		}
		return 1
	default:
		return 1
	}
}
