package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/veralt/nodeflow/internal/catalog"
	"github.com/veralt/nodeflow/internal/diagram"
	"github.com/veralt/nodeflow/internal/engine"
	"github.com/veralt/nodeflow/internal/expressions"
	"github.com/veralt/nodeflow/internal/logging"
	"github.com/veralt/nodeflow/internal/nodes"
	"github.com/veralt/nodeflow/internal/plugins"
	"github.com/veralt/nodeflow/internal/sandbox"
	"github.com/veralt/nodeflow/internal/scheduler"
	"github.com/veralt/nodeflow/internal/store"
	"github.com/veralt/nodeflow/pkg/schema"
)

const usage = `nodeflow - workflow execution runtime

Usage:
  nodeflow validate <definition.json>
  nodeflow run <definition.json> [-params '{"key":"value"}']
  nodeflow save <definition.json>
  nodeflow diagram <definition.json>
  nodeflow serve
  nodeflow migrate
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := buildLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "run":
		err = cmdRun(ctx, cfg, logger, os.Args[2:])
	case "save":
		err = cmdSave(ctx, cfg, os.Args[2:])
	case "diagram":
		err = cmdDiagram(os.Args[2:])
	case "serve":
		err = cmdServe(ctx, cfg, logger)
	case "migrate":
		err = cmdMigrate(ctx, cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func buildLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &def, nil
}

func cmdValidate(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: nodeflow validate <definition.json>")
	}
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	validator, err := catalog.NewValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateDefinition(def); err != nil {
		return err
	}
	fmt.Printf("%s: valid (%d nodes, %d edges)\n", def.ID, len(def.Nodes), len(def.Edges))
	return nil
}

func cmdDiagram(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: nodeflow diagram <definition.json>")
	}
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	fmt.Print(diagram.RenderMermaid(def, nil))
	return nil
}

func cmdRun(ctx context.Context, cfg Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	paramsJSON := fs.String("params", "", "startup parameters as a JSON object")
	persist := fs.Bool("persist", false, "record the run in the local database")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: nodeflow run <definition.json> [-params JSON]")
	}

	def, err := loadDefinition(fs.Arg(0))
	if err != nil {
		return err
	}

	var params map[string]any
	if *paramsJSON != "" {
		if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
			return fmt.Errorf("parse -params: %w", err)
		}
	}

	var runStore store.RunStore
	if *persist {
		s, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer s.Close()
		runStore = s
	}

	runner, err := buildRunner(cfg, logger, runStore)
	if err != nil {
		return err
	}
	defer runner.Shutdown()

	result, err := runner.Run(ctx, def, params)
	if err != nil {
		return err
	}

	out := map[string]any{
		"instance_id": result.InstanceID,
		"status":      result.Status,
		"duration":    result.Duration.String(),
	}
	if len(result.Outputs) > 0 {
		out["outputs"] = result.Outputs
	}
	if result.ErrorMessage != "" {
		out["error"] = result.ErrorMessage
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	if result.Status != store.RunStatusCompleted {
		os.Exit(1)
	}
	return nil
}

func cmdSave(ctx context.Context, cfg Config, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: nodeflow save <definition.json>")
	}
	def, err := loadDefinition(args[0])
	if err != nil {
		return err
	}
	validator, err := catalog.NewValidator()
	if err != nil {
		return err
	}
	if err := validator.ValidateDefinition(def); err != nil {
		return err
	}

	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.SaveDefinition(ctx, def); err != nil {
		return err
	}
	fmt.Printf("saved %s\n", def.ID)
	return nil
}

func cmdServe(ctx context.Context, cfg Config, logger *slog.Logger) error {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	runner, err := buildRunner(cfg, logger, s)
	if err != nil {
		return err
	}
	defer runner.Shutdown()

	sched := scheduler.NewScheduler(s, runner, logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	logger.Info("serving scheduled workflows", slog.String("db", cfg.DBPath))

	<-ctx.Done()
	return sched.Stop()
}

func cmdMigrate(ctx context.Context, cfg Config) error {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	fmt.Printf("database ready at %s\n", cfg.DBPath)
	return nil
}

func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, err
	}
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// buildRunner wires the local node runtimes into a dispatcher and pool.
// Plugin dispatch uses the in-process registries; wiki and chat runtimes
// need external services and are not registered by the CLI host.
func buildRunner(cfg Config, logger *slog.Logger, runStore store.RunStore) (*engine.Runner, error) {
	registry := nodes.NewRegistry()

	pluginRegistry := plugins.NewMemoryRegistry()
	pluginConfigs := plugins.NewMemoryConfigStore()
	var usage plugins.UsageRecorder
	if runStore != nil {
		usage = store.NewUsageCounter(runStore)
	}

	runtimes := []nodes.NodeRuntime{
		nodes.NewStartRuntime(),
		nodes.NewEndRuntime(),
		nodes.NewConditionRuntime(),
		nodes.NewForEachRuntime(),
		nodes.NewForkRuntime(cfg.ForkParallelism, logger),
		nodes.NewJavaScriptRuntime(sandbox.NewGojaEngine(cfg.Sandbox.limits(), logger)),
		nodes.NewDataProcessRuntime(expressions.NewResolver()),
		nodes.NewPluginRuntime(pluginRegistry, pluginConfigs, usage, logger),
	}
	for _, rt := range runtimes {
		if err := registry.Register(rt); err != nil {
			return nil, err
		}
	}

	dispatcher, err := engine.NewDispatcher(registry, engine.Config{
		MaxSteps: cfg.MaxSteps,
		Store:    runStore,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return engine.NewRunner(dispatcher, cfg.PoolSize, runStore, logger), nil
}
