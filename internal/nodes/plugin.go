package nodes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/veralt/nodeflow/internal/plugins"
	"github.com/veralt/nodeflow/pkg/schema"
)

// PluginRuntime dispatches a node to a configured plugin. Tool plugins run
// directly against serialized params; native plugins first import a stored
// configuration record. The usage counter is fire-and-forget: its failure is
// logged and never aborts the node.
type PluginRuntime struct {
	registry plugins.Registry
	configs  plugins.ConfigStore
	usage    plugins.UsageRecorder
	logger   *slog.Logger
}

// NewPluginRuntime creates the runtime. configs and usage may be nil when
// native configuration or usage accounting is not wired.
func NewPluginRuntime(registry plugins.Registry, configs plugins.ConfigStore, usage plugins.UsageRecorder, logger *slog.Logger) *PluginRuntime {
	if logger == nil {
		logger = slog.Default()
	}
	return &PluginRuntime{registry: registry, configs: configs, usage: usage, logger: logger}
}

func (r *PluginRuntime) Type() schema.NodeType { return schema.NodeTypePlugin }

func (r *PluginRuntime) Execute(ctx context.Context, req Request) *schema.NodeExecutionResult {
	pluginKey, fail := requireString(req.Inputs, "pluginKey")
	if fail != nil {
		return fail
	}

	tpl, err := r.registry.ResolveByKey(pluginKey)
	if err != nil {
		return schema.FailErr(err)
	}
	svc, err := r.registry.ResolveService(tpl.ImplementationHandle)
	if err != nil {
		return schema.FailErr(err)
	}

	if tpl.Kind == plugins.KindNative {
		if result := r.importConfig(ctx, tpl, svc, req.Inputs); result != nil {
			return result
		}
	}

	r.recordUsage(ctx, pluginKey)

	paramsJSON, err := serializeParams(req.Inputs["params"])
	if err != nil {
		return schema.FailErr(err)
	}

	result, err := svc.Execute(ctx, paramsJSON)
	if err != nil {
		return schema.FailErr(err)
	}

	return schema.Succeed(map[string]any{
		"result":     result,
		"pluginKey":  tpl.Key,
		"pluginName": tpl.Name,
		"pluginType": string(tpl.Kind),
	})
}

// importConfig resolves the configuration record for a native plugin: the
// explicit pluginId when given, else the first active instance for the
// template key. A missing implicit config is tolerated; a missing explicit
// one is a Failure.
func (r *PluginRuntime) importConfig(ctx context.Context, tpl *plugins.PluginTemplate, svc plugins.ExecutableService, inputs map[string]any) *schema.NodeExecutionResult {
	if r.configs == nil {
		return nil
	}

	var cfg *plugins.PluginConfig
	var err error
	if id, ok := inputs["pluginId"].(string); ok && id != "" {
		cfg, err = r.configs.GetConfig(ctx, id)
		if err != nil {
			return schema.Fail(fmt.Sprintf("plugin config %q: %v", id, err))
		}
	} else {
		cfg, err = r.configs.FirstActiveConfig(ctx, tpl.Key)
		if err != nil {
			return nil // no configured instance, execute unconfigured
		}
	}

	if cfg.ConfigJSON != "" {
		if err := svc.ImportConfig(cfg.ConfigJSON); err != nil {
			return schema.Fail(fmt.Sprintf("import config for plugin %q: %v", tpl.Key, err))
		}
	}
	return nil
}

// recordUsage bumps the usage counter without ever failing the caller. The
// goroutine detaches from the node's cancellation so a cancelled run still
// counts the attempt.
func (r *PluginRuntime) recordUsage(ctx context.Context, pluginKey string) {
	if r.usage == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		if err := r.usage.RecordUsage(bg, pluginKey); err != nil {
			r.logger.Warn("plugin usage increment failed",
				slog.String("plugin_key", pluginKey),
				slog.String("error", err.Error()))
		}
	}()
}

func serializeParams(params any) (string, error) {
	switch v := params.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation,
				"params are not JSON-serializable: %v", err).WithCause(err)
		}
		return string(raw), nil
	}
}
