package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veralt/nodeflow/internal/catalog"
	"github.com/veralt/nodeflow/internal/engine"
	"github.com/veralt/nodeflow/internal/expressions"
	"github.com/veralt/nodeflow/internal/nodes"
	"github.com/veralt/nodeflow/internal/plugins"
	"github.com/veralt/nodeflow/internal/sandbox"
	"github.com/veralt/nodeflow/internal/scheduler"
	"github.com/veralt/nodeflow/internal/secrets"
	"github.com/veralt/nodeflow/internal/store"
	"github.com/veralt/nodeflow/pkg/schema"
)

type fixture struct {
	store  *store.MemoryStore
	runner *engine.Runner
}

// newFixture assembles the full stack the CLI wires: every node runtime,
// plugin dispatch behind a circuit breaker with encrypted credentials, and
// an in-memory store for persistence.
func newFixture(t *testing.T, pluginURL string) *fixture {
	t.Helper()

	runStore := store.NewMemoryStore()

	cipher, err := secrets.NewCipher(secrets.CipherConfig{
		Passphrase: "e2e-secret",
		Salt:       []byte("e2e-salt-value"),
	})
	require.NoError(t, err)

	configs := plugins.NewEncryptedConfigStore(cipher)
	require.NoError(t, configs.Add(&plugins.PluginConfig{
		ID:         "cfg-echo",
		PluginKey:  "echo",
		ConfigJSON: `{"baseUrl":"` + pluginURL + `","bearerToken":"tok-e2e"}`,
		Active:     true,
	}))

	breakers := plugins.NewBreakerRegistry(plugins.BreakerConfig{})
	pluginRegistry := plugins.NewMemoryRegistry()
	pluginRegistry.RegisterTemplate(&plugins.PluginTemplate{
		Key:                  "echo",
		Name:                 "Echo Service",
		ImplementationHandle: "http.echo",
		Kind:                 plugins.KindNative,
	})
	pluginRegistry.RegisterService("http.echo",
		plugins.Guard(plugins.NewHTTPService(plugins.HTTPServiceConfig{}), breakers, "echo"))

	pluginRegistry.RegisterTemplate(&plugins.PluginTemplate{
		Key:                  "keywords",
		Name:                 "Keyword Extractor",
		ImplementationHandle: "mcp.keywords",
		Kind:                 plugins.KindTool,
	})
	pluginRegistry.RegisterService("mcp.keywords",
		plugins.NewMCPToolService(newKeywordToolClient(t), "extract_keywords", nil))

	reg := nodes.NewRegistry()
	require.NoError(t, reg.Register(nodes.NewStartRuntime()))
	require.NoError(t, reg.Register(nodes.NewEndRuntime()))
	require.NoError(t, reg.Register(nodes.NewConditionRuntime()))
	require.NoError(t, reg.Register(nodes.NewForEachRuntime()))
	require.NoError(t, reg.Register(nodes.NewForkRuntime(4, nil)))
	require.NoError(t, reg.Register(nodes.NewJavaScriptRuntime(
		sandbox.NewGojaEngine(sandbox.DefaultLimits(), nil))))
	require.NoError(t, reg.Register(nodes.NewDataProcessRuntime(expressions.NewResolver())))
	require.NoError(t, reg.Register(nodes.NewPluginRuntime(
		pluginRegistry, configs, store.NewUsageCounter(runStore), nil)))
	require.NoError(t, reg.Register(nodes.NewWikiRuntime(stubSearch{})))
	require.NoError(t, reg.Register(nodes.NewAiChatRuntime(stubChat{})))

	dispatcher, err := engine.NewDispatcher(reg, engine.Config{Store: runStore})
	require.NoError(t, err)

	return &fixture{
		store:  runStore,
		runner: engine.NewRunner(dispatcher, 4, runStore, nil),
	}
}

// newKeywordToolClient starts an in-process MCP server exposing one tool and
// returns an initialized client for it.
func newKeywordToolClient(t *testing.T) *mcpclient.Client {
	t.Helper()

	srv := mcpserver.NewMCPServer("keyword-tools", "1.0.0", mcpserver.WithToolCapabilities(false))
	srv.AddTool(
		mcp.NewTool("extract_keywords",
			mcp.WithDescription("Extract keywords from a text"),
			mcp.WithString("text", mcp.Required()),
		),
		func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			text, err := req.RequireString("text")
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText("keywords(" + text + ")"), nil
		},
	)

	cli, err := mcpclient.NewInProcessClient(srv)
	require.NoError(t, err)
	require.NoError(t, cli.Start(context.Background()))

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "e2e", Version: "0.0.1"}
	_, err = cli.Initialize(context.Background(), initReq)
	require.NoError(t, err)

	t.Cleanup(func() { cli.Close() })
	return cli
}

type stubSearch struct{}

func (stubSearch) Search(_ context.Context, req nodes.SearchRequest) (*nodes.SearchResponse, error) {
	return &nodes.SearchResponse{
		Query:  req.Query,
		Answer: "the answer to " + req.Query,
		Results: []nodes.SearchResult{
			{ChunkID: "c1", Text: "relevant passage", Relevance: 0.92},
		},
	}, nil
}

type stubChat struct{}

func (stubChat) Chat(_ context.Context, prompt, _ string) (string, error) {
	return "reply: " + prompt, nil
}

func loadExample(t *testing.T, name string) *schema.WorkflowDefinition {
	t.Helper()
	path := filepath.Join("..", "..", "examples", name, "workflow.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var def schema.WorkflowDefinition
	require.NoError(t, json.Unmarshal(data, &def))
	return &def
}

func TestEndToEnd_OrderPipelineExample(t *testing.T) {
	def := loadExample(t, "order-pipeline")

	validator, err := catalog.NewValidator()
	require.NoError(t, err)
	require.NoError(t, validator.ValidateDefinition(def))

	f := newFixture(t, "")
	defer f.runner.Shutdown()

	params := map[string]any{
		"items": []any{
			map[string]any{"sku": "A", "price": 30, "qty": 5},
			map[string]any{"sku": "B", "price": 10, "qty": 2},
		},
	}
	result, err := f.runner.Run(context.Background(), def, params)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, result.Status)

	// subtotal 170 crosses the bulk threshold, so the discount applies.
	receipt, ok := result.Outputs["receipt"].(map[string]any)
	require.True(t, ok, "receipt output: %#v", result.Outputs)
	assert.EqualValues(t, 153, receipt["total"])
	assert.EqualValues(t, 2, receipt["items"])
	assert.EqualValues(t, 2, result.Outputs["tagged"])

	run, err := f.store.GetRun(context.Background(), result.InstanceID)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, run.Status)

	records, err := f.store.ListNodeRecords(context.Background(), result.InstanceID)
	require.NoError(t, err)
	assert.NotEmpty(t, records)
	for _, rec := range records {
		assert.Equal(t, schema.NodeStateCompleted, rec.State, rec.NodeKey)
	}
}

func TestEndToEnd_SmallOrderSkipsDiscount(t *testing.T) {
	def := loadExample(t, "order-pipeline")

	f := newFixture(t, "")
	defer f.runner.Shutdown()

	params := map[string]any{
		"items": []any{
			map[string]any{"sku": "A", "price": 5, "qty": 1},
		},
	}
	result, err := f.runner.Run(context.Background(), def, params)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, result.Status)

	receipt := result.Outputs["receipt"].(map[string]any)
	assert.EqualValues(t, 5, receipt["total"])
}

func TestEndToEnd_PluginDispatchWithSealedCredentials(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"echoed":true}`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	defer f.runner.Shutdown()

	def := &schema.WorkflowDefinition{
		ID: "wf-plugin",
		Nodes: []schema.NodeSpec{
			{Key: "start", Type: schema.NodeTypeStart},
			{Key: "call", Type: schema.NodeTypePlugin, Inputs: map[string]any{
				"pluginKey": "echo",
				"params":    map[string]any{"url": "/v1/echo"},
			}},
			{Key: "end", Type: schema.NodeTypeEnd, Inputs: map[string]any{
				"raw": "${{call.result}}",
			}},
		},
		Edges: []schema.EdgeSpec{
			{Source: "start", Target: "call"},
			{Source: "call", Target: "end"},
		},
	}

	result, err := f.runner.Run(context.Background(), def, nil)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, result.Status)

	assert.Equal(t, "Bearer tok-e2e", gotAuth)
	assert.Contains(t, result.Outputs["raw"].(string), `"echoed":true`)

	// Usage accounting is fire-and-forget, so poll for the increment.
	assert.Eventually(t, func() bool {
		n, err := f.store.GetPluginUsage(context.Background(), "echo")
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)
}

func TestEndToEnd_MCPToolPlugin(t *testing.T) {
	f := newFixture(t, "")
	defer f.runner.Shutdown()

	def := &schema.WorkflowDefinition{
		ID: "wf-mcp",
		Nodes: []schema.NodeSpec{
			{Key: "start", Type: schema.NodeTypeStart},
			{Key: "tag", Type: schema.NodeTypePlugin, Inputs: map[string]any{
				"pluginKey": "keywords",
				"params":    map[string]any{"text": "${{input.text}}"},
			}},
			{Key: "end", Type: schema.NodeTypeEnd, Inputs: map[string]any{
				"tags": "${{tag.result}}",
			}},
		},
		Edges: []schema.EdgeSpec{
			{Source: "start", Target: "tag"},
			{Source: "tag", Target: "end"},
		},
	}

	result, err := f.runner.Run(context.Background(), def,
		map[string]any{"text": "returns and refunds"})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, result.Status)
	assert.Equal(t, "keywords(returns and refunds)", result.Outputs["tags"])
}

func TestEndToEnd_WikiFeedsChatPrompt(t *testing.T) {
	f := newFixture(t, "")
	defer f.runner.Shutdown()

	def := &schema.WorkflowDefinition{
		ID: "wf-rag",
		Nodes: []schema.NodeSpec{
			{Key: "start", Type: schema.NodeTypeStart},
			{Key: "lookup", Type: schema.NodeTypeWiki, Inputs: map[string]any{
				"wikiId":   "kb-1",
				"query":    "${{input.question}}",
				"isAnswer": true,
			}},
			{Key: "respond", Type: schema.NodeTypeAiChat, Inputs: map[string]any{
				"prompt": "${{lookup.answer}}",
			}},
			{Key: "end", Type: schema.NodeTypeEnd, Inputs: map[string]any{
				"reply": "${{respond.reply}}",
			}},
		},
		Edges: []schema.EdgeSpec{
			{Source: "start", Target: "lookup"},
			{Source: "lookup", Target: "respond"},
			{Source: "respond", Target: "end"},
		},
	}

	result, err := f.runner.Run(context.Background(), def,
		map[string]any{"question": "shipping policy"})
	require.NoError(t, err)
	require.Equal(t, store.RunStatusCompleted, result.Status)
	assert.Equal(t, "reply: the answer to shipping policy", result.Outputs["reply"])
}

func TestEndToEnd_ScheduledJobLaunchesStoredDefinition(t *testing.T) {
	f := newFixture(t, "")
	defer f.runner.Shutdown()

	ctx := context.Background()
	def := &schema.WorkflowDefinition{
		ID: "wf-cron",
		Nodes: []schema.NodeSpec{
			{Key: "start", Type: schema.NodeTypeStart},
			{Key: "end", Type: schema.NodeTypeEnd, Inputs: map[string]any{
				"ok": true,
			}},
		},
		Edges: []schema.EdgeSpec{
			{Source: "start", Target: "end"},
		},
	}
	require.NoError(t, f.store.SaveDefinition(ctx, def))
	require.NoError(t, f.store.CreateScheduledJob(ctx, &store.ScheduledJob{
		ID:           "job-1",
		DefinitionID: "wf-cron",
		CronExpr:     "* * * * *",
		Enabled:      true,
	}))

	sched := scheduler.NewScheduler(f.store, f.runner, nil)
	sched.Tick(ctx)

	runs, err := f.store.ListRuns(ctx, store.RunFilter{DefinitionID: "wf-cron"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, store.RunStatusCompleted, runs[0].Status)

	jobs, err := f.store.ListScheduledJobs(ctx, false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].LastRunAt)
	assert.Empty(t, jobs[0].LastError)
}
