package plugins

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/veralt/nodeflow/pkg/schema"
)

// MCPToolService exposes one tool of an MCP server as an ExecutableService.
// Tool-kind plugin templates can point their implementation handle at a
// registered instance of this service.
type MCPToolService struct {
	client   mcpclient.MCPClient
	toolName string
	logger   *slog.Logger
}

// NewMCPToolService wraps an MCP client and a tool name.
func NewMCPToolService(client mcpclient.MCPClient, toolName string, logger *slog.Logger) *MCPToolService {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPToolService{client: client, toolName: toolName, logger: logger}
}

// Execute calls the tool with the params decoded as its arguments. A params
// string that is not a JSON object is forwarded under an "input" argument.
func (s *MCPToolService) Execute(ctx context.Context, paramsJSON string) (string, error) {
	args := map[string]any{}
	trimmed := strings.TrimSpace(paramsJSON)
	if trimmed != "" {
		if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
			args = map[string]any{"input": paramsJSON}
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = s.toolName
	req.Params.Arguments = args

	result, err := s.client.CallTool(ctx, req)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePluginDispatch,
			"tool %q call failed: %v", s.toolName, err).WithCause(err)
	}
	if result == nil {
		return "", nil
	}

	text := flattenContent(result.Content)
	if result.IsError {
		if text == "" {
			text = "tool reported an error without details"
		}
		return "", schema.NewErrorf(schema.ErrCodePluginDispatch, "tool %q: %s", s.toolName, text)
	}
	return text, nil
}

// ImportConfig is a no-op: MCP tools carry their own server-side config.
func (s *MCPToolService) ImportConfig(string) error { return nil }

func flattenContent(content []mcp.Content) string {
	var parts []string
	for _, item := range content {
		if tc, ok := item.(mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}
