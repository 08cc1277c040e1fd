package nodes

import (
	"context"

	"github.com/veralt/nodeflow/pkg/schema"
)

// StartRuntime opens a run. Its resolved inputs pass straight through as
// outputs so downstream nodes can reference them under the start node's key.
type StartRuntime struct{}

func NewStartRuntime() *StartRuntime { return &StartRuntime{} }

func (r *StartRuntime) Type() schema.NodeType { return schema.NodeTypeStart }

func (r *StartRuntime) Execute(_ context.Context, req Request) *schema.NodeExecutionResult {
	return schema.Succeed(req.Inputs)
}

// EndRuntime closes a run. Its resolved inputs become the run's final
// outputs.
type EndRuntime struct{}

func NewEndRuntime() *EndRuntime { return &EndRuntime{} }

func (r *EndRuntime) Type() schema.NodeType { return schema.NodeTypeEnd }

func (r *EndRuntime) Execute(_ context.Context, req Request) *schema.NodeExecutionResult {
	return schema.Succeed(req.Inputs)
}

// ChatService is the model-backed chat collaborator consumed by the aichat
// runtime.
type ChatService interface {
	Chat(ctx context.Context, prompt, modelID string) (string, error)
}

// AiChatRuntime sends an interpolated prompt to the chat collaborator.
type AiChatRuntime struct {
	chat ChatService
}

func NewAiChatRuntime(chat ChatService) *AiChatRuntime {
	return &AiChatRuntime{chat: chat}
}

func (r *AiChatRuntime) Type() schema.NodeType { return schema.NodeTypeAiChat }

func (r *AiChatRuntime) Execute(ctx context.Context, req Request) *schema.NodeExecutionResult {
	prompt, fail := requireString(req.Inputs, "prompt")
	if fail != nil {
		return fail
	}
	if r.chat == nil {
		return schema.Fail("no chat service configured")
	}

	modelID, _ := req.Inputs["modelId"].(string)
	reply, err := r.chat.Chat(ctx, prompt, modelID)
	if err != nil {
		return schema.FailErr(err)
	}
	return schema.Succeed(map[string]any{
		"reply":   reply,
		"modelId": modelID,
	})
}
