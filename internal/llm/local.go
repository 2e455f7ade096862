package llm

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"steward/internal/domain"
)

// LocalProvider is a scripted model for running without API keys. It
// answers the latest user message with SendMessage and ends the turn with
// DoNothing once a tool result comes back.
type LocalProvider struct {
	Prefix string // prepended to the echoed message
	newID  func() string
}

// NewLocalProvider returns a local provider that echoes user messages with prefix.
func NewLocalProvider(prefix string) *LocalProvider {
	return &LocalProvider{Prefix: prefix, newID: uuid.NewString}
}

// Complete implements domain.ChatModel.
func (p *LocalProvider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := p.Prefix + lastUserText(req.Messages)
	msg := domain.ChatMessage{Role: domain.RoleAssistant}

	afterTool := len(req.Messages) > 0 && req.Messages[len(req.Messages)-1].Role == domain.RoleTool
	switch {
	case afterTool && offers(req.Tools, "DoNothing"):
		msg.ToolCalls = []domain.ToolCall{{ID: p.newID(), Name: "DoNothing", Arguments: json.RawMessage("{}")}}
	case afterTool:
		msg.Content = "Done."
	case offers(req.Tools, "SendMessage"):
		// Marshaling a string map cannot fail.
		args, _ := json.Marshal(map[string]string{"message": text})
		msg.ToolCalls = []domain.ToolCall{{ID: p.newID(), Name: "SendMessage", Arguments: args}}
	default:
		msg.Content = text
	}
	return &domain.CompletionResponse{Message: msg}, nil
}

func offers(tools []domain.ToolDefinition, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// lastUserText extracts the message text of the newest user envelope.
func lastUserText(msgs []domain.ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != domain.RoleUser {
			continue
		}
		raw := msgs[i].Text()
		var env struct {
			Message *string `json:"message"`
		}
		if json.Unmarshal([]byte(raw), &env) == nil && env.Message != nil {
			return *env.Message
		}
		return raw
	}
	return ""
}

var _ domain.ChatModel = (*LocalProvider)(nil)
