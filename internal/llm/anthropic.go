package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"steward/internal/domain"
)

const (
	anthropicAPIBase     = "https://api.anthropic.com/v1/messages"
	anthropicVersion     = "2023-06-01"
	anthropicMaxTokens   = 4096
	anthropicSystemLabel = "[system] "
)

// AnthropicProvider calls the Anthropic Messages API.
type AnthropicProvider struct {
	endpoint
}

// NewAnthropicProvider returns an Anthropic-backed ChatModel.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{endpoint: newEndpoint("anthropic", anthropicAPIBase, map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
	})}
}

// WithLogger sets the logger used for trace-level payload logs.
func (p *AnthropicProvider) WithLogger(l *slog.Logger) *AnthropicProvider {
	if l != nil {
		p.logger = l
	}
	return p
}

type anthropicRequest struct {
	Model       string               `json:"model"`
	MaxTokens   int                  `json:"max_tokens"`
	System      string               `json:"system,omitempty"`
	Messages    []anthropicMessage   `json:"messages"`
	Tools       []anthropicTool      `json:"tools,omitempty"`
	ToolChoice  *anthropicToolChoice `json:"tool_choice,omitempty"`
	Temperature float64              `json:"temperature"`
	TopP        *float64             `json:"top_p,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock covers the text, image, tool_use and tool_result blocks.
type anthropicBlock struct {
	Type      string           `json:"type"`
	Text      string           `json:"text,omitempty"`
	Source    *anthropicSource `json:"source,omitempty"`
	ID        string           `json:"id,omitempty"`
	Name      string           `json:"name,omitempty"`
	Input     json.RawMessage  `json:"input,omitempty"`
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   string           `json:"content,omitempty"`
	IsError   bool             `json:"is_error,omitempty"`
}

type anthropicSource struct {
	Type      string `json:"type"` // "base64" | "url"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type anthropicToolChoice struct {
	Type string `json:"type"` // "auto" | "any"
}

type anthropicResponse struct {
	Content []anthropicBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete implements domain.ChatModel.
func (p *AnthropicProvider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	var out anthropicResponse
	if err := p.post(ctx, toAnthropicRequest(req), &out); err != nil {
		return nil, err
	}
	msg := domain.ChatMessage{Role: domain.RoleAssistant}
	var text strings.Builder
	for _, b := range out.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{ID: b.ID, Name: b.Name, Arguments: arguments(b.Input)})
		}
	}
	msg.Content = text.String()
	return &domain.CompletionResponse{
		Message: msg,
		Usage: domain.Usage{
			PromptTokens:     out.Usage.InputTokens,
			CompletionTokens: out.Usage.OutputTokens,
		},
	}, nil
}

func toAnthropicRequest(req *domain.CompletionRequest) anthropicRequest {
	body := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Temperature: req.Temperature,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = anthropicMaxTokens
	}
	if req.TopP > 0 && req.TopP < 1 {
		topP := req.TopP
		body.TopP = &topP
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: parameters(t.InputSchema),
		})
	}
	if len(body.Tools) > 0 && req.ToolChoice == domain.ToolChoiceRequired {
		body.ToolChoice = &anthropicToolChoice{Type: "any"}
	}
	for _, m := range req.Messages {
		role, blocks := toAnthropicBlocks(m)
		if len(blocks) == 0 {
			continue
		}
		// Consecutive messages of one role are merged; tool results always
		// follow the assistant turn that requested them.
		if n := len(body.Messages); n > 0 && body.Messages[n-1].Role == role {
			body.Messages[n-1].Content = append(body.Messages[n-1].Content, blocks...)
			continue
		}
		body.Messages = append(body.Messages, anthropicMessage{Role: role, Content: blocks})
	}
	return body
}

func toAnthropicBlocks(m domain.ChatMessage) (string, []anthropicBlock) {
	switch m.Role {
	case domain.RoleTool:
		isErr := strings.HasPrefix(m.Content, `{"error":`)
		return "user", []anthropicBlock{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content, IsError: isErr}}
	case domain.RoleAssistant:
		var blocks []anthropicBlock
		if m.Content != "" {
			blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: arguments(tc.Arguments)})
		}
		return "assistant", blocks
	case domain.RoleSystem:
		// The Messages API has no system turns inside the conversation.
		return "user", []anthropicBlock{{Type: "text", Text: anthropicSystemLabel + m.Content}}
	}

	var blocks []anthropicBlock
	for _, b := range m.Parts {
		switch blk := b.(type) {
		case domain.TextBlock:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: blk.Text})
		case domain.ImageBlock:
			blocks = append(blocks, anthropicImage(blk.URL))
		}
	}
	if m.Content != "" {
		blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
	}
	return "user", blocks
}

func anthropicImage(u string) anthropicBlock {
	if mime, data, ok := parseDataURL(u); ok {
		return anthropicBlock{Type: "image", Source: &anthropicSource{Type: "base64", MediaType: mime, Data: data}}
	}
	return anthropicBlock{Type: "image", Source: &anthropicSource{Type: "url", URL: u}}
}

var _ domain.ChatModel = (*AnthropicProvider)(nil)
