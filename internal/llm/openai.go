package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"

	"steward/internal/domain"
)

const openAIBaseURL = "https://api.openai.com/v1/chat/completions"

// OpenAIProvider calls the OpenAI Chat Completions API. OpenRouter reuses
// it with a different endpoint.
type OpenAIProvider struct {
	endpoint
}

// NewOpenAIProvider returns an OpenAI-backed ChatModel.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{endpoint: newEndpoint("openai", openAIBaseURL, map[string]string{
		"Authorization": "Bearer " + apiKey,
	})}
}

// WithLogger sets the logger used for trace-level payload logs.
func (p *OpenAIProvider) WithLogger(l *slog.Logger) *OpenAIProvider {
	if l != nil {
		p.logger = l
	}
	return p
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  string          `json:"tool_choice,omitempty"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// openAIMessage.Content is a string, a []openAIPart, or nil.
type openAIMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"`
	Name       string           `json:"name,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type openAITool struct {
	Type     string         `json:"type"`
	Function openAIFunction `json:"function"`
}

type openAIFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Role      string           `json:"role"`
			Content   *string          `json:"content"`
			ToolCalls []openAIToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete implements domain.ChatModel.
func (p *OpenAIProvider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	var out openAIResponse
	if err := p.post(ctx, toOpenAIRequest(req), &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("%s: no choices in response", p.provider)
	}
	m := out.Choices[0].Message
	msg := domain.ChatMessage{Role: domain.RoleAssistant}
	if m.Content != nil {
		msg.Content = *m.Content
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: arguments(json.RawMessage(tc.Function.Arguments)),
		})
	}
	return &domain.CompletionResponse{
		Message: msg,
		Usage: domain.Usage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

func toOpenAIRequest(req *domain.CompletionRequest) openAIRequest {
	body := openAIRequest{
		Model:       req.Model,
		ToolChoice:  req.ToolChoice,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, openAIMessage{Role: string(domain.RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toOpenAIMessage(m))
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type: "function",
			Function: openAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  parameters(t.InputSchema),
			},
		})
	}
	if len(body.Tools) == 0 {
		body.ToolChoice = ""
	}
	return body
}

func toOpenAIMessage(m domain.ChatMessage) openAIMessage {
	out := openAIMessage{
		Role:       string(m.Role),
		Name:       sanitizeName(m.Name),
		ToolCallID: m.ToolCallID,
	}
	// Only user and assistant messages may carry a name.
	if m.Role == domain.RoleTool || m.Role == domain.RoleSystem {
		out.Name = ""
	}
	switch {
	case len(m.Parts) > 0:
		parts := make([]openAIPart, 0, len(m.Parts))
		for _, b := range m.Parts {
			switch blk := b.(type) {
			case domain.TextBlock:
				parts = append(parts, openAIPart{Type: "text", Text: blk.Text})
			case domain.ImageBlock:
				parts = append(parts, openAIPart{Type: "image_url", ImageURL: &openAIImageURL{URL: blk.URL}})
			}
		}
		out.Content = parts
	case m.Content != "" || len(m.ToolCalls) == 0:
		out.Content = m.Content
	}
	for _, tc := range m.ToolCalls {
		call := openAIToolCall{ID: tc.ID, Type: "function"}
		call.Function.Name = tc.Name
		call.Function.Arguments = string(arguments(tc.Arguments))
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitizeName maps a participant name onto the characters the API accepts.
func sanitizeName(name string) string {
	name = invalidNameChars.ReplaceAllString(name, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

var _ domain.ChatModel = (*OpenAIProvider)(nil)
