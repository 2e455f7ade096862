package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"steward/internal/domain"
)

const ollamaBaseURL = "http://localhost:11434/api"

// OllamaProvider calls the chat endpoint of a local Ollama server.
type OllamaProvider struct {
	endpoint
	newID func() string
}

// NewOllamaProvider returns an Ollama-backed ChatModel. baseURL defaults to
// the local server.
func NewOllamaProvider(baseURL string) *OllamaProvider {
	if baseURL == "" {
		baseURL = ollamaBaseURL
	}
	return &OllamaProvider{
		endpoint: newEndpoint("ollama", strings.TrimSuffix(baseURL, "/")+"/chat", nil),
		newID:    uuid.NewString,
	}
}

// WithLogger sets the logger used for trace-level payload logs.
func (p *OllamaProvider) WithLogger(l *slog.Logger) *OllamaProvider {
	if l != nil {
		p.logger = l
	}
	return p
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Tools    []openAITool    `json:"tools,omitempty"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	TopP        float64 `json:"top_p"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	Images    []string         `json:"images,omitempty"` // raw base64
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaResponse struct {
	Message         ollamaMessage `json:"message"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

// Complete implements domain.ChatModel. Ollama does not number tool calls,
// so fresh ids are assigned.
func (p *OllamaProvider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	body := ollamaRequest{
		Model:   req.Model,
		Stream:  false,
		Options: ollamaOptions{Temperature: req.Temperature, TopP: req.TopP, NumPredict: req.MaxTokens},
	}
	if req.System != "" {
		body.Messages = append(body.Messages, ollamaMessage{Role: string(domain.RoleSystem), Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toOllamaMessage(m))
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, openAITool{
			Type:     "function",
			Function: openAIFunction{Name: t.Name, Description: t.Description, Parameters: parameters(t.InputSchema)},
		})
	}

	var out ollamaResponse
	if err := p.post(ctx, body, &out); err != nil {
		return nil, err
	}
	msg := domain.ChatMessage{Role: domain.RoleAssistant, Content: out.Message.Content}
	for _, tc := range out.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
			ID:        p.newID(),
			Name:      tc.Function.Name,
			Arguments: arguments(tc.Function.Arguments),
		})
	}
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return nil, fmt.Errorf("ollama: empty response")
	}
	return &domain.CompletionResponse{
		Message: msg,
		Usage:   domain.Usage{PromptTokens: out.PromptEvalCount, CompletionTokens: out.EvalCount},
	}, nil
}

func toOllamaMessage(m domain.ChatMessage) ollamaMessage {
	out := ollamaMessage{Role: string(m.Role), Content: m.Content}
	if m.Role == domain.RoleTool {
		out.ToolName = m.Name
	}
	var text []string
	for _, b := range m.Parts {
		switch blk := b.(type) {
		case domain.TextBlock:
			text = append(text, blk.Text)
		case domain.ImageBlock:
			if _, data, ok := parseDataURL(blk.URL); ok {
				out.Images = append(out.Images, data)
			}
		}
	}
	if len(text) > 0 {
		out.Content = strings.TrimSpace(out.Content + "\n" + strings.Join(text, "\n"))
	}
	for _, tc := range m.ToolCalls {
		var call ollamaToolCall
		call.Function.Name = tc.Name
		call.Function.Arguments = arguments(tc.Arguments)
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out
}

var _ domain.ChatModel = (*OllamaProvider)(nil)
