package domain

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Core Configuration
// =============================================================================

type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Telegram   TelegramConfig   `json:"telegram"`
	Agents     AgentsConfig     `json:"agents"`
	Loop       LoopConfig       `json:"loop"`
	Timeouts   TimeoutConfig    `json:"timeouts"`
	Storage    StorageConfig    `json:"storage"`
	Infra      InfraConfig      `json:"infra"`
	Retry      RetryConfig      `json:"retry"`
	Superusers []string         `json:"superusers"` // platform-qualified user IDs, e.g. "telegram:1234"
	Schedules  []ScheduleConfig `json:"schedules,omitempty"`
	TimeZone   string           `json:"timeZone,omitempty"` // IANA zone for the date/time section

	// Pricing maps model names to token prices. Unlisted models are free.
	Pricing map[string]PricingEntry `json:"pricing,omitempty"`
}

// PricingEntry is a model's price in USD per million tokens.
type PricingEntry struct {
	InputPerMillion  float64 `json:"inputPerMillion"`
	OutputPerMillion float64 `json:"outputPerMillion"`
}

// RetryConfig controls retry behaviour for external API calls (LLM, webhooks).
type RetryConfig struct {
	MaxRetries     int `json:"maxRetries"`     // Maximum retry attempts (0 = no retries)
	InitialBackoff int `json:"initialBackoff"` // Initial backoff in milliseconds
	MaxBackoff     int `json:"maxBackoff"`     // Maximum backoff in milliseconds
	Multiplier     int `json:"multiplier"`     // Backoff multiplier (e.g. 2 for exponential doubling)
}

type GatewayConfig struct {
	Enabled bool       `json:"enabled"`
	Port    int        `json:"port"`
	Auth    AuthConfig `json:"auth"`
}

type AuthConfig struct {
	AuthToken string `json:"authToken,omitempty"` // When set, gateway requires Authorization: Bearer <authToken>
}

type TelegramConfig struct {
	Enabled bool `json:"enabled"`
	// PollTimeout is the long-poll timeout in seconds.
	PollTimeout int `json:"pollTimeout,omitempty"`
}

type AgentsConfig struct {
	Provider       string           `json:"provider"` // "openai" | "anthropic" | "openrouter" | "ollama" | "local"
	DefaultModel   string           `json:"defaultModel"`
	Fallbacks      []FallbackConfig `json:"fallbacks,omitempty"` // optional failover providers
	Temperature    float64          `json:"temperature"`
	TopP           float64          `json:"topP"`
	MaxTokens      int              `json:"maxTokens"`
	PersonasFile   string           `json:"personasFile"`
	DefaultPersona string           `json:"defaultPersona"`
}

// FallbackConfig describes an alternative LLM provider for failover.
type FallbackConfig struct {
	Provider     string `json:"provider"`
	DefaultModel string `json:"defaultModel"`
}

// LoopConfig bounds the orchestration loop.
type LoopConfig struct {
	MaxIterations int `json:"maxIterations"`
	HistoryWindow int `json:"historyWindow"`
	// ContextTokens enables token-based fitting of the prompt window when > 0.
	ContextTokens int    `json:"contextTokens,omitempty"`
	Encoding      string `json:"encoding,omitempty"`
}

// TimeoutConfig holds per-call deadlines in seconds.
type TimeoutConfig struct {
	ModelSeconds    int `json:"modelSeconds"`
	ToolSeconds     int `json:"toolSeconds"`
	DownloadSeconds int `json:"downloadSeconds"`
}

func (t TimeoutConfig) Model() time.Duration    { return seconds(t.ModelSeconds) }
func (t TimeoutConfig) Tool() time.Duration     { return seconds(t.ToolSeconds) }
func (t TimeoutConfig) Download() time.Duration { return seconds(t.DownloadSeconds) }

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

type StorageConfig struct {
	DatabaseURL string `json:"databaseUrl"` // "file:..." (sqlite) or "libsql://..."
	HistoryDir  string `json:"historyDir"`
	// HistoryMaxLines trims each channel's history file on first load; 0 keeps everything.
	HistoryMaxLines int `json:"historyMaxLines"`
}

// ScheduleConfig injects a synthetic event into a channel on a cron schedule.
type ScheduleConfig struct {
	ID        string `json:"id"`
	Cron      string `json:"cron"`
	Transport string `json:"transport"` // "telegram" | "gateway"
	ChannelID string `json:"channelId"`
	Prompt    string `json:"prompt"`
}

type InfraConfig struct {
	LogFormat string `json:"logFormat"` // "json" | "text"
	LogLevel  string `json:"logLevel"`
}

// =============================================================================
// Channel status
// =============================================================================

type AgentStatus string

const (
	StatusIdle     AgentStatus = "idle"
	StatusThinking AgentStatus = "thinking"
	StatusFailed   AgentStatus = "failed"
)

// =============================================================================
// Model protocol
// =============================================================================

type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// ChatMessage is the provider-neutral message exchanged with a ChatModel.
// Plain text lives in Content; multimodal user content lives in Parts.
type ChatMessage struct {
	Role       MessageRole    `json:"role"`
	Content    string         `json:"content,omitempty"`
	Parts      []ContentBlock `json:"-"`
	Name       string         `json:"name,omitempty"`
	ToolCalls  []ToolCall     `json:"toolCalls,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
}

// Text returns Content, or the concatenated text parts when Content is empty.
func (m ChatMessage) Text() string {
	if m.Content != "" || len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if tb, ok := p.(TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}

type chatMessageJSON struct {
	Role       MessageRole     `json:"role"`
	Content    string          `json:"content,omitempty"`
	Parts      json.RawMessage `json:"parts,omitempty"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"toolCalls,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
}

// MarshalJSON encodes Parts with their block type so they survive a round trip.
func (m ChatMessage) MarshalJSON() ([]byte, error) {
	out := chatMessageJSON{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
	}
	if len(m.Parts) > 0 {
		parts := make([]map[string]any, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch b := p.(type) {
			case TextBlock:
				parts = append(parts, map[string]any{"type": BlockText, "text": b.Text})
			case ImageBlock:
				parts = append(parts, map[string]any{"type": BlockImage, "url": b.URL})
			}
		}
		raw, err := json.Marshal(parts)
		if err != nil {
			return nil, err
		}
		out.Parts = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements custom unmarshaling for polymorphic parts.
// Each element is decoded by its "type" field into the matching ContentBlock.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	var a chatMessageJSON
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = ChatMessage{
		Role:       a.Role,
		Content:    a.Content,
		Name:       a.Name,
		ToolCalls:  a.ToolCalls,
		ToolCallID: a.ToolCallID,
	}
	if len(a.Parts) == 0 {
		return nil
	}
	blocks, err := parseContentBlocks(a.Parts)
	if err != nil {
		return err
	}
	m.Parts = blocks
	return nil
}

// parseContentBlocks decodes an array of typed blocks. Unknown block types are skipped.
func parseContentBlocks(content json.RawMessage) ([]ContentBlock, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, err
	}
	blocks := make([]ContentBlock, 0, len(raw))
	for _, r := range raw {
		var typeOnly struct {
			Type BlockType `json:"type"`
		}
		if err := json.Unmarshal(r, &typeOnly); err != nil {
			continue
		}
		switch typeOnly.Type {
		case BlockText:
			var b TextBlock
			if err := json.Unmarshal(r, &b); err == nil {
				blocks = append(blocks, b)
			}
		case BlockImage:
			var b ImageBlock
			if err := json.Unmarshal(r, &b); err == nil {
				blocks = append(blocks, b)
			}
		}
	}
	return blocks, nil
}

type BlockType string

const (
	BlockText  BlockType = "text"
	BlockImage BlockType = "image"
)

type ContentBlock interface {
	Type() BlockType
}

type TextBlock struct {
	Text string `json:"text"`
}

func (TextBlock) Type() BlockType { return BlockText }

// ImageBlock references an image by URL; data URLs carry inline content.
type ImageBlock struct {
	URL string `json:"url"`
}

func (ImageBlock) Type() BlockType { return BlockImage }

// ToolCall is one function invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolDefinition is a function schema offered to the model. An empty
// InputSchema means the function takes no parameters.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoiceRequired obliges the model to call at least one function.
const ToolChoiceRequired = "required"

// CompletionRequest is a single chat-completion call.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolDefinition
	ToolChoice  string
	Temperature float64
	TopP        float64
	MaxTokens   int
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

type CompletionResponse struct {
	Message ChatMessage
	Usage   Usage
}

// Section is a titled block of dynamic state a tool contributes to the system prompt.
type Section struct {
	Name    string
	Content string
}
