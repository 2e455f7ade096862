package domain

import "context"

// ChatModel completes a conversation, possibly with tool calls. Provider
// adapters, the retry and key-pool decorators, and test fakes implement it.
type ChatModel interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// Replier delivers text to a channel. Implementations split text that exceeds
// the platform's message limit.
type Replier interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// Indicator shows that the agent is working in a channel until release is called.
type Indicator interface {
	Working(ctx context.Context, channelID string) (release func())
}

// Transport is the outbound side of a chat platform.
type Transport interface {
	Replier
	Indicator
}

// SessionHistoryStore is the durable copy of one channel's log.
type SessionHistoryStore interface {
	Append(msg Message) error
	// LoadHistory returns up to the last n entries, oldest first. A store
	// with nothing persisted returns no entries and no error.
	LoadHistory(n int) ([]Message, error)
}

// Tokenizer measures text in model tokens.
type Tokenizer interface {
	CountTokens(text string) (int, error)
}

// ContextManager trims a conversation to a token budget. The system prompt
// always counts against the budget; the oldest turns go first.
type ContextManager interface {
	FitToWindow(messages []ChatMessage, systemPrompt string) ([]ChatMessage, error)
}
