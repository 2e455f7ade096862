// Package context fits a conversation window into a model's token budget.
package context

import (
	"fmt"

	"steward/internal/domain"
)

const (
	// MessageOverhead approximates the per-message framing tokens of chat APIs.
	MessageOverhead = 4
	// ImageTokens is the price of one image downscaled to 1024px at high detail.
	ImageTokens = 765
)

// Manager drops the oldest messages until the window fits maxTokens.
type Manager struct {
	tokenizer domain.Tokenizer
	maxTokens int
}

// NewManager panics if tokenizer is nil or maxTokens <= 0.
func NewManager(tokenizer domain.Tokenizer, maxTokens int) *Manager {
	if tokenizer == nil {
		panic("context: tokenizer must not be nil")
	}
	if maxTokens <= 0 {
		panic("context: maxTokens must be > 0")
	}
	return &Manager{tokenizer: tokenizer, maxTokens: maxTokens}
}

// Cost returns the estimated tokens msg occupies in a request.
func (m *Manager) Cost(msg domain.ChatMessage) (int, error) {
	n, err := m.tokenizer.CountTokens(MessageText(msg))
	if err != nil {
		return 0, err
	}
	return MessageOverhead + n + ImageCount(msg)*ImageTokens, nil
}

// FitToWindow keeps the newest messages that fit next to systemPrompt. A tool
// call and its results are kept or dropped as one unit, so the window never
// opens with an orphaned result. The newest unit is always kept, even alone
// over budget, so the model always sees what it is answering.
func (m *Manager) FitToWindow(messages []domain.ChatMessage, systemPrompt string) ([]domain.ChatMessage, error) {
	if len(messages) == 0 {
		return []domain.ChatMessage{}, nil
	}
	used := 0
	if systemPrompt != "" {
		n, err := m.tokenizer.CountTokens(systemPrompt)
		if err != nil {
			return nil, fmt.Errorf("context: counting system prompt: %w", err)
		}
		if n > m.maxTokens {
			return nil, fmt.Errorf("context: system prompt (%d tokens) exceeds limit (%d tokens)", n, m.maxTokens)
		}
		used = n
	}

	units := groups(messages)
	start := len(messages)
	for u := len(units) - 1; u >= 0; u-- {
		cost := 0
		for i := units[u][0]; i < units[u][1]; i++ {
			c, err := m.Cost(messages[i])
			if err != nil {
				return nil, fmt.Errorf("context: counting message %d: %w", i, err)
			}
			cost += c
		}
		if used+cost > m.maxTokens && start < len(messages) {
			break
		}
		used += cost
		start = units[u][0]
	}

	// Results whose call fell outside the input window have no anchor.
	for start < len(messages)-1 && messages[start].Role == domain.RoleTool {
		start++
	}
	return messages[start:], nil
}

var _ domain.ContextManager = (*Manager)(nil)
