package llm

import "steward/internal/domain"

const openRouterBaseURL = "https://openrouter.ai/api/v1/chat/completions"

// OpenRouterProvider calls the OpenRouter Chat Completions API, which
// follows the OpenAI wire format.
type OpenRouterProvider struct {
	*OpenAIProvider
}

// NewOpenRouterProvider returns an OpenRouter-backed ChatModel.
func NewOpenRouterProvider(apiKey string) *OpenRouterProvider {
	p := &OpenAIProvider{endpoint: newEndpoint("openrouter", openRouterBaseURL, map[string]string{
		"Authorization": "Bearer " + apiKey,
		"X-Title":       "steward",
	})}
	return &OpenRouterProvider{OpenAIProvider: p}
}

var _ domain.ChatModel = (*OpenRouterProvider)(nil)
