package llm

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"

	"steward/internal/domain"
	"steward/internal/retry"
)

// defaultCooldownDuration benches a rate-limited key that got no Retry-After.
const defaultCooldownDuration = time.Minute

// SecretGetter returns a secret by name, such as "openai_api_key".
type SecretGetter func(name string) (string, error)

// Providers lists the accepted values of agents.provider.
var Providers = []string{"local", "openai", "anthropic", "openrouter", "ollama"}

// NamedModel is a fallback model together with the model id sent to it.
type NamedModel struct {
	Model     domain.ChatModel
	ModelName string
}

// NewProvider returns the ChatModel for provider, wrapped with retries when
// retryCfg allows them. An empty provider means "local". logger may be nil.
func NewProvider(provider string, getSecret SecretGetter, retryCfg *domain.RetryConfig, logger *slog.Logger) (domain.ChatModel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	base, err := newBaseProvider(provider, getSecret, logger)
	if err != nil {
		return nil, err
	}
	return wrapWithRetry(base, retryCfg, logger), nil
}

// keyedProviders are the hosted providers and the secret holding their
// API key, or several keys separated by commas or newlines.
var keyedProviders = map[string]struct {
	secret string
	build  func(key string, logger *slog.Logger) domain.ChatModel
}{
	"openai": {"openai_api_key", func(key string, l *slog.Logger) domain.ChatModel {
		return NewOpenAIProvider(key).WithLogger(l)
	}},
	"anthropic": {"anthropic_api_key", func(key string, l *slog.Logger) domain.ChatModel {
		return NewAnthropicProvider(key).WithLogger(l)
	}},
	"openrouter": {"openrouter_api_key", func(key string, l *slog.Logger) domain.ChatModel {
		p := NewOpenRouterProvider(key)
		p.WithLogger(l)
		return p
	}},
}

// newBaseProvider builds the client for provider without retries.
func newBaseProvider(provider string, getSecret SecretGetter, logger *slog.Logger) (domain.ChatModel, error) {
	switch provider {
	case "", "local":
		return NewLocalProvider("Local: "), nil
	case "ollama":
		url := ""
		if getSecret != nil {
			// Optional; a missing secret means the local default.
			url, _ = getSecret("ollama_url")
		}
		return NewOllamaProvider(url).WithLogger(logger), nil
	}
	kp, ok := keyedProviders[provider]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider %q (use: %s)", provider, strings.Join(Providers, ", "))
	}
	return resolveKeyedProvider(provider, kp.secret, getSecret, func(key string) domain.ChatModel {
		return kp.build(key, logger)
	})
}

// splitKeys turns a secret into distinct API keys. Keys may be separated by
// commas or any whitespace; repeats are dropped.
func splitKeys(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	var keys []string
	for _, f := range fields {
		if !slices.Contains(keys, f) {
			keys = append(keys, f)
		}
	}
	return keys
}

var newKeyPoolFunc = NewKeyPool

// resolveKeyedProvider returns one client per key, pooled when there are several.
func resolveKeyedProvider(providerName, secretName string, getSecret SecretGetter, makeModel func(key string) domain.ChatModel) (domain.ChatModel, error) {
	if getSecret == nil {
		return nil, fmt.Errorf("%s provider: no secret source", providerName)
	}
	raw, err := getSecret(secretName)
	if err != nil {
		return nil, err
	}
	keys := splitKeys(raw)
	switch len(keys) {
	case 0:
		return nil, fmt.Errorf("%s provider: API key not set (store with: steward secrets set %s <key>)", providerName, secretName)
	case 1:
		return makeModel(keys[0]), nil
	}
	pool, err := newKeyPoolFunc(keys, defaultCooldownDuration)
	if err != nil {
		return nil, fmt.Errorf("%s key pool: %w", providerName, err)
	}
	models := make([]domain.ChatModel, len(keys))
	for i, k := range keys {
		models[i] = makeModel(k)
	}
	return NewKeyPoolProvider(pool, models)
}

// NewFallbackProviders creates a model for each fallback entry. Entries
// that cannot be built are logged and skipped.
func NewFallbackProviders(fallbacks []domain.FallbackConfig, getSecret SecretGetter, retryCfg *domain.RetryConfig, logger *slog.Logger) []NamedModel {
	if logger == nil {
		logger = slog.Default()
	}
	var out []NamedModel
	for _, fb := range fallbacks {
		m, err := NewProvider(fb.Provider, getSecret, retryCfg, logger)
		if err != nil {
			logger.Warn("skipping fallback provider", "provider", fb.Provider, "error", err)
			continue
		}
		out = append(out, NamedModel{Model: m, ModelName: fb.DefaultModel})
	}
	return out
}

// wrapWithRetry decorates a model with retry logic when config allows retries.
func wrapWithRetry(model domain.ChatModel, retryCfg *domain.RetryConfig, logger *slog.Logger) domain.ChatModel {
	if retryCfg == nil || retryCfg.MaxRetries <= 0 {
		return model
	}
	return retry.NewRetryableModel(model, retry.FromDomain(*retryCfg), retry.WithLogger(logger))
}
