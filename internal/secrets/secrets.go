// Package secrets keeps API keys and bot tokens out of the config file.
// Values come from the environment first, then from an AES-GCM encrypted file.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Well-known secret names.
const (
	OpenAIKey        = "openai_api_key"
	AnthropicKey     = "anthropic_api_key"
	OpenRouterKey    = "openrouter_api_key"
	OllamaURL        = "ollama_url"
	TelegramBotToken = "telegram_bot_token"
	ImgflipUsername  = "imgflip_username"
	ImgflipPassword  = "imgflip_password"
)

// Names lists every secret the application reads.
var Names = []string{OpenAIKey, AnthropicKey, OpenRouterKey, OllamaURL, TelegramBotToken, ImgflipUsername, ImgflipPassword}

// Store stores and retrieves secrets by name.
type Store interface {
	// Get returns the secret, or ErrNotFound.
	Get(name string) (string, error)
	// Set stores the secret, overwriting any previous value.
	Set(name, value string) error
	// Delete removes the secret. Deleting a missing name is not an error.
	Delete(name string) error
}

// ErrNotFound is returned when a secret is not found.
var ErrNotFound = errors.New("secret not found")

// lookupEnv is replaced in tests.
var lookupEnv = os.LookupEnv

// EnvName is the environment variable consulted for name, e.g. OPENAI_API_KEY.
func EnvName(name string) string {
	return strings.ToUpper(name)
}

// EnvFirst reads secrets from the environment, falling back to store.
// Writes go to store. A nil store makes the environment the only source.
type EnvFirst struct {
	store Store
}

// NewEnvFirst wraps store with an environment overlay.
func NewEnvFirst(store Store) *EnvFirst {
	return &EnvFirst{store: store}
}

// Get implements Store.
func (e *EnvFirst) Get(name string) (string, error) {
	if v, ok := lookupEnv(EnvName(name)); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	if e.store == nil {
		return "", ErrNotFound
	}
	return e.store.Get(name)
}

// Set implements Store.
func (e *EnvFirst) Set(name, value string) error {
	if e.store == nil {
		return fmt.Errorf("secrets: no writable store for %s", name)
	}
	return e.store.Set(name, value)
}

// Delete implements Store.
func (e *EnvFirst) Delete(name string) error {
	if e.store == nil {
		return nil
	}
	return e.store.Delete(name)
}

// Optional returns the secret or "" when it is not set. Other errors are returned.
func Optional(s Store, name string) (string, error) {
	v, err := s.Get(name)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return v, err
}

// Default opens the encrypted file at DefaultPath behind the environment overlay.
// When no encryption key is available the environment is the only source.
func Default() (*EnvFirst, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	file, err := NewFileStore(path)
	if err != nil {
		if errors.Is(err, ErrNoKey) {
			return NewEnvFirst(nil), nil
		}
		return nil, err
	}
	return NewEnvFirst(file), nil
}
