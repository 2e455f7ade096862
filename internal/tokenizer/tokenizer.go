// Package tokenizer counts tokens with tiktoken for prompt window fitting.
package tokenizer

import (
	"fmt"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is used when a model has no known encoding.
const DefaultEncoding = "o200k_base"

// Loaders, replaced in tests. Building a BPE table is slow and may hit the
// network on first use, so loaded encodings are shared process-wide.
var (
	getEncoding      = tiktoken.GetEncoding
	encodingForModel = tiktoken.EncodingForModel

	cacheMu sync.Mutex
	cache   = map[string]*tiktoken.Tiktoken{}
)

// TikToken implements domain.Tokenizer over a tiktoken encoding.
type TikToken struct {
	name     string
	encoding *tiktoken.Tiktoken
}

// NewTikToken loads the named encoding, such as "cl100k_base".
func NewTikToken(encodingName string) (*TikToken, error) {
	enc, err := cached("enc:"+encodingName, func() (*tiktoken.Tiktoken, error) {
		return getEncoding(encodingName)
	})
	if err != nil {
		return nil, fmt.Errorf("tokenizer: unknown encoding %q: %w", encodingName, err)
	}
	return &TikToken{name: encodingName, encoding: enc}, nil
}

// ForModel picks the encoding for model. An explicit encoding wins; models
// tiktoken does not know fall back to DefaultEncoding.
func ForModel(model, encoding string) (*TikToken, error) {
	if encoding != "" {
		return NewTikToken(encoding)
	}
	enc, err := cached("model:"+model, func() (*tiktoken.Tiktoken, error) {
		return encodingForModel(model)
	})
	if err != nil {
		return NewTikToken(DefaultEncoding)
	}
	return &TikToken{name: model, encoding: enc}, nil
}

// cached returns the encoding under key, loading it once. Failures are not
// remembered.
func cached(key string, load func() (*tiktoken.Tiktoken, error)) (*tiktoken.Tiktoken, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	if enc, ok := cache[key]; ok {
		return enc, nil
	}
	enc, err := load()
	if err != nil {
		return nil, err
	}
	cache[key] = enc
	return enc, nil
}

// Name is the encoding or model the tokenizer was created for.
func (t *TikToken) Name() string { return t.name }

// CountTokens returns the number of tokens in text, ignoring special tokens.
func (t *TikToken) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return len(t.encoding.Encode(text, nil, nil)), nil
}
