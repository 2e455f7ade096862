// Package llm holds the chat-model clients. Each one implements
// domain.ChatModel with tool calling.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"steward/internal/config"
)

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 2048

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Status     string
	Body       string
	// RetryAfter is the server's Retry-After hint, zero when absent.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s api: %s", e.Provider, e.Status)
	}
	return fmt.Sprintf("%s api: %s: %s", e.Provider, e.Status, e.Body)
}

// HTTPStatus lets callers classify the error without importing llm.
func (e *APIError) HTTPStatus() int { return e.StatusCode }

// RetryAfterHint exposes RetryAfter to the retry package.
func (e *APIError) RetryAfterHint() time.Duration { return e.RetryAfter }

// parseRetryAfter reads a Retry-After value in seconds or as an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// endpoint is the HTTP plumbing shared by every client.
type endpoint struct {
	provider    string
	url         string
	headers     map[string]string
	client      *http.Client
	marshalFunc func(v any) ([]byte, error) // for testing
	logger      *slog.Logger
}

func newEndpoint(provider, url string, headers map[string]string) endpoint {
	return endpoint{
		provider:    provider,
		url:         url,
		headers:     headers,
		client:      &http.Client{},
		marshalFunc: json.Marshal,
		logger:      slog.Default(),
	}
}

// post sends body as JSON and decodes a 200 response into out.
func (e *endpoint) post(ctx context.Context, body, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := e.marshalFunc(body)
	if err != nil {
		return fmt.Errorf("%s marshal: %w", e.provider, err)
	}
	e.trace(ctx, "model request", raw)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%s request: %w", e.provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s do: %w", e.provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{
			Provider:   e.provider,
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(b)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
		}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s read: %w", e.provider, err)
	}
	e.trace(ctx, "model response", data)
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s decode: %w", e.provider, err)
	}
	return nil
}

func (e *endpoint) trace(ctx context.Context, msg string, body []byte) {
	if e.logger.Enabled(ctx, config.LevelTrace) {
		e.logger.Log(ctx, config.LevelTrace, msg, "provider", e.provider, "body", string(body))
	}
}

// emptyObjectSchema stands in for functions without parameters, since the
// provider APIs require a schema object.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

func parameters(schema json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(schema)) == 0 {
		return emptyObjectSchema
	}
	return schema
}

// arguments normalizes tool-call arguments to a JSON object.
func arguments(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}")
	}
	return trimmed
}

// parseDataURL splits "data:<mime>;base64,<data>". ok is false for other URLs.
func parseDataURL(u string) (mime, data string, ok bool) {
	rest, found := strings.CutPrefix(u, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), payload, true
}
