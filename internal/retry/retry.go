// Package retry decorates a chat model with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"steward/internal/domain"
)

// Config controls retry behaviour for model calls.
type Config struct {
	MaxRetries     int           // attempts after the first; 0 disables retrying
	InitialBackoff time.Duration // wait before the first retry
	MaxBackoff     time.Duration // ceiling for the computed backoff
	Multiplier     float64       // growth factor between retries
}

// maxRetryAfter caps a server-provided Retry-After hint.
const maxRetryAfter = time.Minute

// DefaultConfig returns three retries starting at 500ms and doubling up to 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// FromDomain converts the millisecond-based config section. Zero values
// fall back to DefaultConfig.
func FromDomain(c domain.RetryConfig) Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = c.MaxRetries
	if c.InitialBackoff > 0 {
		cfg.InitialBackoff = time.Duration(c.InitialBackoff) * time.Millisecond
	}
	if c.MaxBackoff > 0 {
		cfg.MaxBackoff = time.Duration(c.MaxBackoff) * time.Millisecond
	}
	if c.Multiplier > 0 {
		cfg.Multiplier = float64(c.Multiplier)
	}
	return cfg
}

// Validate reports the first out-of-range field.
func (c Config) Validate() error {
	switch {
	case c.MaxRetries < 0:
		return errors.New("retry: MaxRetries must be >= 0")
	case c.InitialBackoff <= 0:
		return errors.New("retry: InitialBackoff must be > 0")
	case c.MaxBackoff <= 0:
		return errors.New("retry: MaxBackoff must be > 0")
	case c.Multiplier < 1.0:
		return errors.New("retry: Multiplier must be >= 1.0")
	}
	return nil
}

// next grows d by the multiplier without passing MaxBackoff.
func (c Config) next(d time.Duration) time.Duration {
	return min(time.Duration(float64(d)*c.Multiplier), c.MaxBackoff)
}

// =============================================================================
// Error Classification
// =============================================================================

// transientMarkers are substrings of error text from transports that do not
// return typed errors.
var transientMarkers = []string{
	"429", "500", "502", "503", "504", "529",
	"connection refused", "connection reset", "EOF",
}

type httpStatusError interface {
	HTTPStatus() int
}

type retryAfterHinter interface {
	RetryAfterHint() time.Duration
}

// IsRetryable reports whether err is a transient failure: 429, 529, 5xx up
// to 504, a network timeout or a dropped connection. Context cancellation
// and deadline errors are never retryable.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se httpStatusError
	if errors.As(err, &se) {
		code := se.HTTPStatus()
		return code == 429 || code == 529 || (code >= 500 && code <= 504)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := err.Error()
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// retryAfter returns the server's Retry-After hint carried by err, capped
// at maxRetryAfter, or zero.
func retryAfter(err error) time.Duration {
	var h retryAfterHinter
	if !errors.As(err, &h) {
		return 0
	}
	return min(max(h.RetryAfterHint(), 0), maxRetryAfter)
}

// =============================================================================
// RetryableModel
// =============================================================================

// Option configures a RetryableModel.
type Option func(*RetryableModel)

// WithLogger sets the logger used to report retries.
func WithLogger(l *slog.Logger) Option {
	return func(m *RetryableModel) {
		if l != nil {
			m.logger = l
		}
	}
}

// RetryableModel wraps a ChatModel and retries transient failures.
type RetryableModel struct {
	inner     domain.ChatModel
	config    Config
	logger    *slog.Logger
	sleepFunc func(context.Context, time.Duration) error
}

// NewRetryableModel wraps inner, which must not be nil.
func NewRetryableModel(inner domain.ChatModel, cfg Config, opts ...Option) *RetryableModel {
	if inner == nil {
		panic("retry: inner model must not be nil")
	}
	m := &RetryableModel{inner: inner, config: cfg, logger: slog.Default(), sleepFunc: sleepCtx}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Complete calls the inner model, retrying transient errors. Each wait is
// the current backoff or the server's Retry-After hint, whichever is longer.
// Non-transient errors are returned unwrapped; exhaustion wraps the last one.
func (m *RetryableModel) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	backoff := m.config.InitialBackoff
	attempts := m.config.MaxRetries + 1
	var err error
	for attempt := 1; ; attempt++ {
		var resp *domain.CompletionResponse
		if resp, err = m.inner.Complete(ctx, req); err == nil {
			return resp, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		if attempt >= attempts {
			break
		}
		wait := max(backoff, retryAfter(err))
		m.logger.Warn("model call failed, retrying", "attempt", attempt, "wait", wait, "error", err)
		if serr := m.sleepFunc(ctx, wait); serr != nil {
			return nil, serr
		}
		backoff = m.config.next(backoff)
	}
	return nil, fmt.Errorf("retries exhausted after %d attempts: %w", attempts, err)
}

var _ domain.ChatModel = (*RetryableModel)(nil)
