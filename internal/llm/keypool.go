package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"steward/internal/domain"
)

// ErrAllKeysCoolingDown is returned when every key in a pool is rate limited.
var ErrAllKeysCoolingDown = errors.New("keypool: every key is cooling down")

// KeyPool hands out API keys round-robin and benches rate-limited keys for a
// cooldown. It is safe for concurrent use.
type KeyPool struct {
	mu       sync.Mutex
	keys     []pooledKey
	next     int
	cooldown time.Duration
	now      func() time.Time
}

type pooledKey struct {
	key   string
	until time.Time // benched until; zero when available
}

// NewKeyPool returns a pool over keys; cooldown is the default bench time.
func NewKeyPool(keys []string, cooldown time.Duration) (*KeyPool, error) {
	if len(keys) == 0 {
		return nil, errors.New("keypool: at least one key is required")
	}
	p := &KeyPool{keys: make([]pooledKey, len(keys)), cooldown: cooldown, now: time.Now}
	for i, k := range keys {
		p.keys[i].key = k
	}
	return p, nil
}

// Next returns the next available key and its index. When every key is
// benched the error wraps ErrAllKeysCoolingDown and names the earliest
// time a key frees up.
func (p *KeyPool) Next() (string, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var soonest time.Time
	for i := range p.keys {
		idx := (p.next + i) % len(p.keys)
		k := p.keys[idx]
		if !k.until.After(now) {
			p.next = (idx + 1) % len(p.keys)
			return k.key, idx, nil
		}
		if soonest.IsZero() || k.until.Before(soonest) {
			soonest = k.until
		}
	}
	return "", -1, fmt.Errorf("%w (next free in %s)", ErrAllKeysCoolingDown, soonest.Sub(now).Round(time.Second))
}

// Bench puts the key at idx into cooldown for d, or for the pool default
// when d is not positive. A bench is never shortened. Out-of-range indices
// are ignored.
func (p *KeyPool) Bench(idx int, d time.Duration) {
	if d <= 0 {
		d = p.cooldown
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx < 0 || idx >= len(p.keys) {
		return
	}
	if until := p.now().Add(d); until.After(p.keys[idx].until) {
		p.keys[idx].until = until
	}
}

// Len returns the number of keys.
func (p *KeyPool) Len() int { return len(p.keys) }

// Available returns how many keys are not benched.
func (p *KeyPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, k := range p.keys {
		if !k.until.After(now) {
			n++
		}
	}
	return n
}

// rateLimited reports whether err is a 429 and how long the provider asked
// callers to wait.
func rateLimited(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter, apiErr.StatusCode == http.StatusTooManyRequests
	}
	msg := strings.ToLower(err.Error())
	return 0, strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

// KeyPoolProvider holds one ChatModel per key. A rate-limited key is benched
// and the request moves on to the next free key until every key has been
// tried once.
type KeyPoolProvider struct {
	pool   *KeyPool
	models []domain.ChatModel
}

// NewKeyPoolProvider pairs models[i] with the pool's key i.
func NewKeyPoolProvider(pool *KeyPool, models []domain.ChatModel) (*KeyPoolProvider, error) {
	switch {
	case pool == nil:
		return nil, errors.New("keypool provider: pool must not be nil")
	case len(models) == 0:
		return nil, errors.New("keypool provider: at least one model is required")
	case pool.Len() != len(models):
		return nil, fmt.Errorf("keypool provider: pool size (%d) must match models count (%d)", pool.Len(), len(models))
	}
	return &KeyPoolProvider{pool: pool, models: models}, nil
}

// Complete implements domain.ChatModel.
func (p *KeyPoolProvider) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	var limited error
	for range p.pool.Len() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, idx, err := p.pool.Next()
		if err != nil {
			if limited != nil {
				return nil, fmt.Errorf("%w: %w", err, limited)
			}
			return nil, err
		}
		resp, err := p.models[idx].Complete(ctx, req)
		wait, ok := rateLimited(err)
		if !ok {
			return resp, err
		}
		p.pool.Bench(idx, wait)
		limited = err
	}
	return nil, limited
}

var _ domain.ChatModel = (*KeyPoolProvider)(nil)
