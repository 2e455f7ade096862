// Package usage records what each turn cost and aggregates it per channel.
// Records are append-only.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/db"
	"steward/internal/domain"
)

// Record is the cost of one model call or tool call.
type Record struct {
	ID           string
	Timestamp    time.Time
	ChannelID    string
	UserID       string
	Kind         string // "model" | "tool"
	Name         string // model or function name
	InputTokens  int
	OutputTokens int
	Cost         domain.Cost
}

// Summary holds aggregated totals for one channel.
type Summary struct {
	ChannelID    string      `json:"channelId"`
	Calls        int         `json:"calls"`
	InputTokens  int64       `json:"inputTokens"`
	OutputTokens int64       `json:"outputTokens"`
	Cost         domain.Cost `json:"cost"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		id            TEXT PRIMARY KEY,
		timestamp     INTEGER NOT NULL,
		channel_id    TEXT NOT NULL,
		user_id       TEXT NOT NULL,
		kind          TEXT NOT NULL,
		name          TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		real_cost     INTEGER NOT NULL,
		user_cost     INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_channel ON usage_records(channel_id)`,
}

// Store persists usage records. All methods are safe for concurrent use.
type Store struct {
	db *sql.DB
}

// NewStore creates the schema on conn if needed.
func NewStore(ctx context.Context, conn *sql.DB) (*Store, error) {
	if conn == nil {
		return nil, fmt.Errorf("db must not be nil")
	}
	if err := db.Migrate(ctx, conn, "usage", schema...); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return &Store{db: conn}, nil
}

// Record persists rec. An empty ID gets a UUIDv7.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records
			(id, timestamp, channel_id, user_id, kind, name, input_tokens, output_tokens, real_cost, user_cost)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UnixMilli(), rec.ChannelID, rec.UserID, rec.Kind, rec.Name,
		rec.InputTokens, rec.OutputTokens, rec.Cost.Real, rec.Cost.User,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// ByChannel returns per-channel totals, most expensive first.
func (s *Store) ByChannel(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		        COALESCE(SUM(real_cost), 0), COALESCE(SUM(user_cost), 0)
		 FROM usage_records
		 GROUP BY channel_id
		 ORDER BY SUM(real_cost) DESC, channel_id`)
	if err != nil {
		return nil, fmt.Errorf("query usage by channel: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		if err := rows.Scan(&sum.ChannelID, &sum.Calls, &sum.InputTokens, &sum.OutputTokens, &sum.Cost.Real, &sum.Cost.User); err != nil {
			return nil, fmt.Errorf("scan usage by channel: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ComputeCost prices a model call from the pricing table. Models not in the
// table are treated as free (local models).
func ComputeCost(model string, inputTokens, outputTokens int, pricing map[string]domain.PricingEntry) domain.Cost {
	entry, ok := pricing[model]
	if !ok {
		return domain.Cost{}
	}
	usd := float64(inputTokens) / 1_000_000.0 * entry.InputPerMillion
	usd += float64(outputTokens) / 1_000_000.0 * entry.OutputPerMillion
	return domain.CostFromUSD(usd)
}
