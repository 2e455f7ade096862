package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"steward/internal/db"
)

// ErrNotFound is returned when a zone has no memory with the given name.
var ErrNotFound = errors.New("memory not found")

// Memory is a named note the agent keeps about a zone (a guild, or a user in
// direct messages).
type Memory struct {
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Important bool      `json:"important"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS memories (
		zone       TEXT    NOT NULL,
		name       TEXT    NOT NULL,
		content    TEXT    NOT NULL,
		important  INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (zone, name)
	)`,
	`CREATE INDEX IF NOT EXISTS memories_zone_order ON memories (zone, important DESC, updated_at DESC)`,
}

// Store keeps memories in SQLite or libSQL. Timestamps are stored as unix
// milliseconds so both drivers agree on the representation.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates the schema if needed. Returns an error if conn is nil or
// the migration fails.
func NewStore(ctx context.Context, conn *sql.DB) (*Store, error) {
	if conn == nil {
		return nil, fmt.Errorf("db must not be nil")
	}
	if err := db.Migrate(ctx, conn, "memory", schema...); err != nil {
		return nil, fmt.Errorf("memory store: %w", err)
	}
	return &Store{db: conn, now: time.Now}, nil
}

// Get returns the named memory, or ErrNotFound.
func (s *Store) Get(ctx context.Context, zone, name string) (Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT name, content, important, created_at, updated_at FROM memories WHERE zone = ? AND name = ?`,
		zone, name)
	m, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, ErrNotFound
	}
	return m, err
}

// List returns the zone's memories, important ones first and then the most
// recently updated. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, zone string, limit int) ([]Memory, error) {
	q := `SELECT name, content, important, created_at, updated_at FROM memories
		WHERE zone = ? ORDER BY important DESC, updated_at DESC, name`
	args := []any{zone}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		m, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Put creates or replaces the named memory's content. important, when
// non-nil, sets the flag; otherwise new memories are not important and
// existing ones keep theirs. created reports whether the memory is new.
func (s *Store) Put(ctx context.Context, zone, name, content string, important *bool) (created bool, err error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, fmt.Errorf("memory name must not be empty")
	}
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var current bool
	err = tx.QueryRowContext(ctx, `SELECT important FROM memories WHERE zone = ? AND name = ?`, zone, name).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		created = true
		flag := important != nil && *important
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memories (zone, name, content, important, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			zone, name, content, flag, now, now)
	case err == nil:
		if important != nil {
			current = *important
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE memories SET content = ?, important = ?, updated_at = ? WHERE zone = ? AND name = ?`,
			content, current, now, zone, name)
	}
	if err != nil {
		return false, err
	}
	return created, tx.Commit()
}

// Delete removes the named memory and reports whether it existed.
func (s *Store) Delete(ctx context.Context, zone, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE zone = ? AND name = ?`, zone, name)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (Memory, error) {
	var m Memory
	var created, updated int64
	if err := r.Scan(&m.Name, &m.Content, &m.Important, &created, &updated); err != nil {
		return Memory{}, err
	}
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	return m, nil
}
