// Package tasks files the feature requests and bug reports the agent raises
// about itself.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"steward/internal/db"
)

// Kinds of task.
const (
	KindFeature = "feature"
	KindBug     = "bug"
)

// Statuses of a task.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// ErrNotFound is returned when a zone has no task with the given id.
var ErrNotFound = errors.New("task not found")

// Task is one filed report. Details holds the full report as filed.
type Task struct {
	ID         int64           `json:"id"`
	Zone       string          `json:"-"`
	Kind       string          `json:"kind"`
	Title      string          `json:"title"`
	Priority   string          `json:"priority"`
	Status     string          `json:"status"`
	Resolution string          `json:"resolution,omitempty"`
	Author     string          `json:"author,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	ClosedAt   *time.Time      `json:"closedAt,omitempty"`
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		zone       TEXT    NOT NULL,
		kind       TEXT    NOT NULL,
		title      TEXT    NOT NULL,
		priority   TEXT    NOT NULL,
		status     TEXT    NOT NULL DEFAULT 'open',
		resolution TEXT    NOT NULL DEFAULT '',
		author     TEXT    NOT NULL DEFAULT '',
		details    TEXT    NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		closed_at  INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_zone_status ON tasks (zone, status, id DESC)`,
}

// Store keeps tasks next to memories, in SQLite or libSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func NewStore(ctx context.Context, conn *sql.DB) (*Store, error) {
	if conn == nil {
		return nil, fmt.Errorf("db must not be nil")
	}
	if err := db.Migrate(ctx, conn, "tasks", schema...); err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}
	return &Store{db: conn, now: time.Now}, nil
}

// Create files t as open and returns its id. Zone, Kind and Title are required.
func (s *Store) Create(ctx context.Context, t Task) (int64, error) {
	t.Title = strings.TrimSpace(t.Title)
	switch {
	case t.Zone == "":
		return 0, fmt.Errorf("task zone must not be empty")
	case t.Kind != KindFeature && t.Kind != KindBug:
		return 0, fmt.Errorf("unknown task kind %q", t.Kind)
	case t.Title == "":
		return 0, fmt.Errorf("task title must not be empty")
	}
	details := string(t.Details)
	if details == "" {
		details = "{}"
	}
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO tasks (zone, kind, title, priority, status, author, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		t.Zone, t.Kind, t.Title, t.Priority, StatusOpen, t.Author, details, s.now().UnixMilli(),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	return id, nil
}

// List returns the zone's tasks, newest first. An empty status lists all.
func (s *Store) List(ctx context.Context, zone, status string, limit int) ([]Task, error) {
	q := `SELECT id, zone, kind, title, priority, status, resolution, author, details, created_at, closed_at
		FROM tasks WHERE zone = ?`
	args := []any{zone}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, status)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Get returns one task of the zone, or ErrNotFound.
func (s *Store) Get(ctx context.Context, zone string, id int64) (Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, zone, kind, title, priority, status, resolution, author, details, created_at, closed_at
		FROM tasks WHERE zone = ? AND id = ?`, zone, id)
	t, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// Close marks an open task closed. Closing a closed task keeps its first
// resolution and reports false.
func (s *Store) Close(ctx context.Context, zone string, id int64, resolution string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, resolution = ?, closed_at = ? WHERE zone = ? AND id = ? AND status = ?`,
		StatusClosed, resolution, s.now().UnixMilli(), zone, id, StatusOpen)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := s.Get(ctx, zone, id); err != nil {
			return false, err
		}
	}
	return n > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (Task, error) {
	var t Task
	var details string
	var created int64
	var closed sql.NullInt64
	if err := r.Scan(&t.ID, &t.Zone, &t.Kind, &t.Title, &t.Priority, &t.Status,
		&t.Resolution, &t.Author, &details, &created, &closed); err != nil {
		return Task{}, err
	}
	t.Details = json.RawMessage(details)
	t.CreatedAt = time.UnixMilli(created).UTC()
	if closed.Valid {
		at := time.UnixMilli(closed.Int64).UTC()
		t.ClosedAt = &at
	}
	return t, nil
}
