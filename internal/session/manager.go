package session

import (
	"log/slog"
	"os"
	"sort"
	"sync"

	"steward/internal/domain"
)

// DefaultRestoreLimit is how many persisted entries a channel gets back after restart.
const DefaultRestoreLimit = 200

// mkdirAllFunc creates the history directory; tests may replace it.
var mkdirAllFunc = os.MkdirAll

// Manager owns every channel's Log. Logs are created on first use and, when a
// history directory is configured, restored from their JSONL file.
type Manager struct {
	mu           sync.Mutex
	logs         map[string]*Log
	historyDir   string
	restoreLimit int
	maxLines     int
	logger       *slog.Logger
}

type ManagerOption func(*Manager)

func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRestoreLimit overrides DefaultRestoreLimit.
func WithRestoreLimit(n int) ManagerOption {
	return func(m *Manager) { m.restoreLimit = n }
}

// WithHistoryMaxLines trims each history file to its newest n lines when the
// channel is first loaded. Zero leaves files unbounded.
func WithHistoryMaxLines(n int) ManagerOption {
	return func(m *Manager) { m.maxLines = max(n, 0) }
}

// NewManager returns a Manager persisting under historyDir. An empty
// historyDir keeps logs in memory only.
func NewManager(historyDir string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		logs:         make(map[string]*Log),
		historyDir:   historyDir,
		restoreLimit: DefaultRestoreLimit,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if historyDir != "" {
		if err := mkdirAllFunc(historyDir, 0o700); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Get returns the channel's log, creating and restoring it on first use.
func (m *Manager) Get(channelID string) *Log {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[channelID]; ok {
		return l
	}

	var store *HistoryStore
	if m.historyDir != "" {
		store = NewHistoryStore(HistoryPath(m.historyDir, channelID))
	}
	var l *Log
	if store != nil {
		l = NewLog(channelID, store, m.logger)
		if m.maxLines > 0 {
			if dropped, err := store.Compact(m.maxLines); err != nil {
				m.logger.Warn("history compaction failed", "channel", channelID, "error", err)
			} else if dropped > 0 {
				m.logger.Info("history compacted", "channel", channelID, "dropped", dropped)
			}
		}
		msgs, err := store.LoadHistory(m.restoreLimit)
		if err != nil {
			m.logger.Warn("history restore failed", "channel", channelID, "error", err)
		} else if len(msgs) > 0 {
			l.restore(msgs)
			m.logger.Info("history restored", "channel", channelID, "entries", len(msgs))
		}
	} else {
		l = NewLog(channelID, nil, m.logger)
	}
	m.logs[channelID] = l
	return l
}

// ChannelCost is one channel's accumulated cost.
type ChannelCost struct {
	ChannelID string
	Cost      domain.Cost
}

// Costs lists per-channel totals, highest real cost first.
func (m *Manager) Costs() []ChannelCost {
	m.mu.Lock()
	out := make([]ChannelCost, 0, len(m.logs))
	for id, l := range m.logs {
		out = append(out, ChannelCost{ChannelID: id, Cost: l.Cost()})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Cost.Real != out[j].Cost.Real {
			return out[i].Cost.Real > out[j].Cost.Real
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// Statuses snapshots the status of every known channel.
func (m *Manager) Statuses() map[string]domain.AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]domain.AgentStatus, len(m.logs))
	for id, l := range m.logs {
		out[id] = l.Status()
	}
	return out
}
