package session

import (
	"log/slog"
	"sync"

	"steward/internal/domain"
)

// Log is one channel's append-only conversation log. It is written only from
// the channel's lane; the mutex covers readers outside it.
type Log struct {
	mu        sync.RWMutex
	channelID string
	entries   []domain.Message
	status    domain.AgentStatus
	cost      domain.Cost
	history   domain.SessionHistoryStore
	logger    *slog.Logger
}

// NewLog creates an empty log. history may be nil for an in-memory log.
func NewLog(channelID string, history domain.SessionHistoryStore, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{channelID: channelID, status: domain.StatusIdle, history: history, logger: logger}
}

func (l *Log) ChannelID() string { return l.channelID }

// Append adds entries in order and persists them. Persistence failures are
// logged and do not lose the in-memory entry.
func (l *Log) Append(msgs ...domain.Message) {
	l.mu.Lock()
	l.entries = append(l.entries, msgs...)
	l.mu.Unlock()

	if l.history == nil {
		return
	}
	for _, m := range msgs {
		if err := l.history.Append(m); err != nil {
			l.logger.Warn("history append failed", "channel", l.channelID, "error", err)
		}
	}
}

// restore seeds the log from persisted entries without writing them back.
func (l *Log) restore(msgs []domain.Message) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(msgs, l.entries...)
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Entries returns a copy of the whole log.
func (l *Log) Entries() []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Window returns the last n entries. Leading tool responses are dropped
// because they would answer a tool call outside the window.
func (l *Log) Window(n int) []domain.Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := len(l.entries) - n
	if start < 0 || n <= 0 {
		start = 0
	}
	for start < len(l.entries) {
		if _, ok := l.entries[start].(domain.ToolResponseMessage); !ok {
			break
		}
		start++
	}
	out := make([]domain.Message, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Status returns the current agent status (idle, thinking, failed).
func (l *Log) Status() domain.AgentStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

func (l *Log) SetStatus(s domain.AgentStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status = s
}

// AddCost accumulates the cost of a turn.
func (l *Log) AddCost(c domain.Cost) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cost = l.cost.Add(c)
}

// Cost is the total spent in this channel since the process started.
func (l *Log) Cost() domain.Cost {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cost
}
