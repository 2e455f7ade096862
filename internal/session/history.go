package session

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"steward/internal/domain"
)

// maxLineSize bounds one JSONL record. User messages with embedded images
// can be several megabytes.
const maxLineSize = 32 * 1024 * 1024

// HistoryStore keeps one channel's log in a JSONL file, one entry per line.
type HistoryStore struct {
	mu   sync.Mutex
	path string

	// Test seams; nil means the real implementation.
	writeFn   func(f *os.File, data []byte) (int, error)
	marshalFn func(m domain.Message) ([]byte, error)
	renameFn  func(oldpath, newpath string) error
}

func NewHistoryStore(path string) *HistoryStore {
	return &HistoryStore{path: path}
}

// HistoryPath is the JSONL file for a channel under dir. Characters that are
// unsafe in file names are replaced with '_'.
func HistoryPath(dir, channelID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, channelID)
	if strings.Trim(safe, ".") == "" {
		safe = "_" + safe
	}
	return filepath.Join(dir, safe+".jsonl")
}

// Append writes msg as one line at the end of the file, creating it if needed.
func (h *HistoryStore) Append(msg domain.Message) error {
	marshal := domain.MarshalMessage
	if h.marshalFn != nil {
		marshal = h.marshalFn
	}
	data, err := marshal(msg)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	write := (*os.File).Write
	if h.writeFn != nil {
		write = h.writeFn
	}
	_, werr := write(f, data)
	return errors.Join(werr, f.Close())
}

// LoadHistory returns the last n entries. A missing file or n <= 0 yields
// no entries; lines that do not decode are skipped.
func (h *HistoryStore) LoadHistory(n int) ([]domain.Message, error) {
	if n <= 0 {
		return nil, nil
	}
	h.mu.Lock()
	lines, _, err := h.tail(n)
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(lines))
	for _, line := range lines {
		if msg, err := domain.UnmarshalMessage(line); err == nil {
			msgs = append(msgs, msg)
		}
	}
	return msgs, nil
}

// Compact rewrites the file to its last keep lines when it holds more, and
// reports how many lines were dropped. The rewrite goes through a temporary
// file and a rename, so a crash leaves either the old or the new file.
func (h *HistoryStore) Compact(keep int) (dropped int, err error) {
	if keep <= 0 {
		return 0, fmt.Errorf("session: compact keep must be positive, got %d", keep)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	lines, total, err := h.tail(keep)
	if err != nil || total <= keep {
		return 0, err
	}

	tmp := h.path + ".tmp"
	var buf bytes.Buffer
	for _, line := range lines {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return 0, err
	}
	rename := os.Rename
	if h.renameFn != nil {
		rename = h.renameFn
	}
	if err := rename(tmp, h.path); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return total - len(lines), nil
}

// tail returns the last n non-empty lines and the total count of non-empty
// lines. Callers hold mu.
func (h *HistoryStore) tail(n int) (lines [][]byte, total int, err error) {
	f, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	// Line i lives at ring[i%n] once the ring is full.
	var ring [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		line := bytes.Clone(sc.Bytes())
		if len(ring) < n {
			ring = append(ring, line)
		} else {
			ring[total%n] = line
		}
		total++
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}
	if total <= n {
		return ring, total, nil
	}
	start := total % n
	return append(ring[start:], ring[:start]...), total, nil
}

var _ domain.SessionHistoryStore = (*HistoryStore)(nil)
