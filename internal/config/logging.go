package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"steward/internal/domain"
)

// LevelTrace sits below Debug and is used for raw model payloads.
const LevelTrace = slog.Level(-8)

// ParseLogLevel maps trace|debug|info|warn|error onto slog levels. Empty means info.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewLogger builds a JSON or text logger writing to w. An invalid level
// falls back to info.
func NewLogger(infra domain.InfraConfig, w io.Writer) *slog.Logger {
	level, _ := ParseLogLevel(infra.LogLevel)
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if l, ok := a.Value.Any().(slog.Level); ok && l == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	if strings.EqualFold(infra.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
