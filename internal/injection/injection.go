// Package injection flags inbound text that looks like a prompt-injection
// attempt. Flagged messages are logged and marked, never blocked.
package injection

import (
	"log/slog"
	"strings"
	"unicode"

	"steward/internal/domain"
)

// phrases are matched against normalized text: lower case, zero-width
// characters removed, whitespace runs folded to one space.
var phrases = []string{
	"ignore previous",
	"ignore all previous",
	"disregard your instructions",
	"forget your instructions",
	"system prompt",
	"simulated mode",
	"developer mode",
	"you are now",
}

// roleMarkers imitate the framing used for non-user turns, including the
// "[system] " label the Anthropic adapter puts on mid-history system turns.
var roleMarkers = []string{
	"[system]",
	"<|im_start|>",
	"<|system|>",
	"<<sys>>",
	"\nsystem:",
}

// ScanResult holds the result of a prompt-injection scan.
type ScanResult struct {
	Detected bool
	Patterns []string // matched phrases and markers, in table order
}

// Scan checks text for injection phrases and forged role markers.
func Scan(text string) ScanResult {
	norm := normalize(text)
	if strings.TrimSpace(norm) == "" {
		return ScanResult{}
	}
	flat := strings.ReplaceAll(norm, "\n", " ")
	var matched []string
	for _, p := range phrases {
		if strings.Contains(flat, p) {
			matched = append(matched, p)
		}
	}
	// Markers are checked with line breaks kept so "system:" only counts at
	// the start of a line.
	framed := "\n" + norm
	for _, m := range roleMarkers {
		if strings.Contains(framed, m) {
			matched = append(matched, strings.TrimSpace(m))
		}
	}
	return ScanResult{Detected: len(matched) > 0, Patterns: matched}
}

// normalize lower-cases text, drops invisible format characters and folds
// each whitespace run to a single space, or to "\n" when it holds a line
// break.
func normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	pending, newline := false, false
	for _, r := range text {
		switch {
		case unicode.Is(unicode.Cf, r):
			continue
		case unicode.IsSpace(r):
			pending = true
			newline = newline || r == '\n'
			continue
		}
		if pending && b.Len() > 0 {
			if newline {
				b.WriteByte('\n')
			} else {
				b.WriteByte(' ')
			}
		}
		pending, newline = false, false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// ScanEvent scans the event text and attachment names and sets
// ev.Suspicious when anything matches.
func ScanEvent(ev *domain.Event) ScanResult {
	if ev == nil {
		return ScanResult{}
	}
	parts := []string{ev.Text}
	for _, a := range ev.Attachments {
		if a.Name != "" {
			parts = append(parts, a.Name)
		}
	}
	r := Scan(strings.Join(parts, "\n"))
	if r.Detected {
		ev.Suspicious = true
	}
	return r
}

// FlagEvent runs ScanEvent and logs a warning on a match. A nil logger
// means slog.Default().
func FlagEvent(ev *domain.Event, logger *slog.Logger) ScanResult {
	r := ScanEvent(ev)
	if !r.Detected {
		return r
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("prompt injection may be present",
		"channel", ev.ChannelID, "user", ev.UserID(), "matched", r.Patterns)
	return r
}
