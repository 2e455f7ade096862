package context

import (
	"strings"

	"steward/internal/domain"
)

// MessageText is the text of msg that a tokenizer should see: content, text
// parts and each tool call as "name arguments". Images are not text and are
// priced separately.
func MessageText(msg domain.ChatMessage) string {
	var b strings.Builder
	add := func(s string) {
		if s == "" {
			return
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(s)
	}
	add(msg.Content)
	for _, p := range msg.Parts {
		if t, ok := p.(domain.TextBlock); ok {
			add(t.Text)
		}
	}
	for _, tc := range msg.ToolCalls {
		add(tc.Name + " " + string(tc.Arguments))
	}
	return b.String()
}

// ImageCount returns the number of image parts in msg.
func ImageCount(msg domain.ChatMessage) int {
	n := 0
	for _, p := range msg.Parts {
		if _, ok := p.(domain.ImageBlock); ok {
			n++
		}
	}
	return n
}

// groups splits messages into units that must be kept or dropped together:
// an assistant message carrying tool calls plus the tool results after it.
// Every other message is a unit of its own. Each group is [start, end).
func groups(messages []domain.ChatMessage) [][2]int {
	var out [][2]int
	for i := 0; i < len(messages); {
		j := i + 1
		if len(messages[i].ToolCalls) > 0 {
			for j < len(messages) && messages[j].Role == domain.RoleTool {
				j++
			}
		}
		out = append(out, [2]int{i, j})
		i = j
	}
	return out
}
