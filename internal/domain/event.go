package domain

import (
	"strings"
	"time"
)

// =============================================================================
// Inbound events
// =============================================================================

// Platforms that produce events.
const (
	PlatformTelegram  = "telegram"
	PlatformGateway   = "gateway"
	PlatformScheduler = "scheduler"
)

type Author struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Bot  bool   `json:"bot,omitempty"`
}

// Event is an inbound message delivered by a transport. GuildID is empty for
// conversations that do not belong to a server or group.
type Event struct {
	Platform    string       `json:"platform"` // "telegram" | "gateway" | "scheduler"
	ChannelID   string       `json:"channelId"`
	GuildID     string       `json:"guildId,omitempty"`
	Direct      bool         `json:"direct"`
	MessageID   string       `json:"messageId"`
	Author      Author       `json:"author"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	SentAt      time.Time    `json:"sentAt"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`

	// ReplyToSelf is set when the message replies to one of the agent's messages.
	ReplyToSelf bool `json:"replyToSelf,omitempty"`
	// Suspicious is set by intake when the text matches prompt-injection heuristics.
	Suspicious bool `json:"suspicious,omitempty"`
}

// UserID is the platform-qualified identity of the author, e.g. "telegram:42".
func (e *Event) UserID() string {
	if e.Author.ID == "" {
		return ""
	}
	return e.Platform + ":" + e.Author.ID
}

// =============================================================================
// Outbound
// =============================================================================

// OutboundMessage is text sent to a channel. Attachments are URLs (data URLs
// allowed). ReplyTo optionally names the message being answered.
type OutboundMessage struct {
	ChannelID   string
	Text        string
	Attachments []string
	ReplyTo     string
}

// =============================================================================
// Personas
// =============================================================================

// Persona is a named personality the agent can speak as.
type Persona struct {
	Name               string   `yaml:"name" json:"name"`
	RespondsTo         []string `yaml:"respondsTo" json:"respondsTo"`
	ImagePath          string   `yaml:"imagePath,omitempty" json:"imagePath,omitempty"`
	ShortDescription   string   `yaml:"shortDescription" json:"shortDescription"`
	Prompt             string   `yaml:"prompt" json:"prompt"`
	PhysicalAppearance string   `yaml:"physicalAppearance,omitempty" json:"physicalAppearance,omitempty"`
}

// FirstName is the first whitespace-separated token of Name.
func (p Persona) FirstName() string {
	if f := strings.Fields(p.Name); len(f) > 0 {
		return f[0]
	}
	return p.Name
}

// =============================================================================
// Execution context
// =============================================================================

// ExecutionContext is the immutable bundle a turn runs with. Reply delivers
// messages back to the event's channel.
type ExecutionContext struct {
	Event   *Event
	Persona Persona
	Reply   Replier
}

// NewExecutionContext binds an event to the persona and channel it is answered with.
func NewExecutionContext(ev *Event, p Persona, reply Replier) *ExecutionContext {
	return &ExecutionContext{Event: ev, Persona: p, Reply: reply}
}

func (c *ExecutionContext) UserID() string {
	if c == nil || c.Event == nil {
		return ""
	}
	return c.Event.UserID()
}

// InDirectMessage reports whether the event has no guild association.
func (c *ExecutionContext) InDirectMessage() bool {
	return c != nil && c.Event != nil && c.Event.GuildID == ""
}

// IsAnalysisMode reports whether the triggering text asks for out-of-character analysis.
func (c *ExecutionContext) IsAnalysisMode() bool {
	return c != nil && c.Event != nil && strings.Contains(c.Event.Text, "ANALYSIS")
}

// ChannelID is the channel the turn answers in.
func (c *ExecutionContext) ChannelID() string {
	if c == nil || c.Event == nil {
		return ""
	}
	return c.Event.ChannelID
}

// Zone scopes per-conversation state: the guild when there is one, the user otherwise.
func (c *ExecutionContext) Zone() string {
	if c == nil || c.Event == nil {
		return ""
	}
	if c.Event.GuildID != "" {
		return c.Event.Platform + "-guild-" + c.Event.GuildID
	}
	return c.Event.Platform + "-user-" + c.Event.Author.ID
}
