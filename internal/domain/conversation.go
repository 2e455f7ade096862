package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one entry of a channel's conversation log. The set of
// implementations is closed: UserMessage, AssistantMessage, ToolCallMessage
// and ToolResponseMessage.
type Message interface {
	// ChatMessage renders the entry for a model request. now anchors the
	// relative timestamps shown to the model.
	ChatMessage(now time.Time) ChatMessage
	isMessage()
}

// Attachment describes a file attached to an inbound message.
type Attachment struct {
	ID          string `json:"id"`
	Kind        string `json:"type"` // "image" | "file" | "audio" | "video"
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Name        string `json:"name,omitempty"`
}

// UserMessage is an inbound message as remembered by the log. Images hold
// data URLs of image attachments that were downloaded at intake.
type UserMessage struct {
	UserID      string       `json:"userId,omitempty"`
	UserName    string       `json:"userName,omitempty"`
	MessageID   string       `json:"messageId"`
	SentAt      time.Time    `json:"sentAt"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
	Text        string       `json:"text"`
	Images      []string     `json:"images,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type AssistantMessage struct {
	Text string `json:"text"`
}

// ToolCallMessage keeps the model's message that requested tool calls.
type ToolCallMessage struct {
	Raw ChatMessage `json:"raw"`
}

// ToolResponseMessage keeps the tool-role message answering one tool call.
type ToolResponseMessage struct {
	Raw ChatMessage `json:"raw"`
}

func (UserMessage) isMessage()         {}
func (AssistantMessage) isMessage()    {}
func (ToolCallMessage) isMessage()     {}
func (ToolResponseMessage) isMessage() {}

// userEnvelope is the JSON shape user messages take in a prompt. Field
// order is part of the prompt contract.
type userEnvelope struct {
	UserID       *string              `json:"userId"`
	UserName     *string              `json:"userName"`
	MessageID    string               `json:"messageId"`
	Message      string               `json:"message"`
	SentTime     string               `json:"sentTime"`
	LastEditTime *string              `json:"lastEditTime"`
	Attachments  []envelopeAttachment `json:"attachments"`
}

type envelopeAttachment struct {
	Type        string  `json:"type"`
	URL         string  `json:"url"`
	ContentType *string `json:"contentType"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (m UserMessage) ChatMessage(now time.Time) ChatMessage {
	env := userEnvelope{
		UserID:      optional(m.UserID),
		UserName:    optional(m.UserName),
		MessageID:   m.MessageID,
		Message:     m.Text,
		SentTime:    FormatInstant(m.SentAt, now),
		Attachments: make([]envelopeAttachment, 0, len(m.Attachments)),
	}
	if m.EditedAt != nil {
		edited := FormatInstant(*m.EditedAt, now)
		env.LastEditTime = &edited
	}
	for _, a := range m.Attachments {
		env.Attachments = append(env.Attachments, envelopeAttachment{
			Type:        a.Kind,
			URL:         a.URL,
			ContentType: optional(a.ContentType),
		})
	}
	// Marshaling a struct of strings cannot fail.
	text, _ := json.Marshal(env)

	msg := ChatMessage{Role: RoleUser, Name: m.UserID}
	if len(m.Images) == 0 {
		msg.Content = string(text)
		return msg
	}
	for _, img := range m.Images {
		msg.Parts = append(msg.Parts, ImageBlock{URL: img})
	}
	msg.Parts = append(msg.Parts, TextBlock{Text: string(text)})
	return msg
}

func (m AssistantMessage) ChatMessage(time.Time) ChatMessage {
	return ChatMessage{Role: RoleAssistant, Content: m.Text}
}

func (m ToolCallMessage) ChatMessage(time.Time) ChatMessage     { return m.Raw }
func (m ToolResponseMessage) ChatMessage(time.Time) ChatMessage { return m.Raw }

// FormatInstant renders t in UTC followed by a coarse relative age, e.g.
// "2024-05-01 10:00:00 (3 hours ago)".
func FormatInstant(t, now time.Time) string {
	diff := int64(now.Sub(t) / time.Second)
	var rel string
	switch {
	case diff < 60:
		rel = "just now"
	case diff < 60*60:
		rel = fmt.Sprintf("%d minutes ago", diff/60)
	case diff < 60*60*24:
		rel = fmt.Sprintf("%d hours ago", diff/(60*60))
	default:
		rel = fmt.Sprintf("%d days ago", diff/(60*60*24))
	}
	return t.UTC().Format("2006-01-02 15:04:05") + " (" + rel + ")"
}

// =============================================================================
// Log persistence
// =============================================================================

const (
	kindUser         = "user"
	kindAssistant    = "assistant"
	kindToolCall     = "tool_call"
	kindToolResponse = "tool_response"
)

type messageRecord struct {
	Kind string       `json:"kind"`
	User *UserMessage `json:"user,omitempty"`
	Text string       `json:"text,omitempty"`
	Raw  *ChatMessage `json:"raw,omitempty"`
}

// MarshalMessage encodes a log entry with an explicit kind tag.
func MarshalMessage(m Message) ([]byte, error) {
	var rec messageRecord
	switch v := m.(type) {
	case UserMessage:
		rec = messageRecord{Kind: kindUser, User: &v}
	case AssistantMessage:
		rec = messageRecord{Kind: kindAssistant, Text: v.Text}
	case ToolCallMessage:
		rec = messageRecord{Kind: kindToolCall, Raw: &v.Raw}
	case ToolResponseMessage:
		rec = messageRecord{Kind: kindToolResponse, Raw: &v.Raw}
	default:
		return nil, fmt.Errorf("domain: unknown message type %T", m)
	}
	return json.Marshal(rec)
}

// UnmarshalMessage decodes a log entry written by MarshalMessage.
func UnmarshalMessage(data []byte) (Message, error) {
	var rec messageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	switch rec.Kind {
	case kindUser:
		if rec.User == nil {
			return nil, fmt.Errorf("domain: user record without payload")
		}
		return *rec.User, nil
	case kindAssistant:
		return AssistantMessage{Text: rec.Text}, nil
	case kindToolCall, kindToolResponse:
		if rec.Raw == nil {
			return nil, fmt.Errorf("domain: %s record without raw message", rec.Kind)
		}
		if rec.Kind == kindToolCall {
			return ToolCallMessage{Raw: *rec.Raw}, nil
		}
		return ToolResponseMessage{Raw: *rec.Raw}, nil
	default:
		return nil, fmt.Errorf("domain: unknown message kind %q", rec.Kind)
	}
}
