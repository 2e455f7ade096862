package tooling

import (
	"context"
	"errors"
	"log/slog"

	"steward/internal/domain"
	"steward/internal/schema"
)

// MessagingRequest is a request handled by Messaging.
type MessagingRequest interface{ isMessagingRequest() }

// SendMessage delivers text to the channel the turn answers in. The
// introspection fields are logged and never shown to the user.
type SendMessage struct {
	ReplyToMessageID           *string  `json:"replyToMessageId,omitempty"`
	ComprehensiveUnderstanding *string  `json:"comprehensiveUnderstanding,omitempty"`
	InternalReasoning          []string `json:"internalReasoning,omitempty"`
	Message                    string   `json:"message"`
	MetacognitiveSelfCritique  *string  `json:"metacognitiveSelfCritique,omitempty"`
	Attachments                []string `json:"attachments,omitempty"`
	ContinueConversation       *bool    `json:"continueConversation,omitempty"`
}

type RecordThought struct {
	Thought string `json:"thought"`
}

// DoNothing ends the turn without replying.
type DoNothing struct{}

func (SendMessage) isMessagingRequest()   {}
func (RecordThought) isMessagingRequest() {}
func (DoNothing) isMessagingRequest()     {}

const messagingDescription = `This tool sends messages to the user and records private thoughts.

Before calling SendMessage, think the reply through in its optional fields:
- comprehensiveUnderstanding: restate the user's request and the need behind it.
- internalReasoning: reason step by step and weigh alternative answers.
- metacognitiveSelfCritique: criticize your own reasoning honestly.

These notes are private. Only the message field reaches the user.
Use RecordThought for longer reflection that does not need a reply, and DoNothing when the
conversation needs no answer from you.`

// Messaging is the tool through which the agent speaks.
type Messaging struct {
	Base
	logger *slog.Logger
}

// NewMessaging creates the messaging module. If logger is nil, slog.Default() is used.
func NewMessaging(logger *slog.Logger) *Messaging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messaging{
		Base:   Base{ToolName: "Messaging & Introspection", Summary: messagingDescription},
		logger: logger,
	}
}

func (m *Messaging) Requests() *schema.Descriptor {
	return schema.Union("MessagingRequest",
		schema.Variant[SendMessage]("SendMessage",
			schema.Field("replyToMessageId", schema.Optional(schema.String())).
				Doc("Id of the message to reply to. Use it only when it adds clarity."),
			schema.Field("comprehensiveUnderstanding", schema.Optional(schema.String())).
				Doc("Paraphrase the user's query and identify the needs or emotions behind it."),
			schema.Field("internalReasoning", schema.Optional(schema.ListOf(schema.String()))).
				Doc("Step-by-step reasoning that explores possible responses."),
			schema.Field("message", schema.String()).
				Doc("The message sent to the user. Should come last in the object."),
			schema.Field("metacognitiveSelfCritique", schema.Optional(schema.String())).
				Doc("Harshly criticize your own thinking."),
			schema.Field("attachments", schema.Optional(schema.ListOf(schema.String()))).
				Doc("URLs of files and images to send with the message."),
			schema.Field("continueConversation", schema.Optional(schema.Bool())).
				Doc("Whether to keep thinking after the message is sent. Defaults to false."),
		).Doc("Send a message to the user."),
		schema.Variant[RecordThought]("RecordThought",
			schema.Field("thought", schema.String()).
				Doc("The thought to record. Should be at least a paragraph long."),
		).Doc("Record a thought for introspection."),
		schema.Variant[DoNothing]("DoNothing").
			Doc("End your turn without replying. Use when no answer is needed."),
	)
}

func (m *Messaging) EstimateCost(context.Context, *domain.ExecutionContext, MessagingRequest) domain.Cost {
	return domain.MinToolCost
}

func (m *Messaging) Execute(ctx context.Context, ec *domain.ExecutionContext, req MessagingRequest) (domain.ToolResponse, error) {
	switch r := req.(type) {
	case SendMessage:
		return m.send(ctx, ec, r)
	case RecordThought:
		m.logger.Info("recorded thought", "channel", ec.ChannelID(), "thought", r.Thought)
		return domain.SuccessWith(struct{}{}, domain.MinToolCost), nil
	case DoNothing:
		m.logger.Debug("doing nothing", "channel", ec.ChannelID())
		return domain.SuccessWith(struct{}{}, domain.MinToolCost), nil
	default:
		return nil, errors.New("messaging: unsupported request")
	}
}

func (m *Messaging) send(ctx context.Context, ec *domain.ExecutionContext, r SendMessage) (domain.ToolResponse, error) {
	if ec == nil || ec.Reply == nil {
		return nil, errors.New("messaging: no channel to reply to")
	}

	attrs := []any{"channel", ec.ChannelID(), "attachments", len(r.Attachments)}
	if r.ComprehensiveUnderstanding != nil {
		attrs = append(attrs, "understanding", *r.ComprehensiveUnderstanding)
	}
	if len(r.InternalReasoning) > 0 {
		attrs = append(attrs, "reasoning", r.InternalReasoning)
	}
	if r.MetacognitiveSelfCritique != nil {
		attrs = append(attrs, "selfCritique", *r.MetacognitiveSelfCritique)
	}
	m.logger.Debug("sending message", attrs...)

	out := domain.OutboundMessage{
		ChannelID:   ec.ChannelID(),
		Text:        r.Message,
		Attachments: r.Attachments,
	}
	if r.ReplyToMessageID != nil {
		out.ReplyTo = *r.ReplyToMessageID
	}
	if err := ec.Reply.Send(ctx, out); err != nil {
		return nil, err
	}

	return domain.Success{
		Data:          []byte("{}"),
		Cost:          domain.MinToolCost,
		ForceContinue: r.ContinueConversation != nil && *r.ContinueConversation,
	}, nil
}
