// Package telegram connects a Telegram bot to the router. The Adapter turns
// updates into events and implements domain.Transport for the replies.
package telegram

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"steward/internal/domain"
)

const (
	// maxMessageLength is Telegram's limit for one text message.
	maxMessageLength = 4096
	// typingInterval re-sends the typing action before Telegram's 5s expiry.
	typingInterval = 4 * time.Second
	channelPrefix  = "telegram-"
)

// BotAPI abstracts the Telegram Bot API for testing (implemented by *tgbotapi.BotAPI).
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetFileDirectURL(fileID string) (string, error)
}

// Dispatcher queues events for processing (implemented by router.Router).
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *domain.Event, tr domain.Transport) error
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithPollTimeout sets the long-poll timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(a *Adapter) {
		if seconds > 0 {
			a.pollTimeout = seconds
		}
	}
}

// Adapter bridges Telegram to the router and sends the agent's replies.
type Adapter struct {
	bot         BotAPI
	selfID      int64
	router      Dispatcher
	logger      *slog.Logger
	pollTimeout int
	typingEvery time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewAdapter creates a new Telegram adapter. selfID is the bot's own user id,
// used to recognise replies to the agent. bot and router must be non-nil.
func NewAdapter(bot BotAPI, selfID int64, router Dispatcher, opts ...Option) *Adapter {
	if bot == nil {
		panic("telegram: bot must not be nil")
	}
	if router == nil {
		panic("telegram: router must not be nil")
	}
	a := &Adapter{
		bot:         bot,
		selfID:      selfID,
		router:      router,
		logger:      slog.Default(),
		pollTimeout: 60,
		typingEvery: typingInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ChatIDToChannelID converts a Telegram ChatID to a channel ID.
func ChatIDToChannelID(chatID int64) string {
	return channelPrefix + strconv.FormatInt(chatID, 10)
}

// ChannelIDToChatID is the inverse of ChatIDToChannelID.
func ChannelIDToChatID(channelID string) (int64, error) {
	raw, ok := strings.CutPrefix(channelID, channelPrefix)
	if !ok {
		return 0, fmt.Errorf("telegram: not a telegram channel: %q", channelID)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: bad channel id %q: %w", channelID, err)
	}
	return id, nil
}

// =============================================================================
// Inbound
// =============================================================================

// HandleUpdate converts a message or edit into an event and dispatches it.
// Updates without a message, or with neither text nor attachments, are ignored.
func (a *Adapter) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	ev := a.ToEvent(update)
	if ev == nil {
		return
	}
	if err := a.router.Dispatch(ctx, ev, a); err != nil {
		a.logger.Error("dispatch failed", "channel", ev.ChannelID, "error", err)
	}
}

// ToEvent maps an update onto a domain event, or returns nil when there is
// nothing to process.
func (a *Adapter) ToEvent(update tgbotapi.Update) *domain.Event {
	msg := update.Message
	edited := false
	if msg == nil {
		msg, edited = update.EditedMessage, true
	}
	if msg == nil || msg.Chat == nil || msg.From == nil {
		return nil
	}

	ev := &domain.Event{
		Platform:  domain.PlatformTelegram,
		ChannelID: ChatIDToChannelID(msg.Chat.ID),
		Direct:    msg.Chat.IsPrivate(),
		MessageID: strconv.Itoa(msg.MessageID),
		Author: domain.Author{
			ID:   strconv.FormatInt(msg.From.ID, 10),
			Name: displayName(msg.From),
			Bot:  msg.From.IsBot,
		},
		Text:   msg.Text,
		SentAt: msg.Time().UTC(),
	}
	if ev.Text == "" {
		ev.Text = msg.Caption
	}
	if !ev.Direct {
		ev.GuildID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if edited && msg.EditDate != 0 {
		at := time.Unix(int64(msg.EditDate), 0).UTC()
		ev.EditedAt = &at
	}
	if r := msg.ReplyToMessage; r != nil && r.From != nil && a.selfID != 0 && r.From.ID == a.selfID {
		ev.ReplyToSelf = true
	}
	ev.Attachments = a.attachments(msg)

	if strings.TrimSpace(ev.Text) == "" && len(ev.Attachments) == 0 {
		return nil
	}
	return ev
}

func displayName(u *tgbotapi.User) string {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.UserName
	}
	return name
}

// attachments resolves the message's files to download URLs. Files whose
// URL cannot be resolved are logged and skipped.
func (a *Adapter) attachments(msg *tgbotapi.Message) []domain.Attachment {
	var out []domain.Attachment
	add := func(fileID, kind, contentType, name string) {
		url, err := a.bot.GetFileDirectURL(fileID)
		if err != nil {
			a.logger.Warn("cannot resolve attachment", "file", fileID, "error", err)
			return
		}
		out = append(out, domain.Attachment{ID: fileID, Kind: kind, URL: url, ContentType: contentType, Name: name})
	}

	if n := len(msg.Photo); n > 0 {
		// Sizes are ascending; the last is the original.
		add(msg.Photo[n-1].FileID, "image", "image/jpeg", "photo.jpg")
	}
	if d := msg.Document; d != nil {
		kind := "file"
		if strings.HasPrefix(d.MimeType, "image/") {
			kind = "image"
		}
		add(d.FileID, kind, d.MimeType, d.FileName)
	}
	if v := msg.Video; v != nil {
		add(v.FileID, "video", v.MimeType, v.FileName)
	}
	if au := msg.Audio; au != nil {
		add(au.FileID, "audio", au.MimeType, au.FileName)
	}
	if vo := msg.Voice; vo != nil {
		add(vo.FileID, "audio", vo.MimeType, "voice.ogg")
	}
	return out
}

// =============================================================================
// Outbound (domain.Transport)
// =============================================================================

// Send delivers msg, split into chunks Telegram accepts. Only the first
// chunk replies to msg.ReplyTo. Attachments follow the text as photos.
func (a *Adapter) Send(ctx context.Context, msg domain.OutboundMessage) error {
	chatID, err := ChannelIDToChatID(msg.ChannelID)
	if err != nil {
		return err
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo)

	for i, chunk := range splitMessage(msg.Text, maxMessageLength) {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 {
			out.ReplyToMessageID = replyTo
		}
		if _, err := a.bot.Send(out); err != nil {
			return fmt.Errorf("telegram: send: %w", err)
		}
	}

	var errs []error
	for _, att := range msg.Attachments {
		file, err := photoFile(att)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := a.bot.Send(tgbotapi.NewPhoto(chatID, file)); err != nil {
			errs = append(errs, fmt.Errorf("telegram: send photo: %w", err))
		}
	}
	return errors.Join(errs...)
}

// photoFile uploads data URLs and lets Telegram fetch other URLs.
func photoFile(u string) (tgbotapi.RequestFileData, error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return tgbotapi.FileURL(u), nil
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found || !strings.HasSuffix(meta, ";base64") {
		return nil, errors.New("telegram: unsupported data URL")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("telegram: decode attachment: %w", err)
	}
	return tgbotapi.FileBytes{Name: "image", Bytes: data}, nil
}

// Working shows "typing..." in the chat until release is called or ctx ends.
func (a *Adapter) Working(ctx context.Context, channelID string) func() {
	chatID, err := ChannelIDToChatID(channelID)
	if err != nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(a.typingEvery)
		defer ticker.Stop()
		for {
			if _, err := a.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
				a.logger.Debug("typing action failed", "channel", channelID, "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

// splitMessage cuts text into pieces of at most limit runes, preferring
// line breaks. Empty text yields no pieces.
func splitMessage(text string, limit int) []string {
	text = strings.TrimSpace(text)
	var out []string
	for text != "" {
		if utf8.RuneCountInString(text) <= limit {
			out = append(out, text)
			break
		}
		cut := byteOffset(text, limit)
		if nl := strings.LastIndex(text[:cut], "\n"); nl > 0 {
			cut = nl
		}
		out = append(out, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	return out
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for pos := range s {
		if i == n {
			return pos
		}
		i++
	}
	return len(s)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start begins polling for Telegram updates and dispatching them.
// Blocks until ctx is canceled or the update channel closes.
func (a *Adapter) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = a.pollTimeout

	updates := a.bot.GetUpdatesChan(u)
	a.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			a.HandleUpdate(ctx, update)
		}
	}
}

// Stop gracefully shuts down the adapter.
func (a *Adapter) Stop() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

var _ domain.Transport = (*Adapter)(nil)
