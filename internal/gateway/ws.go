package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"steward/internal/domain"
)

// DefaultChannelID is used when a message arrives without a ChannelID.
const DefaultChannelID = "default"

// channelPrefix namespaces gateway channels among all transports.
const channelPrefix = "gateway-"

// Frame types.
const (
	TypeChat        = "chat"
	TypeError       = "error"
	TypeTypingStart = "typing_start"
	TypeTypingStop  = "typing_stop"
)

// ErrNoSubscribers is returned by Send when no connection listens on the channel.
var ErrNoSubscribers = errors.New("gateway: no connected client on channel")

// WSMessage is the JSON frame exchanged over /ws.
// Example: {"type": "chat", "content": "hello", "channelId": "general", "userId": "alice"}
type WSMessage struct {
	Type        string         `json:"type"`
	Content     string         `json:"content,omitempty"`
	ChannelID   string         `json:"channelId,omitempty"`
	MessageID   string         `json:"messageId,omitempty"`
	ReplyTo     string         `json:"replyTo,omitempty"`
	UserID      string         `json:"userId,omitempty"`
	UserName    string         `json:"userName,omitempty"`
	Direct      bool           `json:"direct,omitempty"`
	Attachments []WSAttachment `json:"attachments,omitempty"`
}

// WSAttachment is a file referenced by URL (data URLs allowed).
type WSAttachment struct {
	URL         string `json:"url"`
	Type        string `json:"type,omitempty"` // "image" | "file" | ...
	ContentType string `json:"contentType,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Dispatcher queues events for processing (implemented by router.Router).
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *domain.Event, tr domain.Transport) error
}

// jsonMarshal is used when encoding WSMessage; tests may replace it to force Marshal errors.
// Access is protected by jsonMarshalMu for race-safe test swaps.
var (
	jsonMarshalMu sync.RWMutex
	jsonMarshal   = json.Marshal
)

// Default upgrader for WebSocket connections.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one WebSocket connection. Writes are serialized by mu.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(msg *WSMessage) error {
	jsonMarshalMu.RLock()
	marshal := jsonMarshal
	jsonMarshalMu.RUnlock()
	data, err := marshal(msg)
	if err != nil {
		return fmt.Errorf("gateway: marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(l *slog.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// Hub accepts WebSocket clients, turns their chat frames into events and
// delivers replies to every client subscribed to a channel. A client
// subscribes to a channel by sending a message on it.
type Hub struct {
	router Dispatcher
	logger *slog.Logger
	newID  func() string
	now    func() time.Time

	mu   sync.Mutex
	subs map[string]map[*client]struct{} // channel ID -> clients
}

// NewHub creates a hub that dispatches events to router. router must be non-nil.
func NewHub(router Dispatcher, opts ...HubOption) *Hub {
	if router == nil {
		panic("gateway: router must not be nil")
	}
	h := &Hub{
		router: router,
		logger: slog.Default(),
		newID:  uuid.NewString,
		now:    time.Now,
		subs:   make(map[string]map[*client]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ToChannelID maps a client-side channel name onto a channel ID.
func ToChannelID(name string) string {
	if name == "" {
		name = DefaultChannelID
	}
	return channelPrefix + name
}

// ServeWS upgrades the request and reads frames until the client disconnects.
// Only GET is accepted for the WebSocket handshake.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn}
	// Turns outlive the connection; other subscribers still get the reply.
	ctx := context.WithoutCancel(r.Context())
	defer func() {
		h.unsubscribe(c)
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var in WSMessage
		if err := json.Unmarshal(raw, &in); err != nil {
			_ = c.write(&WSMessage{Type: TypeError, Content: "invalid JSON"})
			continue
		}
		if in.Type != TypeChat {
			_ = c.write(&WSMessage{Type: TypeError, Content: "unsupported type: " + in.Type, ChannelID: in.ChannelID})
			continue
		}
		ev := h.toEvent(&in)
		h.subscribe(ev.ChannelID, c)
		if err := h.router.Dispatch(ctx, ev, h); err != nil {
			h.logger.Error("dispatch failed", "channel", ev.ChannelID, "error", err)
			_ = c.write(&WSMessage{Type: TypeError, Content: "unavailable", ChannelID: in.ChannelID})
		}
	}
}

func (h *Hub) toEvent(in *WSMessage) *domain.Event {
	userID := in.UserID
	if userID == "" {
		userID = "anonymous"
	}
	name := in.UserName
	if name == "" {
		name = userID
	}
	messageID := in.MessageID
	if messageID == "" {
		messageID = h.newID()
	}
	ev := &domain.Event{
		Platform:  domain.PlatformGateway,
		ChannelID: ToChannelID(in.ChannelID),
		Direct:    in.Direct,
		MessageID: messageID,
		Author:    domain.Author{ID: userID, Name: name},
		Text:      in.Content,
		SentAt:    h.now().UTC(),
	}
	if !ev.Direct {
		ev.GuildID = strings.TrimPrefix(ev.ChannelID, channelPrefix)
	}
	for _, a := range in.Attachments {
		kind := a.Type
		if kind == "" {
			kind = "file"
			if strings.HasPrefix(a.ContentType, "image/") || strings.HasPrefix(a.URL, "data:image/") {
				kind = "image"
			}
		}
		ev.Attachments = append(ev.Attachments, domain.Attachment{
			ID:          h.newID(),
			Kind:        kind,
			URL:         a.URL,
			ContentType: a.ContentType,
			Name:        a.Name,
		})
	}
	return ev
}

func (h *Hub) subscribe(channelID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[channelID]
	if !ok {
		set = make(map[*client]struct{})
		h.subs[channelID] = set
	}
	set[c] = struct{}{}
}

func (h *Hub) unsubscribe(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.subs {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, id)
		}
	}
}

func (h *Hub) subscribers(channelID string) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.subs[channelID]))
	for c := range h.subs[channelID] {
		out = append(out, c)
	}
	return out
}

// broadcast writes msg to every subscriber of channelID.
func (h *Hub) broadcast(channelID string, msg *WSMessage) error {
	clients := h.subscribers(channelID)
	if len(clients) == 0 {
		return fmt.Errorf("%w %s", ErrNoSubscribers, channelID)
	}
	var errs []error
	for _, c := range clients {
		if err := c.write(msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Send implements domain.Replier.
func (h *Hub) Send(ctx context.Context, msg domain.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := &WSMessage{
		Type:      TypeChat,
		Content:   msg.Text,
		ChannelID: strings.TrimPrefix(msg.ChannelID, channelPrefix),
		MessageID: h.newID(),
		ReplyTo:   msg.ReplyTo,
	}
	for _, u := range msg.Attachments {
		out.Attachments = append(out.Attachments, WSAttachment{URL: u})
	}
	return h.broadcast(msg.ChannelID, out)
}

// Working sends typing_start now and typing_stop on release.
func (h *Hub) Working(ctx context.Context, channelID string) func() {
	name := strings.TrimPrefix(channelID, channelPrefix)
	if err := h.broadcast(channelID, &WSMessage{Type: TypeTypingStart, ChannelID: name}); err != nil {
		h.logger.Debug("typing_start not delivered", "channel", channelID, "error", err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			_ = h.broadcast(channelID, &WSMessage{Type: TypeTypingStop, ChannelID: name})
		})
	}
}

var _ domain.Transport = (*Hub)(nil)
