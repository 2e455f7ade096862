package router

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"steward/internal/domain"
	"steward/internal/injection"
	"steward/internal/media"
	"steward/internal/queue"
	"steward/internal/session"
)

// Responder runs one turn for an event (implemented by brain.Brain).
type Responder interface {
	Respond(ctx context.Context, ev *domain.Event, log *session.Log, tr domain.Transport) error
}

// Mentioner reports whether text addresses the channel's persona
// (implemented by persona.Directory).
type Mentioner interface {
	Mentions(channelID, text string) bool
}

// ImageFetcher turns an image attachment URL into a data URL
// (implemented by media.Downloader).
type ImageFetcher interface {
	ImageDataURL(ctx context.Context, url string) (string, error)
}

// ErrEmptyChannelID is returned when Handle is called with an empty channel ID.
var ErrEmptyChannelID = errors.New("router: channel ID must not be empty")

// Option is a functional option for configuring Router.
type Option func(*Router)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithImageFetcher embeds image attachments into the log. Without it
// attachments are only listed.
func WithImageFetcher(f ImageFetcher) Option {
	return func(r *Router) {
		if f != nil {
			r.images = f
		}
	}
}

// Router is the intake for every transport. It records each event in the
// channel log and starts a turn when the event addresses the agent.
// Events for the same channel are handled one at a time, in arrival order,
// through a LaneQueue.
type Router struct {
	brain    Responder
	sessions *session.Manager
	personas Mentioner
	images   ImageFetcher // optional
	lanes    *queue.LaneQueue
	logger   *slog.Logger
}

// NewRouter creates a Router. brain, sessions and personas must not be nil.
func NewRouter(brain Responder, sessions *session.Manager, personas Mentioner, opts ...Option) *Router {
	if brain == nil {
		panic("router: brain must not be nil")
	}
	if sessions == nil {
		panic("router: sessions must not be nil")
	}
	if personas == nil {
		panic("router: personas must not be nil")
	}
	r := &Router{
		brain:    brain,
		sessions: sessions,
		personas: personas,
		lanes:    queue.NewLaneQueue(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle records ev and, when it should be answered, runs a turn that
// replies through tr. It blocks until the event has been processed. Turn
// failures are logged, not returned, so that a transport keeps serving.
func (r *Router) Handle(ctx context.Context, ev *domain.Event, tr domain.Transport) error {
	if err := validate(ev, tr); err != nil {
		return err
	}
	return r.lanes.Do(ctx, ev.ChannelID, r.process(ev, tr))
}

// Dispatch queues ev like Handle but returns once it is queued. Events
// dispatched from one goroutine are processed in order per channel.
func (r *Router) Dispatch(ctx context.Context, ev *domain.Event, tr domain.Transport) error {
	if err := validate(ev, tr); err != nil {
		return err
	}
	return r.lanes.Enqueue(ctx, ev.ChannelID, r.process(ev, tr))
}

func validate(ev *domain.Event, tr domain.Transport) error {
	if ev == nil || ev.ChannelID == "" {
		return ErrEmptyChannelID
	}
	if tr == nil {
		return errors.New("router: transport must not be nil")
	}
	return nil
}

func (r *Router) process(ev *domain.Event, tr domain.Transport) queue.Work {
	return func(ctx context.Context) error {
		log := r.sessions.Get(ev.ChannelID)
		injection.FlagEvent(ev, r.logger)
		log.Append(r.intake(ctx, ev))

		if !r.shouldRespond(ev) {
			r.logger.Debug("not addressed, staying silent", "channel", ev.ChannelID, "user", ev.UserID())
			return nil
		}
		if err := r.brain.Respond(ctx, ev, log, tr); err != nil {
			r.logger.Error("turn failed", "channel", ev.ChannelID, "user", ev.UserID(), "error", err)
		}
		return nil
	}
}

// shouldRespond is true for direct messages, replies to the agent,
// scheduled prompts and messages naming the persona. Other bots are heard
// but never answered.
func (r *Router) shouldRespond(ev *domain.Event) bool {
	if ev.Author.Bot {
		return false
	}
	switch {
	case ev.Direct, ev.ReplyToSelf, ev.Platform == domain.PlatformScheduler:
		return true
	}
	return r.personas.Mentions(ev.ChannelID, ev.Text)
}

// intake converts ev into a log entry, embedding its images.
func (r *Router) intake(ctx context.Context, ev *domain.Event) domain.UserMessage {
	msg := domain.UserMessage{
		UserID:      ev.UserID(),
		UserName:    ev.Author.Name,
		MessageID:   ev.MessageID,
		SentAt:      ev.SentAt,
		EditedAt:    ev.EditedAt,
		Text:        ev.Text,
		Attachments: ev.Attachments,
	}
	if r.images == nil {
		return msg
	}
	for _, a := range ev.Attachments {
		if !isImage(a) {
			continue
		}
		dataURL, err := r.images.ImageDataURL(ctx, a.URL)
		switch {
		case errors.Is(err, media.ErrNotImage):
			r.logger.Debug("attachment is not an image", "channel", ev.ChannelID, "url", a.URL)
		case err != nil:
			r.logger.Warn("image download failed", "channel", ev.ChannelID, "url", a.URL, "error", err)
		default:
			msg.Images = append(msg.Images, dataURL)
		}
	}
	return msg
}

func isImage(a domain.Attachment) bool {
	return a.Kind == "image" || strings.HasPrefix(a.ContentType, "image/")
}

// Usage returns the accumulated cost of every channel, most expensive first.
func (r *Router) Usage() []session.ChannelCost {
	return r.sessions.Costs()
}

// Statuses reports what each known channel is doing.
func (r *Router) Statuses() map[string]domain.AgentStatus {
	return r.sessions.Statuses()
}

// Close stops accepting events and waits for running turns until ctx ends.
func (r *Router) Close(ctx context.Context) error {
	return r.lanes.Close(ctx)
}
