package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"steward/internal/domain"
)

// AuthorID names the synthetic author of scheduled events.
const AuthorID = "scheduler"

// Dispatcher queues events for processing (implemented by router.Router).
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *domain.Event, tr domain.Transport) error
}

var (
	newMessageID = uuid.NewString
	now          = time.Now
)

// NewDispatchHandler returns an EventHandler that turns a fired job into a
// synthetic event on its channel, answered over the named transport.
func NewDispatchHandler(router Dispatcher, transports map[string]domain.Transport) EventHandler {
	if router == nil {
		panic("scheduler: router must not be nil")
	}
	return func(ctx context.Context, job Job) error {
		tr, ok := transports[job.Transport]
		if !ok || tr == nil {
			return fmt.Errorf("%w %q for job %s", ErrUnknownChannel, job.Transport, job.ID)
		}
		return router.Dispatch(ctx, NewEvent(job), tr)
	}
}

// NewEvent builds the synthetic event for job.
func NewEvent(job Job) *domain.Event {
	return &domain.Event{
		Platform:  domain.PlatformScheduler,
		ChannelID: job.ChannelID,
		GuildID:   job.ChannelID,
		MessageID: newMessageID(),
		Author:    domain.Author{ID: AuthorID, Name: AuthorID},
		Text:      job.Prompt,
		SentAt:    now().UTC(),
	}
}
