// Package scheduler fires configured prompts into channels on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"steward/internal/domain"
)

// Job is a prompt injected into a channel on a schedule.
type Job struct {
	ID        string
	CronExpr  string // e.g. "0 9 * * 1-5" or "@daily"
	Transport string // transport name the reply goes out on
	ChannelID string
	Prompt    string
}

// JobFromConfig converts a configured schedule.
func JobFromConfig(c domain.ScheduleConfig) Job {
	return Job{ID: c.ID, CronExpr: c.Cron, Transport: c.Transport, ChannelID: c.ChannelID, Prompt: c.Prompt}
}

var (
	ErrEmptyJobID     = errors.New("scheduler: job ID must not be empty")
	ErrEmptyCron      = errors.New("scheduler: cron expression must not be empty")
	ErrEmptyPrompt    = errors.New("scheduler: prompt must not be empty")
	ErrEmptyChannel   = errors.New("scheduler: channel ID must not be empty")
	ErrDuplicateJob   = errors.New("scheduler: job with this ID already exists")
	ErrJobNotFound    = errors.New("scheduler: job not found")
	ErrUnknownChannel = errors.New("scheduler: unknown transport")
)

// check reports the first missing field. The cron expression itself is
// parsed by the engine.
func (j Job) check() error {
	switch {
	case j.ID == "":
		return ErrEmptyJobID
	case j.CronExpr == "":
		return ErrEmptyCron
	case j.Prompt == "":
		return ErrEmptyPrompt
	case j.ChannelID == "":
		return ErrEmptyChannel
	}
	return nil
}

// EventHandler runs a fired job.
type EventHandler func(ctx context.Context, job Job) error

// CronEngine runs functions on cron specs. RobfigCronEngine is the
// production implementation.
type CronEngine interface {
	AddFunc(spec string, cmd func()) (int, error)
	Remove(id int)
	Start()
	Stop()
}

// nextReporter is implemented by engines that can tell when an entry fires next.
type nextReporter interface {
	Next(id int) time.Time
}

type Option func(*Scheduler)

// WithLogger replaces slog.Default(); nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// registration ties a job to its engine entry.
type registration struct {
	job   Job
	entry int
}

// Scheduler owns the set of jobs registered with a CronEngine. Fired jobs
// run with the context given to Start.
type Scheduler struct {
	engine  CronEngine
	handler EventHandler
	logger  *slog.Logger

	mu   sync.RWMutex
	ctx  context.Context
	byID map[string]registration
}

// NewScheduler panics when engine or handler is nil.
func NewScheduler(engine CronEngine, handler EventHandler, opts ...Option) *Scheduler {
	switch {
	case engine == nil:
		panic("scheduler: engine must not be nil")
	case handler == nil:
		panic("scheduler: handler must not be nil")
	}
	s := &Scheduler{
		engine:  engine,
		handler: handler,
		logger:  slog.Default(),
		ctx:     context.Background(),
		byID:    map[string]registration{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddJob registers job with the engine. IDs are unique.
func (s *Scheduler) AddJob(job Job) error {
	if err := job.check(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byID[job.ID]; taken {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	entry, err := s.engine.AddFunc(job.CronExpr, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", job.ID, err)
	}
	s.byID[job.ID] = registration{job: job, entry: entry}
	s.logger.Info("job registered", "job_id", job.ID, "cron_expr", job.CronExpr, "channel", job.ChannelID)
	return nil
}

// RemoveJob unregisters job id.
func (s *Scheduler) RemoveJob(id string) error {
	if id == "" {
		return ErrEmptyJobID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	s.engine.Remove(reg.entry)
	delete(s.byID, id)
	s.logger.Info("job removed", "job_id", id)
	return nil
}

func (s *Scheduler) fire(job Job) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	if ctx.Err() != nil {
		return
	}
	s.logger.Info("job fired", "job_id", job.ID, "channel", job.ChannelID)
	if err := s.handler(ctx, job); err != nil {
		s.logger.Warn("job handler failed", "job_id", job.ID, "error", err)
	}
}

// Start runs the engine. Jobs fire with ctx until it is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.engine.Start()
	for _, job := range s.ListJobs() {
		if next, ok := s.NextRun(job.ID); ok {
			s.logger.Info("job scheduled", "job_id", job.ID, "next", next)
		}
	}
}

// Stop stops the engine.
func (s *Scheduler) Stop() { s.engine.Stop() }

// NextRun reports when job id fires next. ok is false for unknown jobs,
// before Start, and when the engine cannot tell.
func (s *Scheduler) NextRun(id string) (next time.Time, ok bool) {
	nr, can := s.engine.(nextReporter)
	if !can {
		return time.Time{}, false
	}
	s.mu.RLock()
	reg, found := s.byID[id]
	s.mu.RUnlock()
	if !found {
		return time.Time{}, false
	}
	next = nr.Next(reg.entry)
	return next, !next.IsZero()
}

// ListJobs returns the registered jobs ordered by ID; never nil.
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.byID))
	for _, reg := range s.byID {
		out = append(out, reg.job)
	}
	slices.SortFunc(out, func(a, b Job) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (s *Scheduler) GetJob(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reg, ok := s.byID[id]
	return reg.job, ok
}
