package scheduler

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts five-field expressions and descriptors such as "@daily" or "@every 1h".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// RobfigCronEngine is the CronEngine backed by robfig/cron/v3. Jobs that
// panic are recovered and logged; a job still running when its next tick
// comes is skipped for that tick.
type RobfigCronEngine struct {
	c *cron.Cron
}

// NewRobfigCronEngine evaluates schedules in loc (nil means local time) and
// logs through logger (nil means slog.Default()).
func NewRobfigCronEngine(loc *time.Location, logger *slog.Logger) *RobfigCronEngine {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	return &RobfigCronEngine{c: cron.New(
		cron.WithParser(Parser),
		cron.WithLocation(loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)}
}

func (r *RobfigCronEngine) AddFunc(spec string, cmd func()) (int, error) {
	id, err := r.c.AddFunc(spec, cmd)
	return int(id), err
}

func (r *RobfigCronEngine) Remove(id int) { r.c.Remove(cron.EntryID(id)) }

// Next reports when entry id fires next. It is zero before Start and for
// unknown entries.
func (r *RobfigCronEngine) Next(id int) time.Time {
	return r.c.Entry(cron.EntryID(id)).Next
}

func (r *RobfigCronEngine) Start() { r.c.Start() }

// Stop halts the scheduler and waits for running jobs to return.
func (r *RobfigCronEngine) Stop() { <-r.c.Stop().Done() }

// cronLogger routes cron's logr-style calls to slog. Routine scheduling
// chatter goes to debug.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

var _ cron.Logger = cronLogger{}
