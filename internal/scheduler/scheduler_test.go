package scheduler

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"steward/internal/domain"
)

// =============================================================================
// Test Doubles
// =============================================================================

type mockCronEngine struct {
	mu      sync.Mutex
	funcs   map[int]func()
	specs   map[int]string
	nextID  int
	started bool
	stopped bool
	addErr  error
	removed []int
}

func newMockCronEngine() *mockCronEngine {
	return &mockCronEngine{funcs: make(map[int]func()), specs: make(map[int]string), nextID: 1}
}

func (m *mockCronEngine) AddFunc(spec string, cmd func()) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return 0, m.addErr
	}
	id := m.nextID
	m.nextID++
	m.funcs[id] = cmd
	m.specs[id] = spec
	return id, nil
}

func (m *mockCronEngine) Remove(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, id)
	delete(m.funcs, id)
}

func (m *mockCronEngine) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
}

func (m *mockCronEngine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
}

func (m *mockCronEngine) fire(id int) {
	m.mu.Lock()
	fn, ok := m.funcs[id]
	m.mu.Unlock()
	if ok {
		fn()
	}
}

type recordingHandler struct {
	mu   sync.Mutex
	jobs []Job
	ctxs []context.Context
	err  error
}

func (h *recordingHandler) handle(ctx context.Context, job Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.jobs = append(h.jobs, job)
	h.ctxs = append(h.ctxs, ctx)
	return h.err
}

func (h *recordingHandler) calls() []Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Job(nil), h.jobs...)
}

type mockRouter struct {
	events []*domain.Event
	trs    []domain.Transport
	err    error
}

func (r *mockRouter) Dispatch(_ context.Context, ev *domain.Event, tr domain.Transport) error {
	r.events = append(r.events, ev)
	r.trs = append(r.trs, tr)
	return r.err
}

type nopTransport struct{ name string }

func (nopTransport) Send(context.Context, domain.OutboundMessage) error { return nil }
func (nopTransport) Working(context.Context, string) func()             { return func() {} }

func morningJob() Job {
	return Job{ID: "morning", CronExpr: "0 9 * * *", Transport: "telegram", ChannelID: "telegram-42", Prompt: "Summarize today's agenda."}
}

func captureLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}

// =============================================================================
// NewScheduler
// =============================================================================

func TestNewScheduler_WhenNilHandler_ShouldPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewScheduler(engine, nil) should panic")
		}
	}()
	NewScheduler(newMockCronEngine(), nil)
}

func TestNewScheduler_WhenNilEngine_ShouldPanic(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("NewScheduler(nil, handler) should panic")
		}
	}()
	NewScheduler(nil, (&recordingHandler{}).handle)
}

func TestWithLogger_WhenNil_ShouldKeepDefaultLogger(t *testing.T) {
	s := NewScheduler(newMockCronEngine(), (&recordingHandler{}).handle, WithLogger(nil))
	if s.logger == nil {
		t.Fatal("expected default logger")
	}
}

// =============================================================================
// AddJob / RemoveJob / ListJobs
// =============================================================================

func TestScheduler_AddJob_ShouldRegisterSpecWithEngine(t *testing.T) {
	engine := newMockCronEngine()
	s := NewScheduler(engine, (&recordingHandler{}).handle)

	if err := s.AddJob(morningJob()); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if engine.specs[1] != "0 9 * * *" {
		t.Errorf("expected spec registered, got %q", engine.specs[1])
	}
	if got, ok := s.GetJob("morning"); !ok || got != morningJob() {
		t.Errorf("GetJob = %+v, %v", got, ok)
	}
}

func TestScheduler_AddJob_WhenInvalid_ShouldReturnSentinel(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Job)
		want   error
	}{
		{"empty id", func(j *Job) { j.ID = "" }, ErrEmptyJobID},
		{"empty cron", func(j *Job) { j.CronExpr = "" }, ErrEmptyCron},
		{"empty prompt", func(j *Job) { j.Prompt = "" }, ErrEmptyPrompt},
		{"empty channel", func(j *Job) { j.ChannelID = "" }, ErrEmptyChannel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(newMockCronEngine(), (&recordingHandler{}).handle)
			job := morningJob()
			tt.mutate(&job)
			if err := s.AddJob(job); !errors.Is(err, tt.want) {
				t.Errorf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestScheduler_AddJob_WhenDuplicateID_ShouldReturnError(t *testing.T) {
	s := NewScheduler(newMockCronEngine(), (&recordingHandler{}).handle)
	_ = s.AddJob(morningJob())
	if err := s.AddJob(morningJob()); !errors.Is(err, ErrDuplicateJob) {
		t.Errorf("want ErrDuplicateJob, got %v", err)
	}
}

func TestScheduler_AddJob_WhenEngineRejectsSpec_ShouldWrapError(t *testing.T) {
	engine := newMockCronEngine()
	engine.addErr = errors.New("bad spec")
	s := NewScheduler(engine, (&recordingHandler{}).handle)

	err := s.AddJob(morningJob())
	if err == nil || !strings.Contains(err.Error(), "morning") || !strings.Contains(err.Error(), "bad spec") {
		t.Errorf("unexpected error: %v", err)
	}
	if len(s.ListJobs()) != 0 {
		t.Error("rejected job must not be listed")
	}
}

func TestScheduler_RemoveJob_ShouldRemoveEngineEntry(t *testing.T) {
	engine := newMockCronEngine()
	s := NewScheduler(engine, (&recordingHandler{}).handle)
	_ = s.AddJob(morningJob())

	if err := s.RemoveJob("morning"); err != nil {
		t.Fatalf("RemoveJob: %v", err)
	}
	if len(engine.removed) != 1 || engine.removed[0] != 1 {
		t.Errorf("expected entry 1 removed, got %v", engine.removed)
	}
	if err := s.AddJob(morningJob()); err != nil {
		t.Errorf("re-adding after removal should work: %v", err)
	}
}

func TestScheduler_RemoveJob_WhenMissing_ShouldReturnError(t *testing.T) {
	s := NewScheduler(newMockCronEngine(), (&recordingHandler{}).handle)
	if err := s.RemoveJob(""); !errors.Is(err, ErrEmptyJobID) {
		t.Errorf("want ErrEmptyJobID, got %v", err)
	}
	if err := s.RemoveJob("ghost"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("want ErrJobNotFound, got %v", err)
	}
}

func TestScheduler_ListJobs_ShouldSortByID(t *testing.T) {
	s := NewScheduler(newMockCronEngine(), (&recordingHandler{}).handle)
	if got := s.ListJobs(); got == nil || len(got) != 0 {
		t.Errorf("expected empty non-nil slice, got %#v", got)
	}
	for _, id := range []string{"b", "c", "a"} {
		job := morningJob()
		job.ID = id
		_ = s.AddJob(job)
	}
	var ids []string
	for _, j := range s.ListJobs() {
		ids = append(ids, j.ID)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("unexpected order %v", ids)
	}
}

// =============================================================================
// Firing
// =============================================================================

func TestScheduler_WhenCronFires_ShouldCallHandlerWithStartContext(t *testing.T) {
	engine := newMockCronEngine()
	h := &recordingHandler{}
	s := NewScheduler(engine, h.handle)
	_ = s.AddJob(morningJob())

	type key struct{}
	ctx := context.WithValue(context.Background(), key{}, "root")
	s.Start(ctx)
	if !engine.started {
		t.Fatal("expected engine started")
	}
	engine.fire(1)

	calls := h.calls()
	if len(calls) != 1 || calls[0] != morningJob() {
		t.Fatalf("unexpected calls %+v", calls)
	}
	if h.ctxs[0].Value(key{}) != "root" {
		t.Error("handler should receive the Start context")
	}
}

func TestScheduler_WhenContextCanceled_ShouldSkipFiring(t *testing.T) {
	engine := newMockCronEngine()
	h := &recordingHandler{}
	s := NewScheduler(engine, h.handle)
	_ = s.AddJob(morningJob())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	cancel()
	engine.fire(1)

	if len(h.calls()) != 0 {
		t.Error("canceled scheduler should not call the handler")
	}
	s.Stop()
	if !engine.stopped {
		t.Error("expected engine stopped")
	}
}

func TestScheduler_WhenHandlerFails_ShouldLogWarning(t *testing.T) {
	engine := newMockCronEngine()
	logger, buf := captureLogger()
	s := NewScheduler(engine, (&recordingHandler{err: errors.New("router closed")}).handle, WithLogger(logger))
	_ = s.AddJob(morningJob())
	s.Start(context.Background())
	engine.fire(1)

	out := buf.String()
	for _, want := range []string{"job registered", "job fired", "job handler failed", "router closed"} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

// timedEngine also reports next runs, like RobfigCronEngine once started.
type timedEngine struct {
	*mockCronEngine
	at time.Time
}

func (e timedEngine) Next(id int) time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.funcs[id]; !ok || !e.started {
		return time.Time{}
	}
	return e.at
}

func TestScheduler_NextRun(t *testing.T) {
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	engine := timedEngine{newMockCronEngine(), at}
	logger, buf := captureLogger()
	s := NewScheduler(engine, (&recordingHandler{}).handle, WithLogger(logger))
	_ = s.AddJob(morningJob())

	if _, ok := s.NextRun("morning"); ok {
		t.Error("expected no next run before Start")
	}
	s.Start(context.Background())
	if next, ok := s.NextRun("morning"); !ok || !next.Equal(at) {
		t.Errorf("NextRun = %v, %v; want %v", next, ok, at)
	}
	if _, ok := s.NextRun("ghost"); ok {
		t.Error("unknown job should have no next run")
	}
	if !strings.Contains(buf.String(), "job scheduled") {
		t.Errorf("expected start to log next runs:\n%s", buf.String())
	}

	plain := NewScheduler(newMockCronEngine(), (&recordingHandler{}).handle)
	_ = plain.AddJob(morningJob())
	plain.Start(context.Background())
	if _, ok := plain.NextRun("morning"); ok {
		t.Error("engine without Next should report no next run")
	}
}

// =============================================================================
// Dispatch handler
// =============================================================================

func withFixedIDs(t *testing.T) {
	t.Helper()
	oldID, oldNow := newMessageID, now
	newMessageID = func() string { return "sched-1" }
	now = func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { newMessageID, now = oldID, oldNow })
}

func TestNewEvent_ShouldBuildSyntheticSchedulerEvent(t *testing.T) {
	withFixedIDs(t)
	ev := NewEvent(morningJob())

	if ev.Platform != domain.PlatformScheduler || ev.ChannelID != "telegram-42" || ev.MessageID != "sched-1" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Author.ID != AuthorID || ev.Author.Bot {
		t.Errorf("unexpected author: %+v", ev.Author)
	}
	if ev.Text != "Summarize today's agenda." || !ev.SentAt.Equal(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("unexpected body: %+v", ev)
	}
}

func TestNewDispatchHandler_ShouldRouteToNamedTransport(t *testing.T) {
	withFixedIDs(t)
	r := &mockRouter{}
	tg := nopTransport{name: "telegram"}
	handler := NewDispatchHandler(r, map[string]domain.Transport{"telegram": tg, "gateway": nopTransport{name: "gateway"}})

	if err := handler(context.Background(), morningJob()); err != nil {
		t.Fatalf("handler: %v", err)
	}
	if len(r.events) != 1 || r.trs[0] != tg {
		t.Errorf("expected dispatch on telegram transport, got %+v", r.trs)
	}
}

func TestNewDispatchHandler_WhenTransportUnknown_ShouldReturnError(t *testing.T) {
	r := &mockRouter{}
	handler := NewDispatchHandler(r, map[string]domain.Transport{})
	err := handler(context.Background(), morningJob())
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("want ErrUnknownChannel, got %v", err)
	}
	if len(r.events) != 0 {
		t.Error("nothing should be dispatched")
	}
}

func TestNewDispatchHandler_WhenRouterFails_ShouldPropagate(t *testing.T) {
	r := &mockRouter{err: errors.New("queue closed")}
	handler := NewDispatchHandler(r, map[string]domain.Transport{"telegram": nopTransport{}})
	if err := handler(context.Background(), morningJob()); err == nil || err.Error() != "queue closed" {
		t.Errorf("expected router error, got %v", err)
	}
}

func TestJobFromConfig_ShouldCopyFields(t *testing.T) {
	got := JobFromConfig(domain.ScheduleConfig{ID: "morning", Cron: "0 9 * * *", Transport: "telegram", ChannelID: "telegram-42", Prompt: "Summarize today's agenda."})
	if got != morningJob() {
		t.Errorf("JobFromConfig = %+v", got)
	}
}

func TestScheduler_FullLifecycle_ShouldDispatchThroughRouter(t *testing.T) {
	withFixedIDs(t)
	engine := newMockCronEngine()
	r := &mockRouter{}
	s := NewScheduler(engine, NewDispatchHandler(r, map[string]domain.Transport{"telegram": nopTransport{}}))
	if err := s.AddJob(morningJob()); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	engine.fire(1)
	engine.fire(1)
	s.Stop()

	if len(r.events) != 2 || r.events[0].Text != "Summarize today's agenda." {
		t.Errorf("expected two dispatched events, got %d", len(r.events))
	}
}
