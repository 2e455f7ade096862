package brain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"steward/internal/domain"
	"steward/internal/session"
	"steward/internal/usage"
)

// Defaults used when Settings leaves a field zero.
const (
	DefaultModel         = "gpt-4o"
	DefaultMaxTokens     = 4096
	DefaultMaxIterations = 30
	DefaultHistoryWindow = 10
)

// Tools is the registry surface the loop needs.
type Tools interface {
	SectionSource
	Definitions(ec *domain.ExecutionContext, superusers map[string]struct{}) []domain.ToolDefinition
	Dispatch(ctx context.Context, ec *domain.ExecutionContext, call domain.ToolCall) (domain.ToolResponse, error)
}

// PersonaResolver returns the persona a channel currently speaks as.
type PersonaResolver interface {
	Resolve(channelID string) (domain.Persona, error)
}

// UsageRecorder persists per-call costs.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Settings are the request parameters and loop bounds.
type Settings struct {
	Model         string
	Temperature   float64
	TopP          float64
	MaxTokens     int
	MaxIterations int
	HistoryWindow int
	ModelTimeout  time.Duration
	Superusers    map[string]struct{}
	Pricing       map[string]domain.PricingEntry
}

// SettingsFromConfig maps the agents, loop and timeout sections of cfg.
func SettingsFromConfig(cfg *domain.Config) Settings {
	supers := make(map[string]struct{}, len(cfg.Superusers))
	for _, s := range cfg.Superusers {
		supers[s] = struct{}{}
	}
	return Settings{
		Model:         cfg.Agents.DefaultModel,
		Temperature:   cfg.Agents.Temperature,
		TopP:          cfg.Agents.TopP,
		MaxTokens:     cfg.Agents.MaxTokens,
		MaxIterations: cfg.Loop.MaxIterations,
		HistoryWindow: cfg.Loop.HistoryWindow,
		ModelTimeout:  cfg.Timeouts.Model(),
		Superusers:    supers,
		Pricing:       cfg.Pricing,
	}
}

func (s Settings) withDefaults() Settings {
	if s.Model == "" {
		s.Model = DefaultModel
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = DefaultMaxTokens
	}
	if s.MaxIterations <= 0 {
		s.MaxIterations = DefaultMaxIterations
	}
	if s.HistoryWindow <= 0 {
		s.HistoryWindow = DefaultHistoryWindow
	}
	return s
}

// Provider is a chat model together with the model id sent to it.
type Provider struct {
	Model     domain.ChatModel
	ModelName string
}

// Option is a functional option for configuring Brain.
type Option func(*Brain)

// WithContextManager fits each request into a token budget. If cm is nil it
// is ignored and the window is sent as is.
func WithContextManager(cm domain.ContextManager) Option {
	return func(b *Brain) {
		if cm != nil {
			b.contextMgr = cm
		}
	}
}

// WithLogger sets a structured logger for the Brain. If l is nil it is ignored
// and the default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(b *Brain) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithFallbacks adds providers that are tried in order if the primary one
// fails. Entries without a model are skipped.
func WithFallbacks(providers ...Provider) Option {
	return func(b *Brain) {
		for _, p := range providers {
			if p.Model != nil {
				b.fallbacks = append(b.fallbacks, p)
			}
		}
	}
}

// WithUsage records the cost of every model and tool call.
func WithUsage(u UsageRecorder) Option {
	return func(b *Brain) {
		if u != nil {
			b.usage = u
		}
	}
}

// Brain runs the tool-calling loop that answers one event.
type Brain struct {
	model      domain.ChatModel
	fallbacks  []Provider
	tools      Tools
	personas   PersonaResolver
	settings   Settings
	contextMgr domain.ContextManager // optional
	usage      UsageRecorder         // optional
	logger     *slog.Logger
	now        func() time.Time
}

// NewBrain returns a Brain. model, tools and personas must not be nil.
func NewBrain(model domain.ChatModel, tools Tools, personas PersonaResolver, settings Settings, opts ...Option) *Brain {
	if model == nil {
		panic("brain: model must not be nil")
	}
	if tools == nil {
		panic("brain: tools must not be nil")
	}
	if personas == nil {
		panic("brain: personas must not be nil")
	}
	b := &Brain{
		model:    model,
		tools:    tools,
		personas: personas,
		settings: settings.withDefaults(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// turn is the state of one Respond call.
type turn struct {
	ev     *domain.Event
	log    *session.Log
	reply  domain.Replier
	window []domain.ChatMessage
	cost   domain.Cost
}

// Respond answers ev in the channel owned by log. It loops until the model
// ends the turn, the iteration cap is reached, or a turn-fatal error occurs.
// The working indicator is held for the whole turn.
func (b *Brain) Respond(ctx context.Context, ev *domain.Event, log *session.Log, tr domain.Transport) (err error) {
	release := tr.Working(ctx, ev.ChannelID)
	defer release()

	log.SetStatus(domain.StatusThinking)
	t := &turn{ev: ev, log: log, reply: tr}
	defer func() {
		log.AddCost(t.cost)
		if err != nil {
			log.SetStatus(domain.StatusFailed)
			return
		}
		log.SetStatus(domain.StatusIdle)
	}()

	t.window = b.initialWindow(log, ev)

	for i := 1; i <= b.settings.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("brain: turn canceled: %w", err)
		}
		done, err := b.iterate(ctx, t, i)
		if err != nil {
			return err
		}
		if done {
			b.logger.Info("turn finished", "channel", ev.ChannelID, "iteration", i, "cost", t.cost.String())
			return nil
		}
	}
	b.logger.Warn("iteration cap reached", "channel", ev.ChannelID, "iterations", b.settings.MaxIterations)
	return nil
}

// initialWindow renders the recent log once per turn.
func (b *Brain) initialWindow(log *session.Log, ev *domain.Event) []domain.ChatMessage {
	now := b.now()
	entries := log.Window(b.settings.HistoryWindow)
	window := make([]domain.ChatMessage, 0, len(entries)+1)
	for _, m := range entries {
		window = append(window, m.ChatMessage(now))
	}
	ec := &domain.ExecutionContext{Event: ev}
	if ec.IsAnalysisMode() && len(window) > 0 {
		last := window[len(window)-1]
		window = append(window[:len(window)-1], domain.ChatMessage{Role: domain.RoleSystem, Content: AnalysisPrompt}, last)
	}
	return window
}

// iterate performs one model call and dispatches its tool calls. It reports
// whether the turn is done.
func (b *Brain) iterate(ctx context.Context, t *turn, iteration int) (bool, error) {
	p, err := b.personas.Resolve(t.ev.ChannelID)
	if err != nil {
		return false, err
	}
	ec := domain.NewExecutionContext(t.ev, p, t.reply)

	system := BuildSystemPrompt(ctx, b.tools, ec)
	defs := b.tools.Definitions(ec, b.settings.Superusers)

	messages := t.window
	if b.contextMgr != nil {
		fitted, err := b.contextMgr.FitToWindow(messages, system)
		if err != nil {
			return false, fmt.Errorf("brain: context fitting failed: %w", err)
		}
		messages = fitted
	}

	req := &domain.CompletionRequest{
		Model:       b.settings.Model,
		System:      system,
		Messages:    messages,
		Tools:       defs,
		ToolChoice:  domain.ToolChoiceRequired,
		Temperature: b.settings.Temperature,
		TopP:        b.settings.TopP,
		MaxTokens:   b.settings.MaxTokens,
	}
	b.logger.Debug("calling model", "channel", t.ev.ChannelID, "iteration", iteration, "persona", p.Name, "tools", len(defs), "messages", len(messages))
	resp, modelName, err := b.completeWithFailover(ctx, req)
	if err != nil {
		return false, err
	}
	b.recordModelUsage(ctx, t, modelName, resp.Usage)

	msg := resp.Message
	if msg.Content == "" && len(msg.ToolCalls) == 0 {
		return false, &domain.ProtocolViolationError{Reason: "model returned neither content nor tool calls"}
	}
	if msg.Role == "" {
		msg.Role = domain.RoleAssistant
	}
	t.window = append(t.window, msg)

	if msg.Content != "" {
		if text := stripSpeakerPrefix(msg.Content, p); text != "" {
			if err := t.reply.Send(ctx, domain.OutboundMessage{ChannelID: t.ev.ChannelID, Text: text}); err != nil {
				b.logger.Warn("sending model text failed", "channel", t.ev.ChannelID, "error", err)
			}
		}
	}
	if len(msg.ToolCalls) == 0 {
		t.log.Append(domain.AssistantMessage{Text: msg.Content})
		return true, nil
	}

	done, err := b.dispatchAll(ctx, t, ec, msg)
	if err != nil {
		return false, err
	}
	return done, nil
}

// dispatchAll runs every tool call in order, records the exchange in the
// channel log and reports whether the turn is done.
func (b *Brain) dispatchAll(ctx context.Context, t *turn, ec *domain.ExecutionContext, msg domain.ChatMessage) (bool, error) {
	entries := []domain.Message{domain.ToolCallMessage{Raw: msg}}
	var images []domain.ResponseImage
	done := true

	// Completed calls are logged even when a later one aborts the turn.
	defer func() { t.log.Append(entries...) }()

	for i, call := range msg.ToolCalls {
		resp, err := b.tools.Dispatch(ctx, ec, call)
		if err != nil {
			// The logged ToolCallMessage must have an answer for every call.
			for _, rest := range msg.ToolCalls[i:] {
				entries = append(entries, domain.ToolResponseMessage{Raw: toolResult(rest, abortedResponse)})
			}
			return false, err
		}

		result := toolResult(call, resp)
		t.window = append(t.window, result)
		entries = append(entries, domain.ToolResponseMessage{Raw: result})

		s, ok := resp.(domain.Success)
		if !ok {
			done = false
			continue
		}
		images = append(images, s.Images...)
		t.cost = t.cost.Add(s.Cost)
		b.record(ctx, t, usage.Record{Kind: "tool", Name: call.Name, Cost: s.Cost})
		if s.ForceContinue || (call.Name != "DoNothing" && call.Name != "SendMessage") {
			done = false
		}
	}

	for _, img := range images {
		meta, _ := json.Marshal(map[string]string{"imageUrl": img.URL})
		t.window = append(t.window, domain.ChatMessage{
			Role:  domain.RoleUser,
			Parts: []domain.ContentBlock{domain.ImageBlock{URL: img.Data}, domain.TextBlock{Text: string(meta)}},
		})
	}
	return done, nil
}

// abortedResponse answers tool calls that never ran because the turn ended.
var abortedResponse = domain.InternalError{Message: "Aborted :: the turn ended before this call ran"}

func toolResult(call domain.ToolCall, resp domain.ToolResponse) domain.ChatMessage {
	return domain.ChatMessage{
		Role:       domain.RoleTool,
		Name:       call.Name,
		ToolCallID: call.ID,
		Content:    string(resp.JSON()),
	}
}

// completeWithFailover tries the primary model, then each fallback in order.
// It returns the first successful response and the model id that produced it.
func (b *Brain) completeWithFailover(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionResponse, string, error) {
	resp, err := b.complete(ctx, b.model, req)
	if err == nil {
		return resp, req.Model, nil
	}
	if len(b.fallbacks) == 0 {
		return nil, "", fmt.Errorf("brain: model call failed: %w", err)
	}

	errs := []error{err}
	for i, fb := range b.fallbacks {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		b.logger.Warn("provider failed, trying fallback", "provider_index", i, "error", err)

		fbReq := *req
		if fb.ModelName != "" {
			fbReq.Model = fb.ModelName
		}
		resp, err = b.complete(ctx, fb.Model, &fbReq)
		if err == nil {
			return resp, fbReq.Model, nil
		}
		errs = append(errs, err)
	}
	return nil, "", fmt.Errorf("brain: all %d providers failed: %w", len(errs), errors.Join(errs...))
}

func (b *Brain) complete(ctx context.Context, m domain.ChatModel, req *domain.CompletionRequest) (*domain.CompletionResponse, error) {
	if b.settings.ModelTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.settings.ModelTimeout)
		defer cancel()
	}
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &domain.ProtocolViolationError{Reason: "empty completion response"}
	}
	return resp, nil
}

func (b *Brain) recordModelUsage(ctx context.Context, t *turn, model string, u domain.Usage) {
	cost := usage.ComputeCost(model, u.PromptTokens, u.CompletionTokens, b.settings.Pricing)
	t.cost = t.cost.Add(cost)
	b.record(ctx, t, usage.Record{
		Kind:         "model",
		Name:         model,
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		Cost:         cost,
	})
}

func (b *Brain) record(ctx context.Context, t *turn, rec usage.Record) {
	if b.usage == nil {
		return
	}
	rec.ChannelID = t.ev.ChannelID
	rec.UserID = t.ev.UserID()
	rec.Timestamp = b.now()
	if err := b.usage.Record(ctx, rec); err != nil {
		b.logger.Warn("recording usage failed", "channel", t.ev.ChannelID, "error", err)
	}
}
