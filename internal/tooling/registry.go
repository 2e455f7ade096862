package tooling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"runtime/debug"
	"time"

	"steward/internal/domain"
	"steward/internal/schema"
)

// FatalError is returned by Dispatch for failures that must abort the turn,
// meaning an error or panic value wrapping domain.ErrUnrecoverable. Other
// panics come back to the model as InternalError.
type FatalError struct {
	Function string
	Cause    error
	Stack    []byte
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("tooling: %s: unrecoverable: %v", e.Function, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Cause }

type entry struct {
	handler Handler
	fn      *schema.Function
}

// Registry holds the modules and their compiled functions. It is built once
// by NewRegistry and is read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	handlers    []Handler
	functions   []entry
	byName      map[string]entry
	toolTimeout time.Duration
	logger      *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for dispatch. If nil, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithToolTimeout bounds every Execute call. Zero disables the bound.
func WithToolTimeout(d time.Duration) Option {
	return func(r *Registry) { r.toolTimeout = d }
}

// NewRegistry compiles every handler's functions. It fails on schema errors
// and on function names registered twice.
func NewRegistry(handlers []Handler, opts ...Option) (*Registry, error) {
	r := &Registry{byName: make(map[string]entry)}
	for _, opt := range opts {
		opt(r)
	}
	for _, h := range handlers {
		if h == nil {
			return nil, fmt.Errorf("tooling: handler must not be nil")
		}
		fns, err := h.build()
		if err != nil {
			return nil, fmt.Errorf("tooling: register %s: %w", h.Name(), err)
		}
		for _, fn := range fns {
			if prev, exists := r.byName[fn.Name]; exists {
				return nil, fmt.Errorf("tooling: function %q is already registered by %s", fn.Name, prev.handler.Name())
			}
			e := entry{handler: h, fn: fn}
			r.byName[fn.Name] = e
			r.functions = append(r.functions, e)
		}
		r.handlers = append(r.handlers, h)
	}
	return r, nil
}

func (r *Registry) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// Handlers returns the registered modules in registration order.
func (r *Registry) Handlers() []Handler {
	return append([]Handler(nil), r.handlers...)
}

// All returns every compiled function in registration order.
func (r *Registry) All() []*schema.Function {
	out := make([]*schema.Function, len(r.functions))
	for i, e := range r.functions {
		out[i] = e.fn
	}
	return out
}

// Functions returns the functions whose requirement admits ec.
func (r *Registry) Functions(ec *domain.ExecutionContext, superusers map[string]struct{}) []*schema.Function {
	var out []*schema.Function
	for _, e := range r.functions {
		if e.fn.Allowed(ec, superusers) {
			out = append(out, e.fn)
		}
	}
	return out
}

// Definitions renders Functions for a model request.
func (r *Registry) Definitions(ec *domain.ExecutionContext, superusers map[string]struct{}) []domain.ToolDefinition {
	fns := r.Functions(ec, superusers)
	out := make([]domain.ToolDefinition, len(fns))
	for i, fn := range fns {
		out[i] = fn.Definition()
	}
	return out
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (*schema.Function, bool) {
	e, ok := r.byName[name]
	return e.fn, ok
}

// Owner returns the module that registered the function name.
func (r *Registry) Owner(name string) (Handler, bool) {
	e, ok := r.byName[name]
	return e.handler, ok
}

// Sections collects every module's prompt sections in registration order.
// A module whose sections fail is logged and skipped.
func (r *Registry) Sections(ctx context.Context, ec *domain.ExecutionContext) []domain.Section {
	var out []domain.Section
	for _, h := range r.handlers {
		secs, err := h.Sections(ctx, ec)
		if err != nil {
			r.log().Warn("tool sections failed", "tool", h.Name(), "error", err)
			continue
		}
		out = append(out, secs...)
	}
	return out
}

// EstimateCost predicts the cost of a function without a concrete request.
func (r *Registry) EstimateCost(ctx context.Context, ec *domain.ExecutionContext, name string) (domain.Cost, bool) {
	e, ok := r.byName[name]
	if !ok {
		return domain.Cost{}, false
	}
	return e.handler.estimate(ctx, ec, e.fn.Zero()), true
}

// Dispatch runs one tool call. Problems the model can correct come back as
// InvalidInput or InternalError with a nil error. The error is non-nil only
// for a *FatalError or when ctx itself is done.
func (r *Registry) Dispatch(ctx context.Context, ec *domain.ExecutionContext, call domain.ToolCall) (domain.ToolResponse, error) {
	e, ok := r.byName[call.Name]
	if !ok {
		r.log().Error("tool not found", "function", call.Name)
		return domain.InternalError{Message: "Tool not found: " + call.Name}, nil
	}

	req, err := e.fn.Decode(call.Arguments)
	if err != nil {
		r.log().Warn("invalid tool input", "function", call.Name, "error", err)
		return domain.InvalidInput{Message: err.Error()}, nil
	}

	r.log().Info("running tool", "tool", e.handler.Name(), "function", call.Name, "arguments", string(call.Arguments))
	resp, err := r.execute(ctx, ec, e, req)
	if err != nil {
		return nil, err
	}
	if s, ok := resp.(domain.Success); ok && s.Cost == (domain.Cost{}) {
		s.Cost = e.handler.estimate(ctx, ec, req)
		resp = s
	}
	r.log().Debug("tool response", "function", call.Name, "response", fmt.Sprintf("%T", resp))
	return resp, nil
}

func (r *Registry) execute(ctx context.Context, ec *domain.ExecutionContext, e entry, req any) (resp domain.ToolResponse, err error) {
	callCtx := ctx
	if r.toolTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.toolTimeout)
		defer cancel()
	}

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		stack := debug.Stack()
		r.log().Error("tool panicked", "function", e.fn.Name, "panic", p, "stack", string(stack))
		if perr, ok := p.(error); ok && errors.Is(perr, domain.ErrUnrecoverable) {
			resp, err = nil, &FatalError{Function: e.fn.Name, Cause: perr, Stack: stack}
			return
		}
		resp, err = domain.InternalError{Message: panicKind(p) + " :: " + fmt.Sprint(p)}, nil
	}()

	resp, err = e.handler.execute(callCtx, ec, req)
	switch {
	case err == nil && resp == nil:
		return domain.InternalError{Message: "NoResponse :: tool returned no response"}, nil
	case err == nil:
		return resp, nil
	case errors.Is(err, domain.ErrUnrecoverable):
		return nil, &FatalError{Function: e.fn.Name, Cause: err}
	case ctx.Err() != nil:
		return nil, fmt.Errorf("tooling: %s: %w", e.fn.Name, ctx.Err())
	}
	r.log().Error("tool failed", "function", e.fn.Name, "error", err)
	return domain.InternalError{Message: errorKind(err) + " :: " + err.Error()}, nil
}

// panicKind names a recovered panic value the way errorKind names errors.
// Runtime faults such as nil dereferences report as RuntimeError.
func panicKind(p any) string {
	switch v := p.(type) {
	case runtime.Error:
		return "RuntimeError"
	case error:
		return errorKind(v)
	default:
		return "Panic"
	}
}

// errorKind names the most specific error type in err's chain, skipping the
// anonymous wrappers produced by errors.New and fmt.Errorf.
func errorKind(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "Timeout"
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		t := reflect.TypeOf(e)
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		switch name := t.Name(); name {
		case "", "errorString", "wrapError", "wrapErrors", "joinError":
			continue
		default:
			return name
		}
	}
	return "Error"
}
