package tooling

import (
	"context"
	"fmt"

	"steward/internal/domain"
	"steward/internal/schema"
)

// Module is a pluggable capability. R is the module's closed request type:
// every variant declared by Requests decodes into a type implementing R, and
// Execute switches over it.
type Module[R any] interface {
	// Name is the human-readable tool name used in prompts and logs.
	Name() string
	Description() string
	// Requests declares the request union (see schema.Union and schema.Variant).
	Requests() *schema.Descriptor
	ContextualDescription(ctx context.Context, ec *domain.ExecutionContext) string
	// Sections returns prompt sections describing dynamic state. They are
	// shown whether or not the caller may use the module's functions.
	Sections(ctx context.Context, ec *domain.ExecutionContext) ([]domain.Section, error)
	// EstimateCost predicts the cost of req. req is the zero value when the
	// request is not known yet.
	EstimateCost(ctx context.Context, ec *domain.ExecutionContext, req R) domain.Cost
	Execute(ctx context.Context, ec *domain.ExecutionContext, req R) (domain.ToolResponse, error)
}

// Base supplies the defaults of Module for embedding.
type Base struct {
	ToolName string
	Summary  string
}

func (b Base) Name() string        { return b.ToolName }
func (b Base) Description() string { return b.Summary }

// ContextualDescription defaults to the static description.
func (b Base) ContextualDescription(context.Context, *domain.ExecutionContext) string {
	return b.Summary
}

// Sections defaults to none.
func (Base) Sections(context.Context, *domain.ExecutionContext) ([]domain.Section, error) {
	return nil, nil
}

// NoRequest is the request type of modules that declare no functions.
type NoRequest interface{ isNoRequest() }

// SectionsOnly completes Module[NoRequest] for modules that only contribute
// prompt sections.
type SectionsOnly struct {
	Base
}

func (SectionsOnly) Requests() *schema.Descriptor { return schema.Union("NoRequest") }

func (SectionsOnly) EstimateCost(context.Context, *domain.ExecutionContext, NoRequest) domain.Cost {
	return domain.Cost{}
}

func (s SectionsOnly) Execute(context.Context, *domain.ExecutionContext, NoRequest) (domain.ToolResponse, error) {
	return nil, fmt.Errorf("tooling: %s declares no functions", s.ToolName)
}

// Handler is a module with its request type erased, as held by a Registry.
// Handlers are created with Bind.
type Handler interface {
	Name() string
	Description() string
	ContextualDescription(ctx context.Context, ec *domain.ExecutionContext) string
	Sections(ctx context.Context, ec *domain.ExecutionContext) ([]domain.Section, error)

	build() ([]*schema.Function, error)
	estimate(ctx context.Context, ec *domain.ExecutionContext, req any) domain.Cost
	execute(ctx context.Context, ec *domain.ExecutionContext, req any) (domain.ToolResponse, error)
}

// Bind prepares m for registration. Its functions are compiled by NewRegistry.
func Bind[R any](m Module[R]) Handler {
	if m == nil {
		panic("tooling: module must not be nil")
	}
	return &bound[R]{m: m}
}

type bound[R any] struct {
	m Module[R]
}

func (b *bound[R]) Name() string        { return b.m.Name() }
func (b *bound[R]) Description() string { return b.m.Description() }

func (b *bound[R]) ContextualDescription(ctx context.Context, ec *domain.ExecutionContext) string {
	return b.m.ContextualDescription(ctx, ec)
}

func (b *bound[R]) Sections(ctx context.Context, ec *domain.ExecutionContext) ([]domain.Section, error) {
	return b.m.Sections(ctx, ec)
}

func (b *bound[R]) build() ([]*schema.Function, error) {
	fns, err := schema.MakeFunctions(b.m.Requests())
	if err != nil {
		return nil, err
	}
	for _, fn := range fns {
		if _, ok := fn.Zero().(R); !ok {
			var want R
			return nil, fmt.Errorf("tooling: %s: %s decodes to %T, which is not a %T request",
				b.m.Name(), fn.Name, fn.Zero(), &want)
		}
	}
	return fns, nil
}

func (b *bound[R]) estimate(ctx context.Context, ec *domain.ExecutionContext, req any) domain.Cost {
	r, _ := req.(R)
	return b.m.EstimateCost(ctx, ec, r)
}

func (b *bound[R]) execute(ctx context.Context, ec *domain.ExecutionContext, req any) (domain.ToolResponse, error) {
	r, ok := req.(R)
	if !ok {
		return nil, fmt.Errorf("tooling: %s: unexpected request %T", b.m.Name(), req)
	}
	return b.m.Execute(ctx, ec, r)
}
