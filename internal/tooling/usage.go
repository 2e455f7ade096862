package tooling

import (
	"context"
	"errors"

	"steward/internal/domain"
	"steward/internal/schema"
	"steward/internal/usage"
)

// UsageReporter aggregates recorded costs; *usage.Store implements it.
type UsageReporter interface {
	ByChannel(ctx context.Context) ([]usage.Summary, error)
}

type UsageRequest interface{ isUsageRequest() }

type GetUsageReport struct{}

func (GetUsageReport) isUsageRequest() {}

// Usage reports spending per channel to superusers in direct messages.
type Usage struct {
	Base
	reporter UsageReporter
}

func NewUsage(reporter UsageReporter) *Usage {
	return &Usage{
		Base: Base{
			ToolName: "Usage Report",
			Summary:  "Use GetUsageReport to show what each channel has cost so far.",
		},
		reporter: reporter,
	}
}

func (u *Usage) Requests() *schema.Descriptor {
	return schema.Union("UsageRequest",
		schema.Variant[GetUsageReport]("GetUsageReport").
			Doc("Report model and tool costs per channel.").
			Requires("superUser && inDM"),
	)
}

func (u *Usage) EstimateCost(context.Context, *domain.ExecutionContext, UsageRequest) domain.Cost {
	return domain.MinToolCost
}

type usageLine struct {
	usage.Summary
	Display string `json:"display"`
}

func (u *Usage) Execute(ctx context.Context, _ *domain.ExecutionContext, req UsageRequest) (domain.ToolResponse, error) {
	if _, ok := req.(GetUsageReport); !ok {
		return nil, errors.New("usage: unsupported request")
	}
	sums, err := u.reporter.ByChannel(ctx)
	if err != nil {
		return nil, err
	}
	var total domain.Cost
	lines := make([]usageLine, len(sums))
	for i, s := range sums {
		lines[i] = usageLine{Summary: s, Display: s.Cost.String()}
		total = total.Add(s.Cost)
	}
	return domain.SuccessWith(map[string]any{
		"channels": lines,
		"total":    total.String(),
	}, domain.MinToolCost), nil
}
