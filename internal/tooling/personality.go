package tooling

import (
	"context"
	"errors"
	"strings"

	"steward/internal/domain"
	"steward/internal/schema"
)

// PersonaDirectory is the persona roster; *persona.Directory implements it.
type PersonaDirectory interface {
	All() []domain.Persona
	Select(channelID, name string) error
}

type PersonalityRequest interface{ isPersonalityRequest() }

type SwitchPersonality struct {
	Name string `json:"name"`
}

type ListPersonalities struct{}

func (SwitchPersonality) isPersonalityRequest() {}
func (ListPersonalities) isPersonalityRequest() {}

// Personality switches the persona a channel is answered by.
type Personality struct {
	Base
	dir PersonaDirectory
}

func NewPersonality(dir PersonaDirectory) *Personality {
	return &Personality{
		Base: Base{ToolName: "Switch Agent", Summary: "Switch to a different agent."},
		dir:  dir,
	}
}

func (p *Personality) Requests() *schema.Descriptor {
	return schema.Union("PersonalityRequest",
		schema.Variant[SwitchPersonality]("SwitchPersonality",
			schema.Field("name", schema.String()).Doc("Exact name of the personality to switch to."),
		).Doc("Switch to a different personality."),
		schema.Variant[ListPersonalities]("ListPersonalities").Doc("List available personalities."),
	)
}

func (p *Personality) ContextualDescription(context.Context, *domain.ExecutionContext) string {
	var b strings.Builder
	b.WriteString("Use SwitchPersonality to switch to a different agent (personality).\nAvailable agents:\n")
	all := p.dir.All()
	if len(all) == 0 {
		b.WriteString("No agents available.")
	}
	for i, ps := range all {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(" - **" + ps.Name + "**: " + ps.ShortDescription)
	}
	return b.String()
}

func (p *Personality) EstimateCost(context.Context, *domain.ExecutionContext, PersonalityRequest) domain.Cost {
	return domain.MinToolCost
}

type personaSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (p *Personality) Execute(_ context.Context, ec *domain.ExecutionContext, req PersonalityRequest) (domain.ToolResponse, error) {
	switch r := req.(type) {
	case SwitchPersonality:
		if err := p.dir.Select(ec.ChannelID(), r.Name); err != nil {
			return domain.InvalidInput{Message: err.Error()}, nil
		}
		return domain.SuccessWith(map[string]string{"message": "Switched to agent: " + r.Name}, domain.MinToolCost), nil
	case ListPersonalities:
		all := p.dir.All()
		out := make([]personaSummary, len(all))
		for i, ps := range all {
			out[i] = personaSummary{Name: ps.Name, Description: ps.ShortDescription}
		}
		return domain.SuccessWith(map[string]any{"message": out}, domain.MinToolCost), nil
	}
	return nil, errors.New("personality: unsupported request")
}
