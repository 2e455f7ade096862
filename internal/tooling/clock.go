package tooling

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"steward/internal/domain"
)

// DefaultTimeZone is used when no zone is configured.
const DefaultTimeZone = "America/New_York"

// Clock tells the model the current date and time in a configured zone.
// It declares no functions.
type Clock struct {
	SectionsOnly
	loc *time.Location
	now func() time.Time
}

// NewClock loads zone, falling back to DefaultTimeZone when empty.
func NewClock(zone string) (*Clock, error) {
	if zone == "" {
		zone = DefaultTimeZone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("clock: load zone %q: %w", zone, err)
	}
	return &Clock{
		SectionsOnly: SectionsOnly{Base{
			ToolName: "Current Date and Time",
			Summary:  "Provides the current date and time.",
		}},
		loc: loc,
		now: time.Now,
	}, nil
}

func (c *Clock) Sections(context.Context, *domain.ExecutionContext) ([]domain.Section, error) {
	now := c.now().In(c.loc)
	content := fmt.Sprintf(`Current date in %[1]s is %[2]s and the time is %[3]s (UTC%[4]s).
When answering questions about the date and time, use human readable form.
Assume the users are in the %[1]s time zone unless they say otherwise.
For other locations, convert using their time zone and UTC offset.`,
		c.loc.String(), now.Format("Monday, January 02, 2006"), now.Format("15:04:05"), now.Format("-07:00"))
	return []domain.Section{{Name: c.Name(), Content: content}}, nil
}
