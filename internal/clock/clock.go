package clock

import (
	"fmt"
	"time"

	"daybook/internal/domain"
)

// Clock supplies the current instant and calendar day in one fixed zone.
// Now is swappable in tests.
type Clock struct {
	Loc *time.Location
	Now func() time.Time
}

// New resolves the named timezone. An empty name means UTC.
func New(tz string) (Clock, error) {
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return Clock{}, fmt.Errorf("load timezone %s: %w", tz, err)
	}
	return Clock{Loc: loc, Now: time.Now}, nil
}

func (c Clock) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Current returns the current instant in the configured zone.
func (c Clock) Current() time.Time {
	return c.now().In(c.Loc)
}

// Today returns the current calendar day in the configured zone.
func (c Clock) Today() string {
	return c.Current().Format(domain.DayFormat)
}

// NextDay returns the day that follows the given calendar day.
func (c Clock) NextDay(day string) (string, error) {
	d, err := time.ParseInLocation(domain.DayFormat, day, c.Loc)
	if err != nil {
		return "", fmt.Errorf("parse day %s: %w", day, err)
	}
	return d.AddDate(0, 0, 1).Format(domain.DayFormat), nil
}

// NextMidnight returns the next 00:00 wall-clock instant in the zone.
func (c Clock) NextMidnight() time.Time {
	now := c.Current()
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, c.Loc)
}
