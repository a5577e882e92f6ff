// Package calendar classifies instants against a fixed-offset business week
// and converts SLA windows into due timestamps that only consume business time.
//
// Business time is Monday to Friday within [StartHour, EndHour) and Saturday
// within [StartHour, HalfDayEndHour). Sunday is never business time. All
// arithmetic happens in one constant UTC offset; there is no tz database.
package calendar

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Hours is the business week configuration.
type Hours struct {
	UTCOffsetHours int `json:"utc_offset_hours" yaml:"utc_offset_hours"`
	StartHour      int `json:"start_hour" yaml:"start_hour"`
	EndHour        int `json:"end_hour" yaml:"end_hour"`
	HalfDayEndHour int `json:"half_day_end_hour" yaml:"half_day_end_hour"`
}

// DefaultHours is 08:00-16:00 on weekdays and 08:00-12:00 on Saturday at UTC+7.
func DefaultHours() Hours {
	return Hours{UTCOffsetHours: 7, StartHour: 8, EndHour: 16, HalfDayEndHour: 12}
}

// Validate rejects configurations under which some week has no business time
// or a day ends before it starts.
func (h Hours) Validate() error {
	if h.UTCOffsetHours < -12 || h.UTCOffsetHours > 14 {
		return fmt.Errorf("utc offset %d out of range", h.UTCOffsetHours)
	}
	if h.StartHour < 0 || h.StartHour > 23 {
		return fmt.Errorf("start hour %d out of range", h.StartHour)
	}
	if h.EndHour <= h.StartHour || h.EndHour > 24 {
		return fmt.Errorf("end hour %d must be after start hour %d and at most 24", h.EndHour, h.StartHour)
	}
	if h.HalfDayEndHour <= h.StartHour || h.HalfDayEndHour > h.EndHour {
		return fmt.Errorf("half-day end hour %d must be in (%d, %d]", h.HalfDayEndHour, h.StartHour, h.EndHour)
	}
	return nil
}

// Calendar is safe for concurrent use; it holds no mutable state.
type Calendar struct {
	hours Hours
	loc   *time.Location
}

// New builds a calendar for the given hours.
func New(h Hours) (*Calendar, error) {
	if err := h.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid business hours")
	}
	name := fmt.Sprintf("UTC%+d", h.UTCOffsetHours)
	return &Calendar{hours: h, loc: time.FixedZone(name, h.UTCOffsetHours*3600)}, nil
}

// MustNew is New for configurations known to be valid.
func MustNew(h Hours) *Calendar {
	c, err := New(h)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Calendar) Hours() Hours { return c.hours }

// Location is the fixed business zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// ToBusiness shifts t into the business zone. The instant is unchanged.
func (c *Calendar) ToBusiness(t time.Time) time.Time { return t.In(c.loc) }

// IsBusinessInstant reports whether t falls inside business hours.
func (c *Calendar) IsBusinessInstant(t time.Time) bool {
	b := t.In(c.loc)
	if b.Weekday() == time.Sunday {
		return false
	}
	h := b.Hour()
	return h >= c.hours.StartHour && h < c.BusinessEndHourFor(b)
}

// BusinessEndHourFor returns the closing hour of t's business day.
func (c *Calendar) BusinessEndHourFor(t time.Time) int {
	if t.In(c.loc).Weekday() == time.Saturday {
		return c.hours.HalfDayEndHour
	}
	return c.hours.EndHour
}

// AdvanceToNextBusinessDayStart returns the opening instant of the first
// business day after t's calendar day.
func (c *Calendar) AdvanceToNextBusinessDayStart(t time.Time) time.Time {
	next := c.at(t.In(c.loc), c.hours.StartHour).AddDate(0, 0, 1)
	// Validate guarantees Monday to Saturday open, so this ends within two steps.
	for !c.IsBusinessInstant(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// NormalizeToBusinessStart moves t to the first business instant at or after
// it, to minute precision.
func (c *Calendar) NormalizeToBusinessStart(t time.Time) time.Time {
	b := t.In(c.loc)
	if c.IsBusinessInstant(b) {
		return b.Truncate(time.Minute)
	}
	if b.Weekday() != time.Sunday && b.Hour() < c.hours.StartHour {
		return c.at(b, c.hours.StartHour)
	}
	return c.AdvanceToNextBusinessDayStart(b)
}

// BusinessDuration is the amount of business time inside [from, to).
func (c *Calendar) BusinessDuration(from, to time.Time) time.Duration {
	if !to.After(from) {
		return 0
	}
	var total time.Duration
	cur := from.In(c.loc)
	for cur.Before(to) {
		if cur.Weekday() != time.Sunday {
			open := c.at(cur, c.hours.StartHour)
			closeAt := c.at(cur, c.BusinessEndHourFor(cur))
			lo, hi := latest(cur, open), earliest(to, closeAt)
			if hi.After(lo) {
				total += hi.Sub(lo)
			}
		}
		cur = c.at(cur, 0).AddDate(0, 0, 1)
	}
	return total
}

// at returns hour:00 on b's calendar day in the business zone.
func (c *Calendar) at(b time.Time, hour int) time.Time {
	y, m, d := b.Date()
	return time.Date(y, m, d, hour, 0, 0, 0, c.loc)
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
