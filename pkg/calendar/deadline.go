package calendar

import (
	"fmt"
	"time"
)

const (
	// MaxSLAHours is the largest SLA window ComputeDueAt honours.
	MaxSLAHours = 24 * 365
	// MaxViolationCount is the largest escalation cycle ComputeDueAt honours.
	MaxViolationCount = 1000
)

// ValidateWindow rejects SLA windows and violation counts outside the range
// ComputeDueAt computes exactly.
func ValidateWindow(slaHours, violationCount int) error {
	if slaHours < 0 || slaHours > MaxSLAHours {
		return fmt.Errorf("sla hours %d out of range [0, %d]", slaHours, MaxSLAHours)
	}
	if violationCount < 0 || violationCount > MaxViolationCount {
		return fmt.Errorf("violation count %d out of range [0, %d]", violationCount, MaxViolationCount)
	}
	return nil
}

// ComputeDueAt returns the instant at which escalation number violationCount+1
// falls due for a step that started at start. Each escalation cycle adds a
// full SLA window, and windows only elapse during business hours.
//
// The result is expressed in start's location. A non-positive window returns
// start unchanged. slaHours and violationCount are clamped to MaxSLAHours and
// MaxViolationCount.
func (c *Calendar) ComputeDueAt(start time.Time, slaHours, violationCount int) time.Time {
	if slaHours <= 0 {
		return start
	}
	slaHours = min(slaHours, MaxSLAHours)
	violationCount = min(max(violationCount, 0), MaxViolationCount)
	required := slaHours * 60 * (violationCount + 1)

	cur := c.NormalizeToBusinessStart(start)
	// A business instant plus 7 days is the same instant of the business week,
	// so whole weeks are skipped without walking them.
	if week := c.weekMinutes(); required > week {
		weeks := (required - 1) / week
		required -= weeks * week
		cur = cur.AddDate(0, 0, 7*weeks)
	}
	for required > 0 {
		closeAt := c.at(cur, c.BusinessEndHourFor(cur))
		left := int(closeAt.Sub(cur) / time.Minute)
		if left <= required {
			// Landing exactly on closing time rolls over to the next opening.
			required -= left
			cur = c.AdvanceToNextBusinessDayStart(cur)
			continue
		}
		cur = cur.Add(time.Duration(required) * time.Minute)
		required = 0
	}
	return cur.In(start.Location())
}

// weekMinutes is the business time in one week.
func (c *Calendar) weekMinutes() int {
	h := c.hours
	return (5*(h.EndHour-h.StartHour) + h.HalfDayEndHour - h.StartHour) * 60
}
