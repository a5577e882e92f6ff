// Package sla decides, for one tracked record at one instant, how many SLA
// windows have been overrun and whether that is a new violation boundary.
package sla

import (
	"math"
	"time"

	"github.com/zyn1030z/SLA-service-sub000/pkg/calendar"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
)

const (
	// DefaultMaxViolations applies to steps that do not set a cap.
	DefaultMaxViolations = 3
	// MinRemainingHours bounds how overdue a record is reported.
	MinRemainingHours = -999.0
)

// ElapsedFunc measures how much SLA time has passed between start and now.
type ElapsedFunc func(start, now time.Time) time.Duration

// WallClock counts every hour, business or not.
func WallClock(start, now time.Time) time.Duration {
	return now.Sub(start)
}

// BusinessClock only counts hours the calendar considers business time.
func BusinessClock(cal *calendar.Calendar) ElapsedFunc {
	return func(start, now time.Time) time.Duration {
		return cal.BusinessDuration(start, now)
	}
}

type Option func(*Evaluator)

func WithElapsed(fn ElapsedFunc) Option {
	return func(e *Evaluator) { e.elapsed = fn }
}

func WithDefaultMaxViolations(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.defaultMax = n
		}
	}
}

// Evaluator holds no per-record state and is safe for concurrent use.
type Evaluator struct {
	cal        *calendar.Calendar
	elapsed    ElapsedFunc
	defaultMax int
}

func NewEvaluator(cal *calendar.Calendar, opts ...Option) *Evaluator {
	e := &Evaluator{cal: cal, elapsed: WallClock, defaultMax: DefaultMaxViolations}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluation is the result of one evaluate call. Record is the updated copy;
// when Skipped is set it equals the input.
type Evaluation struct {
	Record        models.TrackedRecord
	Skipped       bool
	SkipReason    string
	Escalate      bool
	OldCount      int
	NewCount      int
	SLAHours      int
	MaxViolations int
	ElapsedHours  float64
}

// Evaluate applies the tick update to a copy of record and reports whether a
// new violation boundary was crossed. Calling it again with the same now, or
// any now inside the same SLA window, never signals escalation twice.
func (e *Evaluator) Evaluate(record models.TrackedRecord, step models.StepDefinition, now time.Time) Evaluation {
	ev := Evaluation{Record: record, OldCount: record.ViolationCount, NewCount: record.ViolationCount}
	if record.Status == models.CompletedRecordStatus {
		ev.Skipped, ev.SkipReason = true, "record is completed"
		return ev
	}
	if record.StartTime == nil || record.StartTime.IsZero() {
		ev.Skipped, ev.SkipReason = true, "record has no start time"
		return ev
	}

	slaHours := EffectiveSLAHours(record, step)
	if slaHours <= 0 {
		ev.Skipped, ev.SkipReason = true, "no SLA hours configured"
		return ev
	}
	maxViolations := step.MaxViolations
	if maxViolations <= 0 {
		maxViolations = e.defaultMax
	}
	ev.SLAHours, ev.MaxViolations = slaHours, maxViolations

	start := *record.StartTime
	elapsed := e.elapsed(start, now).Hours()
	ev.ElapsedHours = elapsed

	count := int(math.Floor(elapsed / float64(slaHours)))
	count = max(0, min(count, maxViolations))

	updated := record
	updated.SLAHours = slaHours
	updated.RemainingHours = RemainingHours(slaHours, elapsed)
	evaluatedAt := now
	updated.LastEvaluatedAt = &evaluatedAt

	if count > record.ViolationCount {
		updated.ViolationCount = count
		if updated.Status == models.WaitingRecordStatus {
			updated.Status = models.ViolatedRecordStatus
		}
		ev.Escalate = true
		ev.NewCount = count
	}

	if updated.ViolationCount < maxViolations {
		due := e.cal.ComputeDueAt(start, slaHours, updated.ViolationCount)
		updated.NextDueAt = &due
	} else {
		updated.NextDueAt = nil
	}

	ev.Record = updated
	return ev
}

// EffectiveSLAHours falls back from the step definition to the record default.
func EffectiveSLAHours(record models.TrackedRecord, step models.StepDefinition) int {
	if step.SLAHours > 0 {
		return step.SLAHours
	}
	return record.DefaultSLAHours
}

// RemainingHours is slaHours minus elapsed, floored at MinRemainingHours and
// rounded to two decimals.
func RemainingHours(slaHours int, elapsedHours float64) float64 {
	remaining := math.Max(float64(slaHours)-elapsedHours, MinRemainingHours)
	return math.Round(remaining*100) / 100
}
