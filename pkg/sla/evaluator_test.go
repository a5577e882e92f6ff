package sla_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zyn1030z/SLA-service-sub000/pkg/calendar"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
	"github.com/zyn1030z/SLA-service-sub000/pkg/sla"
)

var (
	bkk   = time.FixedZone("UTC+7", 7*3600)
	start = time.Date(2026, time.January, 15, 9, 0, 0, 0, bkk) // Thursday
)

func newEvaluator(opts ...sla.Option) *sla.Evaluator {
	return sla.NewEvaluator(calendar.MustNew(calendar.DefaultHours()), opts...)
}

func waitingRecord() models.TrackedRecord {
	s := start
	return models.TrackedRecord{
		Key:        "PO-1",
		WorkflowID: 1,
		StepCode:   "manager_approval",
		StartTime:  &s,
		Status:     models.WaitingRecordStatus,
	}
}

func step(slaHours, maxViolations int) models.StepDefinition {
	return models.StepDefinition{ID: 10, WorkflowID: 1, Code: "manager_approval", SLAHours: slaHours, MaxViolations: maxViolations}
}

func TestEvaluate_WithinWindow(t *testing.T) {
	ev := newEvaluator().Evaluate(waitingRecord(), step(4, 3), start.Add(90*time.Minute))

	assert.False(t, ev.Skipped)
	assert.False(t, ev.Escalate)
	assert.Equal(t, 0, ev.Record.ViolationCount)
	assert.Equal(t, models.WaitingRecordStatus, ev.Record.Status)
	assert.Equal(t, 2.5, ev.Record.RemainingHours)
	assert.Equal(t, 4, ev.Record.SLAHours)
	require.NotNil(t, ev.Record.NextDueAt)
	assert.True(t, start.Add(4*time.Hour).Equal(*ev.Record.NextDueAt))
}

func TestEvaluate_FirstViolation(t *testing.T) {
	ev := newEvaluator().Evaluate(waitingRecord(), step(4, 3), start.Add(5*time.Hour))

	assert.True(t, ev.Escalate)
	assert.Equal(t, 0, ev.OldCount)
	assert.Equal(t, 1, ev.NewCount)
	assert.Equal(t, 1, ev.Record.ViolationCount)
	assert.Equal(t, models.ViolatedRecordStatus, ev.Record.Status)
	assert.Equal(t, -1.0, ev.Record.RemainingHours)
	// Second window: 09:00 + 8 business hours = Friday 09:00.
	require.NotNil(t, ev.Record.NextDueAt)
	assert.True(t, time.Date(2026, 1, 16, 9, 0, 0, 0, bkk).Equal(*ev.Record.NextDueAt))
}

func TestEvaluate_Idempotent(t *testing.T) {
	e := newEvaluator()
	now := start.Add(5 * time.Hour)

	first := e.Evaluate(waitingRecord(), step(4, 3), now)
	require.True(t, first.Escalate)

	second := e.Evaluate(first.Record, step(4, 3), now)
	assert.False(t, second.Escalate)
	assert.Equal(t, first.Record.ViolationCount, second.Record.ViolationCount)

	later := e.Evaluate(second.Record, step(4, 3), now.Add(2*time.Hour))
	assert.False(t, later.Escalate, "still inside the second window")
	assert.Equal(t, -3.0, later.Record.RemainingHours)
}

func TestEvaluate_Monotonic(t *testing.T) {
	e := newEvaluator()
	rec := waitingRecord()
	escalations := 0
	prev := 0
	for now := start; now.Before(start.Add(48 * time.Hour)); now = now.Add(17 * time.Minute) {
		ev := e.Evaluate(rec, step(3, 5), now)
		if ev.Escalate {
			escalations++
			assert.Greater(t, ev.NewCount, ev.OldCount)
		}
		assert.GreaterOrEqual(t, ev.Record.ViolationCount, prev)
		prev = ev.Record.ViolationCount
		rec = ev.Record
	}
	assert.Equal(t, 5, rec.ViolationCount)
	assert.LessOrEqual(t, escalations, 5)
}

func TestEvaluate_CapEnforced(t *testing.T) {
	ev := newEvaluator().Evaluate(waitingRecord(), step(1, 2), start.Add(90*24*time.Hour))

	assert.True(t, ev.Escalate)
	assert.Equal(t, 2, ev.NewCount)
	assert.Equal(t, 2, ev.Record.ViolationCount)
	assert.Nil(t, ev.Record.NextDueAt)
	assert.Equal(t, sla.MinRemainingHours, ev.Record.RemainingHours)

	again := newEvaluator().Evaluate(ev.Record, step(1, 2), start.Add(90*24*time.Hour))
	assert.False(t, again.Escalate)
	assert.Equal(t, 2, again.Record.ViolationCount)
}

func TestEvaluate_JumpsSeveralBoundaries(t *testing.T) {
	ev := newEvaluator().Evaluate(waitingRecord(), step(2, 10), start.Add(7*time.Hour))
	assert.True(t, ev.Escalate)
	assert.Equal(t, 0, ev.OldCount)
	assert.Equal(t, 3, ev.NewCount)
}

func TestEvaluate_ViolatedStaysViolated(t *testing.T) {
	rec := waitingRecord()
	rec.Status = models.ViolatedRecordStatus
	rec.ViolationCount = 1

	ev := newEvaluator().Evaluate(rec, step(4, 3), start.Add(9*time.Hour))
	assert.True(t, ev.Escalate)
	assert.Equal(t, models.ViolatedRecordStatus, ev.Record.Status)
	assert.Equal(t, 2, ev.Record.ViolationCount)
}

func TestEvaluate_Skips(t *testing.T) {
	e := newEvaluator()
	now := start.Add(100 * time.Hour)

	noStart := waitingRecord()
	noStart.StartTime = nil
	ev := e.Evaluate(noStart, step(4, 3), now)
	assert.True(t, ev.Skipped)
	assert.False(t, ev.Escalate)
	assert.Equal(t, noStart, ev.Record)

	completed := waitingRecord()
	completed.Status = models.CompletedRecordStatus
	ev = e.Evaluate(completed, step(4, 3), now)
	assert.True(t, ev.Skipped)
	assert.Equal(t, completed, ev.Record)

	noSLA := waitingRecord()
	ev = e.Evaluate(noSLA, step(0, 3), now)
	assert.True(t, ev.Skipped)
	assert.Equal(t, "no SLA hours configured", ev.SkipReason)
}

func TestEvaluate_FallsBackToRecordDefaults(t *testing.T) {
	rec := waitingRecord()
	rec.DefaultSLAHours = 2

	ev := newEvaluator(sla.WithDefaultMaxViolations(1)).Evaluate(rec, step(0, 0), start.Add(9*time.Hour))
	assert.Equal(t, 2, ev.SLAHours)
	assert.Equal(t, 1, ev.MaxViolations)
	assert.Equal(t, 1, ev.Record.ViolationCount)
}

func TestEvaluate_BusinessClock(t *testing.T) {
	cal := calendar.MustNew(calendar.DefaultHours())
	e := sla.NewEvaluator(cal, sla.WithElapsed(sla.BusinessClock(cal)))

	// Thursday 09:00 to Friday 08:30 is 7.5 business hours.
	ev := e.Evaluate(waitingRecord(), step(8, 3), time.Date(2026, 1, 16, 8, 30, 0, 0, bkk))
	assert.False(t, ev.Escalate)
	assert.Equal(t, 0.5, ev.Record.RemainingHours)

	ev = e.Evaluate(ev.Record, step(8, 3), time.Date(2026, 1, 16, 9, 0, 0, 0, bkk))
	assert.True(t, ev.Escalate)
	assert.Equal(t, 1, ev.NewCount)
}

func TestRemainingHours(t *testing.T) {
	assert.Equal(t, 1.67, sla.RemainingHours(2, 1.0/3.0))
	assert.Equal(t, -999.0, sla.RemainingHours(1, 5000))
	assert.Equal(t, 4.0, sla.RemainingHours(4, 0))
}
