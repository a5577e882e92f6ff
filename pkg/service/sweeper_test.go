package service_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zyn1030z/SLA-service-sub000/pkg/calendar"
	"github.com/zyn1030z/SLA-service-sub000/pkg/escalation"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
	"github.com/zyn1030z/SLA-service-sub000/pkg/service"
	"github.com/zyn1030z/SLA-service-sub000/pkg/sla"
	"github.com/zyn1030z/SLA-service-sub000/pkg/storage"
)

// Thursday 2026-01-15 10:00 in the business zone.
var sweepNow = time.Date(2026, 1, 15, 3, 0, 0, 0, time.UTC)

type dispatchCall struct {
	kind models.ActionKind
	vars escalation.Variables
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatchCall
	outcome escalation.Outcome
	entered chan struct{}
	release chan struct{}
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{outcome: escalation.Outcome{Success: true, StatusCode: http.StatusOK, Message: "ok"}}
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, action escalation.Action, vars escalation.Variables) escalation.Outcome {
	if d.entered != nil {
		d.entered <- struct{}{}
		<-d.release
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatchCall{kind: action.Kind(), vars: vars})
	return d.outcome
}

func (d *fakeDispatcher) Calls() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]dispatchCall(nil), d.calls...)
}

type fakeMetrics struct {
	mu          sync.Mutex
	sweeps      int
	escalations map[string]int
	waiting     int
	violated    int
}

func (m *fakeMetrics) ObserveSweep(service.SweepReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweeps++
}

func (m *fakeMetrics) ObserveEscalation(kind models.ActionKind, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.escalations == nil {
		m.escalations = map[string]int{}
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.escalations[string(kind)+"/"+result]++
}

func (m *fakeMetrics) SetActiveRecords(waiting, violated int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiting, m.violated = waiting, violated
}

// failingStore fails every listing, which is fatal to a sweep.
type failingStore struct {
	storage.Store
}

func (failingStore) ListActiveRecords(ctx context.Context) ([]models.TrackedRecord, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	store      storage.Store
	cal        *calendar.Calendar
	dispatcher *fakeDispatcher
	metrics    *fakeMetrics
	sweeper    *service.Sweeper
	workflowID int64
	stepID     int64
}

func newFixture(t *testing.T, step models.StepDefinition) *fixture {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMockStore()
	wfID, err := store.SaveWorkflow(ctx, models.WorkflowDefinition{Name: "Purchase approval", Model: "purchase.order"})
	require.NoError(t, err)
	step.WorkflowID = wfID
	stepID, err := store.SaveStep(ctx, step)
	require.NoError(t, err)

	f := &fixture{
		store:      store,
		cal:        calendar.MustNew(calendar.DefaultHours()),
		dispatcher: newFakeDispatcher(),
		metrics:    &fakeMetrics{},
		workflowID: wfID,
		stepID:     stepID,
	}
	f.sweeper = f.newSweeper(store)
	return f
}

func (f *fixture) newSweeper(store storage.Store) *service.Sweeper {
	return service.NewSweeper(store, sla.NewEvaluator(f.cal), f.dispatcher,
		service.WithClock(service.ClockFunc(func() time.Time { return sweepNow })),
		service.WithLogger(newLogger(nil)),
		service.WithMetrics(f.metrics),
		service.WithWorkers(2),
	)
}

func (f *fixture) addRecord(t *testing.T, key string, startedAgo time.Duration) {
	t.Helper()
	start := sweepNow.Add(-startedAgo)
	require.NoError(t, f.store.SaveRecord(context.Background(), models.TrackedRecord{
		Key:        key,
		WorkflowID: f.workflowID,
		StepCode:   "review",
		StartTime:  &start,
		Status:     models.WaitingRecordStatus,
	}))
}

func notifyStep(url string) models.StepDefinition {
	return models.StepDefinition{
		Code:             "review",
		Name:             "Manager review",
		SLAHours:         1,
		EscalationAction: models.NotifyAction,
		NotifyConfig:     &models.ActionTemplate{URL: url, Body: map[string]any{"record": "{recordId}"}},
	}
}

func TestSweeper_FirstViolationEscalatesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	f.addRecord(t, "PO-1", 90*time.Minute)

	res := f.sweeper.Trigger(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 0, res.WaitingCount)
	assert.Equal(t, 1, res.ViolatedCount)
	require.NotNil(t, res.Report)
	assert.Equal(t, 1, res.Report.Escalated)
	assert.Equal(t, 1, res.Report.Evaluated)

	calls := f.dispatcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, models.NotifyAction, calls[0].kind)
	assert.Equal(t, "PO-1", calls[0].vars[escalation.VarRecordID])
	assert.Equal(t, "1", calls[0].vars[escalation.VarViolationCount])
	assert.Equal(t, "Purchase approval", calls[0].vars[escalation.VarWorkflowName])

	rec, err := f.store.GetRecord(ctx, "PO-1")
	require.NoError(t, err)
	assert.Equal(t, models.ViolatedRecordStatus, rec.Status)
	assert.Equal(t, 1, rec.ViolationCount)
	assert.Equal(t, -0.5, rec.RemainingHours)
	require.NotNil(t, rec.NextDueAt)
	// 08:30 start plus two business hours.
	assert.True(t, time.Date(2026, 1, 15, 3, 30, 0, 0, time.UTC).Equal(*rec.NextDueAt), rec.NextDueAt)

	logs, err := f.store.ListActionLogs(ctx, "PO-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, 1, logs[0].ViolationCount)
	assert.Equal(t, res.Report.SweepID, logs[0].SweepID)
	require.NotNil(t, logs[0].StepID)
	assert.Equal(t, f.stepID, *logs[0].StepID)

	assert.Equal(t, 1, f.metrics.escalations["notify/success"])
	assert.Equal(t, 1, f.metrics.violated)

	// Same instant again: nothing new to escalate.
	res = f.sweeper.Trigger(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 0, res.Report.Escalated)
	assert.Len(t, f.dispatcher.Calls(), 1)
	logs, _ = f.store.ListActionLogs(ctx, "PO-1")
	assert.Len(t, logs, 1)
	assert.Equal(t, 2, f.metrics.sweeps)
}

func TestSweeper_WithinWindowOnlyUpdatesRemaining(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	f.addRecord(t, "PO-1", 30*time.Minute)

	res := f.sweeper.Trigger(ctx)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.WaitingCount)
	assert.Empty(t, f.dispatcher.Calls())

	rec, err := f.store.GetRecord(ctx, "PO-1")
	require.NoError(t, err)
	assert.Equal(t, models.WaitingRecordStatus, rec.Status)
	assert.Equal(t, 0.5, rec.RemainingHours)
	require.NotNil(t, rec.LastEvaluatedAt)
	assert.True(t, sweepNow.Equal(*rec.LastEvaluatedAt))
}

func TestSweeper_CapReachedInOneJump(t *testing.T) {
	ctx := context.Background()
	step := notifyStep("http://hooks.local/notify")
	step.MaxViolations = 3
	f := newFixture(t, step)
	f.addRecord(t, "PO-1", 50*24*time.Hour)

	res := f.sweeper.Trigger(ctx)
	require.True(t, res.Success)

	calls := f.dispatcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "3", calls[0].vars[escalation.VarViolationCount])

	rec, _ := f.store.GetRecord(ctx, "PO-1")
	assert.Equal(t, 3, rec.ViolationCount)
	assert.Nil(t, rec.NextDueAt)
	assert.Equal(t, sla.MinRemainingHours, rec.RemainingHours)

	f.sweeper.Trigger(ctx)
	assert.Len(t, f.dispatcher.Calls(), 1)
}

func TestSweeper_SkipsRecordsWithoutStartOrSLA(t *testing.T) {
	ctx := context.Background()
	step := notifyStep("http://hooks.local/notify")
	step.SLAHours = 0
	f := newFixture(t, step)
	require.NoError(t, f.store.SaveRecord(ctx, models.TrackedRecord{
		Key: "no-start", WorkflowID: f.workflowID, StepCode: "review", Status: models.WaitingRecordStatus, DefaultSLAHours: 1,
	}))
	f.addRecord(t, "no-sla", 5*time.Hour)

	res := f.sweeper.Trigger(ctx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 2, res.Report.Skipped)
	assert.Equal(t, 0, res.Report.Failed)
	assert.Equal(t, 2, res.WaitingCount)
	assert.Empty(t, f.dispatcher.Calls())
}

func TestSweeper_RecordDefaultSLAWithoutStepDefinition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	start := sweepNow.Add(-3 * time.Hour)
	require.NoError(t, f.store.SaveRecord(ctx, models.TrackedRecord{
		Key: "PO-9", WorkflowID: f.workflowID, StepCode: "unknown", StartTime: &start,
		Status: models.WaitingRecordStatus, DefaultSLAHours: 2,
	}))

	res := f.sweeper.Trigger(ctx)
	require.True(t, res.Success, res.Error)
	assert.Empty(t, f.dispatcher.Calls())

	rec, _ := f.store.GetRecord(ctx, "PO-9")
	assert.Equal(t, 1, rec.ViolationCount)
	assert.Equal(t, 2, rec.SLAHours)

	logs, _ := f.store.ListActionLogs(ctx, "PO-9")
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Contains(t, logs[0].Message, "no escalation action configured")
}

func TestSweeper_StepResolvedByID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	start := sweepNow.Add(-2 * time.Hour)
	stepID := f.stepID
	require.NoError(t, f.store.SaveRecord(ctx, models.TrackedRecord{
		Key: "PO-2", WorkflowID: f.workflowID, StepID: &stepID, StartTime: &start, Status: models.WaitingRecordStatus,
	}))

	f.sweeper.Trigger(ctx)
	calls := f.dispatcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "review", calls[0].vars[escalation.VarStepCode])
	assert.Equal(t, "2", calls[0].vars[escalation.VarViolationCount])
}

func TestSweeper_UnconfiguredActionIsLoggedAndStateAdvances(t *testing.T) {
	ctx := context.Background()
	step := notifyStep("")
	step.NotifyConfig = nil
	f := newFixture(t, step)
	f.addRecord(t, "PO-1", 90*time.Minute)

	res := f.sweeper.Trigger(ctx)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Report.EscalationFailures)
	assert.Empty(t, f.dispatcher.Calls())

	logs, _ := f.store.ListActionLogs(ctx, "PO-1")
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Contains(t, logs[0].Message, "no escalation action configured")

	rec, _ := f.store.GetRecord(ctx, "PO-1")
	assert.Equal(t, 1, rec.ViolationCount)
}

func TestSweeper_FailedDispatchIsNotRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	f.dispatcher.outcome = escalation.Outcome{Success: false, StatusCode: http.StatusBadGateway, Message: "returned 502"}
	f.addRecord(t, "PO-1", 90*time.Minute)

	res := f.sweeper.Trigger(ctx)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Report.EscalationFailures)

	logs, _ := f.store.ListActionLogs(ctx, "PO-1")
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Equal(t, http.StatusBadGateway, logs[0].StatusCode)

	f.sweeper.Trigger(ctx)
	assert.Len(t, f.dispatcher.Calls(), 1)
	assert.Equal(t, 1, f.metrics.escalations["notify/failure"])
}

func TestSweeper_CompletedRecordsAreIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	f.addRecord(t, "PO-1", 90*time.Minute)
	require.NoError(t, f.store.CompleteRecord(ctx, "PO-1"))

	res := f.sweeper.Trigger(ctx)
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Report.Active)
	assert.Empty(t, f.dispatcher.Calls())
}

func TestSweeper_StoreFailureReportsUnsuccessful(t *testing.T) {
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	sweeper := f.newSweeper(failingStore{f.store})

	res := sweeper.Trigger(context.Background())
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "connection refused")
	assert.Nil(t, res.Report)
}

func TestSweeper_LockedRecordIsSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	f.addRecord(t, "PO-1", 90*time.Minute)
	f.addRecord(t, "PO-2", 90*time.Minute)

	other, err := f.store.Begin()
	require.NoError(t, err)
	_, err = other.LockRecord(ctx, "PO-1")
	require.NoError(t, err)

	res := f.sweeper.Trigger(ctx)
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Report.Skipped)
	assert.Equal(t, 1, res.Report.Escalated)
	require.NoError(t, other.Rollback())

	calls := f.dispatcher.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "PO-2", calls[0].vars[escalation.VarRecordID])

	// Once released, the next pass picks it up.
	f.sweeper.Trigger(ctx)
	assert.Len(t, f.dispatcher.Calls(), 2)
}

func TestSweeper_CancelledContextSkipsRecords(t *testing.T) {
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	f.addRecord(t, "PO-1", 90*time.Minute)
	f.addRecord(t, "PO-2", 90*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := f.sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Skipped)
	assert.Empty(t, f.dispatcher.Calls())

	rec, _ := f.store.GetRecord(context.Background(), "PO-1")
	assert.Equal(t, 0, rec.ViolationCount)
}

func TestSweeper_RejectsOverlappingSweeps(t *testing.T) {
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	f.dispatcher.entered = make(chan struct{}, 1)
	f.dispatcher.release = make(chan struct{})
	f.addRecord(t, "PO-1", 90*time.Minute)

	done := make(chan service.TriggerResult, 1)
	go func() { done <- f.sweeper.Trigger(context.Background()) }()
	<-f.dispatcher.entered

	_, err := f.sweeper.Sweep(context.Background())
	assert.ErrorIs(t, err, service.ErrSweepRunning)

	close(f.dispatcher.release)
	res := <-done
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.Report.Escalated)
}

func TestSweeper_CompletionDuringDispatchKeepsTheLogEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, notifyStep("http://hooks.local/notify"))
	f.dispatcher.entered = make(chan struct{}, 1)
	f.dispatcher.release = make(chan struct{})
	f.addRecord(t, "PO-1", 90*time.Minute)

	done := make(chan service.TriggerResult, 1)
	go func() { done <- f.sweeper.Trigger(ctx) }()
	<-f.dispatcher.entered

	completed := make(chan error, 1)
	go func() { completed <- f.store.CompleteRecord(ctx, "PO-1") }()
	// The sweep holds the row until it commits.
	assert.Never(t, func() bool { return len(completed) > 0 }, 50*time.Millisecond, 5*time.Millisecond)
	close(f.dispatcher.release)

	res := <-done
	require.True(t, res.Success, res.Error)
	assert.Equal(t, 1, res.Report.Escalated)
	require.NoError(t, <-completed)

	assert.Len(t, f.dispatcher.Calls(), 1)
	logs, err := f.store.ListActionLogs(ctx, "PO-1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)

	rec, err := f.store.GetRecord(ctx, "PO-1")
	require.NoError(t, err)
	assert.Equal(t, models.CompletedRecordStatus, rec.Status)
	assert.Equal(t, 1, rec.ViolationCount)
}

func TestSweeper_DispatchesRenderedTemplate(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	step := notifyStep(srv.URL + "/notify/{recordId}")
	step.NotifyConfig.Body = map[string]any{"text": "{recordId} overdue at {stepName}, violation {violationCount}", "level": 2}
	f := newFixture(t, step)
	f.addRecord(t, "PO-7", 150*time.Minute)

	sweeper := service.NewSweeper(f.store, sla.NewEvaluator(f.cal), escalation.NewDispatcher(escalation.WithTimeout(2*time.Second)),
		service.WithClock(service.ClockFunc(func() time.Time { return sweepNow })),
		service.WithLogger(newLogger(t)),
	)
	res := sweeper.Trigger(ctx)
	require.True(t, res.Success, res.Error)

	body := <-bodies
	assert.Equal(t, "PO-7 overdue at Manager review, violation 2", body["text"])
	assert.Equal(t, float64(2), body["level"])

	logs, _ := f.store.ListActionLogs(ctx, "PO-7")
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, http.StatusOK, logs[0].StatusCode)
}
