package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/zyn1030z/SLA-service-sub000/pkg/escalation"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
	"github.com/zyn1030z/SLA-service-sub000/pkg/sla"
	"github.com/zyn1030z/SLA-service-sub000/pkg/storage"
)

const (
	// DefaultSweepWorkers is the per-pass concurrency when none is configured.
	DefaultSweepWorkers = 4

	// persistTimeout bounds the writes that follow a dispatch once the
	// sweep context is gone.
	persistTimeout = 5 * time.Second
)

// ErrSweepRunning is reported when a trigger arrives while a pass is active.
var ErrSweepRunning = errors.New("a sweep is already running")

// Dispatcher sends one escalation action. *escalation.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, action escalation.Action, vars escalation.Variables) escalation.Outcome
}

// SweepReport summarises one pass.
type SweepReport struct {
	SweepID            string        `json:"sweepId"`
	StartedAt          time.Time     `json:"startedAt"`
	Duration           time.Duration `json:"duration"`
	Active             int           `json:"active"`
	Evaluated          int           `json:"evaluated"`
	Escalated          int           `json:"escalated"`
	EscalationFailures int           `json:"escalationFailures"`
	Skipped            int           `json:"skipped"`
	Failed             int           `json:"failed"`
}

// TriggerResult is what manual and scheduled triggers return. It is always
// well formed; failures are reported in Error.
type TriggerResult struct {
	Success       bool         `json:"success"`
	WaitingCount  int          `json:"waitingCount"`
	ViolatedCount int          `json:"violatedCount"`
	Message       string       `json:"message,omitempty"`
	Error         string       `json:"error,omitempty"`
	Report        *SweepReport `json:"report,omitempty"`
}

type outcome int

const (
	outcomeEvaluated outcome = iota
	outcomeSkipped
	outcomeFailed
)

// recordResult is what processing one record produced.
type recordResult struct {
	outcome   outcome
	escalated bool
	succeeded bool
}

type SweeperOption func(*Sweeper)

func WithClock(c Clock) SweeperOption {
	return func(s *Sweeper) { s.clock = c }
}

func WithLogger(l Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

func WithMetrics(m Metrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func WithWorkers(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.workers = n
		}
	}
}

// Sweeper runs evaluation passes over every active record.
type Sweeper struct {
	store      storage.Store
	evaluator  *sla.Evaluator
	dispatcher Dispatcher
	recorder   *ActionLogRecorder
	clock      Clock
	logger     Logger
	metrics    Metrics
	workers    int
	running    sync.Mutex
}

func NewSweeper(store storage.Store, evaluator *sla.Evaluator, dispatcher Dispatcher, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:      store,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		clock:      SystemClock(),
		logger:     nopLogger{},
		metrics:    nopMetrics{},
		workers:    DefaultSweepWorkers,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.recorder = NewActionLogRecorder(s.clock, s.logger)
	return s
}

// Trigger runs one pass and reports the resulting counts. It never panics
// and never returns an error; fatal failures set Success to false.
func (s *Sweeper) Trigger(ctx context.Context) (res TriggerResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("Sweep panicked: %v", r)
			res = TriggerResult{Success: false, Error: fmt.Sprintf("sweep panicked: %v", r)}
		}
	}()

	report, err := s.Sweep(ctx)
	if err != nil {
		s.logger.Errorf("Sweep failed: %v", err)
		return TriggerResult{Success: false, Error: err.Error()}
	}
	waiting, violated, err := s.Counts(ctx)
	if err != nil {
		s.logger.Errorf("Failed to count records after sweep %s: %v", report.SweepID, err)
		return TriggerResult{Success: false, Error: err.Error(), Report: &report}
	}
	return TriggerResult{
		Success:       true,
		WaitingCount:  waiting,
		ViolatedCount: violated,
		Message: fmt.Sprintf("sweep %s evaluated %d of %d active records, escalated %d (%d failed), skipped %d, errors %d",
			report.SweepID, report.Evaluated, report.Active, report.Escalated, report.EscalationFailures, report.Skipped, report.Failed),
		Report: &report,
	}
}

// Counts returns how many records are waiting and how many are violated.
func (s *Sweeper) Counts(ctx context.Context) (waiting, violated int, err error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "count records by status")
	}
	waiting, violated = counts[models.WaitingRecordStatus], counts[models.ViolatedRecordStatus]
	s.metrics.SetActiveRecords(waiting, violated)
	return waiting, violated, nil
}

// Sweep evaluates every active record once. Only failing to list records is
// fatal; per-record failures are counted in the report.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	if !s.running.TryLock() {
		return SweepReport{}, ErrSweepRunning
	}
	defer s.running.Unlock()

	began := time.Now()
	report := SweepReport{SweepID: uuid.NewString(), StartedAt: s.clock.Now()}
	records, err := s.store.ListActiveRecords(ctx)
	if err != nil {
		return report, errors.Wrap(err, "list active records")
	}
	report.Active = len(records)
	now := report.StartedAt
	s.logger.Infof("Sweep %s started with %d active records", report.SweepID, len(records))

	var mu sync.Mutex
	collect := func(r recordResult) {
		mu.Lock()
		defer mu.Unlock()
		switch r.outcome {
		case outcomeEvaluated:
			report.Evaluated++
		case outcomeSkipped:
			report.Skipped++
		case outcomeFailed:
			report.Failed++
		}
		if r.escalated {
			report.Escalated++
			if !r.succeeded {
				report.EscalationFailures++
			}
		}
	}

	pool := NewWorkerPool(min(s.workers, max(len(records), 1)), s.logger)
	pool.Start()
	for i, rec := range records {
		key := rec.Key
		if err := pool.Submit(ctx, key, func(ctx context.Context) {
			collect(s.processKey(ctx, report.SweepID, key, now))
		}); err != nil {
			s.logger.Warnf("Sweep %s abandoned with %d records left: %v", report.SweepID, len(records)-i, err)
			mu.Lock()
			report.Skipped += len(records) - i
			mu.Unlock()
			break
		}
	}
	pool.Stop()

	report.Duration = time.Since(began)
	s.metrics.ObserveSweep(report)
	s.logger.Infof("Sweep %s finished: evaluated %d, escalated %d, skipped %d, failed %d",
		report.SweepID, report.Evaluated, report.Escalated, report.Skipped, report.Failed)
	return report, nil
}

func (s *Sweeper) processKey(ctx context.Context, sweepID, key string, now time.Time) recordResult {
	if ctx.Err() != nil {
		return recordResult{outcome: outcomeSkipped}
	}
	res, err := s.processRecord(ctx, sweepID, key, now)
	if err != nil {
		s.logger.Errorf("Sweep %s: record %s failed: %v", sweepID, key, err)
		res.outcome = outcomeFailed
	}
	return res
}

// processRecord runs lock, evaluate, dispatch, log and state update for one
// record inside a single transaction.
func (s *Sweeper) processRecord(ctx context.Context, sweepID, key string, now time.Time) (res recordResult, err error) {
	txStore, err := s.store.Begin()
	if err != nil {
		return res, errors.Wrap(err, "begin transaction")
	}
	defer finishTx(txStore, &err, s.logger)

	rec, err := txStore.LockRecord(ctx, key)
	if errors.Is(err, storage.ErrLocked) || errors.Is(err, storage.ErrNotFound) {
		s.logger.Infof("Sweep %s: skipping record %s: %v", sweepID, key, err)
		return recordResult{outcome: outcomeSkipped}, nil
	}
	if err != nil {
		return res, errors.Wrap(err, "lock record")
	}
	if !rec.Status.Active() {
		return recordResult{outcome: outcomeSkipped}, nil
	}

	step, wf, err := s.resolveStep(ctx, txStore, rec)
	if err != nil {
		return res, err
	}

	ev := s.evaluator.Evaluate(rec, step, now)
	if ev.Skipped {
		s.logger.Warnf("Sweep %s: skipping record %s: %s", sweepID, key, ev.SkipReason)
		return recordResult{outcome: outcomeSkipped}, nil
	}
	res.outcome = outcomeEvaluated

	if ev.Escalate {
		// Nothing external has happened yet; a cancelled sweep leaves the
		// record for the next pass.
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entry := s.escalate(ctx, sweepID, ev, rec, step, wf, now)
		res.escalated, res.succeeded = true, entry.Success

		// The call has been made, so its outcome is persisted even if the
		// sweep is being abandoned.
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		ctx = persistCtx
		if _, err = s.recorder.Record(ctx, txStore, entry); err != nil {
			return res, err
		}
	}

	if err = txStore.UpdateRecordState(ctx, ev.Record, rec.ViolationCount); err != nil {
		return res, errors.Wrapf(err, "update record %s", key)
	}
	return res, nil
}

// resolveStep finds the step definition by workflow and code, then by
// numeric id. A record without any step definition is evaluated against its
// own default SLA.
func (s *Sweeper) resolveStep(ctx context.Context, store storage.Store, rec models.TrackedRecord) (models.StepDefinition, *models.WorkflowDefinition, error) {
	step, err := lookupStep(ctx, store, rec.WorkflowID, rec.StepCode, rec.StepID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		step = models.StepDefinition{WorkflowID: rec.WorkflowID, Code: rec.StepCode}
	case err != nil:
		return step, nil, err
	}

	wf, err := store.GetWorkflow(ctx, rec.WorkflowID)
	if errors.Is(err, storage.ErrNotFound) {
		return step, nil, nil
	}
	if err != nil {
		return step, nil, errors.Wrap(err, "get workflow definition")
	}
	return step, &wf, nil
}

// escalate resolves and dispatches the step's action and returns the audit
// entry describing the attempt.
func (s *Sweeper) escalate(ctx context.Context, sweepID string, ev sla.Evaluation, rec models.TrackedRecord, step models.StepDefinition, wf *models.WorkflowDefinition, now time.Time) models.ActionLogEntry {
	entry := models.ActionLogEntry{
		SweepID:        sweepID,
		RecordKey:      rec.Key,
		WorkflowID:     rec.WorkflowID,
		StepCode:       rec.StepCode,
		StepID:         rec.StepID,
		ActionKind:     step.EscalationAction,
		ViolationCount: ev.NewCount,
	}
	if step.ID > 0 {
		id := step.ID
		entry.StepID = &id
	}

	action, err := escalation.ResolveAction(step, wf)
	if err != nil {
		entry.Message = fmt.Sprintf("no escalation action configured: %v", err)
		s.metrics.ObserveEscalation(entry.ActionKind, false)
		return entry
	}
	vars := escalation.NewVariables(action, escalation.Params{
		Record:         ev.Record,
		Step:           step,
		Workflow:       wf,
		ViolationCount: ev.NewCount,
		SLAHours:       ev.SLAHours,
		Now:            now,
	})
	out := s.dispatcher.Dispatch(ctx, action, vars)
	entry.ActionKind = action.Kind()
	entry.Success = out.Success
	entry.StatusCode = out.StatusCode
	entry.Message = out.Message
	s.metrics.ObserveEscalation(entry.ActionKind, out.Success)
	return entry
}

type nopLogger struct{}

func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Warnf(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
