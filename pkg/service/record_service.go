package service

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/zyn1030z/SLA-service-sub000/pkg/calendar"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
	"github.com/zyn1030z/SLA-service-sub000/pkg/sla"
	"github.com/zyn1030z/SLA-service-sub000/pkg/storage"
)

// ErrInvalidRequest marks a StartStepRequest rejected before touching the
// store.
var ErrInvalidRequest = errors.New("invalid request")

// StartStepRequest moves a record onto a step. A zero StartTime means now.
type StartStepRequest struct {
	Key             string    `json:"key"`
	Name            string    `json:"name,omitempty"`
	Model           string    `json:"model,omitempty"`
	WorkflowID      int64     `json:"workflow_id"`
	StepCode        string    `json:"step_code"`
	StepID          *int64    `json:"step_id,omitempty"`
	StartTime       time.Time `json:"start_time,omitempty"`
	DefaultSLAHours int       `json:"default_sla_hours,omitempty"`
}

// RecordService owns the record lifecycle outside of sweeps: entering a
// step, completing it, and reading back state and history.
type RecordService struct {
	store  storage.Store
	cal    *calendar.Calendar
	clock  Clock
	logger Logger
}

func NewRecordService(store storage.Store, cal *calendar.Calendar, clock Clock, logger Logger) *RecordService {
	if clock == nil {
		clock = SystemClock()
	}
	return &RecordService{store: store, cal: cal, clock: clock, logger: logger}
}

// StartStep creates the record or resets it onto a new step: WAITING with
// no violations and the first deadline computed from the step's SLA.
func (rs *RecordService) StartStep(ctx context.Context, req StartStepRequest) (rec models.TrackedRecord, err error) {
	if req.Key == "" {
		return rec, errors.Wrap(ErrInvalidRequest, "record key cannot be empty")
	}
	if req.StepCode == "" && req.StepID == nil {
		return rec, errors.Wrapf(ErrInvalidRequest, "record %s: step code or step id is required", req.Key)
	}
	if err := calendar.ValidateWindow(req.DefaultSLAHours, 0); err != nil {
		return rec, errors.Wrapf(ErrInvalidRequest, "record %s: %v", req.Key, err)
	}

	txStore, err := rs.store.Begin()
	if err != nil {
		rs.logger.Errorf("Failed to begin transaction for StartStep: %v", err)
		return rec, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer finishTx(txStore, &err, rs.logger)

	step, err := lookupStep(ctx, txStore, req.WorkflowID, req.StepCode, req.StepID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return rec, err
	}
	if err == nil && req.StepCode == "" {
		req.StepCode = step.Code
	}
	err = nil

	start := req.StartTime
	if start.IsZero() {
		start = rs.clock.Now()
	}
	rec = models.TrackedRecord{
		Key:             req.Key,
		RecordName:      req.Name,
		Model:           req.Model,
		WorkflowID:      req.WorkflowID,
		StepCode:        req.StepCode,
		StepID:          req.StepID,
		StartTime:       &start,
		Status:          models.WaitingRecordStatus,
		DefaultSLAHours: req.DefaultSLAHours,
	}
	if step.ID > 0 {
		id := step.ID
		rec.StepID = &id
	}
	if slaHours := sla.EffectiveSLAHours(rec, step); slaHours > 0 {
		due := rs.cal.ComputeDueAt(start, slaHours, 0)
		rec.SLAHours = slaHours
		rec.RemainingHours = float64(slaHours)
		rec.NextDueAt = &due
	}

	if err = txStore.SaveRecord(ctx, rec); err != nil {
		rs.logger.Errorf("Failed to save record %s: %v", req.Key, err)
		return rec, fmt.Errorf("failed to save record %s: %w", req.Key, err)
	}
	rs.logger.Infof("Record %s entered step %s of workflow %d", rec.Key, rec.StepCode, rec.WorkflowID)
	return rec, nil
}

// Complete marks the record COMPLETED. Later sweeps never touch it again.
func (rs *RecordService) Complete(ctx context.Context, key string) (err error) {
	txStore, err := rs.store.Begin()
	if err != nil {
		rs.logger.Errorf("Failed to begin transaction for Complete: %v", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer finishTx(txStore, &err, rs.logger)

	if err = txStore.CompleteRecord(ctx, key); err != nil {
		rs.logger.Errorf("Failed to complete record %s: %v", key, err)
		return fmt.Errorf("failed to complete record %s: %w", key, err)
	}
	rs.logger.Infof("Record %s completed", key)
	return nil
}

func (rs *RecordService) Get(ctx context.Context, key string) (models.TrackedRecord, error) {
	return rs.store.GetRecord(ctx, key)
}

// History lists the action log of one record, oldest first.
func (rs *RecordService) History(ctx context.Context, key string) ([]models.ActionLogEntry, error) {
	if _, err := rs.store.GetRecord(ctx, key); err != nil {
		return nil, err
	}
	return rs.store.ListActionLogs(ctx, key)
}

// DueAt previews the deadline of escalation count+1 for a step started at
// start.
func (rs *RecordService) DueAt(start time.Time, slaHours, count int) time.Time {
	return rs.cal.ComputeDueAt(start, slaHours, count)
}

// lookupStep resolves a step by workflow and code, falling back to id.
func lookupStep(ctx context.Context, store storage.Store, workflowID int64, code string, id *int64) (models.StepDefinition, error) {
	err := storage.ErrNotFound
	var step models.StepDefinition
	if code != "" {
		step, err = store.GetStepByCode(ctx, workflowID, code)
	}
	if errors.Is(err, storage.ErrNotFound) && id != nil {
		step, err = store.GetStep(ctx, *id)
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return step, errors.Wrap(err, "get step definition")
	}
	return step, err
}
