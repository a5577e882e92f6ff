package storage

import (
	"context"

	"github.com/pkg/errors"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned by UpdateRecordState when the record changed
	// since it was read: another writer bumped the violation count or the
	// record was completed.
	ErrConflict = errors.New("record was modified concurrently")
	// ErrLocked is returned by LockRecord when another transaction holds the row.
	ErrLocked = errors.New("record is locked")
)

// Store defines the storage operations for the SLA engine.
type Store interface {
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Tracked record operations
	SaveRecord(ctx context.Context, r models.TrackedRecord) error
	GetRecord(ctx context.Context, key string) (models.TrackedRecord, error)
	LockRecord(ctx context.Context, key string) (models.TrackedRecord, error)
	ListActiveRecords(ctx context.Context) ([]models.TrackedRecord, error)
	UpdateRecordState(ctx context.Context, r models.TrackedRecord, expectedViolationCount int) error
	CompleteRecord(ctx context.Context, key string) error
	CountByStatus(ctx context.Context) (map[models.RecordStatus]int, error)

	// Workflow and step definition operations
	SaveWorkflow(ctx context.Context, wf models.WorkflowDefinition) (int64, error)
	GetWorkflow(ctx context.Context, id int64) (models.WorkflowDefinition, error)
	SaveStep(ctx context.Context, s models.StepDefinition) (int64, error)
	GetStep(ctx context.Context, id int64) (models.StepDefinition, error)
	GetStepByCode(ctx context.Context, workflowID int64, code string) (models.StepDefinition, error)

	// Action log operations
	AppendActionLog(ctx context.Context, e models.ActionLogEntry) (int64, error)
	ListActionLogs(ctx context.Context, recordKey string) ([]models.ActionLogEntry, error)
}
