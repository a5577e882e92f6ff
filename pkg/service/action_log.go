package service

import (
	"context"
	"fmt"
	"time"

	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
	"github.com/zyn1030z/SLA-service-sub000/pkg/storage"
)

// ActionLogRecorder appends one audit entry per escalation attempt,
// including attempts skipped for lack of configuration.
type ActionLogRecorder struct {
	clock  Clock
	logger Logger
}

func NewActionLogRecorder(clock Clock, logger Logger) *ActionLogRecorder {
	return &ActionLogRecorder{clock: clock, logger: logger}
}

// Record writes entry through store, which is normally the transaction the
// record's state update will be committed in.
func (r *ActionLogRecorder) Record(ctx context.Context, store storage.Store, entry models.ActionLogEntry) (models.ActionLogEntry, error) {
	if entry.RecordKey == "" {
		return entry, fmt.Errorf("action log entry without record key")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.clock.Now().UTC().Truncate(time.Microsecond)
	}
	id, err := store.AppendActionLog(ctx, entry)
	if err != nil {
		r.logger.Errorf("Failed to append action log for record %s: %v", entry.RecordKey, err)
		return entry, fmt.Errorf("append action log for %s: %w", entry.RecordKey, err)
	}
	entry.ID = id
	if entry.Success {
		r.logger.Infof("Escalated record %s (%s, violation %d): %s", entry.RecordKey, entry.ActionKind, entry.ViolationCount, entry.Message)
	} else {
		r.logger.Warnf("Escalation of record %s (%s, violation %d) failed: %s", entry.RecordKey, entry.ActionKind, entry.ViolationCount, entry.Message)
	}
	return entry, nil
}
