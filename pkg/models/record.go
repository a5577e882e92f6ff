package models

import "time"

type RecordStatus string

const (
	WaitingRecordStatus   RecordStatus = "WAITING"
	ViolatedRecordStatus  RecordStatus = "VIOLATED"
	CompletedRecordStatus RecordStatus = "COMPLETED"
)

// Active reports whether the sweeper still evaluates records in this status.
func (s RecordStatus) Active() bool {
	return s == WaitingRecordStatus || s == ViolatedRecordStatus
}

// TrackedRecord is one business record being watched on its current step.
type TrackedRecord struct {
	Key             string       `json:"key" db:"record_key"`                         // Opaque upstream record key (e.g. "PO-1")
	RecordName      string       `json:"name,omitempty" db:"record_name"`             // Display name
	Model           string       `json:"model,omitempty" db:"model"`                  // Upstream business model
	WorkflowID      int64        `json:"workflow_id" db:"workflow_id"`                // Workflow the record runs in
	StepCode        string       `json:"step_code" db:"step_code"`                    // Current step
	StepID          *int64       `json:"step_id,omitempty" db:"step_id"`              // Numeric step reference, optional
	StartTime       *time.Time   `json:"start_time,omitempty" db:"start_time"`        // Nil means no deadline
	Status          RecordStatus `json:"status" db:"status"`                          // WAITING, VIOLATED, COMPLETED
	ViolationCount  int          `json:"violation_count" db:"violation_count"`        // Never decreases while active
	DefaultSLAHours int          `json:"default_sla_hours" db:"default_sla_hours"`    // Used when the step has no SLA
	SLAHours        int          `json:"sla_hours" db:"sla_hours"`                    // Effective SLA at last evaluation
	RemainingHours  float64      `json:"remaining_hours" db:"remaining_hours"`        // Negative when overdue
	NextDueAt       *time.Time   `json:"next_due_at,omitempty" db:"next_due_at"`      // Next violation boundary
	LastEvaluatedAt *time.Time   `json:"last_evaluated_at,omitempty" db:"last_evaluated_at"`
	CreatedAt       time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" db:"updated_at"`
}
