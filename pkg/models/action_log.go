package models

import "time"

// ActionLogEntry is the audit row written once per escalation attempt.
type ActionLogEntry struct {
	ID             int64      `json:"id" db:"id"`                                 // Auto-incremented log ID
	SweepID        string     `json:"sweep_id" db:"sweep_id"`                     // Sweep pass that fired the attempt
	RecordKey      string     `json:"record_key" db:"record_key"`                 // Record being escalated
	WorkflowID     int64      `json:"workflow_id" db:"workflow_id"`               // Parent workflow
	StepCode       string     `json:"step_code" db:"step_code"`                   // Step reference
	StepID         *int64     `json:"step_id,omitempty" db:"step_id"`             // Numeric step reference
	ActionKind     ActionKind `json:"action_kind" db:"action_kind"`               // notify or auto_approve
	ViolationCount int        `json:"violation_count" db:"violation_count"`       // Count at time of firing
	Success        bool       `json:"success" db:"success"`                       // Outcome of the attempt
	StatusCode     int        `json:"status_code,omitempty" db:"status_code"`     // HTTP status, 0 if no response
	Message        string     `json:"message,omitempty" db:"message"`             // Human-readable outcome
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`                 // Timestamp of log entry
}
