package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type ActionKind string

const (
	NoAction          ActionKind = ""
	NotifyAction      ActionKind = "notify"
	AutoApproveAction ActionKind = "auto_approve"
)

type ApprovalType string

const (
	SingleApproval   ApprovalType = "single"
	MultipleApproval ApprovalType = "multiple"
)

// ActionTemplate describes one outbound HTTP call. String leaves of Body,
// the URL and header values may contain {placeholder} variables.
type ActionTemplate struct {
	URL     string            `json:"url" yaml:"url"`
	Method  string            `json:"method" yaml:"method"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Body    any               `json:"body,omitempty" yaml:"body,omitempty"`
}

// AutoApproveConfig holds the auto-approve sub-templates. ApprovalType picks
// which one is sent.
type AutoApproveConfig struct {
	ApprovalType  ApprovalType    `json:"approval_type" yaml:"approval_type"`
	ApprovalCount int             `json:"approval_count,omitempty" yaml:"approval_count,omitempty"`
	Single        *ActionTemplate `json:"single,omitempty" yaml:"single,omitempty"`
	Multiple      *ActionTemplate `json:"multiple,omitempty" yaml:"multiple,omitempty"`
}

// WorkflowDefinition is the upstream approval workflow a step belongs to.
// Its action configs are the fallback for steps that carry none.
type WorkflowDefinition struct {
	ID                int64              `json:"id" db:"id" yaml:"id"`
	Name              string             `json:"name" db:"name" yaml:"name"`
	Model             string             `json:"model" db:"model" yaml:"model"`
	NotifyConfig      *ActionTemplate    `json:"notify_config,omitempty" db:"notify_config" yaml:"notify_config,omitempty"`
	AutoApproveConfig *AutoApproveConfig `json:"auto_approve_config,omitempty" db:"auto_approve_config" yaml:"auto_approve_config,omitempty"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at" yaml:"-"`
	Steps             []StepDefinition   `json:"steps,omitempty" db:"-" yaml:"steps,omitempty"`
}

// StepDefinition is the escalation contract for one workflow step.
type StepDefinition struct {
	ID                int64              `json:"id" db:"id" yaml:"id"`
	WorkflowID        int64              `json:"workflow_id" db:"workflow_id" yaml:"-"`
	Code              string             `json:"code" db:"code" yaml:"code"`
	Name              string             `json:"name" db:"name" yaml:"name"`
	SLAHours          int                `json:"sla_hours" db:"sla_hours" yaml:"sla_hours"`
	MaxViolations     int                `json:"max_violations" db:"max_violations" yaml:"max_violations"`
	EscalationAction  ActionKind         `json:"escalation_action" db:"escalation_action" yaml:"escalation_action"`
	NotifyConfig      *ActionTemplate    `json:"notify_config,omitempty" db:"notify_config" yaml:"notify_config,omitempty"`
	AutoApproveConfig *AutoApproveConfig `json:"auto_approve_config,omitempty" db:"auto_approve_config" yaml:"auto_approve_config,omitempty"`
	CreatedAt         time.Time          `json:"created_at" db:"created_at" yaml:"-"`
	UpdatedAt         time.Time          `json:"updated_at" db:"updated_at" yaml:"-"`
}

// Value stores the template as JSONB.
func (t *ActionTemplate) Value() (driver.Value, error) {
	if t == nil {
		return nil, nil
	}
	return json.Marshal(t)
}

// Scan reads a JSONB template.
func (t *ActionTemplate) Scan(src any) error {
	return scanJSON(src, t)
}

func (c *AutoApproveConfig) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

func (c *AutoApproveConfig) Scan(src any) error {
	return scanJSON(src, c)
}

func scanJSON(src any, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", src)
	}
}
