// Package escalation resolves a step's escalation action, renders its
// request template and sends it to the external system.
package escalation

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
)

// ErrNotConfigured means neither the step nor its workflow carries a usable
// action for the step's escalation kind.
var ErrNotConfigured = errors.New("no escalation action configured")

// Action is either a NotifyAction or an AutoApproveAction. Values are only
// produced by ResolveAction, so every Action carries a concrete template.
type Action interface {
	Kind() models.ActionKind
	Template() models.ActionTemplate
	isAction()
}

type NotifyAction struct {
	template models.ActionTemplate
}

func (a NotifyAction) Kind() models.ActionKind         { return models.NotifyAction }
func (a NotifyAction) Template() models.ActionTemplate { return a.template }
func (NotifyAction) isAction()                         {}

type AutoApproveAction struct {
	Approval      models.ApprovalType
	ApprovalCount int
	template      models.ActionTemplate
}

func (a AutoApproveAction) Kind() models.ActionKind         { return models.AutoApproveAction }
func (a AutoApproveAction) Template() models.ActionTemplate { return a.template }
func (AutoApproveAction) isAction()                         {}

// NewNotify builds a notify action directly from a template.
func NewNotify(tmpl models.ActionTemplate) (Action, error) {
	if tmpl.URL == "" {
		return nil, errors.Wrap(ErrNotConfigured, "notify template has no url")
	}
	return NotifyAction{template: tmpl}, nil
}

// ResolveAction picks the action for step. Step-level configuration wins;
// the workflow's configuration is the fallback. wf may be nil.
func ResolveAction(step models.StepDefinition, wf *models.WorkflowDefinition) (Action, error) {
	switch step.EscalationAction {
	case models.NotifyAction:
		cfg := step.NotifyConfig
		if cfg == nil && wf != nil {
			cfg = wf.NotifyConfig
		}
		if cfg == nil {
			return nil, errors.Wrapf(ErrNotConfigured, "step %s: notify", step.Code)
		}
		return NewNotify(*cfg)

	case models.AutoApproveAction:
		cfg := step.AutoApproveConfig
		if cfg == nil && wf != nil {
			cfg = wf.AutoApproveConfig
		}
		if cfg == nil {
			return nil, errors.Wrapf(ErrNotConfigured, "step %s: auto_approve", step.Code)
		}
		approval := cfg.ApprovalType
		if approval == "" {
			approval = models.SingleApproval
		}
		var tmpl *models.ActionTemplate
		switch approval {
		case models.SingleApproval:
			tmpl = cfg.Single
		case models.MultipleApproval:
			tmpl = cfg.Multiple
		default:
			return nil, errors.Wrapf(ErrNotConfigured, "step %s: unknown approval type %q", step.Code, approval)
		}
		if tmpl == nil || tmpl.URL == "" {
			return nil, errors.Wrapf(ErrNotConfigured, "step %s: no %s approval template", step.Code, approval)
		}
		return AutoApproveAction{Approval: approval, ApprovalCount: cfg.ApprovalCount, template: *tmpl}, nil

	case models.NoAction:
		return nil, errors.Wrapf(ErrNotConfigured, "step %s", step.Code)

	default:
		return nil, errors.Wrap(ErrNotConfigured, fmt.Sprintf("step %s: unknown escalation action %q", step.Code, step.EscalationAction))
	}
}
