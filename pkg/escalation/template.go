package escalation

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
)

// Placeholder names available to action templates.
const (
	VarRecordID       = "recordId"
	VarStepID         = "stepId"
	VarStepName       = "stepName"
	VarStepCode       = "stepCode"
	VarViolationCount = "violationCount"
	VarSLAHours       = "slaHours"
	VarTimestamp      = "timestamp"
	VarWorkflowID     = "workflowId"
	VarWorkflowName   = "workflowName"
	VarModel          = "model"
	VarApprovalType   = "approvalType"
	VarApprovalCount  = "approvalCount"
)

var placeholder = regexp.MustCompile(`\{([A-Za-z][A-Za-z0-9_]*)\}`)

// Variables maps placeholder names to their substituted values.
type Variables map[string]string

// Params is what the sweeper knows about one escalation attempt.
type Params struct {
	Record         models.TrackedRecord
	Step           models.StepDefinition
	Workflow       *models.WorkflowDefinition
	ViolationCount int
	SLAHours       int
	Now            time.Time
}

// NewVariables builds the placeholder values for action.
func NewVariables(action Action, p Params) Variables {
	vars := Variables{
		VarRecordID:       p.Record.Key,
		VarStepID:         strconv.FormatInt(p.Step.ID, 10),
		VarStepName:       p.Step.Name,
		VarStepCode:       p.Step.Code,
		VarViolationCount: strconv.Itoa(p.ViolationCount),
		VarSLAHours:       strconv.Itoa(p.SLAHours),
		VarTimestamp:      p.Now.Format(time.RFC3339),
		VarWorkflowID:     strconv.FormatInt(p.Record.WorkflowID, 10),
		VarModel:          p.Record.Model,
	}
	if p.Workflow != nil {
		vars[VarWorkflowName] = p.Workflow.Name
		if vars[VarModel] == "" {
			vars[VarModel] = p.Workflow.Model
		}
	}
	if aa, ok := action.(AutoApproveAction); ok {
		vars[VarApprovalType] = string(aa.Approval)
		vars[VarApprovalCount] = strconv.Itoa(aa.ApprovalCount)
	}
	return vars
}

// Render returns a copy of tmpl with placeholders substituted in the URL,
// header values and every string leaf of the body. Unknown placeholders and
// non-string leaves are left as they are. Each string is scanned once, so a
// substituted value is never substituted again. Values substituted into the
// URL are escaped for the path or query they land in.
func Render(tmpl models.ActionTemplate, vars Variables) models.ActionTemplate {
	out := models.ActionTemplate{
		URL:    vars.expandURL(tmpl.URL),
		Method: tmpl.Method,
		Body:   vars.walk(tmpl.Body),
	}
	if tmpl.Headers != nil {
		out.Headers = make(map[string]string, len(tmpl.Headers))
		for k, v := range tmpl.Headers {
			out.Headers[k] = vars.expand(v)
		}
	}
	return out
}

func (vars Variables) expand(s string) string {
	return vars.expandWith(s, nil)
}

func (vars Variables) expandURL(s string) string {
	path, query, hasQuery := strings.Cut(s, "?")
	path = vars.expandWith(path, url.PathEscape)
	if !hasQuery {
		return path
	}
	return path + "?" + vars.expandWith(query, url.QueryEscape)
}

func (vars Variables) expandWith(s string, escape func(string) string) string {
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		v, ok := vars[m[1:len(m)-1]]
		if !ok {
			return m
		}
		if escape != nil {
			return escape(v)
		}
		return v
	})
}

func (vars Variables) walk(v any) any {
	switch node := v.(type) {
	case string:
		return vars.expand(node)
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			out[k] = vars.walk(child)
		}
		return out
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			out[i] = vars.walk(child)
		}
		return out
	default:
		return v
	}
}
