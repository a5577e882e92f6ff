package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/zyn1030z/SLA-service-sub000/pkg/calendar"
	"github.com/zyn1030z/SLA-service-sub000/pkg/models"
	"github.com/zyn1030z/SLA-service-sub000/pkg/service"
	"github.com/zyn1030z/SLA-service-sub000/pkg/storage"
	"gopkg.in/yaml.v3"
)

// Definitions is the YAML document accepted by `slaguard steps import`.
//
//	workflows:
//	  - id: 1
//	    name: Purchase approval
//	    notify_config: {url: "https://hooks.example/{recordId}"}
//	    steps:
//	      - code: review
//	        sla_hours: 4
//	        escalation_action: notify
type Definitions struct {
	Workflows []models.WorkflowDefinition `yaml:"workflows"`
}

// ImportDefinitions upserts every workflow and step of the document in one
// transaction and returns how many of each were written.
func ImportDefinitions(ctx context.Context, store storage.Store, r io.Reader, logger service.Logger) (workflows, steps int, err error) {
	var defs Definitions
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&defs); err != nil {
		return 0, 0, fmt.Errorf("parse definitions: %w", err)
	}

	txStore, err := store.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else if commitErr := txStore.Commit(); commitErr != nil {
			logger.Errorf("Failed to commit: %v", commitErr)
			err = commitErr
		}
	}()

	for _, wf := range defs.Workflows {
		if wf.Name == "" {
			return 0, 0, fmt.Errorf("workflow %d has no name", wf.ID)
		}
		id, err := txStore.SaveWorkflow(ctx, wf)
		if err != nil {
			return 0, 0, err
		}
		workflows++
		for _, st := range wf.Steps {
			st.WorkflowID = id
			switch st.EscalationAction {
			case models.NoAction, models.NotifyAction, models.AutoApproveAction:
			default:
				return 0, 0, fmt.Errorf("step %s: unknown escalation action %q", st.Code, st.EscalationAction)
			}
			if err := calendar.ValidateWindow(st.SLAHours, max(st.MaxViolations, 0)); err != nil {
				return 0, 0, fmt.Errorf("step %s: %w", st.Code, err)
			}
			if _, err := txStore.SaveStep(ctx, st); err != nil {
				return 0, 0, err
			}
			steps++
		}
		logger.Infof("Imported workflow %q (id %d) with %d steps", wf.Name, id, len(wf.Steps))
	}
	return workflows, steps, nil
}
