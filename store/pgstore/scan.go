package pgstore

import (
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/orkappm/approvals/workflow"
)

const instanceColumns = `id, workflow_id, workflow_version, entity_type, entity_id, project_id,
	initiated_by, current_step, status, context, restarts, escalations,
	escalated, cancelled_by, cancel_reason,
	created_at, started_at, completed_at, cancelled_at`

const selectInstance = `SELECT ` + instanceColumns + ` FROM approval_instances`

const approvalColumns = `id, instance_id, step_number, step_name, approver_id, status,
	comments, expires_at, decided_at, delegated_to, delegated_at, created_at`

const selectApproval = `SELECT ` + approvalColumns + ` FROM workflow_approvals`

// scanDefinition reads one definition row.
func scanDefinition(row pgx.Row) (workflow.Definition, error) {
	var def workflow.Definition
	var status string
	var steps []byte
	if err := row.Scan(&def.ID, &def.Version, &def.Name, &def.Description, &status, &steps); err != nil {
		return workflow.Definition{}, err
	}
	def.Status = workflow.DefinitionStatus(status)
	if err := json.Unmarshal(steps, &def.Steps); err != nil {
		return workflow.Definition{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	return def, nil
}

// scanInstance reads one instance row.
func scanInstance(row pgx.Row) (workflow.Instance, error) {
	var inst workflow.Instance
	var status string
	var contextJSON, restarts, escalations []byte
	err := row.Scan(&inst.ID, &inst.WorkflowID, &inst.WorkflowVersion, &inst.EntityType, &inst.EntityID, &inst.ProjectID,
		&inst.InitiatedBy, &inst.CurrentStep, &status, &contextJSON, &restarts, &escalations,
		&inst.Escalated, &inst.CancelledBy, &inst.CancelReason,
		&inst.CreatedAt, &inst.StartedAt, &inst.CompletedAt, &inst.CancelledAt)
	if err != nil {
		return workflow.Instance{}, err
	}
	inst.Status = workflow.InstanceStatus(status)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &inst.Context); err != nil {
			return workflow.Instance{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if len(restarts) > 0 {
		if err := json.Unmarshal(restarts, &inst.Restarts); err != nil {
			return workflow.Instance{}, fmt.Errorf("unmarshal restarts: %w", err)
		}
	}
	if len(escalations) > 0 {
		if err := json.Unmarshal(escalations, &inst.Escalations); err != nil {
			return workflow.Instance{}, fmt.Errorf("unmarshal escalations: %w", err)
		}
	}
	return inst, nil
}

// scanApproval reads one approval row.
func scanApproval(row pgx.Row) (workflow.Approval, error) {
	var a workflow.Approval
	var status string
	err := row.Scan(&a.ID, &a.InstanceID, &a.StepNumber, &a.StepName, &a.ApproverID, &status,
		&a.Comments, &a.ExpiresAt, &a.DecidedAt, &a.DelegatedTo, &a.DelegatedAt, &a.CreatedAt)
	if err != nil {
		return workflow.Approval{}, err
	}
	a.Status = workflow.ApprovalStatus(status)
	return a, nil
}

// marshalInstanceJSON serializes the instance's JSONB columns. History
// columns default to empty arrays so jsonb append concatenation works.
func marshalInstanceJSON(inst workflow.Instance) (contextJSON, restarts, escalations []byte, err error) {
	if inst.Context != nil {
		contextJSON, err = json.Marshal(inst.Context)
	} else {
		contextJSON = []byte(`{}`)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal context: %w", err)
	}

	if len(inst.Restarts) > 0 {
		restarts, err = json.Marshal(inst.Restarts)
	} else {
		restarts = []byte(`[]`)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal restarts: %w", err)
	}

	if len(inst.Escalations) > 0 {
		escalations, err = json.Marshal(inst.Escalations)
	} else {
		escalations = []byte(`[]`)
	}
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal escalations: %w", err)
	}
	return contextJSON, restarts, escalations, nil
}
