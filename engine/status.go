package engine

import (
	"context"
	"fmt"

	"github.com/orkappm/approvals/project"
	"github.com/orkappm/approvals/workflow"
)

// StatusReport is the full observable state of one instance: the instance
// record, its complete approval history, and the projected per-step
// progress.
type StatusReport struct {
	Instance  workflow.Instance
	Approvals []workflow.Approval
	Progress  project.InstanceProgress
}

// GetInstanceStatus loads an instance, its approvals, and the definition
// version it was bound to at creation, and projects its progress.
func (e *Engine) GetInstanceStatus(ctx context.Context, instanceID string) (StatusReport, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return StatusReport{}, err
	}
	def, err := e.store.GetDefinitionVersion(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return StatusReport{}, fmt.Errorf("load definition version: %w", err)
	}
	approvals, err := e.store.ListApprovals(ctx, instanceID)
	if err != nil {
		return StatusReport{}, fmt.Errorf("list approvals: %w", err)
	}

	return StatusReport{
		Instance:  inst,
		Approvals: approvals,
		Progress:  project.Progress(def, inst, approvals),
	}, nil
}

// ListPendingApprovalsForUser returns the pending approvals assigned to a
// user across all instances: their approval worklist.
func (e *Engine) ListPendingApprovalsForUser(ctx context.Context, approverID string) ([]workflow.Approval, error) {
	if approverID == "" {
		return nil, &workflow.ValidationError{Rule: "approver id is required"}
	}
	return e.store.ListPendingByApprover(ctx, approverID)
}
