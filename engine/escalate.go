package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/orkappm/approvals/policy"
	"github.com/orkappm/approvals/workflow"
)

// escalatedSuffix is appended to the step name on escalation approvals.
const escalatedSuffix = " (Escalated)"

// resolveRejection is the rejection resolver. It dispatches on the
// rejected step's configured action and applies the resulting instance
// state and approval rows in one conditional store update, keyed on the
// step and status the caller observed. A stale update means a concurrent
// caller already resolved the step; the rejection stays recorded and the
// resolver no-ops.
func (e *Engine) resolveRejection(ctx context.Context, def workflow.Definition, step workflow.Step, inst workflow.Instance, rejected workflow.Approval, escalationApprovers []string) (DecisionResult, error) {
	switch step.Action() {
	case workflow.RejectStop:
		return e.rejectStop(ctx, inst)
	case workflow.RejectRestart:
		return e.rejectRestart(ctx, def, inst, rejected)
	case workflow.RejectEscalate:
		return e.rejectEscalate(ctx, step, inst, rejected, escalationApprovers)
	default:
		return DecisionResult{}, fmt.Errorf("engine: unknown rejection action %q", step.RejectionAction)
	}
}

// rejectStop terminates the instance. Remaining pending approvals are
// left on record; the terminal status makes them unactionable.
func (e *Engine) rejectStop(ctx context.Context, inst workflow.Instance) (DecisionResult, error) {
	updated, err := e.store.UpdateInstance(ctx, inst.ID, workflow.InstanceUpdate{
		ExpectedCurrentStep: &inst.CurrentStep,
		ExpectedStatus:      statusPtr(workflow.InstanceInProgress),
		Status:              statusPtr(workflow.InstanceRejected),
	})
	if err != nil {
		if errors.Is(err, workflow.ErrStale) {
			return e.concurrentResolution(ctx, inst.ID)
		}
		return DecisionResult{}, fmt.Errorf("reject instance: %w", err)
	}
	if nerr := e.notifier.InstanceStatusChanged(ctx, updated, workflow.InstanceInProgress, workflow.InstanceRejected); nerr != nil {
		e.logger.Warn("notifier failed", "op", "instance_status_changed", "instance_id", updated.ID, "error", nerr)
	}
	return DecisionResult{
		Decision:       workflow.DecisionRejected,
		WorkflowStatus: updated.Status,
		IsComplete:     true,
		CurrentStep:    updated.CurrentStep,
		Message:        "rejection recorded; workflow rejected",
	}, nil
}

// rejectRestart resets the run to step 0 and issues fresh approvals for
// the first step. Pending approvals at other steps stay on record but are
// no longer actionable once the instance has moved away from them.
func (e *Engine) rejectRestart(ctx context.Context, def workflow.Definition, inst workflow.Instance, rejected workflow.Approval) (DecisionResult, error) {
	now := e.now()
	restart := workflow.RestartRecord{
		RejectedBy: rejected.ApproverID,
		FromStep:   inst.CurrentStep,
		Count:      len(inst.Restarts) + 1,
		At:         now,
	}
	stepZero := 0
	approvals := e.issueApprovals(inst.ID, def.Steps[0], "", now)

	updated, err := e.store.UpdateInstance(ctx, inst.ID, workflow.InstanceUpdate{
		ExpectedCurrentStep: &inst.CurrentStep,
		ExpectedStatus:      statusPtr(workflow.InstanceInProgress),
		CurrentStep:         &stepZero,
		AppendRestart:       &restart,
		CreateApprovals:     approvals,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrStale) {
			return e.concurrentResolution(ctx, inst.ID)
		}
		return DecisionResult{}, fmt.Errorf("restart instance: %w", err)
	}

	e.notifyRequested(ctx, approvals, updated)
	return DecisionResult{
		Decision:       workflow.DecisionRejected,
		WorkflowStatus: updated.Status,
		CurrentStep:    updated.CurrentStep,
		Message:        fmt.Sprintf("rejection recorded; workflow restarted from step 0 (restart %d)", restart.Count),
	}, nil
}

// rejectEscalate supersedes the step's pending approvals with new ones
// for the escalation approver set, at the same step.
func (e *Engine) rejectEscalate(ctx context.Context, step workflow.Step, inst workflow.Instance, rejected workflow.Approval, explicit []string) (DecisionResult, error) {
	approvers, err := policy.EscalationApprovers(step, explicit)
	if err != nil {
		return DecisionResult{}, err
	}

	siblings, err := e.pendingSiblingIDs(ctx, inst.ID, step.Order, rejected.ID)
	if err != nil {
		return DecisionResult{}, err
	}

	now := e.now()
	escalation := workflow.EscalationRecord{
		TriggeredBy: rejected.ApproverID,
		Step:        step.Order,
		ApprovalID:  rejected.ID,
		Count:       len(inst.Escalations) + 1,
		At:          now,
	}
	escalated := true
	approvals := e.issueApprovalsFor(inst.ID, step, approvers, escalatedSuffix, now)

	updated, err := e.store.UpdateInstance(ctx, inst.ID, workflow.InstanceUpdate{
		ExpectedCurrentStep: &inst.CurrentStep,
		ExpectedStatus:      statusPtr(workflow.InstanceInProgress),
		Escalated:           &escalated,
		AppendEscalation:    &escalation,
		ExpireApprovals:     siblings,
		CreateApprovals:     approvals,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrStale) {
			return e.concurrentResolution(ctx, inst.ID)
		}
		return DecisionResult{}, fmt.Errorf("escalate instance: %w", err)
	}

	e.notifyRequested(ctx, approvals, updated)
	return DecisionResult{
		Decision:       workflow.DecisionRejected,
		WorkflowStatus: updated.Status,
		CurrentStep:    updated.CurrentStep,
		Message:        fmt.Sprintf("rejection recorded; step %d escalated to %d approver(s)", step.Order, len(approvers)),
	}, nil
}

// EscalateInput is the input to EscalateApproval.
type EscalateInput struct {
	// ApprovalID identifies the pending approval to force-escalate.
	ApprovalID string

	// EscalatedBy is the acting administrator.
	EscalatedBy string

	// EscalationApprovers optionally overrides the step's static
	// escalation set.
	EscalationApprovers []string

	// Comments optionally records the escalation reason.
	Comments string
}

// EscalateApproval force-escalates a still-pending approval without a
// rejection: the original row is expired with an audit comment and new
// pending approvals are issued for the escalation set at the same step.
// The instance's current step does not change.
func (e *Engine) EscalateApproval(ctx context.Context, in EscalateInput) ([]workflow.Approval, error) {
	approval, err := e.store.GetApproval(ctx, in.ApprovalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != workflow.ApprovalPending {
		return nil, &workflow.InvalidStateError{Kind: "approval", ID: approval.ID, Status: approval.Status.String()}
	}

	inst, err := e.store.GetInstance(ctx, approval.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status.IsTerminal() {
		return nil, &workflow.InvalidStateError{Kind: "instance", ID: inst.ID, Status: inst.Status.String()}
	}

	def, err := e.store.GetDefinitionVersion(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return nil, fmt.Errorf("load definition version: %w", err)
	}
	step, err := def.StepAt(approval.StepNumber)
	if err != nil {
		return nil, err
	}
	approvers, err := policy.EscalationApprovers(step, in.EscalationApprovers)
	if err != nil {
		return nil, err
	}

	// Expiring the original row is the compare-and-swap gate: if the
	// approver decides concurrently, exactly one of the two operations
	// wins the pending row.
	now := e.now()
	comments := appendComment(approval.Comments, fmt.Sprintf("Escalated by %s: %s", in.EscalatedBy, in.Comments))
	expired, err := e.store.UpdateApproval(ctx, approval.ID, workflow.ApprovalUpdate{
		Status:    approvalStatusPtr(workflow.ApprovalExpired),
		Comments:  &comments,
		DecidedAt: &now,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrStale) {
			return nil, e.staleApprovalError(ctx, approval.ID)
		}
		return nil, fmt.Errorf("expire approval: %w", err)
	}

	escalation := workflow.EscalationRecord{
		TriggeredBy: in.EscalatedBy,
		Step:        step.Order,
		ApprovalID:  expired.ID,
		Count:       len(inst.Escalations) + 1,
		At:          now,
	}
	escalated := true
	approvals := e.issueApprovalsFor(inst.ID, step, approvers, escalatedSuffix, now)
	updated, err := e.store.UpdateInstance(ctx, inst.ID, workflow.InstanceUpdate{
		Escalated:        &escalated,
		AppendEscalation: &escalation,
		CreateApprovals:  approvals,
	})
	if err != nil {
		return nil, fmt.Errorf("record escalation: %w", err)
	}

	e.notifyRequested(ctx, approvals, updated)
	return approvals, nil
}

// pendingSiblingIDs returns the IDs of pending approvals at the step,
// excluding the given row.
func (e *Engine) pendingSiblingIDs(ctx context.Context, instanceID string, stepNumber int, excludeID string) ([]string, error) {
	approvals, err := e.store.ListApprovals(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	var ids []string
	for _, a := range approvals {
		if a.StepNumber == stepNumber && a.Status == workflow.ApprovalPending && a.ID != excludeID {
			ids = append(ids, a.ID)
		}
	}
	return ids, nil
}

// concurrentResolution reports the state another caller left the
// instance in after winning a resolution race. The local decision remains
// recorded; no second resolution is applied.
func (e *Engine) concurrentResolution(ctx context.Context, instanceID string) (DecisionResult, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return DecisionResult{}, err
	}
	return DecisionResult{
		Decision:       workflow.DecisionRejected,
		WorkflowStatus: inst.Status,
		IsComplete:     inst.Status.IsTerminal(),
		CurrentStep:    inst.CurrentStep,
		Message:        "decision recorded; workflow was resolved concurrently",
	}, nil
}
