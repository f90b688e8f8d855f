package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/orkappm/approvals/policy"
	"github.com/orkappm/approvals/workflow"
)

// SubmitDecisionInput is the input to SubmitDecision.
type SubmitDecisionInput struct {
	// ApprovalID identifies the approval row being decided.
	ApprovalID string

	// ApproverID is the acting user. Must match the row's approver.
	ApproverID string

	// Decision is the decision literal: approved or rejected.
	Decision workflow.Decision

	// Comments is optional free text recorded with the decision.
	Comments string
}

// DecisionResult reports the outcome of a submitted decision.
type DecisionResult struct {
	// Decision echoes the recorded decision.
	Decision workflow.Decision

	// WorkflowStatus is the instance status after resolution.
	WorkflowStatus workflow.InstanceStatus

	// IsComplete is true when the instance reached a terminal status.
	IsComplete bool

	// CurrentStep is the instance's step after resolution.
	CurrentStep int

	// Message describes the resolution for callers and audit logs.
	Message string
}

// SubmitDecision records one approver's decision and resolves its
// consequences: policy re-evaluation and advancement for approvals,
// rejection resolution for rejections.
//
// Validation runs in order before any mutation: decision literal,
// approval existence, approver ownership, pending-only. The decision
// write itself is conditional on the row still being pending, so of two
// racing submissions exactly one succeeds and the loser observes
// InvalidStateError.
func (e *Engine) SubmitDecision(ctx context.Context, in SubmitDecisionInput) (DecisionResult, error) {
	if !in.Decision.Valid() {
		return DecisionResult{}, &workflow.ValidationError{
			Rule: fmt.Sprintf("decision must be %q or %q, got %q", workflow.DecisionApproved, workflow.DecisionRejected, in.Decision),
		}
	}

	approval, err := e.store.GetApproval(ctx, in.ApprovalID)
	if err != nil {
		return DecisionResult{}, err
	}
	if approval.ApproverID != in.ApproverID {
		return DecisionResult{}, &workflow.AuthorizationError{ApprovalID: approval.ID, ApproverID: in.ApproverID}
	}
	if approval.Status != workflow.ApprovalPending {
		return DecisionResult{}, &workflow.InvalidStateError{Kind: "approval", ID: approval.ID, Status: approval.Status.String()}
	}

	decidedAt := e.now()
	newStatus := workflow.ApprovalApproved
	if in.Decision == workflow.DecisionRejected {
		newStatus = workflow.ApprovalRejected
	}
	comments := approval.Comments
	if in.Comments != "" {
		comments = appendComment(comments, in.Comments)
	}
	updated, err := e.store.UpdateApproval(ctx, approval.ID, workflow.ApprovalUpdate{
		Status:    &newStatus,
		Comments:  &comments,
		DecidedAt: &decidedAt,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrStale) {
			// Another caller resolved the row first.
			return DecisionResult{}, e.staleApprovalError(ctx, approval.ID)
		}
		return DecisionResult{}, fmt.Errorf("record decision: %w", err)
	}

	if nerr := e.notifier.ApprovalDecided(ctx, updated, in.Decision); nerr != nil {
		e.logger.Warn("notifier failed", "op", "approval_decided", "approval_id", updated.ID, "error", nerr)
	}

	inst, err := e.store.GetInstance(ctx, updated.InstanceID)
	if err != nil {
		return DecisionResult{}, err
	}

	// The decision is durable regardless, but it only drives the state
	// machine while the instance is still evaluating this row's step. A
	// late decision on a stale row, or a race lost to a concurrent
	// resolution, is recorded and otherwise a no-op.
	if inst.Status != workflow.InstanceInProgress || inst.CurrentStep != updated.StepNumber {
		return DecisionResult{
			Decision:       in.Decision,
			WorkflowStatus: inst.Status,
			IsComplete:     inst.Status.IsTerminal(),
			CurrentStep:    inst.CurrentStep,
			Message:        "decision recorded; workflow has already moved past this step",
		}, nil
	}

	def, err := e.store.GetDefinitionVersion(ctx, inst.WorkflowID, inst.WorkflowVersion)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("load definition version: %w", err)
	}
	step, err := def.StepAt(inst.CurrentStep)
	if err != nil {
		return DecisionResult{}, err
	}

	if in.Decision == workflow.DecisionRejected {
		return e.resolveRejection(ctx, def, step, inst, updated, nil)
	}

	approvals, err := e.store.ListApprovals(ctx, inst.ID)
	if err != nil {
		return DecisionResult{}, fmt.Errorf("list approvals: %w", err)
	}
	satisfied, err := policy.StepSatisfied(step, approvals)
	if err != nil {
		return DecisionResult{}, err
	}
	if !satisfied {
		return DecisionResult{
			Decision:       workflow.DecisionApproved,
			WorkflowStatus: inst.Status,
			CurrentStep:    inst.CurrentStep,
			Message:        fmt.Sprintf("approval recorded; step %d (%s) awaits further approvals", step.Order, step.Name),
		}, nil
	}

	advanced, err := e.advance(ctx, def, inst)
	if err != nil {
		return DecisionResult{}, err
	}
	msg := fmt.Sprintf("step %d (%s) satisfied; advanced to step %d", step.Order, step.Name, advanced.CurrentStep)
	if advanced.Status == workflow.InstanceCompleted {
		msg = "all steps satisfied; workflow completed"
	}
	return DecisionResult{
		Decision:       workflow.DecisionApproved,
		WorkflowStatus: advanced.Status,
		IsComplete:     advanced.Status.IsTerminal(),
		CurrentStep:    advanced.CurrentStep,
		Message:        msg,
	}, nil
}

// DelegateInput is the input to DelegateApproval.
type DelegateInput struct {
	// ApprovalID identifies the approval row being delegated.
	ApprovalID string

	// ApproverID is the acting user. Must match the row's approver.
	ApproverID string

	// DelegateTo is the user the approval is reassigned to.
	DelegateTo string

	// Comments optionally records the delegation reason.
	Comments string
}

// DelegateApproval reassigns a pending approval to another user. The same
// row is reassigned rather than re-created: status stays pending, and the
// delegated_to/delegated_at audit pair is stamped. Delegation does not
// change approval counts, so no policy re-evaluation occurs.
func (e *Engine) DelegateApproval(ctx context.Context, in DelegateInput) (workflow.Approval, error) {
	if in.DelegateTo == "" {
		return workflow.Approval{}, &workflow.ValidationError{Rule: "delegate_to is required"}
	}

	approval, err := e.store.GetApproval(ctx, in.ApprovalID)
	if err != nil {
		return workflow.Approval{}, err
	}
	if approval.ApproverID != in.ApproverID {
		return workflow.Approval{}, &workflow.AuthorizationError{ApprovalID: approval.ID, ApproverID: in.ApproverID}
	}
	if approval.Status != workflow.ApprovalPending {
		return workflow.Approval{}, &workflow.InvalidStateError{Kind: "approval", ID: approval.ID, Status: approval.Status.String()}
	}

	delegatedAt := e.now()
	comments := appendComment(approval.Comments, fmt.Sprintf("Delegated by %s to %s: %s", in.ApproverID, in.DelegateTo, in.Comments))
	updated, err := e.store.UpdateApproval(ctx, approval.ID, workflow.ApprovalUpdate{
		ApproverID:  &in.DelegateTo,
		Comments:    &comments,
		DelegatedTo: &in.DelegateTo,
		DelegatedAt: &delegatedAt,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrStale) {
			return workflow.Approval{}, e.staleApprovalError(ctx, approval.ID)
		}
		return workflow.Approval{}, fmt.Errorf("delegate approval: %w", err)
	}

	inst, err := e.store.GetInstance(ctx, updated.InstanceID)
	if err == nil {
		e.notifyRequested(ctx, []workflow.Approval{updated}, inst)
	}
	return updated, nil
}

// staleApprovalError converts a lost conditional update into the
// InvalidStateError the caller expects, carrying the row's actual status
// when it can still be read.
func (e *Engine) staleApprovalError(ctx context.Context, approvalID string) error {
	status := "already decided"
	if current, err := e.store.GetApproval(ctx, approvalID); err == nil {
		status = current.Status.String()
	}
	return &workflow.InvalidStateError{Kind: "approval", ID: approvalID, Status: status}
}

// appendComment joins comment fragments on a single row.
func appendComment(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}
