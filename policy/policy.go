// Package policy implements the approval policy evaluator: pure functions
// that decide whether a step's approver set has satisfied its policy.
//
// All functions in this package are pure: they take approval records as
// input and return derived results. They do not perform I/O or have side
// effects.
package policy

import (
	"fmt"

	"github.com/orkappm/approvals/workflow"
)

// Tally summarizes the live approval rows for one step.
type Tally struct {
	// Live is the number of rows in the step's electorate
	// (pending or approved).
	Live int

	// Approved is the number of approved rows.
	Approved int

	// Pending is the number of rows still awaiting a decision.
	Pending int
}

// TallyStep counts the live approvals for the given step. Rejected and
// expired rows are superseded history and are excluded, so an escalated
// step can still be satisfied by its replacement approvals.
func TallyStep(stepNumber int, approvals []workflow.Approval) Tally {
	var t Tally
	for _, a := range approvals {
		if a.StepNumber != stepNumber || !a.Status.Live() {
			continue
		}
		t.Live++
		switch a.Status {
		case workflow.ApprovalApproved:
			t.Approved++
		case workflow.ApprovalPending:
			t.Pending++
		}
	}
	return t
}

// StepSatisfied reports whether the step's policy is satisfied by the
// given approvals. Only rows whose StepNumber matches the step and whose
// status is live are considered.
//
// A step with zero live rows never satisfies any policy: that is a stuck
// state to surface for manual escalation, not a silent completion.
//
// Returns an error for an unknown approval type so that adding a policy
// is a checked change rather than a silent fallthrough.
func StepSatisfied(step workflow.Step, approvals []workflow.Approval) (bool, error) {
	t := TallyStep(step.Order, approvals)
	if t.Live == 0 {
		return false, nil
	}

	switch step.ApprovalType {
	case workflow.ApprovalAll:
		// Any non-approved row, including pending, blocks.
		return t.Approved == t.Live, nil
	case workflow.ApprovalAny:
		return t.Approved >= 1, nil
	case workflow.ApprovalMajority:
		// Strictly more than half; ties do not satisfy.
		return t.Approved > t.Live/2, nil
	default:
		return false, fmt.Errorf("policy: unknown approval type %q", step.ApprovalType)
	}
}

// EscalationApprovers resolves the approver set for an escalation of the
// given step: the explicit set when supplied, otherwise the step's static
// escalation set. Returns a ValidationError when both are empty rather
// than letting the instance stall silently.
func EscalationApprovers(step workflow.Step, explicit []string) ([]string, error) {
	if len(explicit) > 0 {
		return explicit, nil
	}
	if len(step.EscalationApprovers) > 0 {
		return step.EscalationApprovers, nil
	}
	return nil, &workflow.ValidationError{Rule: fmt.Sprintf("no escalation approvers available for step %d (%s)", step.Order, step.Name)}
}
