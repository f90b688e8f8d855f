// Package project provides pure projection functions that transform an
// instance and its approval history into dashboard-friendly data
// structures.
//
// All functions in this package are pure: they take records as input and
// return derived structures. They do not perform I/O or have side effects.
//
// This package exists to support dashboard UIs without polluting the core
// Store interface. Following Rob Pike's principle: "The bigger the
// interface, the weaker the abstraction."
package project

import (
	"time"

	"github.com/orkappm/approvals/policy"
	"github.com/orkappm/approvals/workflow"
)

// StepProgress describes one step of a running instance.
type StepProgress struct {
	Order        int
	Name         string
	ApprovalType workflow.ApprovalType

	// Reached is true once the instance has issued approvals for the step.
	Reached bool

	// Current is true for the step the instance is presently evaluating.
	Current bool

	// Satisfied is true when the step's policy is met by its live rows.
	Satisfied bool

	// Stuck is true when the step is current, unsatisfied, and has no
	// pending rows left to decide it (e.g. every row was expired with no
	// replacement issued). Stuck steps need manual escalation.
	Stuck bool

	// Tally is the live-row count breakdown for the step.
	Tally policy.Tally
}

// InstanceProgress is the projected state of one instance.
type InstanceProgress struct {
	InstanceID  string
	Status      workflow.InstanceStatus
	CurrentStep int
	TotalSteps  int
	Steps       []StepProgress

	// PendingApprovers are the users whose decisions the current step is
	// waiting on. Empty for terminal instances.
	PendingApprovers []string

	// Restarts and Escalations expose the audit history counts.
	Restarts    int
	Escalations int

	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Progress projects an instance's per-step state from its definition and
// full approval history.
func Progress(def workflow.Definition, inst workflow.Instance, approvals []workflow.Approval) InstanceProgress {
	p := InstanceProgress{
		InstanceID:  inst.ID,
		Status:      inst.Status,
		CurrentStep: inst.CurrentStep,
		TotalSteps:  len(def.Steps),
		Steps:       make([]StepProgress, 0, len(def.Steps)),
		Restarts:    len(inst.Restarts),
		Escalations: len(inst.Escalations),
		StartedAt:   inst.StartedAt,
		CompletedAt: inst.CompletedAt,
	}

	reached := stepsReached(approvals)

	for _, step := range def.Steps {
		sp := StepProgress{
			Order:        step.Order,
			Name:         step.Name,
			ApprovalType: step.ApprovalType,
			Current:      inst.Status == workflow.InstanceInProgress && step.Order == inst.CurrentStep,
		}
		_, sp.Reached = reached[step.Order]
		if sp.Reached {
			sp.Tally = policy.TallyStep(step.Order, approvals)
			// Evaluation errors only occur for unknown approval types,
			// which Definition.Validate rejects up front.
			sp.Satisfied, _ = policy.StepSatisfied(step, approvals)
			sp.Stuck = sp.Current && !sp.Satisfied && sp.Tally.Pending == 0
		}
		p.Steps = append(p.Steps, sp)
	}

	if inst.Status == workflow.InstanceInProgress {
		p.PendingApprovers = pendingApprovers(inst.CurrentStep, approvals)
	}

	return p
}

// stepsReached returns the set of step numbers that have at least one
// approval row.
func stepsReached(approvals []workflow.Approval) map[int]struct{} {
	reached := make(map[int]struct{})
	for _, a := range approvals {
		reached[a.StepNumber] = struct{}{}
	}
	return reached
}

// pendingApprovers returns the approver IDs with pending rows at the
// given step, in row-creation order, without duplicates.
func pendingApprovers(stepNumber int, approvals []workflow.Approval) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, a := range approvals {
		if a.StepNumber != stepNumber || a.Status != workflow.ApprovalPending {
			continue
		}
		if _, dup := seen[a.ApproverID]; dup {
			continue
		}
		seen[a.ApproverID] = struct{}{}
		out = append(out, a.ApproverID)
	}
	return out
}
