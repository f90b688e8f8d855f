// Package workflow defines the domain model for multi-step approval
// workflows: definitions, running instances, and per-approver approval
// records, together with the storage and notification ports the engine
// is written against.
package workflow

import (
	"fmt"
)

// DefinitionStatus is the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	// DefinitionDraft indicates the definition is still being authored.
	DefinitionDraft DefinitionStatus = "draft"

	// DefinitionActive indicates the definition may be instantiated.
	DefinitionActive DefinitionStatus = "active"

	// DefinitionSuspended indicates the definition is temporarily closed
	// to new instances. In-flight instances are unaffected.
	DefinitionSuspended DefinitionStatus = "suspended"
)

// ApprovalType is the satisfaction policy for a step's approver set.
type ApprovalType string

const (
	// ApprovalAll requires every live approval for the step to be approved.
	ApprovalAll ApprovalType = "all"

	// ApprovalAny requires at least one approval for the step.
	ApprovalAny ApprovalType = "any"

	// ApprovalMajority requires strictly more than half of the step's
	// live approvals to be approved.
	ApprovalMajority ApprovalType = "majority"
)

// Valid reports whether t is a known approval type.
func (t ApprovalType) Valid() bool {
	switch t {
	case ApprovalAll, ApprovalAny, ApprovalMajority:
		return true
	default:
		return false
	}
}

// RejectionAction determines how the engine resolves a rejection at a step.
type RejectionAction string

const (
	// RejectStop terminates the instance with status rejected.
	// This is the default when a step specifies no action.
	RejectStop RejectionAction = "stop"

	// RejectRestart resets the instance to step 0 and issues fresh
	// approvals for the first step.
	RejectRestart RejectionAction = "restart"

	// RejectEscalate replaces the step's pending approvals with new ones
	// for an escalation approver set, at the same step.
	RejectEscalate RejectionAction = "escalate"
)

// Valid reports whether a is a known rejection action.
// The empty string is valid and means RejectStop.
func (a RejectionAction) Valid() bool {
	switch a {
	case "", RejectStop, RejectRestart, RejectEscalate:
		return true
	default:
		return false
	}
}

// Step is one ordered step of a workflow definition. Steps are embedded in
// a definition version and never persisted independently.
type Step struct {
	// Order is the 0-based position of the step. Orders must be
	// contiguous and strictly increasing within a definition.
	Order int `json:"order"`

	// Name is the human-readable step name.
	Name string `json:"name"`

	// Description explains what is being approved at this step.
	Description string `json:"description,omitempty"`

	// Approvers are the user IDs eligible to decide this step.
	// Must be non-empty at definition time; escalation may add
	// approvers later.
	Approvers []string `json:"approvers"`

	// ApprovalType is the satisfaction policy for the step.
	ApprovalType ApprovalType `json:"approval_type"`

	// TimeoutHours, when positive, stamps approvals created for this
	// step with an expiry of now + TimeoutHours. The engine never polls
	// for expiry; see the sweeper package.
	TimeoutHours int `json:"timeout_hours,omitempty"`

	// RejectionAction determines rejection handling for this step.
	// Empty means RejectStop.
	RejectionAction RejectionAction `json:"rejection_action,omitempty"`

	// EscalationApprovers is the static escalation set used when
	// RejectionAction is RejectEscalate and the caller supplies no
	// explicit set.
	EscalationApprovers []string `json:"escalation_approvers,omitempty"`
}

// Action returns the step's rejection action with the stop default applied.
func (s Step) Action() RejectionAction {
	if s.RejectionAction == "" {
		return RejectStop
	}
	return s.RejectionAction
}

// Definition is an approval template: an ordered sequence of steps with
// approver sets and policies. Definitions are versioned; every edit
// produces a new version so in-flight instances stay bound to the version
// they started with.
type Definition struct {
	// ID uniquely identifies the definition across versions.
	ID string `json:"id"`

	// Name is the human-readable definition name.
	Name string `json:"name"`

	// Description explains the approval process.
	Description string `json:"description,omitempty"`

	// Status is the definition lifecycle state. Only active definitions
	// may be instantiated.
	Status DefinitionStatus `json:"status"`

	// Version is a monotonically increasing integer, starting at 1.
	Version int `json:"version"`

	// Steps is the non-empty ordered step sequence.
	Steps []Step `json:"steps"`
}

// Validate checks structural invariants of the definition: non-empty
// identity, at least one step, contiguous 0-based step orders, non-empty
// approver sets, and known policy values. Returns a ValidationError
// naming the first violated rule.
func (d Definition) Validate() error {
	if d.ID == "" {
		return &ValidationError{Rule: "definition id is required"}
	}
	if d.Name == "" {
		return &ValidationError{Rule: "definition name is required"}
	}
	if d.Version < 1 {
		return &ValidationError{Rule: "definition version must be at least 1"}
	}
	if len(d.Steps) == 0 {
		return &ValidationError{Rule: "definition must have at least one step"}
	}
	for i, s := range d.Steps {
		if s.Order != i {
			return &ValidationError{Rule: fmt.Sprintf("step %d has order %d, orders must be contiguous from 0", i, s.Order)}
		}
		if s.Name == "" {
			return &ValidationError{Rule: fmt.Sprintf("step %d has no name", i)}
		}
		if len(s.Approvers) == 0 {
			return &ValidationError{Rule: fmt.Sprintf("step %d has no approvers", i)}
		}
		if !s.ApprovalType.Valid() {
			return &ValidationError{Rule: fmt.Sprintf("step %d has unknown approval type %q", i, s.ApprovalType)}
		}
		if !s.RejectionAction.Valid() {
			return &ValidationError{Rule: fmt.Sprintf("step %d has unknown rejection action %q", i, s.RejectionAction)}
		}
	}
	return nil
}

// StepAt returns the step with the given order.
// Returns a ValidationError if the order is out of range.
func (d Definition) StepAt(order int) (Step, error) {
	if order < 0 || order >= len(d.Steps) {
		return Step{}, &ValidationError{Rule: fmt.Sprintf("step %d out of range for definition %s (steps: %d)", order, d.ID, len(d.Steps))}
	}
	return d.Steps[order], nil
}
