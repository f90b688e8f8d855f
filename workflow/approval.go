package workflow

import (
	"time"
)

// ApprovalStatus is the state of a single approver's decision.
type ApprovalStatus string

const (
	// ApprovalPending indicates the approver has not yet decided.
	ApprovalPending ApprovalStatus = "pending"

	// ApprovalApproved indicates the approver approved. Terminal.
	ApprovalApproved ApprovalStatus = "approved"

	// ApprovalRejected indicates the approver rejected. Terminal.
	ApprovalRejected ApprovalStatus = "rejected"

	// ApprovalDelegated marks a row handed off to another approver.
	// Delegation normally reassigns the same pending row instead; the
	// status exists for stores that record the handoff explicitly.
	ApprovalDelegated ApprovalStatus = "delegated"

	// ApprovalExpired indicates the row timed out or was superseded by
	// escalation. Terminal.
	ApprovalExpired ApprovalStatus = "expired"
)

// IsTerminal returns true if the status permits no further decision.
func (s ApprovalStatus) IsTerminal() bool {
	switch s {
	case ApprovalApproved, ApprovalRejected, ApprovalExpired:
		return true
	default:
		return false
	}
}

// Live returns true if the row counts toward step satisfaction.
// Expired and rejected rows are superseded history; they stay on record
// but are no longer part of the step's electorate.
func (s ApprovalStatus) Live() bool {
	return s == ApprovalPending || s == ApprovalApproved
}

// String returns the string representation of the status.
func (s ApprovalStatus) String() string {
	return string(s)
}

// Approval is one approver's pending or resolved decision for one step of
// one instance. An instance accumulates approvals across every step it
// passes through; rows are never deleted, so the full decision history is
// reconstructable.
type Approval struct {
	// ID is the unique approval identifier (UUID).
	ID string `json:"id"`

	// InstanceID is the owning workflow instance.
	InstanceID string `json:"instance_id"`

	// StepNumber is the step this approval belongs to.
	StepNumber int `json:"step_number"`

	// StepName is the step name at creation time. Escalation approvals
	// carry the original name with an " (Escalated)" suffix.
	StepName string `json:"step_name"`

	// ApproverID is the user expected to decide. Delegation reassigns
	// this field on the same row.
	ApproverID string `json:"approver_id"`

	// Status is the decision state.
	Status ApprovalStatus `json:"status"`

	// Comments is optional free text accumulated across decision and
	// delegation.
	Comments string `json:"comments,omitempty"`

	// ExpiresAt is set when the step configures a timeout. The engine
	// never polls it; an external sweeper expires overdue rows.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// DecidedAt is when the row reached a terminal status.
	DecidedAt *time.Time `json:"decided_at,omitempty"`

	// DelegatedTo and DelegatedAt audit the most recent delegation.
	DelegatedTo string     `json:"delegated_to,omitempty"`
	DelegatedAt *time.Time `json:"delegated_at,omitempty"`

	// CreatedAt is when the row was issued.
	CreatedAt time.Time `json:"created_at"`
}

// Decision is a decision literal accepted by SubmitDecision.
type Decision string

const (
	// DecisionApproved approves the approval.
	DecisionApproved Decision = "approved"

	// DecisionRejected rejects the approval.
	DecisionRejected Decision = "rejected"
)

// Valid reports whether d is one of the two accepted literals.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}
