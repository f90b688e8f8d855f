package workflow

import (
	"time"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	// InstancePending indicates the instance has been created but not started.
	InstancePending InstanceStatus = "pending"

	// InstanceInProgress indicates approvals are being collected.
	InstanceInProgress InstanceStatus = "in_progress"

	// InstanceCompleted indicates every step was satisfied.
	InstanceCompleted InstanceStatus = "completed"

	// InstanceRejected indicates a rejection with the stop action ended the run.
	InstanceRejected InstanceStatus = "rejected"

	// InstanceCancelled indicates the instance was administratively cancelled.
	InstanceCancelled InstanceStatus = "cancelled"
)

// IsTerminal returns true if the status permits no further transitions.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceCompleted, InstanceRejected, InstanceCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s InstanceStatus) String() string {
	return string(s)
}

// RestartRecord is one entry of an instance's restart history, appended
// each time a rejection with the restart action resets the run to step 0.
type RestartRecord struct {
	// RejectedBy is the approver whose rejection triggered the restart.
	RejectedBy string `json:"rejected_by"`

	// FromStep is the step that was being evaluated when rejected.
	FromStep int `json:"from_step"`

	// Count is the running restart count, starting at 1.
	Count int `json:"count"`

	// At is when the restart was applied.
	At time.Time `json:"at"`
}

// EscalationRecord is one entry of an instance's escalation history,
// appended by rejection-triggered and administrative escalation alike.
type EscalationRecord struct {
	// TriggeredBy is the rejecting approver or acting administrator.
	TriggeredBy string `json:"triggered_by"`

	// Step is the step the escalation applies to.
	Step int `json:"step"`

	// ApprovalID links back to the approval that was rejected or expired.
	ApprovalID string `json:"approval_id"`

	// Count is the running escalation count, starting at 1.
	Count int `json:"count"`

	// At is when the escalation was applied.
	At time.Time `json:"at"`
}

// Instance is one execution of a definition version against a business
// entity. Instances are never deleted; a finished instance is the
// permanent audit record of one approval run.
type Instance struct {
	// ID is the unique instance identifier (UUID).
	ID string `json:"id"`

	// WorkflowID identifies the definition this instance runs.
	WorkflowID string `json:"workflow_id"`

	// WorkflowVersion pins the definition version in effect at creation.
	WorkflowVersion int `json:"workflow_version"`

	// EntityType and EntityID identify the thing being approved
	// (e.g. "budget", "milestone").
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	// ProjectID optionally scopes the instance to a project.
	ProjectID string `json:"project_id,omitempty"`

	// InitiatedBy is the user who started the run.
	InitiatedBy string `json:"initiated_by"`

	// CurrentStep indexes into the definition's steps, starting at 0.
	CurrentStep int `json:"current_step"`

	// Status is the instance lifecycle state. Once terminal, neither
	// Status nor CurrentStep may change again.
	Status InstanceStatus `json:"status"`

	// Context carries caller-supplied key/value data. Audit history is
	// kept in the typed Restarts and Escalations fields, not here.
	Context map[string]string `json:"context,omitempty"`

	// Restarts is the append-only restart history.
	Restarts []RestartRecord `json:"restarts,omitempty"`

	// Escalations is the append-only escalation history.
	Escalations []EscalationRecord `json:"escalations,omitempty"`

	// Escalated is set the first time the instance is escalated.
	Escalated bool `json:"escalated,omitempty"`

	// CancelledBy and CancelReason record administrative cancellation.
	CancelledBy  string `json:"cancelled_by,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`

	// Timestamps. Each is set at most once.
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}
