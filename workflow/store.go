package workflow

import (
	"context"
	"time"
)

// InstanceUpdate describes a conditional mutation of an instance row,
// together with the approval rows that must be touched in the same unit
// of work. Nil field pointers leave the corresponding field unchanged.
type InstanceUpdate struct {
	// ExpectedCurrentStep, when set, makes the update conditional on the
	// stored current step. A mismatch fails with StaleUpdateError and
	// skips every side effect, which is how duplicate step advancements
	// are rendered harmless.
	ExpectedCurrentStep *int

	// ExpectedStatus, when set, makes the update conditional on the
	// stored status.
	ExpectedStatus *InstanceStatus

	// Fields to set.
	Status       *InstanceStatus
	CurrentStep  *int
	Escalated    *bool
	CompletedAt  *time.Time
	CancelledAt  *time.Time
	CancelledBy  *string
	CancelReason *string

	// AppendRestart and AppendEscalation extend the instance's
	// append-only history logs.
	AppendRestart    *RestartRecord
	AppendEscalation *EscalationRecord

	// CreateApprovals are new approval rows created atomically with the
	// instance update.
	CreateApprovals []Approval

	// ExpireApprovals are IDs of pending approvals flipped to expired
	// atomically with the instance update. Rows that are no longer
	// pending are left untouched.
	ExpireApprovals []string
}

// ApprovalUpdate describes a conditional mutation of a single approval
// row. Nil field pointers leave the corresponding field unchanged.
type ApprovalUpdate struct {
	// ExpectedStatus guards the update. When nil it defaults to
	// ApprovalPending, enforcing the at-most-once resolution rule:
	// update where id = X and status = pending. Losers of a decision
	// race receive StaleUpdateError.
	ExpectedStatus *ApprovalStatus

	// Fields to set.
	Status      *ApprovalStatus
	ApproverID  *string
	Comments    *string
	DecidedAt   *time.Time
	DelegatedTo *string
	DelegatedAt *time.Time
}

// Store is the persistence port for definitions, instances, and
// approvals. Implementations must be safe for concurrent use and must
// enforce the conditional-update semantics themselves (a version column,
// compare-and-swap, or an equivalent) because callers may be distributed
// across processes.
type Store interface {
	// GetDefinition retrieves the latest version of a definition.
	// Returns NotFoundError if the ID is unknown.
	GetDefinition(ctx context.Context, id string) (Definition, error)

	// GetDefinitionVersion retrieves a specific definition version, used
	// to resolve the version an instance was bound to at creation.
	// Returns NotFoundError if the ID/version pair is unknown.
	GetDefinitionVersion(ctx context.Context, id string, version int) (Definition, error)

	// PutDefinition stores a definition version. Versions are immutable;
	// storing an existing (id, version) pair fails with a ValidationError.
	PutDefinition(ctx context.Context, def Definition) error

	// CreateInstance persists a new instance and its initial approval
	// rows as one unit of work. On failure nothing is visible.
	CreateInstance(ctx context.Context, inst Instance, approvals []Approval) error

	// GetInstance retrieves an instance by ID.
	// Returns NotFoundError if the ID is unknown.
	GetInstance(ctx context.Context, id string) (Instance, error)

	// UpdateInstance applies a conditional update and its approval side
	// effects atomically, returning the updated instance. Returns
	// StaleUpdateError (and applies nothing) if a precondition fails.
	UpdateInstance(ctx context.Context, id string, upd InstanceUpdate) (Instance, error)

	// CreateApprovals persists new approval rows as one unit of work.
	CreateApprovals(ctx context.Context, approvals []Approval) error

	// GetApproval retrieves an approval by ID.
	// Returns NotFoundError if the ID is unknown.
	GetApproval(ctx context.Context, id string) (Approval, error)

	// UpdateApproval applies a conditional update to one approval row,
	// returning the updated row. Returns StaleUpdateError if the row is
	// not in the expected status.
	UpdateApproval(ctx context.Context, id string, upd ApprovalUpdate) (Approval, error)

	// ListApprovals returns every approval row for an instance, ordered
	// by creation. Returns an empty slice for an unknown instance.
	ListApprovals(ctx context.Context, instanceID string) ([]Approval, error)

	// ListPendingByApprover returns pending approvals assigned to a user,
	// across instances.
	ListPendingByApprover(ctx context.Context, approverID string) ([]Approval, error)

	// ListExpired returns pending approvals whose expiry is at or before
	// the cutoff. Consumed by the expiry sweeper.
	ListExpired(ctx context.Context, cutoff time.Time) ([]Approval, error)
}
