// Package engine implements the workflow approval engine: instance
// creation, decision recording, policy evaluation, step advancement,
// rejection resolution, delegation, and escalation.
//
// The engine has no scheduler or background goroutines of its own. Every
// operation runs synchronously to completion, and concurrency control
// rides entirely on the store's conditional updates, so callers may be
// distributed across processes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/orkappm/approvals/workflow"
)

// Engine orchestrates the lifecycle of approval workflow instances.
// Construct one per process with New; it is safe for concurrent use.
type Engine struct {
	store    workflow.Store
	notifier workflow.Notifier
	logger   workflow.Logger
	now      func() time.Time
	newID    func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the outbound notifier. Defaults to NopNotifier.
func WithNotifier(n workflow.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the logger. Defaults to NopLogger.
func WithLogger(l workflow.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine backed by the given store.
// Returns an error if the store is nil.
func New(store workflow.Store, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("engine: store is required")
	}
	e := &Engine{
		store:    store,
		notifier: workflow.NopNotifier{},
		logger:   workflow.NopLogger{},
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CreateInstanceInput is the input to CreateInstance.
type CreateInstanceInput struct {
	// WorkflowID identifies the definition to instantiate.
	WorkflowID string

	// EntityType and EntityID identify the thing being approved.
	EntityType string
	EntityID   string

	// InitiatedBy is the user starting the run.
	InitiatedBy string

	// ProjectID optionally scopes the run to a project.
	ProjectID string

	// Context carries caller-supplied key/value data.
	Context map[string]string
}

// CreateInstance starts a new run of an active definition. The instance
// begins at step 0 with one pending approval per step-0 approver, created
// atomically with the instance row. Each created approval is announced
// through the notifier after the write commits.
func (e *Engine) CreateInstance(ctx context.Context, in CreateInstanceInput) (workflow.Instance, error) {
	if in.EntityType == "" || in.EntityID == "" {
		return workflow.Instance{}, &workflow.ValidationError{Rule: "entity type and entity id are required"}
	}
	if in.InitiatedBy == "" {
		return workflow.Instance{}, &workflow.ValidationError{Rule: "initiated_by is required"}
	}

	def, err := e.store.GetDefinition(ctx, in.WorkflowID)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return workflow.Instance{}, &workflow.ValidationError{Rule: fmt.Sprintf("workflow %s does not exist", in.WorkflowID)}
		}
		return workflow.Instance{}, fmt.Errorf("load definition: %w", err)
	}
	if def.Status != workflow.DefinitionActive {
		return workflow.Instance{}, &workflow.ValidationError{Rule: fmt.Sprintf("workflow %s is %s, only active workflows can be instantiated", def.ID, def.Status)}
	}
	if len(def.Steps) == 0 {
		return workflow.Instance{}, &workflow.ValidationError{Rule: fmt.Sprintf("workflow %s has no steps", def.ID)}
	}

	now := e.now()
	started := now
	inst := workflow.Instance{
		ID:              e.newID(),
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		EntityType:      in.EntityType,
		EntityID:        in.EntityID,
		ProjectID:       in.ProjectID,
		InitiatedBy:     in.InitiatedBy,
		CurrentStep:     0,
		Status:          workflow.InstanceInProgress,
		Context:         cloneContext(in.Context),
		CreatedAt:       now,
		StartedAt:       &started,
	}

	approvals := e.issueApprovals(inst.ID, def.Steps[0], "", now)
	if err := e.store.CreateInstance(ctx, inst, approvals); err != nil {
		return workflow.Instance{}, fmt.Errorf("create instance: %w", err)
	}

	e.notifyRequested(ctx, approvals, inst)
	return inst, nil
}

// advance moves the instance to the next step or completes it. The
// instance update is conditional on the step the caller observed; when
// the condition fails another caller already advanced the run, so advance
// skips its side effects and returns the re-read instance.
func (e *Engine) advance(ctx context.Context, def workflow.Definition, inst workflow.Instance) (workflow.Instance, error) {
	next := inst.CurrentStep + 1
	if next < len(def.Steps) {
		step := def.Steps[next]
		approvals := e.issueApprovals(inst.ID, step, "", e.now())
		updated, err := e.store.UpdateInstance(ctx, inst.ID, workflow.InstanceUpdate{
			ExpectedCurrentStep: &inst.CurrentStep,
			ExpectedStatus:      statusPtr(workflow.InstanceInProgress),
			CurrentStep:         &next,
			CreateApprovals:     approvals,
		})
		if err != nil {
			if errors.Is(err, workflow.ErrStale) {
				return e.store.GetInstance(ctx, inst.ID)
			}
			return workflow.Instance{}, fmt.Errorf("advance instance: %w", err)
		}
		e.notifyRequested(ctx, approvals, updated)
		return updated, nil
	}

	// No more steps: the run is complete.
	completedAt := e.now()
	updated, err := e.store.UpdateInstance(ctx, inst.ID, workflow.InstanceUpdate{
		ExpectedCurrentStep: &inst.CurrentStep,
		ExpectedStatus:      statusPtr(workflow.InstanceInProgress),
		Status:              statusPtr(workflow.InstanceCompleted),
		CompletedAt:         &completedAt,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrStale) {
			return e.store.GetInstance(ctx, inst.ID)
		}
		return workflow.Instance{}, fmt.Errorf("complete instance: %w", err)
	}
	if nerr := e.notifier.InstanceStatusChanged(ctx, updated, workflow.InstanceInProgress, workflow.InstanceCompleted); nerr != nil {
		e.logger.Warn("notifier failed", "op", "instance_status_changed", "instance_id", updated.ID, "error", nerr)
	}
	return updated, nil
}

// CancelInstance administratively cancels a non-terminal instance.
// Pending approvals are left as-is; the terminal instance status makes
// them unactionable.
func (e *Engine) CancelInstance(ctx context.Context, instanceID, cancelledBy, reason string) (workflow.Instance, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return workflow.Instance{}, err
	}
	if inst.Status.IsTerminal() {
		return workflow.Instance{}, &workflow.InvalidStateError{Kind: "instance", ID: inst.ID, Status: inst.Status.String()}
	}

	cancelledAt := e.now()
	updated, err := e.store.UpdateInstance(ctx, inst.ID, workflow.InstanceUpdate{
		ExpectedStatus: &inst.Status,
		Status:         statusPtr(workflow.InstanceCancelled),
		CancelledAt:    &cancelledAt,
		CancelledBy:    &cancelledBy,
		CancelReason:   &reason,
	})
	if err != nil {
		if errors.Is(err, workflow.ErrStale) {
			current, gerr := e.store.GetInstance(ctx, inst.ID)
			if gerr != nil {
				return workflow.Instance{}, gerr
			}
			return workflow.Instance{}, &workflow.InvalidStateError{Kind: "instance", ID: inst.ID, Status: current.Status.String()}
		}
		return workflow.Instance{}, fmt.Errorf("cancel instance: %w", err)
	}
	if nerr := e.notifier.InstanceStatusChanged(ctx, updated, inst.Status, workflow.InstanceCancelled); nerr != nil {
		e.logger.Warn("notifier failed", "op", "instance_status_changed", "instance_id", updated.ID, "error", nerr)
	}
	return updated, nil
}

// issueApprovals builds one pending approval per approver for a step.
// This and the escalation path are the only places approval rows are
// minted, keeping "who gets a row and when" centralized. An empty
// approvers override uses the step's own set.
func (e *Engine) issueApprovals(instanceID string, step workflow.Step, nameSuffix string, now time.Time) []workflow.Approval {
	return e.issueApprovalsFor(instanceID, step, step.Approvers, nameSuffix, now)
}

func (e *Engine) issueApprovalsFor(instanceID string, step workflow.Step, approvers []string, nameSuffix string, now time.Time) []workflow.Approval {
	var expiresAt *time.Time
	if step.TimeoutHours > 0 {
		exp := now.Add(time.Duration(step.TimeoutHours) * time.Hour)
		expiresAt = &exp
	}

	approvals := make([]workflow.Approval, 0, len(approvers))
	for _, approver := range approvers {
		approvals = append(approvals, workflow.Approval{
			ID:         e.newID(),
			InstanceID: instanceID,
			StepNumber: step.Order,
			StepName:   step.Name + nameSuffix,
			ApproverID: approver,
			Status:     workflow.ApprovalPending,
			ExpiresAt:  expiresAt,
			CreatedAt:  now,
		})
	}
	return approvals
}

// notifyRequested announces newly issued approvals. Notifier failures are
// logged and ignored; the rows are already durable.
func (e *Engine) notifyRequested(ctx context.Context, approvals []workflow.Approval, inst workflow.Instance) {
	for _, a := range approvals {
		if err := e.notifier.ApprovalRequested(ctx, a, inst); err != nil {
			e.logger.Warn("notifier failed", "op", "approval_requested", "approval_id", a.ID, "error", err)
		}
	}
}

func cloneContext(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func statusPtr(s workflow.InstanceStatus) *workflow.InstanceStatus {
	return &s
}

func approvalStatusPtr(s workflow.ApprovalStatus) *workflow.ApprovalStatus {
	return &s
}
