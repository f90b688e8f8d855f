package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/orkappm/approvals/store/memory"
	"github.com/orkappm/approvals/workflow"
)

// captureNotifier records every notification for assertions.
type captureNotifier struct {
	mu        sync.Mutex
	requested []workflow.Approval
	decided   []workflow.Approval
	statuses  []workflow.InstanceStatus
}

func (n *captureNotifier) ApprovalRequested(_ context.Context, a workflow.Approval, _ workflow.Instance) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requested = append(n.requested, a)
	return nil
}

func (n *captureNotifier) ApprovalDecided(_ context.Context, a workflow.Approval, _ workflow.Decision) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.decided = append(n.decided, a)
	return nil
}

func (n *captureNotifier) InstanceStatusChanged(_ context.Context, _ workflow.Instance, _, newStatus workflow.InstanceStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, newStatus)
	return nil
}

func (n *captureNotifier) requestedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.requested)
}

// twoStepDefinition is an ANY manager step followed by an ALL finance step.
func twoStepDefinition() workflow.Definition {
	return workflow.Definition{
		ID:      "wf-purchase",
		Name:    "Purchase Approval",
		Status:  workflow.DefinitionActive,
		Version: 1,
		Steps: []workflow.Step{
			{Order: 0, Name: "Manager Review", Approvers: []string{"mgr-1", "mgr-2"}, ApprovalType: workflow.ApprovalAny},
			{Order: 1, Name: "Finance Review", Approvers: []string{"fin-1", "fin-2"}, ApprovalType: workflow.ApprovalAll},
		},
	}
}

// newTestEngine wires an engine to a fresh memory store with the given
// definitions registered.
func newTestEngine(t *testing.T, defs ...workflow.Definition) (*Engine, *memory.Store, *captureNotifier) {
	t.Helper()

	store := memory.New()
	for _, def := range defs {
		if err := store.PutDefinition(context.Background(), def); err != nil {
			t.Fatalf("PutDefinition(%s) error = %v", def.ID, err)
		}
	}

	notifier := &captureNotifier{}
	e, err := New(store, WithNotifier(notifier))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e, store, notifier
}

func startInstance(t *testing.T, e *Engine, workflowID string) workflow.Instance {
	t.Helper()

	inst, err := e.CreateInstance(context.Background(), CreateInstanceInput{
		WorkflowID:  workflowID,
		EntityType:  "purchase_order",
		EntityID:    "po-42",
		InitiatedBy: "alice",
	})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	return inst
}

// pendingFor returns the caller's single pending approval for an instance.
func pendingFor(t *testing.T, store *memory.Store, instanceID, approverID string) workflow.Approval {
	t.Helper()

	approvals, err := store.ListApprovals(context.Background(), instanceID)
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	for _, a := range approvals {
		if a.ApproverID == approverID && a.Status == workflow.ApprovalPending {
			return a
		}
	}
	t.Fatalf("no pending approval for %s on instance %s", approverID, instanceID)
	return workflow.Approval{}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) error = nil, want error")
	}
}

func TestCreateInstance(t *testing.T) {
	e, store, notifier := newTestEngine(t, twoStepDefinition())

	inst, err := e.CreateInstance(context.Background(), CreateInstanceInput{
		WorkflowID:  "wf-purchase",
		EntityType:  "purchase_order",
		EntityID:    "po-42",
		InitiatedBy: "alice",
		Context:     map[string]string{"amount": "1200"},
	})
	if err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	if inst.Status != workflow.InstanceInProgress {
		t.Errorf("Status = %s, want %s", inst.Status, workflow.InstanceInProgress)
	}
	if inst.CurrentStep != 0 {
		t.Errorf("CurrentStep = %d, want 0", inst.CurrentStep)
	}
	if inst.WorkflowVersion != 1 {
		t.Errorf("WorkflowVersion = %d, want 1", inst.WorkflowVersion)
	}
	if inst.StartedAt == nil {
		t.Error("StartedAt = nil, want set")
	}

	approvals, err := store.ListApprovals(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	if len(approvals) != 2 {
		t.Fatalf("len(approvals) = %d, want 2 (one per step-0 approver)", len(approvals))
	}
	for _, a := range approvals {
		if a.StepNumber != 0 {
			t.Errorf("approval %s StepNumber = %d, want 0", a.ID, a.StepNumber)
		}
		if a.Status != workflow.ApprovalPending {
			t.Errorf("approval %s Status = %s, want pending", a.ID, a.Status)
		}
	}
	if got := notifier.requestedCount(); got != 2 {
		t.Errorf("requested notifications = %d, want 2", got)
	}
}

func TestCreateInstanceValidation(t *testing.T) {
	suspended := twoStepDefinition()
	suspended.ID = "wf-suspended"
	suspended.Status = workflow.DefinitionSuspended

	e, _, _ := newTestEngine(t, twoStepDefinition(), suspended)

	tests := []struct {
		name string
		in   CreateInstanceInput
	}{
		{
			name: "missing entity",
			in:   CreateInstanceInput{WorkflowID: "wf-purchase", InitiatedBy: "alice"},
		},
		{
			name: "missing initiator",
			in:   CreateInstanceInput{WorkflowID: "wf-purchase", EntityType: "purchase_order", EntityID: "po-1"},
		},
		{
			name: "unknown workflow",
			in:   CreateInstanceInput{WorkflowID: "wf-missing", EntityType: "purchase_order", EntityID: "po-1", InitiatedBy: "alice"},
		},
		{
			name: "suspended workflow",
			in:   CreateInstanceInput{WorkflowID: "wf-suspended", EntityType: "purchase_order", EntityID: "po-1", InitiatedBy: "alice"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.CreateInstance(context.Background(), tt.in)
			if !errors.Is(err, workflow.ErrValidation) {
				t.Errorf("CreateInstance() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreateInstanceStampsExpiry(t *testing.T) {
	def := twoStepDefinition()
	def.ID = "wf-timed"
	def.Steps[0].TimeoutHours = 48

	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	store := memory.New()
	if err := store.PutDefinition(context.Background(), def); err != nil {
		t.Fatalf("PutDefinition() error = %v", err)
	}
	e, err := New(store, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	inst := startInstance(t, e, "wf-timed")
	a := pendingFor(t, store, inst.ID, "mgr-1")
	if a.ExpiresAt == nil {
		t.Fatal("ExpiresAt = nil, want set from step timeout")
	}
	if want := now.Add(48 * time.Hour); !a.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", a.ExpiresAt, want)
	}
}

func TestCancelInstance(t *testing.T) {
	e, _, notifier := newTestEngine(t, twoStepDefinition())
	inst := startInstance(t, e, "wf-purchase")

	cancelled, err := e.CancelInstance(context.Background(), inst.ID, "admin-1", "duplicate request")
	if err != nil {
		t.Fatalf("CancelInstance() error = %v", err)
	}
	if cancelled.Status != workflow.InstanceCancelled {
		t.Errorf("Status = %s, want %s", cancelled.Status, workflow.InstanceCancelled)
	}
	if cancelled.CancelledBy != "admin-1" || cancelled.CancelReason != "duplicate request" {
		t.Errorf("audit fields = (%q, %q), want (admin-1, duplicate request)", cancelled.CancelledBy, cancelled.CancelReason)
	}
	if cancelled.CancelledAt == nil {
		t.Error("CancelledAt = nil, want set")
	}

	notifier.mu.Lock()
	gotStatuses := len(notifier.statuses)
	notifier.mu.Unlock()
	if gotStatuses != 1 {
		t.Errorf("status notifications = %d, want 1", gotStatuses)
	}

	// A second cancel hits a terminal instance.
	if _, err := e.CancelInstance(context.Background(), inst.ID, "admin-1", "again"); !errors.Is(err, workflow.ErrInvalidState) {
		t.Errorf("second CancelInstance() error = %v, want ErrInvalidState", err)
	}
}

func TestGetInstanceStatus(t *testing.T) {
	e, store, _ := newTestEngine(t, twoStepDefinition())
	inst := startInstance(t, e, "wf-purchase")

	a := pendingFor(t, store, inst.ID, "mgr-1")
	if _, err := e.SubmitDecision(context.Background(), SubmitDecisionInput{
		ApprovalID: a.ID, ApproverID: "mgr-1", Decision: workflow.DecisionApproved,
	}); err != nil {
		t.Fatalf("SubmitDecision() error = %v", err)
	}

	report, err := e.GetInstanceStatus(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("GetInstanceStatus() error = %v", err)
	}
	if report.Instance.CurrentStep != 1 {
		t.Errorf("Instance.CurrentStep = %d, want 1", report.Instance.CurrentStep)
	}
	if len(report.Approvals) != 4 {
		t.Errorf("len(Approvals) = %d, want 4", len(report.Approvals))
	}
	if len(report.Progress.Steps) != 2 {
		t.Fatalf("len(Progress.Steps) = %d, want 2", len(report.Progress.Steps))
	}
	if !report.Progress.Steps[0].Satisfied {
		t.Error("Progress.Steps[0].Satisfied = false, want true")
	}
	if !report.Progress.Steps[1].Current {
		t.Error("Progress.Steps[1].Current = false, want true")
	}
}

func TestListPendingApprovalsForUser(t *testing.T) {
	e, _, _ := newTestEngine(t, twoStepDefinition())
	first := startInstance(t, e, "wf-purchase")
	second := startInstance(t, e, "wf-purchase")

	got, err := e.ListPendingApprovalsForUser(context.Background(), "mgr-1")
	if err != nil {
		t.Fatalf("ListPendingApprovalsForUser() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len() = %d, want 2 (one per instance)", len(got))
	}
	if got[0].InstanceID != first.ID || got[1].InstanceID != second.ID {
		t.Errorf("instances = (%s, %s), want (%s, %s)", got[0].InstanceID, got[1].InstanceID, first.ID, second.ID)
	}

	if _, err := e.ListPendingApprovalsForUser(context.Background(), ""); !errors.Is(err, workflow.ErrValidation) {
		t.Errorf("empty approver error = %v, want ErrValidation", err)
	}
}
