package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/orkappm/approvals/query"
	"github.com/orkappm/approvals/workflow"
)

func testDefinition(id string) workflow.Definition {
	return workflow.Definition{
		ID:      id,
		Name:    "Test Workflow",
		Status:  workflow.DefinitionActive,
		Version: 1,
		Steps: []workflow.Step{
			{Order: 0, Name: "Review", Approvers: []string{"u-1"}, ApprovalType: workflow.ApprovalAny},
		},
	}
}

func testInstance(id, workflowID string) workflow.Instance {
	started := time.Now().UTC()
	return workflow.Instance{
		ID:              id,
		WorkflowID:      workflowID,
		WorkflowVersion: 1,
		EntityType:      "doc",
		EntityID:        "doc-1",
		InitiatedBy:     "alice",
		Status:          workflow.InstanceInProgress,
		CreatedAt:       started,
		StartedAt:       &started,
	}
}

func testApproval(id, instanceID, approverID string) workflow.Approval {
	return workflow.Approval{
		ID:         id,
		InstanceID: instanceID,
		StepNumber: 0,
		StepName:   "Review",
		ApproverID: approverID,
		Status:     workflow.ApprovalPending,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestDefinitionVersioning(t *testing.T) {
	s := New()
	ctx := context.Background()

	v1 := testDefinition("wf-1")
	if err := s.PutDefinition(ctx, v1); err != nil {
		t.Fatalf("PutDefinition(v1) error = %v", err)
	}

	v2 := testDefinition("wf-1")
	v2.Version = 2
	v2.Steps[0].Name = "Second Review"
	if err := s.PutDefinition(ctx, v2); err != nil {
		t.Fatalf("PutDefinition(v2) error = %v", err)
	}

	// Latest wins for GetDefinition.
	latest, err := s.GetDefinition(ctx, "wf-1")
	if err != nil {
		t.Fatalf("GetDefinition() error = %v", err)
	}
	if latest.Version != 2 {
		t.Errorf("Version = %d, want 2", latest.Version)
	}

	// Old versions stay retrievable.
	old, err := s.GetDefinitionVersion(ctx, "wf-1", 1)
	if err != nil {
		t.Fatalf("GetDefinitionVersion(1) error = %v", err)
	}
	if old.Steps[0].Name != "Review" {
		t.Errorf("v1 step name = %q, want %q", old.Steps[0].Name, "Review")
	}

	// Versions are immutable.
	if err := s.PutDefinition(ctx, v2); !errors.Is(err, workflow.ErrValidation) {
		t.Errorf("duplicate version error = %v, want ErrValidation", err)
	}

	if _, err := s.GetDefinition(ctx, "missing"); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("missing definition error = %v, want ErrNotFound", err)
	}
	if _, err := s.GetDefinitionVersion(ctx, "wf-1", 9); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("missing version error = %v, want ErrNotFound", err)
	}
}

func TestPutDefinitionValidates(t *testing.T) {
	s := New()
	def := testDefinition("wf-bad")
	def.Steps = nil
	if err := s.PutDefinition(context.Background(), def); !errors.Is(err, workflow.ErrValidation) {
		t.Errorf("PutDefinition() error = %v, want ErrValidation", err)
	}
}

func TestCreateInstanceAtomicity(t *testing.T) {
	s := New()
	ctx := context.Background()

	inst := testInstance("i-1", "wf-1")
	approvals := []workflow.Approval{testApproval("a-1", "i-1", "u-1")}
	if err := s.CreateInstance(ctx, inst, approvals); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	got, err := s.GetInstance(ctx, "i-1")
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if got.WorkflowID != "wf-1" {
		t.Errorf("WorkflowID = %q, want wf-1", got.WorkflowID)
	}

	listed, err := s.ListApprovals(ctx, "i-1")
	if err != nil {
		t.Fatalf("ListApprovals() error = %v", err)
	}
	if len(listed) != 1 {
		t.Errorf("len(approvals) = %d, want 1", len(listed))
	}

	if err := s.CreateInstance(ctx, inst, nil); !errors.Is(err, workflow.ErrValidation) {
		t.Errorf("duplicate instance error = %v, want ErrValidation", err)
	}
}

func TestUpdateInstancePreconditions(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateInstance(ctx, testInstance("i-1", "wf-1"), nil); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	wrongStep := 3
	if _, err := s.UpdateInstance(ctx, "i-1", workflow.InstanceUpdate{
		ExpectedCurrentStep: &wrongStep,
	}); !errors.Is(err, workflow.ErrStale) {
		t.Errorf("wrong step error = %v, want ErrStale", err)
	}

	completed := workflow.InstanceCompleted
	if _, err := s.UpdateInstance(ctx, "i-1", workflow.InstanceUpdate{
		ExpectedStatus: &completed,
	}); !errors.Is(err, workflow.ErrStale) {
		t.Errorf("wrong status error = %v, want ErrStale", err)
	}

	if _, err := s.UpdateInstance(ctx, "missing", workflow.InstanceUpdate{}); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("missing instance error = %v, want ErrNotFound", err)
	}

	// A matching precondition applies the mutation.
	step0 := 0
	step1 := 1
	updated, err := s.UpdateInstance(ctx, "i-1", workflow.InstanceUpdate{
		ExpectedCurrentStep: &step0,
		CurrentStep:         &step1,
	})
	if err != nil {
		t.Fatalf("UpdateInstance() error = %v", err)
	}
	if updated.CurrentStep != 1 {
		t.Errorf("CurrentStep = %d, want 1", updated.CurrentStep)
	}
}

func TestUpdateInstanceSideEffects(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateInstance(ctx, testInstance("i-1", "wf-1"), []workflow.Approval{
		testApproval("a-1", "i-1", "u-1"),
		testApproval("a-2", "i-1", "u-2"),
	}); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	// Decide a-2 so expiry must skip it.
	approved := workflow.ApprovalApproved
	if _, err := s.UpdateApproval(ctx, "a-2", workflow.ApprovalUpdate{Status: &approved}); err != nil {
		t.Fatalf("UpdateApproval() error = %v", err)
	}

	escalated := true
	record := workflow.EscalationRecord{TriggeredBy: "admin", Step: 0, Count: 1, At: time.Now().UTC()}
	if _, err := s.UpdateInstance(ctx, "i-1", workflow.InstanceUpdate{
		Escalated:        &escalated,
		AppendEscalation: &record,
		ExpireApprovals:  []string{"a-1", "a-2"},
		CreateApprovals:  []workflow.Approval{testApproval("a-3", "i-1", "u-3")},
	}); err != nil {
		t.Fatalf("UpdateInstance() error = %v", err)
	}

	a1, _ := s.GetApproval(ctx, "a-1")
	if a1.Status != workflow.ApprovalExpired {
		t.Errorf("a-1 Status = %s, want expired", a1.Status)
	}
	a2, _ := s.GetApproval(ctx, "a-2")
	if a2.Status != workflow.ApprovalApproved {
		t.Errorf("a-2 Status = %s, want approved (expiry only touches pending rows)", a2.Status)
	}
	a3, err := s.GetApproval(ctx, "a-3")
	if err != nil {
		t.Fatalf("GetApproval(a-3) error = %v", err)
	}
	if a3.Status != workflow.ApprovalPending {
		t.Errorf("a-3 Status = %s, want pending", a3.Status)
	}

	inst, _ := s.GetInstance(ctx, "i-1")
	if !inst.Escalated || len(inst.Escalations) != 1 {
		t.Errorf("Escalated = %v, len(Escalations) = %d; want true, 1", inst.Escalated, len(inst.Escalations))
	}
}

func TestUpdateApprovalconditional(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateApprovals(ctx, []workflow.Approval{testApproval("a-1", "i-1", "u-1")}); err != nil {
		t.Fatalf("CreateApprovals() error = %v", err)
	}

	approved := workflow.ApprovalApproved
	now := time.Now().UTC()
	updated, err := s.UpdateApproval(ctx, "a-1", workflow.ApprovalUpdate{Status: &approved, DecidedAt: &now})
	if err != nil {
		t.Fatalf("UpdateApproval() error = %v", err)
	}
	if updated.Status != workflow.ApprovalApproved || updated.DecidedAt == nil {
		t.Errorf("updated = %+v, want approved with DecidedAt", updated)
	}

	// Default precondition is pending, so a second resolution is stale.
	rejected := workflow.ApprovalRejected
	if _, err := s.UpdateApproval(ctx, "a-1", workflow.ApprovalUpdate{Status: &rejected}); !errors.Is(err, workflow.ErrStale) {
		t.Errorf("second update error = %v, want ErrStale", err)
	}

	// An explicit expected status overrides the default.
	expectApproved := workflow.ApprovalApproved
	if _, err := s.UpdateApproval(ctx, "a-1", workflow.ApprovalUpdate{ExpectedStatus: &expectApproved, Status: &rejected}); err != nil {
		t.Errorf("explicit expected status error = %v", err)
	}

	if _, err := s.UpdateApproval(ctx, "missing", workflow.ApprovalUpdate{}); !errors.Is(err, workflow.ErrNotFound) {
		t.Errorf("missing approval error = %v, want ErrNotFound", err)
	}
}

func TestListPendingByApprover(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.CreateInstance(ctx, testInstance("i-1", "wf-1"), []workflow.Approval{
		testApproval("a-1", "i-1", "u-1"),
		testApproval("a-2", "i-1", "u-2"),
	}); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}
	approved := workflow.ApprovalApproved
	if _, err := s.UpdateApproval(ctx, "a-2", workflow.ApprovalUpdate{Status: &approved}); err != nil {
		t.Fatalf("UpdateApproval() error = %v", err)
	}

	pending, err := s.ListPendingByApprover(ctx, "u-1")
	if err != nil {
		t.Fatalf("ListPendingByApprover() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "a-1" {
		t.Errorf("pending = %+v, want [a-1]", pending)
	}

	none, err := s.ListPendingByApprover(ctx, "u-2")
	if err != nil {
		t.Fatalf("ListPendingByApprover() error = %v", err)
	}
	if len(none) != 0 {
		t.Errorf("pending for u-2 = %+v, want empty", none)
	}
}

func TestListExpired(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	overdue := testApproval("a-1", "i-1", "u-1")
	overdue.ExpiresAt = &past
	fresh := testApproval("a-2", "i-1", "u-2")
	fresh.ExpiresAt = &future
	open := testApproval("a-3", "i-1", "u-3")

	if err := s.CreateApprovals(ctx, []workflow.Approval{overdue, fresh, open}); err != nil {
		t.Fatalf("CreateApprovals() error = %v", err)
	}

	got, err := s.ListExpired(ctx, now)
	if err != nil {
		t.Fatalf("ListExpired() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "a-1" {
		t.Errorf("ListExpired() = %+v, want [a-1]", got)
	}
}

func TestInstanceQueries(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := testInstance("i-1", "wf-1")
	first.ProjectID = "proj-a"
	second := testInstance("i-2", "wf-1")
	second.Status = workflow.InstanceCompleted
	second.CreatedAt = first.CreatedAt.Add(time.Minute)
	third := testInstance("i-3", "wf-2")
	third.EntityID = "doc-9"
	third.CreatedAt = first.CreatedAt.Add(2 * time.Minute)

	for _, inst := range []workflow.Instance{first, second, third} {
		if err := s.CreateInstance(ctx, inst, nil); err != nil {
			t.Fatalf("CreateInstance(%s) error = %v", inst.ID, err)
		}
	}

	t.Run("filter by workflow", func(t *testing.T) {
		got, err := s.ListInstances(ctx, query.InstanceFilter{WorkflowID: "wf-1"})
		if err != nil {
			t.Fatalf("ListInstances() error = %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("len() = %d, want 2", len(got))
		}
		// Newest first.
		if got[0].ID != "i-2" || got[1].ID != "i-1" {
			t.Errorf("order = (%s, %s), want (i-2, i-1)", got[0].ID, got[1].ID)
		}
	})

	t.Run("filter by status", func(t *testing.T) {
		got, err := s.ListInstances(ctx, query.InstanceFilter{Status: workflow.InstanceCompleted})
		if err != nil {
			t.Fatalf("ListInstances() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != "i-2" {
			t.Errorf("got = %+v, want [i-2]", got)
		}
	})

	t.Run("pagination", func(t *testing.T) {
		got, err := s.ListInstances(ctx, query.InstanceFilter{Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("ListInstances() error = %v", err)
		}
		if len(got) != 1 || got[0].ID != "i-2" {
			t.Errorf("got = %+v, want [i-2]", got)
		}
	})

	t.Run("count", func(t *testing.T) {
		n, err := s.CountInstances(ctx, query.InstanceFilter{WorkflowID: "wf-1"})
		if err != nil {
			t.Fatalf("CountInstances() error = %v", err)
		}
		if n != 2 {
			t.Errorf("CountInstances() = %d, want 2", n)
		}
	})

	t.Run("by entity", func(t *testing.T) {
		ids, err := s.QueryByEntity(ctx, "doc", "doc-1")
		if err != nil {
			t.Fatalf("QueryByEntity() error = %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("ids = %v, want two instances for doc-1", ids)
		}
	})
}

func TestGetInstanceReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	inst := testInstance("i-1", "wf-1")
	inst.Context = map[string]string{"k": "v"}
	if err := s.CreateInstance(ctx, inst, nil); err != nil {
		t.Fatalf("CreateInstance() error = %v", err)
	}

	got, err := s.GetInstance(ctx, "i-1")
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	got.Context["k"] = "mutated"

	again, err := s.GetInstance(ctx, "i-1")
	if err != nil {
		t.Fatalf("GetInstance() error = %v", err)
	}
	if again.Context["k"] != "v" {
		t.Error("store state leaked through a returned instance")
	}
}
