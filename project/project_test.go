package project

import (
	"testing"

	"github.com/orkappm/approvals/workflow"
)

func progressFixture() (workflow.Definition, workflow.Instance, []workflow.Approval) {
	def := workflow.Definition{
		ID:      "wf-review",
		Name:    "Review",
		Status:  workflow.DefinitionActive,
		Version: 1,
		Steps: []workflow.Step{
			{Order: 0, Name: "Peer Review", Approvers: []string{"p-1", "p-2"}, ApprovalType: workflow.ApprovalAll},
			{Order: 1, Name: "Lead Review", Approvers: []string{"lead"}, ApprovalType: workflow.ApprovalAny},
			{Order: 2, Name: "Sign Off", Approvers: []string{"vp"}, ApprovalType: workflow.ApprovalAny},
		},
	}
	inst := workflow.Instance{
		ID:              "inst-1",
		WorkflowID:      def.ID,
		WorkflowVersion: 1,
		CurrentStep:     1,
		Status:          workflow.InstanceInProgress,
	}
	approvals := []workflow.Approval{
		{ID: "a1", InstanceID: inst.ID, StepNumber: 0, ApproverID: "p-1", Status: workflow.ApprovalApproved},
		{ID: "a2", InstanceID: inst.ID, StepNumber: 0, ApproverID: "p-2", Status: workflow.ApprovalApproved},
		{ID: "a3", InstanceID: inst.ID, StepNumber: 1, ApproverID: "lead", Status: workflow.ApprovalPending},
	}
	return def, inst, approvals
}

func TestProgress(t *testing.T) {
	def, inst, approvals := progressFixture()

	p := Progress(def, inst, approvals)

	if p.InstanceID != "inst-1" || p.CurrentStep != 1 || p.TotalSteps != 3 {
		t.Errorf("header = (%s, %d, %d), want (inst-1, 1, 3)", p.InstanceID, p.CurrentStep, p.TotalSteps)
	}
	if len(p.Steps) != 3 {
		t.Fatalf("len(Steps) = %d, want 3", len(p.Steps))
	}

	s0 := p.Steps[0]
	if !s0.Reached || !s0.Satisfied || s0.Current {
		t.Errorf("step 0 = %+v, want reached, satisfied, not current", s0)
	}
	if s0.Tally.Approved != 2 || s0.Tally.Live != 2 {
		t.Errorf("step 0 tally = %+v, want 2 approved of 2 live", s0.Tally)
	}

	s1 := p.Steps[1]
	if !s1.Reached || !s1.Current || s1.Satisfied || s1.Stuck {
		t.Errorf("step 1 = %+v, want reached, current, unsatisfied, not stuck", s1)
	}

	s2 := p.Steps[2]
	if s2.Reached || s2.Current {
		t.Errorf("step 2 = %+v, want unreached", s2)
	}

	if len(p.PendingApprovers) != 1 || p.PendingApprovers[0] != "lead" {
		t.Errorf("PendingApprovers = %v, want [lead]", p.PendingApprovers)
	}
}

func TestProgressStuckStep(t *testing.T) {
	def, inst, approvals := progressFixture()
	// The current step's only row expired with no replacement.
	approvals[2].Status = workflow.ApprovalExpired

	p := Progress(def, inst, approvals)

	s1 := p.Steps[1]
	if !s1.Stuck {
		t.Error("step 1 Stuck = false, want true")
	}
	if len(p.PendingApprovers) != 0 {
		t.Errorf("PendingApprovers = %v, want empty", p.PendingApprovers)
	}
}

func TestProgressTerminalInstance(t *testing.T) {
	def, inst, approvals := progressFixture()
	inst.Status = workflow.InstanceRejected

	p := Progress(def, inst, approvals)

	if len(p.PendingApprovers) != 0 {
		t.Errorf("PendingApprovers = %v, want empty for a terminal instance", p.PendingApprovers)
	}
	for _, s := range p.Steps {
		if s.Current {
			t.Errorf("step %d Current = true, want false for a terminal instance", s.Order)
		}
	}
}

func TestProgressHistoryCounts(t *testing.T) {
	def, inst, approvals := progressFixture()
	inst.Restarts = []workflow.RestartRecord{{Count: 1}}
	inst.Escalations = []workflow.EscalationRecord{{Count: 1}, {Count: 2}}

	p := Progress(def, inst, approvals)

	if p.Restarts != 1 || p.Escalations != 2 {
		t.Errorf("history = (%d, %d), want (1, 2)", p.Restarts, p.Escalations)
	}
}
