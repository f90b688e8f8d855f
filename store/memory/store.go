// Package memory provides an in-memory implementation of workflow.Store.
// This implementation is suitable for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/orkappm/approvals/query"
	"github.com/orkappm/approvals/workflow"
)

// Store is a thread-safe in-memory implementation of workflow.Store.
type Store struct {
	mu sync.RWMutex

	// definitions by ID, then by version.
	definitions map[string]map[int]workflow.Definition
	latest      map[string]int

	instances     map[string]workflow.Instance
	instanceOrder []string

	approvals map[string]workflow.Approval
	// byInstance preserves approval creation order per instance.
	byInstance map[string][]string
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		definitions: make(map[string]map[int]workflow.Definition),
		latest:      make(map[string]int),
		instances:   make(map[string]workflow.Instance),
		approvals:   make(map[string]workflow.Approval),
		byInstance:  make(map[string][]string),
	}
}

// PutDefinition stores a definition version. Versions are immutable.
func (s *Store) PutDefinition(ctx context.Context, def workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.definitions[def.ID]
	if versions == nil {
		versions = make(map[int]workflow.Definition)
		s.definitions[def.ID] = versions
	}
	if _, exists := versions[def.Version]; exists {
		return &workflow.ValidationError{Rule: fmt.Sprintf("workflow %s version %d already exists", def.ID, def.Version)}
	}
	versions[def.Version] = copyDefinition(def)
	if def.Version > s.latest[def.ID] {
		s.latest[def.ID] = def.Version
	}
	return nil
}

// GetDefinition retrieves the latest version of a definition.
func (s *Store) GetDefinition(ctx context.Context, id string) (workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	version, ok := s.latest[id]
	if !ok {
		return workflow.Definition{}, &workflow.NotFoundError{Kind: "workflow", ID: id}
	}
	return copyDefinition(s.definitions[id][version]), nil
}

// GetDefinitionVersion retrieves a specific definition version.
func (s *Store) GetDefinitionVersion(ctx context.Context, id string, version int) (workflow.Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.definitions[id][version]
	if !ok {
		return workflow.Definition{}, &workflow.NotFoundError{Kind: "workflow", ID: fmt.Sprintf("%s@v%d", id, version)}
	}
	return copyDefinition(def), nil
}

// CreateInstance persists a new instance and its initial approvals as one
// unit.
func (s *Store) CreateInstance(ctx context.Context, inst workflow.Instance, approvals []workflow.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.instances[inst.ID]; exists {
		return &workflow.ValidationError{Rule: fmt.Sprintf("instance %s already exists", inst.ID)}
	}
	for _, a := range approvals {
		if _, exists := s.approvals[a.ID]; exists {
			return &workflow.ValidationError{Rule: fmt.Sprintf("approval %s already exists", a.ID)}
		}
	}

	s.instances[inst.ID] = copyInstance(inst)
	s.instanceOrder = append(s.instanceOrder, inst.ID)
	s.insertApprovalsLocked(approvals)
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.instances[id]
	if !ok {
		return workflow.Instance{}, &workflow.NotFoundError{Kind: "instance", ID: id}
	}
	return copyInstance(inst), nil
}

// UpdateInstance applies a conditional update and its approval side
// effects atomically under the store lock.
func (s *Store) UpdateInstance(ctx context.Context, id string, upd workflow.InstanceUpdate) (workflow.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return workflow.Instance{}, &workflow.NotFoundError{Kind: "instance", ID: id}
	}
	if upd.ExpectedCurrentStep != nil && inst.CurrentStep != *upd.ExpectedCurrentStep {
		return workflow.Instance{}, &workflow.StaleUpdateError{Kind: "instance", ID: id}
	}
	if upd.ExpectedStatus != nil && inst.Status != *upd.ExpectedStatus {
		return workflow.Instance{}, &workflow.StaleUpdateError{Kind: "instance", ID: id}
	}
	for _, a := range upd.CreateApprovals {
		if _, exists := s.approvals[a.ID]; exists {
			return workflow.Instance{}, &workflow.ValidationError{Rule: fmt.Sprintf("approval %s already exists", a.ID)}
		}
	}

	if upd.Status != nil {
		inst.Status = *upd.Status
	}
	if upd.CurrentStep != nil {
		inst.CurrentStep = *upd.CurrentStep
	}
	if upd.Escalated != nil {
		inst.Escalated = *upd.Escalated
	}
	if upd.CompletedAt != nil {
		inst.CompletedAt = timePtr(*upd.CompletedAt)
	}
	if upd.CancelledAt != nil {
		inst.CancelledAt = timePtr(*upd.CancelledAt)
	}
	if upd.CancelledBy != nil {
		inst.CancelledBy = *upd.CancelledBy
	}
	if upd.CancelReason != nil {
		inst.CancelReason = *upd.CancelReason
	}
	if upd.AppendRestart != nil {
		inst.Restarts = append(inst.Restarts, *upd.AppendRestart)
	}
	if upd.AppendEscalation != nil {
		inst.Escalations = append(inst.Escalations, *upd.AppendEscalation)
	}

	s.instances[id] = copyInstance(inst)
	s.insertApprovalsLocked(upd.CreateApprovals)
	for _, approvalID := range upd.ExpireApprovals {
		a, ok := s.approvals[approvalID]
		if !ok || a.Status != workflow.ApprovalPending {
			// Rows already resolved are left untouched.
			continue
		}
		a.Status = workflow.ApprovalExpired
		s.approvals[approvalID] = a
	}

	return copyInstance(inst), nil
}

// CreateApprovals persists new approval rows as one unit.
func (s *Store) CreateApprovals(ctx context.Context, approvals []workflow.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range approvals {
		if _, exists := s.approvals[a.ID]; exists {
			return &workflow.ValidationError{Rule: fmt.Sprintf("approval %s already exists", a.ID)}
		}
	}
	s.insertApprovalsLocked(approvals)
	return nil
}

// GetApproval retrieves an approval by ID.
func (s *Store) GetApproval(ctx context.Context, id string) (workflow.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.approvals[id]
	if !ok {
		return workflow.Approval{}, &workflow.NotFoundError{Kind: "approval", ID: id}
	}
	return a, nil
}

// UpdateApproval applies a conditional update to one approval row. The
// expected status defaults to pending, enforcing at-most-once resolution.
func (s *Store) UpdateApproval(ctx context.Context, id string, upd workflow.ApprovalUpdate) (workflow.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[id]
	if !ok {
		return workflow.Approval{}, &workflow.NotFoundError{Kind: "approval", ID: id}
	}

	expected := workflow.ApprovalPending
	if upd.ExpectedStatus != nil {
		expected = *upd.ExpectedStatus
	}
	if a.Status != expected {
		return workflow.Approval{}, &workflow.StaleUpdateError{Kind: "approval", ID: id}
	}

	if upd.Status != nil {
		a.Status = *upd.Status
	}
	if upd.ApproverID != nil {
		a.ApproverID = *upd.ApproverID
	}
	if upd.Comments != nil {
		a.Comments = *upd.Comments
	}
	if upd.DecidedAt != nil {
		a.DecidedAt = timePtr(*upd.DecidedAt)
	}
	if upd.DelegatedTo != nil {
		a.DelegatedTo = *upd.DelegatedTo
	}
	if upd.DelegatedAt != nil {
		a.DelegatedAt = timePtr(*upd.DelegatedAt)
	}

	s.approvals[id] = a
	return a, nil
}

// ListApprovals returns every approval for an instance in creation order.
func (s *Store) ListApprovals(ctx context.Context, instanceID string) ([]workflow.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byInstance[instanceID]
	result := make([]workflow.Approval, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.approvals[id])
	}
	return result, nil
}

// ListPendingByApprover returns pending approvals assigned to a user.
func (s *Store) ListPendingByApprover(ctx context.Context, approverID string) ([]workflow.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []workflow.Approval
	for _, instID := range s.instanceOrder {
		for _, id := range s.byInstance[instID] {
			a := s.approvals[id]
			if a.ApproverID == approverID && a.Status == workflow.ApprovalPending {
				result = append(result, a)
			}
		}
	}
	return result, nil
}

// ListExpired returns pending approvals whose expiry is at or before the
// cutoff.
func (s *Store) ListExpired(ctx context.Context, cutoff time.Time) ([]workflow.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []workflow.Approval
	for _, instID := range s.instanceOrder {
		for _, id := range s.byInstance[instID] {
			a := s.approvals[id]
			if a.Status == workflow.ApprovalPending && a.ExpiresAt != nil && !a.ExpiresAt.After(cutoff) {
				result = append(result, a)
			}
		}
	}
	return result, nil
}

// ListInstances implements query.InstanceLister: instances matching the
// filter, newest first.
func (s *Store) ListInstances(ctx context.Context, filter query.InstanceFilter) ([]workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.matchLocked(filter)
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return []workflow.Instance{}, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	result := make([]workflow.Instance, 0, len(matched))
	for _, inst := range matched {
		result = append(result, copyInstance(inst))
	}
	return result, nil
}

// CountInstances implements query.InstanceCounter.
func (s *Store) CountInstances(ctx context.Context, filter query.InstanceFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.matchLocked(filter))), nil
}

// QueryByEntity implements query.EntityQuerier.
func (s *Store) QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := []string{}
	for _, id := range s.instanceOrder {
		inst := s.instances[id]
		if inst.EntityType == entityType && inst.EntityID == entityID {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// matchLocked collects instances matching the filter.
// Caller must hold s.mu.
func (s *Store) matchLocked(filter query.InstanceFilter) []workflow.Instance {
	var matched []workflow.Instance
	for _, id := range s.instanceOrder {
		inst := s.instances[id]
		if filter.WorkflowID != "" && inst.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && inst.Status != filter.Status {
			continue
		}
		if filter.EntityType != "" && inst.EntityType != filter.EntityType {
			continue
		}
		if filter.ProjectID != "" && inst.ProjectID != filter.ProjectID {
			continue
		}
		matched = append(matched, inst)
	}
	return matched
}

// insertApprovalsLocked stores approval rows.
// Caller must hold s.mu and have checked for duplicates.
func (s *Store) insertApprovalsLocked(approvals []workflow.Approval) {
	for _, a := range approvals {
		s.approvals[a.ID] = a
		s.byInstance[a.InstanceID] = append(s.byInstance[a.InstanceID], a.ID)
	}
}

// copyInstance returns a deep copy to prevent external modification.
func copyInstance(inst workflow.Instance) workflow.Instance {
	out := inst
	if inst.Context != nil {
		out.Context = make(map[string]string, len(inst.Context))
		for k, v := range inst.Context {
			out.Context[k] = v
		}
	}
	out.Restarts = append([]workflow.RestartRecord(nil), inst.Restarts...)
	out.Escalations = append([]workflow.EscalationRecord(nil), inst.Escalations...)
	return out
}

// copyDefinition returns a deep copy to prevent external modification.
func copyDefinition(def workflow.Definition) workflow.Definition {
	out := def
	out.Steps = make([]workflow.Step, len(def.Steps))
	for i, s := range def.Steps {
		cp := s
		cp.Approvers = append([]string(nil), s.Approvers...)
		cp.EscalationApprovers = append([]string(nil), s.EscalationApprovers...)
		out.Steps[i] = cp
	}
	return out
}

func timePtr(t time.Time) *time.Time {
	return &t
}
