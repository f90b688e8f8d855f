// Package pgstore provides a PostgreSQL-based workflow.Store implementation.
//
// Conditional updates are expressed directly in SQL (update ... where the
// expected step/status still holds), so at-most-once decision resolution
// and at-most-once step advancement hold across processes without any
// in-process locking.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orkappm/approvals/query"
	"github.com/orkappm/approvals/workflow"
)

// Store implements workflow.Store with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the store's tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// PutDefinition stores a definition version. Versions are immutable.
func (s *Store) PutDefinition(ctx context.Context, def workflow.Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	steps, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO approval_workflows (id, version, name, description, status, steps)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id, version) DO NOTHING
	`, def.ID, def.Version, def.Name, def.Description, string(def.Status), steps)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &workflow.ValidationError{Rule: fmt.Sprintf("workflow %s version %d already exists", def.ID, def.Version)}
	}
	return nil
}

// GetDefinition retrieves the latest version of a definition.
func (s *Store) GetDefinition(ctx context.Context, id string) (workflow.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, version, name, description, status, steps
		FROM approval_workflows
		WHERE id = $1
		ORDER BY version DESC
		LIMIT 1
	`, id)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Definition{}, &workflow.NotFoundError{Kind: "workflow", ID: id}
	}
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("query definition: %w", err)
	}
	return def, nil
}

// GetDefinitionVersion retrieves a specific definition version.
func (s *Store) GetDefinitionVersion(ctx context.Context, id string, version int) (workflow.Definition, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, version, name, description, status, steps
		FROM approval_workflows
		WHERE id = $1 AND version = $2
	`, id, version)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Definition{}, &workflow.NotFoundError{Kind: "workflow", ID: fmt.Sprintf("%s@v%d", id, version)}
	}
	if err != nil {
		return workflow.Definition{}, fmt.Errorf("query definition version: %w", err)
	}
	return def, nil
}

// CreateInstance persists a new instance and its initial approvals in one
// transaction.
func (s *Store) CreateInstance(ctx context.Context, inst workflow.Instance, approvals []workflow.Approval) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	contextJSON, restarts, escalations, err := marshalInstanceJSON(inst)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO approval_instances (
			id, workflow_id, workflow_version, entity_type, entity_id, project_id,
			initiated_by, current_step, status, context, restarts, escalations,
			escalated, cancelled_by, cancel_reason,
			created_at, started_at, completed_at, cancelled_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, inst.ID, inst.WorkflowID, inst.WorkflowVersion, inst.EntityType, inst.EntityID, inst.ProjectID,
		inst.InitiatedBy, inst.CurrentStep, string(inst.Status), contextJSON, restarts, escalations,
		inst.Escalated, inst.CancelledBy, inst.CancelReason,
		inst.CreatedAt, inst.StartedAt, inst.CompletedAt, inst.CancelledAt)
	if err != nil {
		return fmt.Errorf("insert instance: %w", err)
	}

	if err := insertApprovals(ctx, tx, approvals); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, id string) (workflow.Instance, error) {
	row := s.pool.QueryRow(ctx, selectInstance+` WHERE id = $1`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Instance{}, &workflow.NotFoundError{Kind: "instance", ID: id}
	}
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("query instance: %w", err)
	}
	return inst, nil
}

// UpdateInstance applies a conditional update and its approval side
// effects in one transaction. The expected-step/status preconditions go
// into the WHERE clause; an update that matches no row while the instance
// exists is reported as StaleUpdateError, and none of the side effects
// are applied.
func (s *Store) UpdateInstance(ctx context.Context, id string, upd workflow.InstanceUpdate) (workflow.Instance, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sets := []string{}
	args := []any{id}

	addSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Status != nil {
		addSet("status", string(*upd.Status))
	}
	if upd.CurrentStep != nil {
		addSet("current_step", *upd.CurrentStep)
	}
	if upd.Escalated != nil {
		addSet("escalated", *upd.Escalated)
	}
	if upd.CompletedAt != nil {
		addSet("completed_at", *upd.CompletedAt)
	}
	if upd.CancelledAt != nil {
		addSet("cancelled_at", *upd.CancelledAt)
	}
	if upd.CancelledBy != nil {
		addSet("cancelled_by", *upd.CancelledBy)
	}
	if upd.CancelReason != nil {
		addSet("cancel_reason", *upd.CancelReason)
	}
	if upd.AppendRestart != nil {
		data, err := json.Marshal(*upd.AppendRestart)
		if err != nil {
			return workflow.Instance{}, fmt.Errorf("marshal restart record: %w", err)
		}
		args = append(args, string(data))
		sets = append(sets, fmt.Sprintf("restarts = restarts || $%d::jsonb", len(args)))
	}
	if upd.AppendEscalation != nil {
		data, err := json.Marshal(*upd.AppendEscalation)
		if err != nil {
			return workflow.Instance{}, fmt.Errorf("marshal escalation record: %w", err)
		}
		args = append(args, string(data))
		sets = append(sets, fmt.Sprintf("escalations = escalations || $%d::jsonb", len(args)))
	}
	if len(sets) == 0 {
		// History-only updates always carry a set; guard anyway.
		sets = append(sets, "id = id")
	}

	where := []string{"id = $1"}
	if upd.ExpectedCurrentStep != nil {
		args = append(args, *upd.ExpectedCurrentStep)
		where = append(where, fmt.Sprintf("current_step = $%d", len(args)))
	}
	if upd.ExpectedStatus != nil {
		args = append(args, string(*upd.ExpectedStatus))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}

	sql := fmt.Sprintf(`UPDATE approval_instances SET %s WHERE %s RETURNING %s`,
		strings.Join(sets, ", "), strings.Join(where, " AND "), instanceColumns)
	row := tx.QueryRow(ctx, sql, args...)
	inst, err := scanInstance(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing row from a failed precondition.
		var exists bool
		if qerr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM approval_instances WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return workflow.Instance{}, fmt.Errorf("check instance: %w", qerr)
		}
		if !exists {
			return workflow.Instance{}, &workflow.NotFoundError{Kind: "instance", ID: id}
		}
		return workflow.Instance{}, &workflow.StaleUpdateError{Kind: "instance", ID: id}
	}
	if err != nil {
		return workflow.Instance{}, fmt.Errorf("update instance: %w", err)
	}

	if len(upd.ExpireApprovals) > 0 {
		_, err = tx.Exec(ctx, `
			UPDATE workflow_approvals
			SET status = 'expired', decided_at = NOW()
			WHERE id = ANY($1) AND status = 'pending'
		`, upd.ExpireApprovals)
		if err != nil {
			return workflow.Instance{}, fmt.Errorf("expire approvals: %w", err)
		}
	}
	if err := insertApprovals(ctx, tx, upd.CreateApprovals); err != nil {
		return workflow.Instance{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return workflow.Instance{}, fmt.Errorf("commit: %w", err)
	}
	return inst, nil
}

// CreateApprovals persists new approval rows in one transaction.
func (s *Store) CreateApprovals(ctx context.Context, approvals []workflow.Approval) error {
	if len(approvals) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertApprovals(ctx, tx, approvals); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetApproval retrieves an approval by ID.
func (s *Store) GetApproval(ctx context.Context, id string) (workflow.Approval, error) {
	row := s.pool.QueryRow(ctx, selectApproval+` WHERE id = $1`, id)
	a, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return workflow.Approval{}, &workflow.NotFoundError{Kind: "approval", ID: id}
	}
	if err != nil {
		return workflow.Approval{}, fmt.Errorf("query approval: %w", err)
	}
	return a, nil
}

// UpdateApproval applies a conditional update to one approval row. The
// expected status (pending by default) is part of the WHERE clause, so of
// two racing writers exactly one updates the row.
func (s *Store) UpdateApproval(ctx context.Context, id string, upd workflow.ApprovalUpdate) (workflow.Approval, error) {
	expected := workflow.ApprovalPending
	if upd.ExpectedStatus != nil {
		expected = *upd.ExpectedStatus
	}

	sets := []string{}
	args := []any{id, string(expected)}

	addSet := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Status != nil {
		addSet("status", string(*upd.Status))
	}
	if upd.ApproverID != nil {
		addSet("approver_id", *upd.ApproverID)
	}
	if upd.Comments != nil {
		addSet("comments", *upd.Comments)
	}
	if upd.DecidedAt != nil {
		addSet("decided_at", *upd.DecidedAt)
	}
	if upd.DelegatedTo != nil {
		addSet("delegated_to", *upd.DelegatedTo)
	}
	if upd.DelegatedAt != nil {
		addSet("delegated_at", *upd.DelegatedAt)
	}
	if len(sets) == 0 {
		sets = append(sets, "id = id")
	}

	sql := fmt.Sprintf(`UPDATE workflow_approvals SET %s WHERE id = $1 AND status = $2 RETURNING %s`,
		strings.Join(sets, ", "), approvalColumns)
	row := s.pool.QueryRow(ctx, sql, args...)
	a, err := scanApproval(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow_approvals WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return workflow.Approval{}, fmt.Errorf("check approval: %w", qerr)
		}
		if !exists {
			return workflow.Approval{}, &workflow.NotFoundError{Kind: "approval", ID: id}
		}
		return workflow.Approval{}, &workflow.StaleUpdateError{Kind: "approval", ID: id}
	}
	if err != nil {
		return workflow.Approval{}, fmt.Errorf("update approval: %w", err)
	}
	return a, nil
}

// ListApprovals returns every approval for an instance in creation order.
func (s *Store) ListApprovals(ctx context.Context, instanceID string) ([]workflow.Approval, error) {
	return s.listApprovals(ctx, ` WHERE instance_id = $1 ORDER BY created_at, id`, instanceID)
}

// ListPendingByApprover returns pending approvals assigned to a user.
func (s *Store) ListPendingByApprover(ctx context.Context, approverID string) ([]workflow.Approval, error) {
	return s.listApprovals(ctx, ` WHERE approver_id = $1 AND status = 'pending' ORDER BY created_at, id`, approverID)
}

// ListExpired returns pending approvals whose expiry is at or before the
// cutoff.
func (s *Store) ListExpired(ctx context.Context, cutoff time.Time) ([]workflow.Approval, error) {
	return s.listApprovals(ctx, ` WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at <= $1 ORDER BY expires_at, id`, cutoff)
}

// ListInstances implements query.InstanceLister.
func (s *Store) ListInstances(ctx context.Context, filter query.InstanceFilter) ([]workflow.Instance, error) {
	where, args := filterClauses(filter)
	sql := selectInstance + where + ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query instances: %w", err)
	}
	defer rows.Close()

	instances := []workflow.Instance{}
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate instances: %w", err)
	}
	return instances, nil
}

// CountInstances implements query.InstanceCounter.
func (s *Store) CountInstances(ctx context.Context, filter query.InstanceFilter) (int64, error) {
	where, args := filterClauses(filter)
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM approval_instances`+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count instances: %w", err)
	}
	return count, nil
}

// QueryByEntity implements query.EntityQuerier.
func (s *Store) QueryByEntity(ctx context.Context, entityType, entityID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM approval_instances
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at, id
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query by entity: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return ids, nil
}

func (s *Store) listApprovals(ctx context.Context, where string, args ...any) ([]workflow.Approval, error) {
	rows, err := s.pool.Query(ctx, selectApproval+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	approvals := []workflow.Approval{}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return approvals, nil
}

func filterClauses(filter query.InstanceFilter) (string, []any) {
	where := []string{}
	args := []any{}
	add := func(column string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if filter.WorkflowID != "" {
		add("workflow_id", filter.WorkflowID)
	}
	if filter.Status != "" {
		add("status", string(filter.Status))
	}
	if filter.EntityType != "" {
		add("entity_type", filter.EntityType)
	}
	if filter.ProjectID != "" {
		add("project_id", filter.ProjectID)
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func insertApprovals(ctx context.Context, tx pgx.Tx, approvals []workflow.Approval) error {
	if len(approvals) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, a := range approvals {
		batch.Queue(`
			INSERT INTO workflow_approvals (
				id, instance_id, step_number, step_name, approver_id, status,
				comments, expires_at, decided_at, delegated_to, delegated_at, created_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`, a.ID, a.InstanceID, a.StepNumber, a.StepName, a.ApproverID, string(a.Status),
			a.Comments, a.ExpiresAt, a.DecidedAt, a.DelegatedTo, a.DelegatedAt, a.CreatedAt)
	}
	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for range approvals {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
	}
	return results.Close()
}
