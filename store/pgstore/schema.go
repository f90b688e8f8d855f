package pgstore

// Schema is the DDL for the store's tables. Applied by Migrate; kept as a
// constant so deployments with their own migration tooling can embed it.
const Schema = `
CREATE TABLE IF NOT EXISTS approval_workflows (
	id          TEXT NOT NULL,
	version     INTEGER NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	steps       JSONB NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS approval_instances (
	id               TEXT PRIMARY KEY,
	workflow_id      TEXT NOT NULL,
	workflow_version INTEGER NOT NULL,
	entity_type      TEXT NOT NULL,
	entity_id        TEXT NOT NULL,
	project_id       TEXT NOT NULL DEFAULT '',
	initiated_by     TEXT NOT NULL,
	current_step     INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL,
	context          JSONB NOT NULL DEFAULT '{}',
	restarts         JSONB NOT NULL DEFAULT '[]',
	escalations      JSONB NOT NULL DEFAULT '[]',
	escalated        BOOLEAN NOT NULL DEFAULT FALSE,
	cancelled_by     TEXT NOT NULL DEFAULT '',
	cancel_reason    TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	cancelled_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_approval_instances_workflow
	ON approval_instances (workflow_id, status);
CREATE INDEX IF NOT EXISTS idx_approval_instances_entity
	ON approval_instances (entity_type, entity_id);

CREATE TABLE IF NOT EXISTS workflow_approvals (
	id           TEXT PRIMARY KEY,
	instance_id  TEXT NOT NULL REFERENCES approval_instances (id),
	step_number  INTEGER NOT NULL,
	step_name    TEXT NOT NULL,
	approver_id  TEXT NOT NULL,
	status       TEXT NOT NULL,
	comments     TEXT NOT NULL DEFAULT '',
	expires_at   TIMESTAMPTZ,
	decided_at   TIMESTAMPTZ,
	delegated_to TEXT NOT NULL DEFAULT '',
	delegated_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflow_approvals_instance
	ON workflow_approvals (instance_id, step_number);
CREATE INDEX IF NOT EXISTS idx_workflow_approvals_approver
	ON workflow_approvals (approver_id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_workflow_approvals_expiry
	ON workflow_approvals (expires_at) WHERE status = 'pending';
`
