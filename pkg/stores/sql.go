package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/45ck/Portarium-sub006/pkg/app"
	"github.com/45ck/Portarium-sub006/pkg/domain"
	"github.com/45ck/Portarium-sub006/pkg/uow"
)

// SQLStore persists aggregates as canonical JSON documents keyed by tenant
// and identifier, with the columns the guard queries need lifted out. The
// statements stick to $N placeholders and ON CONFLICT, which both lib/pq and
// modernc sqlite accept, so one store serves the Postgres deployment and the
// embedded single-node one.
//
// All writes go through uow.QuerierFor: inside a unit of work they land in
// the ambient transaction together with the evidence append and the outbox
// enqueue.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const sqlSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	tenant_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	name TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, workflow_id)
);
CREATE TABLE IF NOT EXISTS runs (
	tenant_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, run_id)
);
CREATE TABLE IF NOT EXISTS workspaces (
	tenant_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, workspace_id)
);
CREATE TABLE IF NOT EXISTS adapter_registrations (
	tenant_id TEXT NOT NULL,
	registration_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, registration_id)
);
CREATE TABLE IF NOT EXISTS approvals (
	tenant_id TEXT NOT NULL,
	approval_id TEXT NOT NULL,
	status TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, approval_id)
);
CREATE TABLE IF NOT EXISTS machine_agents (
	tenant_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	doc TEXT NOT NULL,
	PRIMARY KEY (tenant_id, agent_id)
);
`

// Init creates the backing tables.
func (s *SQLStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqlSchema)
	return err
}

func (s *SQLStore) GetWorkflow(ctx context.Context, tenantID, workspaceID, workflowID string) (*domain.Workflow, error) {
	row := uow.QuerierFor(ctx, s.db).QueryRowContext(ctx,
		`SELECT doc FROM workflows WHERE tenant_id = $1 AND workflow_id = $2 AND workspace_id = $3`,
		tenantID, workflowID, workspaceID)
	return scanDoc[domain.Workflow](row, "workflow", fmt.Sprintf("workflow %s not found", workflowID))
}

func (s *SQLStore) ListWorkflowVersions(ctx context.Context, tenantID, workspaceID, name string) ([]domain.Workflow, error) {
	rows, err := uow.QuerierFor(ctx, s.db).QueryContext(ctx,
		`SELECT doc FROM workflows WHERE tenant_id = $1 AND workspace_id = $2 AND name = $3`,
		tenantID, workspaceID, name)
	if err != nil {
		return nil, fmt.Errorf("stores: list workflow versions: %w", err)
	}
	return scanDocs[domain.Workflow](rows)
}

func (s *SQLStore) SaveWorkflow(ctx context.Context, tenantID string, workflow domain.Workflow) error {
	doc, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("stores: marshal workflow %s: %w", workflow.WorkflowID, err)
	}
	_, err = uow.QuerierFor(ctx, s.db).ExecContext(ctx,
		`INSERT INTO workflows (tenant_id, workflow_id, workspace_id, name, doc)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, workflow_id) DO UPDATE SET workspace_id = $3, name = $4, doc = $5`,
		tenantID, workflow.WorkflowID, workflow.WorkspaceID, workflow.Name, doc)
	if err != nil {
		return fmt.Errorf("stores: save workflow %s: %w", workflow.WorkflowID, err)
	}
	return nil
}

func (s *SQLStore) GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error) {
	row := uow.QuerierFor(ctx, s.db).QueryRowContext(ctx,
		`SELECT doc FROM runs WHERE tenant_id = $1 AND run_id = $2`, tenantID, runID)
	return scanDoc[domain.Run](row, "run", fmt.Sprintf("run %s not found", runID))
}

func (s *SQLStore) InsertRun(ctx context.Context, tenantID string, run domain.Run) error {
	return s.insertOnly(ctx, "runs", "run_id", tenantID, run.RunID, run)
}

func (s *SQLStore) GetWorkspace(ctx context.Context, tenantID, workspaceID string) (*domain.Workspace, error) {
	row := uow.QuerierFor(ctx, s.db).QueryRowContext(ctx,
		`SELECT doc FROM workspaces WHERE tenant_id = $1 AND workspace_id = $2`, tenantID, workspaceID)
	return scanDoc[domain.Workspace](row, "workspace", fmt.Sprintf("workspace %s not found", workspaceID))
}

func (s *SQLStore) InsertWorkspace(ctx context.Context, tenantID string, workspace domain.Workspace) error {
	return s.insertOnly(ctx, "workspaces", "workspace_id", tenantID, workspace.WorkspaceID, workspace)
}

func (s *SQLStore) ListRegistrations(ctx context.Context, tenantID, workspaceID string) ([]domain.AdapterRegistration, error) {
	rows, err := uow.QuerierFor(ctx, s.db).QueryContext(ctx,
		`SELECT doc FROM adapter_registrations WHERE tenant_id = $1 AND workspace_id = $2`,
		tenantID, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("stores: list registrations: %w", err)
	}
	return scanDocs[domain.AdapterRegistration](rows)
}

func (s *SQLStore) SaveRegistration(ctx context.Context, tenantID string, registration domain.AdapterRegistration) error {
	doc, err := json.Marshal(registration)
	if err != nil {
		return fmt.Errorf("stores: marshal registration %s: %w", registration.RegistrationID, err)
	}
	_, err = uow.QuerierFor(ctx, s.db).ExecContext(ctx,
		`INSERT INTO adapter_registrations (tenant_id, registration_id, workspace_id, doc)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, registration_id) DO UPDATE SET workspace_id = $3, doc = $4`,
		tenantID, registration.RegistrationID, registration.WorkspaceID, doc)
	if err != nil {
		return fmt.Errorf("stores: save registration %s: %w", registration.RegistrationID, err)
	}
	return nil
}

func (s *SQLStore) GetApproval(ctx context.Context, tenantID, approvalID string) (*domain.Approval, error) {
	row := uow.QuerierFor(ctx, s.db).QueryRowContext(ctx,
		`SELECT doc FROM approvals WHERE tenant_id = $1 AND approval_id = $2`, tenantID, approvalID)
	return scanDoc[domain.Approval](row, "approval", fmt.Sprintf("approval %s not found", approvalID))
}

func (s *SQLStore) SaveApproval(ctx context.Context, tenantID string, approval domain.Approval) error {
	doc, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("stores: marshal approval %s: %w", approval.ApprovalID, err)
	}
	_, err = uow.QuerierFor(ctx, s.db).ExecContext(ctx,
		`INSERT INTO approvals (tenant_id, approval_id, status, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, approval_id) DO UPDATE SET status = $3, doc = $4`,
		tenantID, approval.ApprovalID, string(approval.Status), doc)
	if err != nil {
		return fmt.Errorf("stores: save approval %s: %w", approval.ApprovalID, err)
	}
	return nil
}

// DecideApproval commits the decided snapshot only while the stored row is
// still Pending. Zero affected rows means another decider won (or the row is
// gone); the follow-up read distinguishes the two.
func (s *SQLStore) DecideApproval(ctx context.Context, tenantID string, approval domain.Approval) error {
	doc, err := json.Marshal(approval)
	if err != nil {
		return fmt.Errorf("stores: marshal approval %s: %w", approval.ApprovalID, err)
	}
	res, err := uow.QuerierFor(ctx, s.db).ExecContext(ctx,
		`UPDATE approvals SET status = $3, doc = $4
		 WHERE tenant_id = $1 AND approval_id = $2 AND status = $5`,
		tenantID, approval.ApprovalID, string(approval.Status), doc, string(domain.ApprovalPending))
	if err != nil {
		return fmt.Errorf("stores: decide approval %s: %w", approval.ApprovalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stores: rows affected for approval %s: %w", approval.ApprovalID, err)
	}
	if n == 0 {
		if _, err := s.GetApproval(ctx, tenantID, approval.ApprovalID); err != nil {
			return err
		}
		return ErrAlreadyDecided
	}
	return nil
}

func (s *SQLStore) GetAgent(ctx context.Context, tenantID, agentID string) (*domain.MachineAgent, error) {
	row := uow.QuerierFor(ctx, s.db).QueryRowContext(ctx,
		`SELECT doc FROM machine_agents WHERE tenant_id = $1 AND agent_id = $2`, tenantID, agentID)
	return scanDoc[domain.MachineAgent](row, "machineAgent", fmt.Sprintf("machine agent %s not found", agentID))
}

func (s *SQLStore) InsertAgent(ctx context.Context, tenantID string, agent domain.MachineAgent) error {
	return s.insertOnly(ctx, "machine_agents", "agent_id", tenantID, agent.AgentID, agent)
}

// insertOnly inserts a document, reporting ErrDuplicate when the identifier
// already exists. ON CONFLICT DO NOTHING plus the affected-row count keeps
// duplicate detection driver neutral.
func (s *SQLStore) insertOnly(ctx context.Context, table, idColumn, tenantID, id string, doc interface{}) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("stores: marshal %s %s: %w", table, id, err)
	}
	res, err := uow.QuerierFor(ctx, s.db).ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (tenant_id, %s, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, %s) DO NOTHING`, table, idColumn, idColumn),
		tenantID, id, raw)
	if err != nil {
		return fmt.Errorf("stores: insert %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("stores: rows affected for %s %s: %w", table, id, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func scanDoc[T any](row *sql.Row, resource, notFound string) (*T, error) {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == sql.ErrNoRows {
			return nil, app.NotFound(resource, notFound)
		}
		return nil, fmt.Errorf("stores: scan: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("stores: corrupt document: %w", err)
	}
	return &out, nil
}

func scanDocs[T any](rows *sql.Rows) ([]T, error) {
	defer func() { _ = rows.Close() }()
	var out []T
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("stores: scan: %w", err)
		}
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("stores: corrupt document: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stores: rows: %w", err)
	}
	return out, nil
}
