// Package stores provides the aggregate store ports the command backbone
// reads snapshots from and writes through. Reads build invariant-guard
// snapshots; writes run inside the unit of work. Inserts enforce identifier
// uniqueness at the storage layer — the authority when two concurrent
// commands race past the guard.
package stores

import (
	"context"
	"errors"

	"github.com/45ck/Portarium-sub006/pkg/domain"
)

// ErrDuplicate is returned by insert operations when the identifier already
// exists. Handlers surface it as a Conflict.
var ErrDuplicate = errors.New("identifier already exists")

// ErrAlreadyDecided is returned by DecideApproval when the approval left the
// Pending state before this transition committed. Handlers surface it as a
// Conflict; the stored decision stays untouched.
var ErrAlreadyDecided = errors.New("approval already decided")

// WorkflowStore reads workflow definitions.
type WorkflowStore interface {
	GetWorkflow(ctx context.Context, tenantID, workspaceID, workflowID string) (*domain.Workflow, error)
	// ListWorkflowVersions returns every stored variant sharing the given
	// logical name, for the single-active-version guard.
	ListWorkflowVersions(ctx context.Context, tenantID, workspaceID, name string) ([]domain.Workflow, error)
	SaveWorkflow(ctx context.Context, tenantID string, workflow domain.Workflow) error
}

// RunStore persists workflow runs. InsertRun is insert-only.
type RunStore interface {
	GetRun(ctx context.Context, tenantID, runID string) (*domain.Run, error)
	InsertRun(ctx context.Context, tenantID string, run domain.Run) error
}

// WorkspaceStore persists workspaces. InsertWorkspace is insert-only.
type WorkspaceStore interface {
	GetWorkspace(ctx context.Context, tenantID, workspaceID string) (*domain.Workspace, error)
	InsertWorkspace(ctx context.Context, tenantID string, workspace domain.Workspace) error
}

// AdapterRegistrationStore reads adapter registrations for the
// capability guard.
type AdapterRegistrationStore interface {
	ListRegistrations(ctx context.Context, tenantID, workspaceID string) ([]domain.AdapterRegistration, error)
	SaveRegistration(ctx context.Context, tenantID string, registration domain.AdapterRegistration) error
}

// ApprovalStore persists approvals. DecideApproval is the only way to leave
// the Pending state: it commits the given decided snapshot iff the stored
// approval is still Pending, so concurrent deciders cannot both win.
type ApprovalStore interface {
	GetApproval(ctx context.Context, tenantID, approvalID string) (*domain.Approval, error)
	SaveApproval(ctx context.Context, tenantID string, approval domain.Approval) error
	DecideApproval(ctx context.Context, tenantID string, approval domain.Approval) error
}

// MachineAgentStore persists machine agents. InsertAgent is insert-only.
type MachineAgentStore interface {
	GetAgent(ctx context.Context, tenantID, agentID string) (*domain.MachineAgent, error)
	InsertAgent(ctx context.Context, tenantID string, agent domain.MachineAgent) error
}
