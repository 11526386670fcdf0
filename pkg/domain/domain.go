// Package domain holds the aggregate records the command backbone operates
// on. These are projections of the control plane's authoritative state: the
// guards evaluate predicates over them, and the stores persist them. The
// full workflow/approval state machines live outside this core.
package domain

import (
	"fmt"
	"strings"
)

// ExecutionTier orders how much human oversight a workflow demands.
type ExecutionTier string

const (
	TierAuto         ExecutionTier = "Auto"
	TierAssisted     ExecutionTier = "Assisted"
	TierHumanApprove ExecutionTier = "HumanApprove"
	TierManualOnly   ExecutionTier = "ManualOnly"
)

// Workflow is one stored version of a logical workflow. Multiple versions
// may share a Name; at most one of them may be Active.
type Workflow struct {
	SchemaVersion int           `json:"schemaVersion"`
	WorkflowID    string        `json:"workflowId"`
	WorkspaceID   string        `json:"workspaceId"`
	Name          string        `json:"name"`
	Version       int           `json:"version"`
	Active        bool          `json:"active"`
	ExecutionTier ExecutionTier `json:"executionTier"`
	// Capabilities names the port families the workflow's plan requires;
	// each must resolve to exactly one enabled adapter registration.
	Capabilities []string `json:"capabilities,omitempty"`
}

// RunStatus is the lifecycle of a workflow run as seen by this core.
type RunStatus string

const (
	RunPending   RunStatus = "Pending"
	RunExecuting RunStatus = "Executing"
	RunCompleted RunStatus = "Completed"
	RunFailed    RunStatus = "Failed"
)

// Run is a single execution of a workflow.
type Run struct {
	SchemaVersion     int       `json:"schemaVersion"`
	RunID             string    `json:"runId"`
	WorkspaceID       string    `json:"workspaceId"`
	WorkflowID        string    `json:"workflowId"`
	CorrelationID     string    `json:"correlationId"`
	InitiatedByUserID string    `json:"initiatedByUserId"`
	Status            RunStatus `json:"status"`
	CreatedAtISO      string    `json:"createdAtIso"`
}

// Workspace is a tenant-scoped unit of isolation.
type Workspace struct {
	SchemaVersion int    `json:"schemaVersion"`
	WorkspaceID   string `json:"workspaceId"`
	TenantID      string `json:"tenantId"`
	DisplayName   string `json:"displayName"`
	CreatedAtISO  string `json:"createdAtIso"`
}

// AdapterRegistration binds an external-system adapter to a capability
// (port family) within a workspace.
type AdapterRegistration struct {
	SchemaVersion  int    `json:"schemaVersion"`
	RegistrationID string `json:"registrationId"`
	WorkspaceID    string `json:"workspaceId"`
	Capability     string `json:"capability"`
	AdapterName    string `json:"adapterName"`
	Enabled        bool   `json:"enabled"`
}

// ApprovalDecision is the verdict a human submits on a pending approval.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "Approved"
	DecisionRejected ApprovalDecision = "Rejected"
)

// ApprovalStatus tracks an approval's lifecycle.
type ApprovalStatus string

const (
	ApprovalPending ApprovalStatus = "Pending"
	ApprovalDecided ApprovalStatus = "Decided"
)

// Approval is a pending or decided human approval attached to a run.
type Approval struct {
	SchemaVersion     int              `json:"schemaVersion"`
	ApprovalID        string           `json:"approvalId"`
	WorkspaceID       string           `json:"workspaceId"`
	RunID             string           `json:"runId"`
	RequestedByUserID string           `json:"requestedByUserId"`
	Status            ApprovalStatus   `json:"status"`
	Decision          ApprovalDecision `json:"decision,omitempty"`
	DecidedByUserID   string           `json:"decidedByUserId,omitempty"`
	Rationale         string           `json:"rationale,omitempty"`
	DecidedAtISO      string           `json:"decidedAtIso,omitempty"`
}

// MachineAgent is an automated worker registered into a workspace.
type MachineAgent struct {
	SchemaVersion int      `json:"schemaVersion"`
	AgentID       string   `json:"agentId"`
	WorkspaceID   string   `json:"workspaceId"`
	DisplayName   string   `json:"displayName"`
	Capabilities  []string `json:"capabilities"`
	RegisteredAt  string   `json:"registeredAtIso"`
}

// ValidateWorkflow checks structural invariants of a stored workflow record.
func ValidateWorkflow(w Workflow) error {
	switch {
	case w.SchemaVersion != 1:
		return fmt.Errorf("workflow %s: unsupported schema version %d", w.WorkflowID, w.SchemaVersion)
	case strings.TrimSpace(w.WorkflowID) == "":
		return fmt.Errorf("workflow: empty workflowId")
	case strings.TrimSpace(w.WorkspaceID) == "":
		return fmt.Errorf("workflow %s: empty workspaceId", w.WorkflowID)
	case strings.TrimSpace(w.Name) == "":
		return fmt.Errorf("workflow %s: empty name", w.WorkflowID)
	case w.Version < 1:
		return fmt.Errorf("workflow %s: version must be >= 1", w.WorkflowID)
	}
	switch w.ExecutionTier {
	case TierAuto, TierAssisted, TierHumanApprove, TierManualOnly:
	default:
		return fmt.Errorf("workflow %s: unknown execution tier %q", w.WorkflowID, w.ExecutionTier)
	}
	return nil
}

// ValidateApprovalDecision rejects anything outside the closed decision set.
func ValidateApprovalDecision(d ApprovalDecision) error {
	switch d {
	case DecisionApproved, DecisionRejected:
		return nil
	default:
		return fmt.Errorf("unknown approval decision %q", d)
	}
}
