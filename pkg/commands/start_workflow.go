package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/45ck/Portarium-sub006/pkg/app"
	"github.com/45ck/Portarium-sub006/pkg/domain"
	"github.com/45ck/Portarium-sub006/pkg/evidence"
	"github.com/45ck/Portarium-sub006/pkg/guards"
	"github.com/45ck/Portarium-sub006/pkg/idempotency"
	"github.com/45ck/Portarium-sub006/pkg/stores"
)

const commandStartWorkflow = "StartWorkflow"

// StartWorkflowRequest asks for a new run of an active workflow version.
// RequestKey is the caller's idempotency key.
type StartWorkflowRequest struct {
	WorkspaceID string `json:"workspaceId"`
	WorkflowID  string `json:"workflowId"`
	RequestKey  string `json:"requestKey"`
}

// StartWorkflowResult is returned identically for the first execution and
// every replay of the same request key.
type StartWorkflowResult struct {
	RunID        string           `json:"runId"`
	WorkflowID   string           `json:"workflowId"`
	Status       domain.RunStatus `json:"status"`
	CreatedAtISO string           `json:"createdAtIso"`
}

// StartWorkflow creates a Pending run after checking that the targeted
// workflow version is the single active one and that every capability it
// requires resolves to exactly one enabled adapter.
func (s *Service) StartWorkflow(ctx context.Context, appCtx app.Context, req StartWorkflowRequest) (*StartWorkflowResult, error) {
	switch {
	case strings.TrimSpace(req.WorkspaceID) == "":
		return nil, app.ValidationFailed("workspaceId is required")
	case strings.TrimSpace(req.WorkflowID) == "":
		return nil, app.ValidationFailed("workflowId is required")
	case strings.TrimSpace(req.RequestKey) == "":
		return nil, app.ValidationFailed("requestKey is required")
	}

	if err := s.authorize(ctx, appCtx, app.ActionRunStart); err != nil {
		return nil, err
	}

	key := idempotency.Key{TenantID: appCtx.TenantID, CommandName: commandStartWorkflow, RequestKey: req.RequestKey}
	if cached, err := replay[StartWorkflowResult](ctx, s.deps.Idempotency, key); err != nil || cached != nil {
		return cached, err
	}

	workflow, err := s.deps.Workflows.GetWorkflow(ctx, appCtx.TenantID, req.WorkspaceID, req.WorkflowID)
	if err != nil {
		return nil, err
	}

	versions, err := s.deps.Workflows.ListWorkflowVersions(ctx, appCtx.TenantID, req.WorkspaceID, workflow.Name)
	if err != nil {
		return nil, app.DependencyFailure(fmt.Sprintf("list workflow versions: %v", err))
	}
	variants := make([]guards.WorkflowVariant, 0, len(versions))
	for _, v := range versions {
		variants = append(variants, guards.WorkflowVariant{WorkflowID: v.WorkflowID, Active: v.Active})
	}
	if v := guards.SingleActiveVersion(req.WorkflowID, variants); v != nil {
		return nil, app.Conflict(v.Message)
	}

	registrations, err := s.deps.Registrations.ListRegistrations(ctx, appCtx.TenantID, req.WorkspaceID)
	if err != nil {
		return nil, app.DependencyFailure(fmt.Sprintf("list adapter registrations: %v", err))
	}
	snapshot := make([]guards.AdapterRegistration, 0, len(registrations))
	for _, r := range registrations {
		snapshot = append(snapshot, guards.AdapterRegistration{
			RegistrationID: r.RegistrationID,
			Capability:     r.Capability,
			Enabled:        r.Enabled,
		})
	}
	if v := guards.SingleActiveAdapterPerCapability(workflow.Capabilities, snapshot); v != nil {
		return nil, app.Conflict(v.Message)
	}

	now, err := s.nowISO()
	if err != nil {
		return nil, err
	}
	runID, err := s.newID()
	if err != nil {
		return nil, err
	}
	evidenceID, err := s.newID()
	if err != nil {
		return nil, err
	}

	existingRun, err := s.deps.Runs.GetRun(ctx, appCtx.TenantID, runID)
	if err != nil && app.KindOf(err) != app.KindNotFound {
		return nil, err
	}
	if v := guards.IdentifierUnique(runID, existingRun != nil); v != nil {
		return nil, app.Conflict(v.Message)
	}

	run := domain.Run{
		SchemaVersion:     1,
		RunID:             runID,
		WorkspaceID:       req.WorkspaceID,
		WorkflowID:        req.WorkflowID,
		CorrelationID:     appCtx.CorrelationID,
		InitiatedByUserID: appCtx.PrincipalID,
		Status:            domain.RunPending,
		CreatedAtISO:      now,
	}

	err = s.deps.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		if err := s.deps.Runs.InsertRun(ctx, appCtx.TenantID, run); err != nil {
			if errors.Is(err, stores.ErrDuplicate) {
				return app.Conflict(fmt.Sprintf("run %s already exists", runID))
			}
			return app.DependencyFailure(fmt.Sprintf("insert run: %v", err))
		}
		if err := s.record(ctx, evidence.Content{
			EvidenceID:    evidenceID,
			WorkspaceID:   req.WorkspaceID,
			CorrelationID: appCtx.CorrelationID,
			OccurredAtISO: now,
			Category:      evidence.CategoryCommand,
			Summary:       fmt.Sprintf("run %s started for workflow %s", runID, req.WorkflowID),
			Actor:         evidence.Actor{Kind: "User", UserID: appCtx.PrincipalID},
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, appCtx, "run.Started", runID, now, run)
	})
	if err != nil {
		return nil, err
	}

	result := &StartWorkflowResult{
		RunID:        runID,
		WorkflowID:   req.WorkflowID,
		Status:       domain.RunPending,
		CreatedAtISO: now,
	}
	s.remember(ctx, key, result)
	s.deps.Logger.Info("workflow run started",
		"tenant_id", appCtx.TenantID, "workspace_id", req.WorkspaceID,
		"workflow_id", req.WorkflowID, "run_id", runID)
	return result, nil
}
