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

const commandRegisterWorkspace = "RegisterWorkspace"

// RegisterWorkspaceRequest creates a tenant workspace under a caller-chosen
// identifier.
type RegisterWorkspaceRequest struct {
	WorkspaceID string `json:"workspaceId"`
	DisplayName string `json:"displayName"`
	RequestKey  string `json:"requestKey"`
}

type RegisterWorkspaceResult struct {
	WorkspaceID  string `json:"workspaceId"`
	CreatedAtISO string `json:"createdAtIso"`
}

// RegisterWorkspace creates a workspace and the genesis entry of its evidence
// chain. The uniqueness guard runs against a snapshot; the insert's unique
// constraint decides races.
func (s *Service) RegisterWorkspace(ctx context.Context, appCtx app.Context, req RegisterWorkspaceRequest) (*RegisterWorkspaceResult, error) {
	switch {
	case strings.TrimSpace(req.WorkspaceID) == "":
		return nil, app.ValidationFailed("workspaceId is required")
	case strings.TrimSpace(req.DisplayName) == "":
		return nil, app.ValidationFailed("displayName is required")
	case strings.TrimSpace(req.RequestKey) == "":
		return nil, app.ValidationFailed("requestKey is required")
	}

	if err := s.authorize(ctx, appCtx, app.ActionWorkspaceRegister); err != nil {
		return nil, err
	}

	key := idempotency.Key{TenantID: appCtx.TenantID, CommandName: commandRegisterWorkspace, RequestKey: req.RequestKey}
	if cached, err := replay[RegisterWorkspaceResult](ctx, s.deps.Idempotency, key); err != nil || cached != nil {
		return cached, err
	}

	existing, err := s.deps.Workspaces.GetWorkspace(ctx, appCtx.TenantID, req.WorkspaceID)
	if err != nil && app.KindOf(err) != app.KindNotFound {
		return nil, err
	}
	if v := guards.IdentifierUnique(req.WorkspaceID, existing != nil); v != nil {
		return nil, app.Conflict(v.Message)
	}

	now, err := s.nowISO()
	if err != nil {
		return nil, err
	}
	evidenceID, err := s.newID()
	if err != nil {
		return nil, err
	}

	workspace := domain.Workspace{
		SchemaVersion: 1,
		WorkspaceID:   req.WorkspaceID,
		TenantID:      appCtx.TenantID,
		DisplayName:   req.DisplayName,
		CreatedAtISO:  now,
	}

	err = s.deps.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		if err := s.deps.Workspaces.InsertWorkspace(ctx, appCtx.TenantID, workspace); err != nil {
			if errors.Is(err, stores.ErrDuplicate) {
				return app.Conflict(fmt.Sprintf("workspace %s already exists", req.WorkspaceID))
			}
			return app.DependencyFailure(fmt.Sprintf("insert workspace: %v", err))
		}
		if err := s.record(ctx, evidence.Content{
			EvidenceID:    evidenceID,
			WorkspaceID:   req.WorkspaceID,
			CorrelationID: appCtx.CorrelationID,
			OccurredAtISO: now,
			Category:      evidence.CategoryCommand,
			Summary:       fmt.Sprintf("workspace %s registered", req.WorkspaceID),
			Actor:         evidence.Actor{Kind: "User", UserID: appCtx.PrincipalID},
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, appCtx, "workspace.Registered", req.WorkspaceID, now, workspace)
	})
	if err != nil {
		return nil, err
	}

	result := &RegisterWorkspaceResult{WorkspaceID: req.WorkspaceID, CreatedAtISO: now}
	s.remember(ctx, key, result)
	s.deps.Logger.Info("workspace registered",
		"tenant_id", appCtx.TenantID, "workspace_id", req.WorkspaceID)
	return result, nil
}
