package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/45ck/Portarium-sub006/pkg/app"
	"github.com/45ck/Portarium-sub006/pkg/domain"
	"github.com/45ck/Portarium-sub006/pkg/evidence"
	"github.com/45ck/Portarium-sub006/pkg/idempotency"
	"github.com/45ck/Portarium-sub006/pkg/stores"
)

const commandRegisterMachineAgent = "RegisterMachineAgent"

// RegisterMachineAgentRequest enrolls an automated worker into a workspace.
type RegisterMachineAgentRequest struct {
	WorkspaceID  string   `json:"workspaceId"`
	DisplayName  string   `json:"displayName"`
	Capabilities []string `json:"capabilities,omitempty"`
	RequestKey   string   `json:"requestKey"`
}

type RegisterMachineAgentResult struct {
	AgentID         string `json:"agentId"`
	WorkspaceID     string `json:"workspaceId"`
	RegisteredAtISO string `json:"registeredAtIso"`
}

// RegisterMachineAgent creates a machine agent in an existing workspace.
func (s *Service) RegisterMachineAgent(ctx context.Context, appCtx app.Context, req RegisterMachineAgentRequest) (*RegisterMachineAgentResult, error) {
	switch {
	case strings.TrimSpace(req.WorkspaceID) == "":
		return nil, app.ValidationFailed("workspaceId is required")
	case strings.TrimSpace(req.DisplayName) == "":
		return nil, app.ValidationFailed("displayName is required")
	case strings.TrimSpace(req.RequestKey) == "":
		return nil, app.ValidationFailed("requestKey is required")
	}

	if err := s.authorize(ctx, appCtx, app.ActionMachineAgentRegister); err != nil {
		return nil, err
	}

	key := idempotency.Key{TenantID: appCtx.TenantID, CommandName: commandRegisterMachineAgent, RequestKey: req.RequestKey}
	if cached, err := replay[RegisterMachineAgentResult](ctx, s.deps.Idempotency, key); err != nil || cached != nil {
		return cached, err
	}

	if _, err := s.deps.Workspaces.GetWorkspace(ctx, appCtx.TenantID, req.WorkspaceID); err != nil {
		return nil, err
	}

	now, err := s.nowISO()
	if err != nil {
		return nil, err
	}
	agentID, err := s.newID()
	if err != nil {
		return nil, err
	}
	evidenceID, err := s.newID()
	if err != nil {
		return nil, err
	}

	agent := domain.MachineAgent{
		SchemaVersion: 1,
		AgentID:       agentID,
		WorkspaceID:   req.WorkspaceID,
		DisplayName:   req.DisplayName,
		Capabilities:  req.Capabilities,
		RegisteredAt:  now,
	}

	err = s.deps.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		if err := s.deps.Agents.InsertAgent(ctx, appCtx.TenantID, agent); err != nil {
			if errors.Is(err, stores.ErrDuplicate) {
				return app.Conflict(fmt.Sprintf("machine agent %s already exists", agentID))
			}
			return app.DependencyFailure(fmt.Sprintf("insert machine agent: %v", err))
		}
		if err := s.record(ctx, evidence.Content{
			EvidenceID:    evidenceID,
			WorkspaceID:   req.WorkspaceID,
			CorrelationID: appCtx.CorrelationID,
			OccurredAtISO: now,
			Category:      evidence.CategoryCommand,
			Summary:       fmt.Sprintf("machine agent %s registered", agentID),
			Actor:         evidence.Actor{Kind: "User", UserID: appCtx.PrincipalID},
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, appCtx, "machineAgent.Registered", agentID, now, agent)
	})
	if err != nil {
		return nil, err
	}

	result := &RegisterMachineAgentResult{
		AgentID:         agentID,
		WorkspaceID:     req.WorkspaceID,
		RegisteredAtISO: now,
	}
	s.remember(ctx, key, result)
	s.deps.Logger.Info("machine agent registered",
		"tenant_id", appCtx.TenantID, "workspace_id", req.WorkspaceID, "agent_id", agentID)
	return result, nil
}
