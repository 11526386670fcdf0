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

const commandSubmitApproval = "SubmitApproval"

// SubmitApprovalRequest records a human verdict on a pending approval.
type SubmitApprovalRequest struct {
	ApprovalID string                  `json:"approvalId"`
	Decision   domain.ApprovalDecision `json:"decision"`
	Rationale  string                  `json:"rationale,omitempty"`
	RequestKey string                  `json:"requestKey"`
}

type SubmitApprovalResult struct {
	ApprovalID   string                  `json:"approvalId"`
	Status       domain.ApprovalStatus   `json:"status"`
	Decision     domain.ApprovalDecision `json:"decision"`
	DecidedAtISO string                  `json:"decidedAtIso"`
}

// SubmitApproval transitions a Pending approval to Decided. Deciding an
// already decided approval is a Conflict; replaying the same request key
// returns the original result instead.
func (s *Service) SubmitApproval(ctx context.Context, appCtx app.Context, req SubmitApprovalRequest) (*SubmitApprovalResult, error) {
	switch {
	case strings.TrimSpace(req.ApprovalID) == "":
		return nil, app.ValidationFailed("approvalId is required")
	case strings.TrimSpace(req.RequestKey) == "":
		return nil, app.ValidationFailed("requestKey is required")
	}
	if err := domain.ValidateApprovalDecision(req.Decision); err != nil {
		return nil, app.ValidationFailed(err.Error())
	}

	if err := s.authorize(ctx, appCtx, app.ActionApprovalSubmit); err != nil {
		return nil, err
	}

	key := idempotency.Key{TenantID: appCtx.TenantID, CommandName: commandSubmitApproval, RequestKey: req.RequestKey}
	if cached, err := replay[SubmitApprovalResult](ctx, s.deps.Idempotency, key); err != nil || cached != nil {
		return cached, err
	}

	approval, err := s.deps.Approvals.GetApproval(ctx, appCtx.TenantID, req.ApprovalID)
	if err != nil {
		return nil, err
	}
	if approval.Status != domain.ApprovalPending {
		return nil, app.Conflict(fmt.Sprintf("approval %s is already decided", req.ApprovalID))
	}

	now, err := s.nowISO()
	if err != nil {
		return nil, err
	}
	evidenceID, err := s.newID()
	if err != nil {
		return nil, err
	}

	decided := *approval
	decided.Status = domain.ApprovalDecided
	decided.Decision = req.Decision
	decided.DecidedByUserID = appCtx.PrincipalID
	decided.Rationale = req.Rationale
	decided.DecidedAtISO = now

	err = s.deps.UnitOfWork.Execute(ctx, func(ctx context.Context) error {
		// The Pending check above ran on a snapshot; the conditional transition
		// here is the authority when two deciders race.
		if err := s.deps.Approvals.DecideApproval(ctx, appCtx.TenantID, decided); err != nil {
			if errors.Is(err, stores.ErrAlreadyDecided) {
				return app.Conflict(fmt.Sprintf("approval %s is already decided", req.ApprovalID))
			}
			var appErr *app.Error
			if errors.As(err, &appErr) {
				return err
			}
			return app.DependencyFailure(fmt.Sprintf("decide approval: %v", err))
		}
		if err := s.record(ctx, evidence.Content{
			EvidenceID:    evidenceID,
			WorkspaceID:   approval.WorkspaceID,
			CorrelationID: appCtx.CorrelationID,
			OccurredAtISO: now,
			Category:      evidence.CategoryApproval,
			Summary:       fmt.Sprintf("approval %s decided %s for run %s", req.ApprovalID, req.Decision, approval.RunID),
			Actor:         evidence.Actor{Kind: "User", UserID: appCtx.PrincipalID},
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, appCtx, "approval.Decided", req.ApprovalID, now, decided)
	})
	if err != nil {
		return nil, err
	}

	result := &SubmitApprovalResult{
		ApprovalID:   req.ApprovalID,
		Status:       domain.ApprovalDecided,
		Decision:     req.Decision,
		DecidedAtISO: now,
	}
	s.remember(ctx, key, result)
	s.deps.Logger.Info("approval decided",
		"tenant_id", appCtx.TenantID, "approval_id", req.ApprovalID, "decision", string(req.Decision))
	return result, nil
}
