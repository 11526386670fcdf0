// Package commands implements the state-changing operations of the control
// plane. Every handler follows the same shape: validate, authorize, consult
// the idempotency cache, evaluate invariant guards against a snapshot, then
// commit the aggregate write, the evidence append and the outbox enqueue in
// one unit of work. The idempotency cache is populated only after that commit.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/45ck/Portarium-sub006/pkg/app"
	"github.com/45ck/Portarium-sub006/pkg/evidence"
	"github.com/45ck/Portarium-sub006/pkg/events"
	"github.com/45ck/Portarium-sub006/pkg/idempotency"
	"github.com/45ck/Portarium-sub006/pkg/outbox"
	"github.com/45ck/Portarium-sub006/pkg/stores"
	"github.com/45ck/Portarium-sub006/pkg/uow"
)

// EventSource identifies this control plane in outbox envelopes.
const EventSource = "portarium/control-plane"

// Deps wires a Service. Signer may be nil; unsigned evidence entries remain
// chain-valid.
type Deps struct {
	Clock       app.Clock
	IDs         app.IDGenerator
	Authorizer  app.Authorizer
	Idempotency idempotency.Store
	UnitOfWork  uow.UnitOfWork
	Evidence    evidence.Store
	Hasher      evidence.Hasher
	Signer      evidence.Signer
	Outbox      outbox.Store

	Workflows     stores.WorkflowStore
	Runs          stores.RunStore
	Workspaces    stores.WorkspaceStore
	Registrations stores.AdapterRegistrationStore
	Approvals     stores.ApprovalStore
	Agents        stores.MachineAgentStore

	Logger *slog.Logger
}

// Service exposes the command handlers.
type Service struct {
	deps Deps
}

func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Hasher == nil {
		deps.Hasher = evidence.SHA256Hasher{}
	}
	return &Service{deps: deps}
}

// authorize maps the Authorizer port's outcomes onto the error taxonomy.
func (s *Service) authorize(ctx context.Context, appCtx app.Context, action string) error {
	allowed, err := s.deps.Authorizer.IsAllowed(ctx, appCtx, action)
	if err != nil {
		return app.DependencyFailure(fmt.Sprintf("authorizer failed for %s: %v", action, err))
	}
	if !allowed {
		return app.Forbidden(action, fmt.Sprintf("principal %s may not %s", appCtx.PrincipalID, action))
	}
	return nil
}

// nowISO reads the clock and rejects unusable values instead of substituting
// time.Now.
func (s *Service) nowISO() (string, error) {
	now := s.deps.Clock.NowISO()
	if _, err := time.Parse(time.RFC3339, now); err != nil {
		return "", app.DependencyFailure(fmt.Sprintf("clock returned unusable timestamp %q", now))
	}
	return now, nil
}

func (s *Service) newID() (string, error) {
	id := s.deps.IDs.GenerateID()
	if id == "" {
		return "", app.DependencyFailure("id generator returned empty identifier")
	}
	return id, nil
}

// replay returns the cached result for key when one exists. A hit means a
// previous execution committed; the caller returns the decoded result without
// re-executing anything.
func replay[T any](ctx context.Context, store idempotency.Store, key idempotency.Key) (*T, error) {
	cached, ok, err := store.Get(ctx, key)
	if err != nil {
		return nil, app.DependencyFailure(fmt.Sprintf("idempotency lookup: %v", err))
	}
	if !ok {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(cached, &out); err != nil {
		return nil, app.DependencyFailure(fmt.Sprintf("corrupt cached result for %s/%s: %v", key.CommandName, key.RequestKey, err))
	}
	return &out, nil
}

// remember caches result under key after a successful commit. A cache write
// failure is logged, not surfaced: the command already succeeded and storage
// uniqueness still protects replays.
func (s *Service) remember(ctx context.Context, key idempotency.Key, result interface{}) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.deps.Logger.Warn("idempotency: marshal result", "command", key.CommandName, "error", err)
		return
	}
	if err := s.deps.Idempotency.Set(ctx, key, raw); err != nil {
		s.deps.Logger.Warn("idempotency: cache result", "command", key.CommandName, "error", err)
	}
}

// record appends one evidence entry to the workspace chain inside the ambient
// unit of work, signing it when a signer is configured.
func (s *Service) record(ctx context.Context, content evidence.Content) error {
	tail, err := s.deps.Evidence.Tail(ctx, content.WorkspaceID)
	if err != nil {
		return app.DependencyFailure(fmt.Sprintf("evidence tail for %s: %v", content.WorkspaceID, err))
	}
	entry, err := evidence.Append(tail, content, s.deps.Hasher)
	if err != nil {
		return app.DependencyFailure(err.Error())
	}
	if s.deps.Signer != nil {
		if entry, err = evidence.Sign(entry, s.deps.Signer); err != nil {
			return app.DependencyFailure(err.Error())
		}
	}
	if err := s.deps.Evidence.Append(ctx, entry); err != nil {
		if errors.Is(err, evidence.ErrConcurrentAppend) {
			return app.Conflict(fmt.Sprintf("concurrent evidence append on workspace %s, retry the command", content.WorkspaceID))
		}
		return app.DependencyFailure(fmt.Sprintf("evidence append for %s: %v", content.WorkspaceID, err))
	}
	return nil
}

// enqueue stages one integration event in the outbox inside the ambient unit
// of work.
func (s *Service) enqueue(ctx context.Context, appCtx app.Context, eventType, subject, occurredAtISO string, data interface{}) error {
	eventID, err := s.newID()
	if err != nil {
		return err
	}
	ev, err := events.New(events.Params{
		EventID:       eventID,
		Source:        EventSource,
		EventType:     eventType,
		TenantID:      appCtx.TenantID,
		CorrelationID: appCtx.CorrelationID,
		Subject:       subject,
		OccurredAtISO: occurredAtISO,
		Data:          data,
	})
	if err != nil {
		return app.DependencyFailure(fmt.Sprintf("build event %s: %v", eventType, err))
	}
	if _, err := s.deps.Outbox.Enqueue(ctx, ev); err != nil {
		return app.DependencyFailure(fmt.Sprintf("enqueue event %s: %v", eventType, err))
	}
	return nil
}
