package commands

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/45ck/Portarium-sub006/pkg/app"
	"github.com/45ck/Portarium-sub006/pkg/auth"
	"github.com/45ck/Portarium-sub006/pkg/domain"
	"github.com/45ck/Portarium-sub006/pkg/evidence"
	"github.com/45ck/Portarium-sub006/pkg/events"
	"github.com/45ck/Portarium-sub006/pkg/idempotency"
	"github.com/45ck/Portarium-sub006/pkg/outbox"
	"github.com/45ck/Portarium-sub006/pkg/stores"
	"github.com/45ck/Portarium-sub006/pkg/uow"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) NowISO() string {
	return c.now.Format("2006-01-02T15:04:05.000Z07:00")
}

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type badClock struct{}

func (badClock) NowISO() string { return "not-a-timestamp" }

// seqIDs hands out deterministic identifiers so tests can assert on them.
type seqIDs struct{ n int }

func (g *seqIDs) GenerateID() string {
	g.n++
	return fmt.Sprintf("id-%06d", g.n)
}

type denyAll struct{}

func (denyAll) IsAllowed(context.Context, app.Context, string) (bool, error) {
	return false, nil
}

type fixture struct {
	service  *Service
	stores   *stores.Memory
	evidence *evidence.MemoryStore
	outbox   *outbox.MemoryStore
	idem     *idempotency.MemoryStore
	clock    *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		stores:   stores.NewMemory(),
		evidence: evidence.NewMemoryStore(),
		outbox:   outbox.NewMemoryStore(),
		idem:     idempotency.NewMemoryStore(),
		clock:    newFakeClock(),
	}
	f.service = NewService(Deps{
		Clock:         f.clock,
		IDs:           &seqIDs{},
		Authorizer:    auth.AllowAll{},
		Idempotency:   f.idem,
		UnitOfWork:    uow.NewMemory(f.stores, f.evidence, f.outbox),
		Evidence:      f.evidence,
		Hasher:        evidence.SHA256Hasher{},
		Outbox:        f.outbox,
		Workflows:     f.stores,
		Runs:          f.stores,
		Workspaces:    f.stores,
		Registrations: f.stores,
		Approvals:     f.stores,
		Agents:        f.stores,
	})
	return f
}

var testCtx = app.Context{TenantID: "t-1", PrincipalID: "user-1", CorrelationID: "corr-1"}

func (f *fixture) seedWorkspace(t *testing.T, workspaceID string) {
	t.Helper()
	require.NoError(t, f.stores.InsertWorkspace(context.Background(), testCtx.TenantID, domain.Workspace{
		SchemaVersion: 1, WorkspaceID: workspaceID, TenantID: testCtx.TenantID, DisplayName: workspaceID,
	}))
}

func (f *fixture) seedWorkflow(t *testing.T, w domain.Workflow) {
	t.Helper()
	require.NoError(t, f.stores.SaveWorkflow(context.Background(), testCtx.TenantID, w))
}

func (f *fixture) seedRegistration(t *testing.T, r domain.AdapterRegistration) {
	t.Helper()
	require.NoError(t, f.stores.SaveRegistration(context.Background(), testCtx.TenantID, r))
}

func activeWorkflow(capabilities ...string) domain.Workflow {
	return domain.Workflow{
		SchemaVersion: 1, WorkflowID: "wf-1", WorkspaceID: "ws-1", Name: "deploy",
		Version: 1, Active: true, ExecutionTier: domain.TierAuto, Capabilities: capabilities,
	}
}

func TestStartWorkflowHappyPath(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	f.seedWorkflow(t, activeWorkflow())

	res, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.RunPending, res.Status)
	assert.NotEmpty(t, res.RunID)

	run, err := f.stores.GetRun(context.Background(), "t-1", res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", run.InitiatedByUserID)
	assert.Equal(t, "corr-1", run.CorrelationID)

	chain, err := f.evidence.List(context.Background(), "ws-1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.Equal(t, evidence.CategoryCommand, chain[0].Category)
	assert.Empty(t, chain[0].PreviousHash)

	pending := f.outbox.All()
	require.Len(t, pending, 1)
	assert.Equal(t, "com.portarium.run.Started", pending[0].Event.Type)
	assert.Equal(t, "t-1", pending[0].Event.TenantID)
	assert.Equal(t, "corr-1", pending[0].Event.CorrelationID)
}

func TestStartWorkflowReplayReturnsOriginalResult(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	f.seedWorkflow(t, activeWorkflow())
	req := StartWorkflowRequest{WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1"}

	first, err := f.service.StartWorkflow(context.Background(), testCtx, req)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	for i := 0; i < 3; i++ {
		replayed, err := f.service.StartWorkflow(context.Background(), testCtx, req)
		require.NoError(t, err)
		assert.Equal(t, first, replayed)
	}

	// One run, one evidence entry, one outbox entry: side effects happened once.
	chain, err := f.evidence.List(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Len(t, chain, 1)
	assert.Len(t, f.outbox.All(), 1)
}

func TestStartWorkflowDifferentKeysStartDistinctRuns(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	f.seedWorkflow(t, activeWorkflow())

	a, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1"})
	require.NoError(t, err)
	b, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k2"})
	require.NoError(t, err)
	assert.NotEqual(t, a.RunID, b.RunID)
}

func TestStartWorkflowValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{WorkflowID: "wf-1", RequestKey: "k1"})
	assert.Equal(t, app.KindValidationFailed, app.KindOf(err))

	_, err = f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{WorkspaceID: "ws-1", WorkflowID: "wf-1"})
	assert.Equal(t, app.KindValidationFailed, app.KindOf(err))
}

func TestStartWorkflowForbidden(t *testing.T) {
	f := newFixture(t)
	f.service.deps.Authorizer = denyAll{}

	_, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1",
	})
	assert.Equal(t, app.KindForbidden, app.KindOf(err))
}

func TestStartWorkflowUnknownWorkflowNotFound(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")

	_, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-missing", RequestKey: "k1",
	})
	assert.Equal(t, app.KindNotFound, app.KindOf(err))
}

func TestStartWorkflowInactiveVersionConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	w := activeWorkflow()
	w.Active = false
	f.seedWorkflow(t, w)

	_, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1",
	})
	assert.Equal(t, app.KindConflict, app.KindOf(err))
}

func TestStartWorkflowMultipleActiveVersionsConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	f.seedWorkflow(t, activeWorkflow())
	v2 := activeWorkflow()
	v2.WorkflowID = "wf-2"
	v2.Version = 2
	f.seedWorkflow(t, v2)

	_, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1",
	})
	assert.Equal(t, app.KindConflict, app.KindOf(err))
}

func TestStartWorkflowCapabilityGuard(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	f.seedWorkflow(t, activeWorkflow("erp.invoice"))

	// No enabled adapter for the capability.
	_, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1",
	})
	assert.Equal(t, app.KindConflict, app.KindOf(err))

	f.seedRegistration(t, domain.AdapterRegistration{
		SchemaVersion: 1, RegistrationID: "reg-1", WorkspaceID: "ws-1", Capability: "erp.invoice", AdapterName: "sap", Enabled: true,
	})
	_, err = f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k2",
	})
	assert.NoError(t, err)

	// A second enabled adapter makes routing ambiguous again.
	f.seedRegistration(t, domain.AdapterRegistration{
		SchemaVersion: 1, RegistrationID: "reg-2", WorkspaceID: "ws-1", Capability: "erp.invoice", AdapterName: "netsuite", Enabled: true,
	})
	_, err = f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k3",
	})
	assert.Equal(t, app.KindConflict, app.KindOf(err))
}

func TestStartWorkflowRunIdentifierCollisionConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	f.seedWorkflow(t, activeWorkflow())

	// Occupy the identifier the generator will hand out next.
	require.NoError(t, f.stores.InsertRun(context.Background(), testCtx.TenantID, domain.Run{
		SchemaVersion: 1, RunID: "id-000001", WorkspaceID: "ws-1", Status: domain.RunPending,
	}))

	_, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1",
	})
	assert.Equal(t, app.KindConflict, app.KindOf(err))

	// The guard fired before the unit of work: nothing was written.
	chain, err := f.evidence.List(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Empty(t, chain)
	assert.Empty(t, f.outbox.All())
}

func TestStartWorkflowBadClockIsDependencyFailure(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	f.seedWorkflow(t, activeWorkflow())
	f.service.deps.Clock = badClock{}

	_, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1",
	})
	assert.Equal(t, app.KindDependencyFailure, app.KindOf(err))
}

// failingEvidence wraps a store and fails every Append, simulating a mid
// transaction fault.
type failingEvidence struct {
	evidence.Store
}

func (failingEvidence) Append(context.Context, evidence.Entry) error {
	return errors.New("disk full")
}

func TestFailedUnitOfWorkLeavesNoPartialState(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	f.seedWorkflow(t, activeWorkflow())
	f.service.deps.Evidence = failingEvidence{Store: f.evidence}

	_, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1",
	})
	require.Error(t, err)

	// No run, no outbox entry, no cached result: the retry re-executes.
	assert.Empty(t, f.outbox.All())
	assert.Equal(t, 0, f.idem.Len())
	_, getErr := f.stores.GetRun(context.Background(), "t-1", "id-000001")
	assert.Equal(t, app.KindNotFound, app.KindOf(getErr))
}

// staleTail wraps an evidence store and always reports an empty chain,
// simulating a writer whose tail read predates another writer's commit.
type staleTail struct {
	evidence.Store
}

func (staleTail) Tail(context.Context, string) (*evidence.Entry, error) {
	return nil, nil
}

func TestStartWorkflowStaleEvidenceTailConflicts(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	f.seedWorkflow(t, activeWorkflow())

	_, err := f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k1",
	})
	require.NoError(t, err)

	// The second command links its entry to the tail it read before the
	// first one committed; the store must refuse to fork the chain.
	f.service.deps.Evidence = staleTail{Store: f.evidence}
	_, err = f.service.StartWorkflow(context.Background(), testCtx, StartWorkflowRequest{
		WorkspaceID: "ws-1", WorkflowID: "wf-1", RequestKey: "k2",
	})
	assert.Equal(t, app.KindConflict, app.KindOf(err))

	// The loser rolled back completely and the chain still verifies.
	chain, err := f.evidence.List(context.Background(), "ws-1")
	require.NoError(t, err)
	require.Len(t, chain, 1)
	assert.True(t, evidence.VerifyChain(chain, evidence.SHA256Hasher{}, nil).OK)
	assert.Len(t, f.outbox.All(), 1)
}

func TestSubmitApprovalHappyPathAndConflict(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	require.NoError(t, f.stores.SaveApproval(context.Background(), "t-1", domain.Approval{
		SchemaVersion: 1, ApprovalID: "ap-1", WorkspaceID: "ws-1", RunID: "run-1",
		RequestedByUserID: "user-2", Status: domain.ApprovalPending,
	}))

	res, err := f.service.SubmitApproval(context.Background(), testCtx, SubmitApprovalRequest{
		ApprovalID: "ap-1", Decision: domain.DecisionApproved, Rationale: "looks safe", RequestKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalDecided, res.Status)
	assert.Equal(t, domain.DecisionApproved, res.Decision)

	stored, err := f.stores.GetApproval(context.Background(), "t-1", "ap-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", stored.DecidedByUserID)
	assert.Equal(t, "looks safe", stored.Rationale)

	// A different caller deciding again is a conflict, not a replay.
	_, err = f.service.SubmitApproval(context.Background(), testCtx, SubmitApprovalRequest{
		ApprovalID: "ap-1", Decision: domain.DecisionRejected, RequestKey: "k2",
	})
	assert.Equal(t, app.KindConflict, app.KindOf(err))

	// The original request key still replays the original outcome.
	replayed, err := f.service.SubmitApproval(context.Background(), testCtx, SubmitApprovalRequest{
		ApprovalID: "ap-1", Decision: domain.DecisionApproved, Rationale: "looks safe", RequestKey: "k1",
	})
	require.NoError(t, err)
	assert.Equal(t, res, replayed)
}

// stalePendingReads wraps the approval store so reads always report Pending,
// simulating a decider whose snapshot predates the winning decision.
type stalePendingReads struct {
	*stores.Memory
}

func (s stalePendingReads) GetApproval(ctx context.Context, tenantID, approvalID string) (*domain.Approval, error) {
	a, err := s.Memory.GetApproval(ctx, tenantID, approvalID)
	if err != nil {
		return nil, err
	}
	a.Status = domain.ApprovalPending
	a.Decision = ""
	return a, nil
}

func TestSubmitApprovalConcurrentDecidersSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.seedWorkspace(t, "ws-1")
	require.NoError(t, f.stores.SaveApproval(context.Background(), "t-1", domain.Approval{
		SchemaVersion: 1, ApprovalID: "ap-1", WorkspaceID: "ws-1", RunID: "run-1",
		RequestedByUserID: "user-2", Status: domain.ApprovalPending,
	}))
	f.service.deps.Approvals = stalePendingReads{Memory: f.stores}

	_, err := f.service.SubmitApproval(context.Background(), testCtx, SubmitApprovalRequest{
		ApprovalID: "ap-1", Decision: domain.DecisionApproved, RequestKey: "k1",
	})
	require.NoError(t, err)

	// The racer passed the snapshot check but must lose at the conditional
	// transition instead of overwriting the committed decision.
	_, err = f.service.SubmitApproval(context.Background(), testCtx, SubmitApprovalRequest{
		ApprovalID: "ap-1", Decision: domain.DecisionRejected, RequestKey: "k2",
	})
	assert.Equal(t, app.KindConflict, app.KindOf(err))

	stored, err := f.stores.GetApproval(context.Background(), "t-1", "ap-1")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionApproved, stored.Decision)

	// Exactly one decision was recorded and announced.
	chain, err := f.evidence.List(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Len(t, chain, 1)
	assert.Len(t, f.outbox.All(), 1)
}

func TestSubmitApprovalUnknownDecisionRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.service.SubmitApproval(context.Background(), testCtx, SubmitApprovalRequest{
		ApprovalID: "ap-1", Decision: "Maybe", RequestKey: "k1",
	})
	assert.Equal(t, app.KindValidationFailed, app.KindOf(err))
}

func TestRegisterWorkspaceDuplicateIdentifierConflicts(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.RegisterWorkspace(context.Background(), testCtx, RegisterWorkspaceRequest{
		WorkspaceID: "ws-1", DisplayName: "Operations", RequestKey: "k1",
	})
	require.NoError(t, err)

	// A different request key targeting the same identifier is a conflict.
	_, err = f.service.RegisterWorkspace(context.Background(), testCtx, RegisterWorkspaceRequest{
		WorkspaceID: "ws-1", DisplayName: "Operations again", RequestKey: "k2",
	})
	assert.Equal(t, app.KindConflict, app.KindOf(err))
}

func TestRegisterMachineAgentRequiresWorkspace(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.RegisterMachineAgent(context.Background(), testCtx, RegisterMachineAgentRequest{
		WorkspaceID: "ws-missing", DisplayName: "reconciler", RequestKey: "k1",
	})
	assert.Equal(t, app.KindNotFound, app.KindOf(err))

	f.seedWorkspace(t, "ws-1")
	res, err := f.service.RegisterMachineAgent(context.Background(), testCtx, RegisterMachineAgentRequest{
		WorkspaceID: "ws-1", DisplayName: "reconciler", Capabilities: []string{"erp.invoice"}, RequestKey: "k2",
	})
	require.NoError(t, err)

	agent, err := f.stores.GetAgent(context.Background(), "t-1", res.AgentID)
	require.NoError(t, err)
	assert.Equal(t, []string{"erp.invoice"}, agent.Capabilities)
}

// TestCommandBackboneEndToEnd drives the full reliability path: an idempotent
// registration, replays, and asynchronous delivery through the outbox with a
// transient publisher failure in between.
func TestCommandBackboneEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.service.RegisterWorkspace(ctx, testCtx, RegisterWorkspaceRequest{
		WorkspaceID: "ws-1", DisplayName: "Operations", RequestKey: "k1",
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		replayed, err := f.service.RegisterWorkspace(ctx, testCtx, RegisterWorkspaceRequest{
			WorkspaceID: "ws-1", DisplayName: "Operations", RequestKey: "k1",
		})
		require.NoError(t, err)
		assert.Equal(t, res, replayed)
	}

	all := f.outbox.All()
	require.Len(t, all, 1)
	eventID := all[0].Event.ID

	pub := &flakyPublisher{failOnce: map[string]error{eventID: errors.New("bus unavailable")}}
	d := outbox.NewDispatcher(f.outbox, pub, f.clock)

	sweep, err := d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.SweepResult{Published: 0, Failed: 1}, sweep)
	assert.Equal(t, 1, f.outbox.All()[0].RetryCount)

	f.clock.Advance(10 * time.Minute)
	sweep, err = d.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, outbox.SweepResult{Published: 1, Failed: 0}, sweep)
	assert.Equal(t, outbox.StatusPublished, f.outbox.All()[0].Status)

	chain, err := f.evidence.List(ctx, "ws-1")
	require.NoError(t, err)
	verdict := evidence.VerifyChain(chain, evidence.SHA256Hasher{}, nil)
	assert.True(t, verdict.OK)
}

type flakyPublisher struct {
	failOnce map[string]error
}

func (p *flakyPublisher) Publish(_ context.Context, ev events.CloudEvent) error {
	if err, ok := p.failOnce[ev.ID]; ok {
		delete(p.failOnce, ev.ID)
		return err
	}
	return nil
}
