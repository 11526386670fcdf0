package stores

import (
	"context"
	"fmt"
	"sync"

	"github.com/45ck/Portarium-sub006/pkg/app"
	"github.com/45ck/Portarium-sub006/pkg/domain"
)

// Memory implements every aggregate store port in one struct and enrolls as
// a unit-of-work participant. Keys are tenant-scoped so cross-tenant reads
// are impossible by construction.
type Memory struct {
	mu            sync.Mutex
	workflows     map[string]domain.Workflow
	runs          map[string]domain.Run
	workspaces    map[string]domain.Workspace
	registrations map[string]domain.AdapterRegistration
	approvals     map[string]domain.Approval
	agents        map[string]domain.MachineAgent
}

func NewMemory() *Memory {
	return &Memory{
		workflows:     map[string]domain.Workflow{},
		runs:          map[string]domain.Run{},
		workspaces:    map[string]domain.Workspace{},
		registrations: map[string]domain.AdapterRegistration{},
		approvals:     map[string]domain.Approval{},
		agents:        map[string]domain.MachineAgent{},
	}
}

func scopedKey(tenantID, id string) string {
	return tenantID + "/" + id
}

func (m *Memory) GetWorkflow(_ context.Context, tenantID, workspaceID, workflowID string) (*domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workflows[scopedKey(tenantID, workflowID)]
	if !ok || w.WorkspaceID != workspaceID {
		return nil, app.NotFound("workflow", fmt.Sprintf("workflow %s not found", workflowID))
	}
	cp := w
	cp.Capabilities = append([]string(nil), w.Capabilities...)
	return &cp, nil
}

func (m *Memory) ListWorkflowVersions(_ context.Context, tenantID, workspaceID, name string) ([]domain.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Workflow
	for key, w := range m.workflows {
		if len(key) > len(tenantID) && key[:len(tenantID)+1] == tenantID+"/" &&
			w.WorkspaceID == workspaceID && w.Name == name {
			out = append(out, w)
		}
	}
	return out, nil
}

func (m *Memory) SaveWorkflow(_ context.Context, tenantID string, workflow domain.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[scopedKey(tenantID, workflow.WorkflowID)] = workflow
	return nil
}

func (m *Memory) GetRun(_ context.Context, tenantID, runID string) (*domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[scopedKey(tenantID, runID)]
	if !ok {
		return nil, app.NotFound("run", fmt.Sprintf("run %s not found", runID))
	}
	cp := r
	return &cp, nil
}

func (m *Memory) InsertRun(_ context.Context, tenantID string, run domain.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey(tenantID, run.RunID)
	if _, ok := m.runs[key]; ok {
		return ErrDuplicate
	}
	m.runs[key] = run
	return nil
}

func (m *Memory) GetWorkspace(_ context.Context, tenantID, workspaceID string) (*domain.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[scopedKey(tenantID, workspaceID)]
	if !ok {
		return nil, app.NotFound("workspace", fmt.Sprintf("workspace %s not found", workspaceID))
	}
	cp := w
	return &cp, nil
}

func (m *Memory) InsertWorkspace(_ context.Context, tenantID string, workspace domain.Workspace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey(tenantID, workspace.WorkspaceID)
	if _, ok := m.workspaces[key]; ok {
		return ErrDuplicate
	}
	m.workspaces[key] = workspace
	return nil
}

func (m *Memory) ListRegistrations(_ context.Context, tenantID, workspaceID string) ([]domain.AdapterRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AdapterRegistration
	for key, r := range m.registrations {
		if len(key) > len(tenantID) && key[:len(tenantID)+1] == tenantID+"/" && r.WorkspaceID == workspaceID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) SaveRegistration(_ context.Context, tenantID string, registration domain.AdapterRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registrations[scopedKey(tenantID, registration.RegistrationID)] = registration
	return nil
}

func (m *Memory) GetApproval(_ context.Context, tenantID, approvalID string) (*domain.Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.approvals[scopedKey(tenantID, approvalID)]
	if !ok {
		return nil, app.NotFound("approval", fmt.Sprintf("approval %s not found", approvalID))
	}
	cp := a
	return &cp, nil
}

func (m *Memory) SaveApproval(_ context.Context, tenantID string, approval domain.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approvals[scopedKey(tenantID, approval.ApprovalID)] = approval
	return nil
}

func (m *Memory) DecideApproval(_ context.Context, tenantID string, approval domain.Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey(tenantID, approval.ApprovalID)
	current, ok := m.approvals[key]
	if !ok {
		return app.NotFound("approval", fmt.Sprintf("approval %s not found", approval.ApprovalID))
	}
	if current.Status != domain.ApprovalPending {
		return ErrAlreadyDecided
	}
	m.approvals[key] = approval
	return nil
}

func (m *Memory) GetAgent(_ context.Context, tenantID, agentID string) (*domain.MachineAgent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[scopedKey(tenantID, agentID)]
	if !ok {
		return nil, app.NotFound("machineAgent", fmt.Sprintf("machine agent %s not found", agentID))
	}
	cp := a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	return &cp, nil
}

func (m *Memory) InsertAgent(_ context.Context, tenantID string, agent domain.MachineAgent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey(tenantID, agent.AgentID)
	if _, ok := m.agents[key]; ok {
		return ErrDuplicate
	}
	m.agents[key] = agent
	return nil
}

type memorySnapshot struct {
	workflows     map[string]domain.Workflow
	runs          map[string]domain.Run
	workspaces    map[string]domain.Workspace
	registrations map[string]domain.AdapterRegistration
	approvals     map[string]domain.Approval
	agents        map[string]domain.MachineAgent
}

// Snapshot implements uow.Participant.
func (m *Memory) Snapshot() interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return memorySnapshot{
		workflows:     cloneMap(m.workflows),
		runs:          cloneMap(m.runs),
		workspaces:    cloneMap(m.workspaces),
		registrations: cloneMap(m.registrations),
		approvals:     cloneMap(m.approvals),
		agents:        cloneMap(m.agents),
	}
}

// Restore implements uow.Participant.
func (m *Memory) Restore(snapshot interface{}) {
	snap, ok := snapshot.(memorySnapshot)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = cloneMap(snap.workflows)
	m.runs = cloneMap(snap.runs)
	m.workspaces = cloneMap(snap.workspaces)
	m.registrations = cloneMap(snap.registrations)
	m.approvals = cloneMap(snap.approvals)
	m.agents = cloneMap(snap.agents)
}

func cloneMap[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
