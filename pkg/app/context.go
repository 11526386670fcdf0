package app

// Context carries the authenticated caller identity for one command.
// It is built by the presentation layer (e.g. from verified JWT claims)
// and passed by value through the application layer.
type Context struct {
	TenantID      string
	PrincipalID   string
	CorrelationID string
}

// Actions the control plane authorizes. Command handlers consult the
// Authorizer port with one of these before touching any other component.
const (
	ActionRunStart             = "run:start"
	ActionApprovalSubmit       = "approval:submit"
	ActionWorkspaceRegister    = "workspace:register"
	ActionMachineAgentRegister = "machine-agent:register"
)
