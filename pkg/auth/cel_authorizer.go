package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/45ck/Portarium-sub006/pkg/app"
)

// RoleLookup resolves the roles of a principal within a tenant. Deployments
// back this with their directory; tests use a map.
type RoleLookup func(tenantID, principalID string) []string

// CELAuthorizer implements the app.Authorizer port by evaluating a CEL
// expression per action. Evaluation is fail-closed: an unknown action, a
// compile error, or a non-boolean result all deny.
type CELAuthorizer struct {
	env   *cel.Env
	rules map[string]string
	roles RoleLookup
	mu    sync.RWMutex
	prgs  map[string]cel.Program
	deflt string
}

// DefaultRules grants each command action to its matching role, with
// "admin" allowed everywhere.
func DefaultRules() map[string]string {
	return map[string]string{
		app.ActionRunStart:             `"operator" in principal.roles || "admin" in principal.roles`,
		app.ActionApprovalSubmit:       `"approver" in principal.roles || "admin" in principal.roles`,
		app.ActionWorkspaceRegister:    `"admin" in principal.roles`,
		app.ActionMachineAgentRegister: `"admin" in principal.roles`,
	}
}

func NewCELAuthorizer(rules map[string]string, roles RoleLookup) (*CELAuthorizer, error) {
	env, err := cel.NewEnv(
		cel.Variable("principal", cel.DynType),
		cel.Variable("action", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("auth: create CEL environment: %w", err)
	}
	return &CELAuthorizer{
		env:   env,
		rules: rules,
		roles: roles,
		prgs:  make(map[string]cel.Program),
		deflt: "false",
	}, nil
}

// IsAllowed evaluates the rule registered for action against the caller.
func (a *CELAuthorizer) IsAllowed(_ context.Context, appCtx app.Context, action string) (bool, error) {
	expr, ok := a.rules[action]
	if !ok {
		expr = a.deflt
	}

	var roles []string
	if a.roles != nil {
		roles = a.roles(appCtx.TenantID, appCtx.PrincipalID)
	}
	input := map[string]any{
		"action": action,
		"principal": map[string]any{
			"id":       appCtx.PrincipalID,
			"tenantId": appCtx.TenantID,
			"roles":    roles,
		},
	}

	prg, err := a.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("auth: evaluate rule for %s: %w", action, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("auth: rule for %s is not boolean", action)
	}
	return allowed, nil
}

func (a *CELAuthorizer) program(expr string) (cel.Program, error) {
	a.mu.RLock()
	prg, hit := a.prgs[expr]
	a.mu.RUnlock()
	if hit {
		return prg, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if prg, hit = a.prgs[expr]; hit {
		return prg, nil
	}
	ast, issues := a.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("auth: compile rule %q: %w", expr, issues.Err())
	}
	prg, err := a.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("auth: build program for %q: %w", expr, err)
	}
	a.prgs[expr] = prg
	return prg, nil
}

// AllowAll authorizes everything. Test fixtures only.
type AllowAll struct{}

func (AllowAll) IsAllowed(context.Context, app.Context, string) (bool, error) {
	return true, nil
}
