package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/45ck/Portarium-sub006/pkg/app"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager([]byte("test-secret"))

	token, err := tm.Issue("user-1", "t-1", []string{"operator"}, time.Hour)
	require.NoError(t, err)

	claims, err := tm.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "t-1", claims.TenantID)
	assert.Equal(t, []string{"operator"}, claims.Roles)

	appCtx := ContextFrom(claims, "corr-1")
	assert.Equal(t, app.Context{TenantID: "t-1", PrincipalID: "user-1", CorrelationID: "corr-1"}, appCtx)
}

func TestTokenWrongSecretRejected(t *testing.T) {
	token, err := NewTokenManager([]byte("secret-a")).Issue("user-1", "t-1", nil, time.Hour)
	require.NoError(t, err)

	_, err = NewTokenManager([]byte("secret-b")).Verify(token)
	assert.Error(t, err)
}

func TestTokenMissingTenantRejected(t *testing.T) {
	tm := NewTokenManager([]byte("test-secret"))
	token, err := tm.Issue("user-1", "", nil, time.Hour)
	require.NoError(t, err)

	_, err = tm.Verify(token)
	assert.Error(t, err)
}

func newTestAuthorizer(t *testing.T, roles map[string][]string) *CELAuthorizer {
	t.Helper()
	a, err := NewCELAuthorizer(DefaultRules(), func(_, principalID string) []string {
		return roles[principalID]
	})
	require.NoError(t, err)
	return a
}

func TestCELAuthorizerGrantsByRole(t *testing.T) {
	a := newTestAuthorizer(t, map[string][]string{
		"op-1":    {"operator"},
		"appr-1":  {"approver"},
		"admin-1": {"admin"},
	})
	ctx := context.Background()

	allowed, err := a.IsAllowed(ctx, app.Context{TenantID: "t-1", PrincipalID: "op-1"}, app.ActionRunStart)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = a.IsAllowed(ctx, app.Context{TenantID: "t-1", PrincipalID: "op-1"}, app.ActionWorkspaceRegister)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = a.IsAllowed(ctx, app.Context{TenantID: "t-1", PrincipalID: "admin-1"}, app.ActionWorkspaceRegister)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = a.IsAllowed(ctx, app.Context{TenantID: "t-1", PrincipalID: "appr-1"}, app.ActionApprovalSubmit)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCELAuthorizerUnknownActionDenies(t *testing.T) {
	a := newTestAuthorizer(t, map[string][]string{"admin-1": {"admin"}})

	allowed, err := a.IsAllowed(context.Background(), app.Context{TenantID: "t-1", PrincipalID: "admin-1"}, "fleet:reboot")
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCELAuthorizerNoRolesDenies(t *testing.T) {
	a := newTestAuthorizer(t, nil)

	allowed, err := a.IsAllowed(context.Background(), app.Context{TenantID: "t-1", PrincipalID: "ghost"}, app.ActionRunStart)
	require.NoError(t, err)
	assert.False(t, allowed)
}
