// Package auth turns bearer tokens into an application context and decides
// what that context may do. Token verification is HS256 JWT; authorization is
// CEL policy evaluation over the verified claims.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/45ck/Portarium-sub006/pkg/app"
)

// Claims extends registered JWT claims with the control-plane fields the
// authorizer evaluates.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles,omitempty"`
}

const tokenIssuer = "portarium/control-plane"

// TokenManager issues and verifies the HS256 tokens internal callers present.
type TokenManager struct {
	secret []byte
}

func NewTokenManager(secret []byte) *TokenManager {
	return &TokenManager{secret: secret}
}

// Issue signs a token for the given principal.
func (tm *TokenManager) Issue(principalID, tenantID string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principalID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: tenantID,
		Roles:    roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
}

// Verify parses and validates a token string.
func (tm *TokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{},
		func(t *jwt.Token) (interface{}, error) { return tm.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	if claims.TenantID == "" {
		return nil, fmt.Errorf("auth: token missing tenant_id")
	}
	return claims, nil
}

// ContextFrom builds the application context for one command from verified
// claims. The correlation id is per request, not per token.
func ContextFrom(claims *Claims, correlationID string) app.Context {
	return app.Context{
		TenantID:      claims.TenantID,
		PrincipalID:   claims.Subject,
		CorrelationID: correlationID,
	}
}
