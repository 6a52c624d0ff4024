// ABOUTME: Authentication context for tracking identity through request handlers
// ABOUTME: Provides roles plus WithAuth/FromContext for propagating auth info via context

package auth

import (
	"context"
	"slices"
)

// Role scopes what a token may do.
type Role string

const (
	// RoleAgent is held by remote controls: register, unregister, heartbeat.
	RoleAgent Role = "agent"
	// RoleClient is held by test drivers: open, heartbeat and close sessions.
	RoleClient Role = "client"
	// RoleAdmin may do everything, including evictions and ledger reads.
	RoleAdmin Role = "admin"
)

// ValidRoles lists every role.
var ValidRoles = []Role{RoleAgent, RoleClient, RoleAdmin}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return slices.Contains(ValidRoles, r)
}

// AuthContext holds the authenticated identity information extracted from a request.
type AuthContext struct {
	Subject string // token "sub", e.g. a host name or CI job
	Role    Role
}

// Allows reports whether the identity may act with one of roles.
// Admins are allowed everything.
func (a *AuthContext) Allows(roles ...Role) bool {
	if a == nil {
		return false
	}
	if a.Role == RoleAdmin {
		return true
	}
	return slices.Contains(roles, a.Role)
}

// authContextKey is the key type for storing AuthContext in context.Context.
type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}
