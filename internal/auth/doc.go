// Package auth provides bearer token authentication for the gridhub API.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with auth.jwt_secret (at least 32 bytes).
// Each carries a subject ("sub") and a role:
//
//   - agent:  remote controls registering, unregistering and heartbeating
//   - client: test drivers opening, heartbeating and closing sessions
//   - admin:  everything, including forced eviction and ledger queries
//
// Mint tokens with `gridhub token --role agent --subject rc-host-1`.
//
// # HTTP
//
//	mux.Handle("/api/", auth.HTTPAuthMiddleware(verifier)(api))
//	mux.Handle("DELETE /api/agents", auth.RequireRole(auth.RoleAgent)(h))
//
// Handlers read the caller with FromContext. When no secret is configured
// the hub skips this package entirely and the API is open.
package auth
