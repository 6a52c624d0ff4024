// Package hub wires the agent pool to the outside world.
//
// A Hub owns one pool.Registry and exposes it over HTTP (remote control
// registration, client sessions, the event ledger, a status console,
// health and metrics) and over gRPC (standard health checking and
// reflection). Listeners are plain TCP or, when configured, a Tailscale
// node. A Sweeper evicts unresponsive agents, recycles idle sessions and
// prunes the ledger in the background.
//
// # Endpoints
//
//	POST   /api/agents                  register {host, port, environment}
//	DELETE /api/agents                  unregister
//	GET    /api/agents?state=           all, available or reserved
//	GET    /api/agents/heartbeat        ?host=&port= -> {"registered": bool}
//	POST   /api/agents/evict            admin: force-remove an endpoint
//	POST   /api/sessions                reserve and lease an agent
//	GET    /api/sessions[/{id}]         live sessions
//	POST   /api/sessions/{id}/heartbeat refresh activity
//	DELETE /api/sessions/{id}           release
//	GET    /api/events                  ledger query
//	GET    /console                     HTML status page
//
// With auth.jwt_secret set, /api/* and /console require a bearer token
// whose role allows the call.
package hub
