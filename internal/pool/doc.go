// Package pool grants test sessions exclusive use of remote controls.
//
// # Overview
//
// The pool is an in-memory allocation engine. Remote controls register
// into a Registry, which places each Handle into the Shard for its
// host:port. Callers reserve an agent for an environment, associate the
// reservation with a session id, and release it when the session ends.
// Nothing is persisted: agents re-register after a hub restart.
//
// # Shards
//
// A Shard holds every handle advertised by one endpoint. At most one handle
// per shard is reserved at any time, so an endpoint that advertises several
// environments still runs one session at a time.
//
// Shard.Reserve blocks:
//
//  1. an empty shard answers ErrNoAgentAvailable immediately
//  2. otherwise it scans for a free handle of the requested environment
//  3. when none is free it waits up to WaitInterval (30s) for a release or
//     registration, then scans again
//  4. after MaxWakeups (2) unsuccessful wake-ups it answers
//     ErrNoAgentAvailable so the Registry can look at other shards
//
// Waiters are woken by closing a broadcast channel under the shard lock, so
// an Add or Release that happens while a caller is blocked is never lost.
//
// # Registry
//
// Registry.Reserve picks a shard advertising the environment, preferring
// one with nothing reserved, otherwise the one with the fewest waiters.
// It retries across shards until it gets an agent. With a background
// context it can block forever; pass a deadline to bound it:
//
//	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
//	defer cancel()
//	h, err := reg.Reserve(ctx, "*firefox")
//	switch {
//	case errors.Is(err, pool.ErrNoSuchEnvironment):
//	    // nothing will ever match
//	case errors.Is(err, pool.ErrReserveTimeout):
//	    // still nothing free
//	}
//
// # Sessions
//
// Associate records session id → handle. The Registry keeps a secondary
// index handle → session id so release and eviction never scan.
//
// # Locking
//
// The shard map, the session maps and every shard have their own lock.
// Lock order is registry → shard. The session lock is never held while a
// shard lock is taken, and no lock is held across a blocking wait except
// the shard lock, which the wait releases.
package pool
