// Package agent models the remote controls registered with the hub.
//
// # Overview
//
// A remote control ("agent") is a process on some host that can drive one
// browser automation session at a time. The hub never talks the automation
// protocol itself; it only tracks who may use which agent.
//
// # Handle
//
// Handle carries the immutable identity of one agent plus its reservation
// flag:
//
//	h, err := agent.New("10.0.0.5", 5555, "*firefox")
//
// Identity:
//
//   - Key(): host, port and environment. Two handles are equal iff their
//     keys match.
//   - ShardKey(): host and port only. Every environment advertised by the
//     same endpoint lands in the same shard.
//
// Reservation:
//
//   - MarkReserved(): fails with ErrIllegalState if already reserved
//   - MarkReleased(): fails with ErrIllegalState if not reserved
//   - CanAcceptSession(): true while free
//
// The flag is only written by the shard that owns the handle, under the
// shard lock. It is stored atomically so snapshots taken without the lock
// never race.
//
// # Liveness
//
// IsResponsive() sends a probe through a Prober. HTTPProber issues a GET
// against the agent's driver URL and treats any transport error or non-2xx
// status as unresponsive. Callers decide what to do with the answer; the
// hub's sweeper unregisters agents that fail.
package agent
