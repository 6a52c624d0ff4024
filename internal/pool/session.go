// ABOUTME: Session records link a caller-supplied session id to a leased agent.
// ABOUTME: Records are copied out of the registry so callers never share state.

package pool

import (
	"time"

	"github.com/2389/gridhub/internal/agent"
)

// Session is a lease over exactly one agent.
type Session struct {
	ID           string
	LeaseID      string
	Agent        *agent.Handle
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// IdleFor returns how long the session has been inactive at now.
func (s Session) IdleFor(now time.Time) time.Duration {
	return now.Sub(s.LastActiveAt)
}
