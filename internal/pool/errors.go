// ABOUTME: Error taxonomy for the agent pool.
// ABOUTME: Distinguishes unknown environments, timeouts and protocol violations.

package pool

import (
	"errors"
	"fmt"

	"github.com/2389/gridhub/internal/agent"
)

// ErrNoSuchEnvironment indicates no registered agent advertises the environment.
var ErrNoSuchEnvironment = errors.New("no such environment")

// ErrReserveTimeout indicates the caller's deadline passed while waiting for an agent.
var ErrReserveTimeout = errors.New("timed out waiting for an agent")

// ErrNoAgentAvailable is returned by Shard.Reserve when the shard gives up
// so another shard can be tried.
var ErrNoAgentAvailable = errors.New("no agent available in shard")

// ErrIllegalState is the caller-bug error shared with the agent package.
var ErrIllegalState = agent.ErrIllegalState

// ErrNoSuchSession indicates the session id is not live. It is an
// ErrIllegalState.
var ErrNoSuchSession = fmt.Errorf("%w: no such session", ErrIllegalState)
