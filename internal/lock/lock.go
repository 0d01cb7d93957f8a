package lock

import (
	"context"
	"errors"
	"time"
)

// ErrLeaseHeld is returned by Acquire when another owner holds an unexpired
// lease for the agent.
var ErrLeaseHeld = errors.New("lease held by another owner")

// Locker is the per-agent advisory lock. Leases carry a TTL so a crashed
// holder cannot strand an agent; acquiring steals any expired lease.
type Locker interface {
	Acquire(ctx context.Context, agentID, owner string, ttl time.Duration) error
	Renew(ctx context.Context, agentID, owner string, ttl time.Duration) error
	Release(ctx context.Context, agentID, owner string) error
}
