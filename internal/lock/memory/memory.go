package memory

import (
	"context"
	"sync"
	"time"

	"github.com/perchlabs/roost/internal/lock"
)

type lease struct {
	owner     string
	expiresAt time.Time
}

// Locker is an in-process lease table. It serves single-process deployments
// and tests; multi-worker setups need the postgres locker.
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

func NewLocker() *Locker {
	return &Locker{
		leases: make(map[string]lease),
		now:    time.Now,
	}
}

func (l *Locker) Acquire(_ context.Context, agentID, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[agentID]
	if ok && cur.owner != owner && l.now().Before(cur.expiresAt) {
		return lock.ErrLeaseHeld
	}
	l.leases[agentID] = lease{owner: owner, expiresAt: l.now().Add(ttl)}
	return nil
}

func (l *Locker) Renew(_ context.Context, agentID, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.leases[agentID]
	if !ok || cur.owner != owner || !l.now().Before(cur.expiresAt) {
		return lock.ErrLeaseHeld
	}
	l.leases[agentID] = lease{owner: owner, expiresAt: l.now().Add(ttl)}
	return nil
}

func (l *Locker) Release(_ context.Context, agentID, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if cur, ok := l.leases[agentID]; ok && cur.owner == owner {
		delete(l.leases, agentID)
	}
	return nil
}
