package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perchlabs/roost/internal/lock"
)

func TestAcquireIsExclusivePerAgent(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "echo", "worker-a", time.Minute))
	require.ErrorIs(t, l.Acquire(ctx, "echo", "worker-b", time.Minute), lock.ErrLeaseHeld)
	require.NoError(t, l.Acquire(ctx, "summarizer", "worker-b", time.Minute))
}

func TestAcquireIsReentrantForOwner(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "echo", "worker-a", time.Minute))
	require.NoError(t, l.Acquire(ctx, "echo", "worker-a", time.Minute))
}

func TestExpiredLeaseIsStealable(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	now := time.Now()
	l.now = func() time.Time { return now }

	require.NoError(t, l.Acquire(ctx, "echo", "worker-a", time.Minute))

	now = now.Add(2 * time.Minute)
	require.NoError(t, l.Acquire(ctx, "echo", "worker-b", time.Minute))
}

func TestReleaseOnlyByOwner(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	require.NoError(t, l.Acquire(ctx, "echo", "worker-a", time.Minute))
	require.NoError(t, l.Release(ctx, "echo", "worker-b"))

	// worker-b's release was a no-op, the lease is still held
	require.ErrorIs(t, l.Acquire(ctx, "echo", "worker-b", time.Minute), lock.ErrLeaseHeld)

	require.NoError(t, l.Release(ctx, "echo", "worker-a"))
	require.NoError(t, l.Acquire(ctx, "echo", "worker-b", time.Minute))
}

func TestRenewRequiresLiveOwnedLease(t *testing.T) {
	l := NewLocker()
	ctx := context.Background()

	require.ErrorIs(t, l.Renew(ctx, "echo", "worker-a", time.Minute), lock.ErrLeaseHeld)

	require.NoError(t, l.Acquire(ctx, "echo", "worker-a", time.Minute))
	require.NoError(t, l.Renew(ctx, "echo", "worker-a", time.Minute))
	require.ErrorIs(t, l.Renew(ctx, "echo", "worker-b", time.Minute), lock.ErrLeaseHeld)
}
