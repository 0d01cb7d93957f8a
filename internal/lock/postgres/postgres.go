package postgres

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/db"
	"github.com/perchlabs/roost/internal/lock"
	"github.com/perchlabs/roost/internal/util"
)

// Locker implements the per-agent lease on the agent_leases table. Worker
// processes share no memory, so the lease must live in the state store.
type Locker struct {
	db *db.DB
}

func NewLocker(db *db.DB) lock.Locker {
	return &Locker{db: db}
}

func (l *Locker) Acquire(ctx context.Context, agentID, owner string, ttl time.Duration) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/AcquireLease")
	defer span.End()

	span.AddEvent("lease.context",
		trace.WithAttributes(
			attribute.String("agent_id", agentID),
			attribute.String("owner", owner),
		),
	)

	// The insert wins when no row exists; the update wins when the previous
	// lease expired or we already own it. Otherwise zero rows are touched.
	tag, err := l.db.Pool.Exec(ctx, `
		INSERT INTO agent_leases (agent_id, owner, expires_at)
		VALUES ($1, $2, now() + $3::interval)
		ON CONFLICT (agent_id) DO UPDATE SET
			owner      = EXCLUDED.owner,
			expires_at = EXCLUDED.expires_at
		WHERE agent_leases.expires_at < now() OR agent_leases.owner = $2
	`, agentID, owner, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return lock.ErrLeaseHeld
	}
	return nil
}

func (l *Locker) Renew(ctx context.Context, agentID, owner string, ttl time.Duration) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/RenewLease")
	defer span.End()

	tag, err := l.db.Pool.Exec(ctx, `
		UPDATE agent_leases
		SET expires_at = now() + $3::interval
		WHERE agent_id = $1 AND owner = $2 AND expires_at >= now()
	`, agentID, owner, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return lock.ErrLeaseHeld
	}
	return nil
}

func (l *Locker) Release(ctx context.Context, agentID, owner string) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ReleaseLease")
	defer span.End()

	_, err := l.db.Pool.Exec(ctx, `
		DELETE FROM agent_leases
		WHERE agent_id = $1 AND owner = $2
	`, agentID, owner)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}
