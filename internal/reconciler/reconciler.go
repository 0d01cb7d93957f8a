package reconciler

import (
	"context"
	"time"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/gateway"
	"github.com/perchlabs/roost/internal/logger"
	"github.com/perchlabs/roost/internal/scheduler"
	"github.com/perchlabs/roost/internal/util"
	"github.com/perchlabs/roost/model"
)

type Options struct {
	Interval time.Duration
	// GraceWindow is how long a route outlives its backend before it is
	// deleted. Keeps one flaky listing from tearing down live routes.
	GraceWindow     time.Duration
	ProtectedRoutes []string
}

// Reconciler converges gateway routes onto the set of running backends. It
// is the only writer of gateway state; everything it knows comes from the
// substrate itself, never from deployment records.
type Reconciler struct {
	substrate scheduler.Scheduler
	admin     gateway.Admin
	opts      Options

	lastSeen  map[string]time.Time
	protected map[string]struct{}
	now       func() time.Time
}

func New(substrate scheduler.Scheduler, admin gateway.Admin, opts Options) *Reconciler {
	protected := make(map[string]struct{}, len(opts.ProtectedRoutes))
	for _, name := range opts.ProtectedRoutes {
		protected[name] = struct{}{}
	}
	return &Reconciler{
		substrate: substrate,
		admin:     admin,
		opts:      opts,
		lastSeen:  make(map[string]time.Time),
		protected: protected,
		now:       time.Now,
	}
}

// Run ticks until ctx is cancelled. Ticks never overlap: the next one waits
// for the previous to finish.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass. Per-route failures are logged and left
// for the next pass; only a failed listing aborts the whole tick.
func (r *Reconciler) Tick(ctx context.Context) {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Reconciler/Tick")
	defer span.End()

	now := r.now()

	instances, err := r.substrate.ListRunning(ctx)
	if err != nil {
		util.RecordSpanError(span, err)
		logger.Log.Error().Err(err).Msg("failed to list running backends")
		return
	}

	backends := make(map[string]scheduler.Instance, len(instances))
	for _, inst := range instances {
		if inst.AgentID == "" {
			continue
		}
		backends[inst.AgentID] = inst
		r.lastSeen[inst.AgentID] = now
	}

	routes, err := r.admin.ListRoutes(ctx)
	if err != nil {
		util.RecordSpanError(span, err)
		logger.Log.Error().Err(err).Msg("failed to list gateway routes")
		return
	}

	routed := make(map[string]model.GatewayRoute, len(routes))
	for _, route := range routes {
		routed[route.AgentID] = route
	}

	for agentID, inst := range backends {
		want := model.GatewayRoute{
			AgentID:     agentID,
			PathPrefix:  util.RoutePathPrefix(agentID),
			BackendHost: inst.Host,
			BackendPort: inst.Port,
		}
		have, ok := routed[agentID]
		if ok && have == want {
			continue
		}
		if err := r.admin.UpsertRoute(ctx, want); err != nil {
			logger.Log.Error().Err(err).Str("agent_id", agentID).Msg("failed to upsert route")
			continue
		}
		logger.Log.Info().
			Str("agent_id", agentID).
			Str("backend", want.BackendHost).
			Int("port", want.BackendPort).
			Msg("route converged")
	}

	for agentID := range routed {
		if _, alive := backends[agentID]; alive {
			continue
		}
		if _, keep := r.protected[agentID]; keep {
			continue
		}
		seen, known := r.lastSeen[agentID]
		if !known {
			// first sighting of an orphan route, start its clock
			r.lastSeen[agentID] = now
			continue
		}
		if now.Sub(seen) < r.opts.GraceWindow {
			continue
		}
		if err := r.admin.DeleteRoute(ctx, agentID); err != nil {
			logger.Log.Error().Err(err).Str("agent_id", agentID).Msg("failed to delete stale route")
			continue
		}
		delete(r.lastSeen, agentID)
		logger.Log.Info().Str("agent_id", agentID).Msg("stale route removed")
	}

	// entries tracking neither a backend nor a route serve no grace clock
	for agentID := range r.lastSeen {
		if _, alive := backends[agentID]; alive {
			continue
		}
		if _, haveRoute := routed[agentID]; haveRoute {
			continue
		}
		delete(r.lastSeen, agentID)
	}
}
