package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/cache"
	"github.com/perchlabs/roost/internal/logger"
	"github.com/perchlabs/roost/internal/scheduler"
	"github.com/perchlabs/roost/internal/util"
	"github.com/perchlabs/roost/model"
)

// DeploymentStore is the slice of the deployment repository the manager needs.
type DeploymentStore interface {
	Create(ctx context.Context, rec *model.DeploymentRecord) error
	Update(ctx context.Context, rec *model.DeploymentRecord) error
	ActiveForAgent(ctx context.Context, agentID string) (*model.DeploymentRecord, error)
}

type BuildStore interface {
	LatestForAgent(ctx context.Context, agentID string) (*model.BuildRecord, error)
}

type AgentStore interface {
	SetPreferredPort(ctx context.Context, agentID string, port int) error
}

// Manager drives one deploy job from QUEUED to a terminal status. Like the
// build coordinator, a nil return means the job is settled and a non-nil
// return means retry.
type Manager struct {
	deployments DeploymentStore
	builds      BuildStore
	agents      AgentStore
	substrate   scheduler.Scheduler
	cache       cache.Cache

	defaultPort   int
	pollBase      time.Duration
	healthTimeout time.Duration
}

type Options struct {
	DefaultPort   int
	PollBase      time.Duration
	HealthTimeout time.Duration
}

func NewManager(deployments DeploymentStore, builds BuildStore, agents AgentStore, substrate scheduler.Scheduler, statusCache cache.Cache, opts Options) *Manager {
	return &Manager{
		deployments:   deployments,
		builds:        builds,
		agents:        agents,
		substrate:     substrate,
		cache:         statusCache,
		defaultPort:   opts.DefaultPort,
		pollBase:      opts.PollBase,
		healthTimeout: opts.HealthTimeout,
	}
}

// ResolvePort applies the port fallback: explicit job port, then the agent's
// stored preference, then the platform default.
func ResolvePort(jobPort, preferredPort, defaultPort int) int {
	if jobPort > 0 {
		return jobPort
	}
	if preferredPort > 0 {
		return preferredPort
	}
	return defaultPort
}

func (m *Manager) Run(ctx context.Context, job *model.Job, agent *model.Agent) error {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Deploy/Run")
	defer span.End()

	rec, err := m.reuseOrCreate(ctx, job, agent)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	if rec == nil {
		// terminal-input failure already recorded
		return nil
	}

	port := ResolvePort(job.Payload.Port, agent.PreferredPort, m.defaultPort)
	rec.ResolvedPort = port
	rec.Status = model.DeploymentDeploying
	if err := m.deployments.Update(ctx, rec); err != nil {
		return fmt.Errorf("record deploy start: %w", err)
	}
	m.cacheStatus(ctx, rec)

	instance, err := m.substrate.Deploy(ctx, scheduler.DeployRequest{
		Agent:          *agent,
		ImageReference: rec.ImageReference,
		Port:           port,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrSubstrateUnavailable) {
			// rewind so the retry reuses this record
			rec.Status = model.DeploymentQueued
			if uerr := m.deployments.Update(ctx, rec); uerr != nil {
				logger.Log.Error().Err(uerr).
					Str("agent_id", agent.AgentID).
					Msg("failed to rewind deployment record, retry will replace it")
			}
			return fmt.Errorf("deploy %s: %w", agent.AgentID, err)
		}
		return m.fail(ctx, rec, fmt.Sprintf("deploy: %v", err))
	}

	rec.Status = model.DeploymentHealthCheck
	if err := m.deployments.Update(ctx, rec); err != nil {
		return fmt.Errorf("record health check: %w", err)
	}
	m.cacheStatus(ctx, rec)

	if err := m.awaitReady(ctx, instance); err != nil {
		// the failed instance must not linger; the previous RUNNING
		// instance, if any, is untouched
		m.substrate.Remove(ctx, instance.InstanceID)
		return m.fail(ctx, rec, err.Error())
	}

	now := time.Now().UTC()
	rec.Status = model.DeploymentRunning
	rec.ServiceEndpoint = fmt.Sprintf("http://%s:%d", instance.Host, instance.Port)
	rec.CompletedAt = &now
	if err := m.deployments.Update(ctx, rec); err != nil {
		return fmt.Errorf("record deploy success: %w", err)
	}
	m.cacheStatus(ctx, rec)

	if err := m.agents.SetPreferredPort(ctx, agent.AgentID, port); err != nil {
		logger.Log.Warn().Err(err).Str("agent_id", agent.AgentID).Msg("failed to store preferred port")
	}

	m.removeSuperseded(ctx, agent.AgentID, instance.InstanceID)

	logger.Log.Info().
		Str("agent_id", agent.AgentID).
		Str("endpoint", rec.ServiceEndpoint).
		Msg("deployment running")
	return nil
}

// reuseOrCreate resolves the record this attempt works on. A QUEUED leftover
// is reused; any other non-terminal leftover is from a crashed attempt whose
// instance we cannot identify, so it is closed out and replaced.
func (m *Manager) reuseOrCreate(ctx context.Context, job *model.Job, agent *model.Agent) (*model.DeploymentRecord, error) {
	active, err := m.deployments.ActiveForAgent(ctx, agent.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load active deployment: %w", err)
	}
	if active != nil {
		if active.Status == model.DeploymentQueued {
			return active, nil
		}
		if err := m.fail(ctx, active, "interrupted by retry"); err != nil {
			return nil, err
		}
	}

	imageRef := job.Payload.ImageReference
	if imageRef == "" {
		build, err := m.builds.LatestForAgent(ctx, agent.AgentID)
		if err != nil {
			return nil, fmt.Errorf("load latest build: %w", err)
		}
		if build == nil || build.Status != model.BuildSucceeded {
			rec := m.newRecord(agent.AgentID, "")
			if err := m.deployments.Create(ctx, rec); err != nil {
				return nil, fmt.Errorf("create deployment record: %w", err)
			}
			return nil, m.fail(ctx, rec, "no succeeded build to deploy")
		}
		imageRef = build.ImageReference
	}

	rec := m.newRecord(agent.AgentID, imageRef)
	if err := m.deployments.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create deployment record: %w", err)
	}
	m.cacheStatus(ctx, rec)
	return rec, nil
}

func (m *Manager) newRecord(agentID, imageRef string) *model.DeploymentRecord {
	return &model.DeploymentRecord{
		DeploymentID:   uuid.Must(uuid.NewV7()),
		AgentID:        agentID,
		ImageReference: imageRef,
		Status:         model.DeploymentQueued,
	}
}

func (m *Manager) awaitReady(ctx context.Context, instance scheduler.Instance) error {
	deadline := time.Now().Add(m.healthTimeout)
	delay := m.pollBase

	for {
		ready, err := m.substrate.Readiness(ctx, instance.InstanceID)
		if err == nil && ready.Ready {
			return nil
		}

		if time.Now().After(deadline) {
			detail := ready.Detail
			if err != nil {
				detail = err.Error()
			}
			return fmt.Errorf("instance %s not ready after %s: %s", instance.InstanceID, m.healthTimeout, detail)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < m.pollBase*8 {
			delay *= 2
		}
	}
}

// removeSuperseded tears down every other instance of the agent once the new
// one serves traffic. Failure is logged, the reconciler routes around stale
// instances either way.
func (m *Manager) removeSuperseded(ctx context.Context, agentID, keepInstanceID string) {
	instances, err := m.substrate.ListRunning(ctx)
	if err != nil {
		logger.Log.Warn().Err(err).Str("agent_id", agentID).Msg("failed to list instances for cleanup")
		return
	}
	for _, inst := range instances {
		if inst.AgentID != agentID || inst.InstanceID == keepInstanceID {
			continue
		}
		if err := m.substrate.Remove(ctx, inst.InstanceID); err != nil {
			logger.Log.Warn().Err(err).
				Str("agent_id", agentID).
				Str("instance_id", inst.InstanceID).
				Msg("failed to remove superseded instance")
		}
	}
}

func (m *Manager) fail(ctx context.Context, rec *model.DeploymentRecord, detail string) error {
	now := time.Now().UTC()
	rec.Status = model.DeploymentFailed
	rec.ErrorDetail = detail
	rec.CompletedAt = &now
	if err := m.deployments.Update(ctx, rec); err != nil {
		return fmt.Errorf("record deploy failure: %w", err)
	}
	m.cacheStatus(ctx, rec)

	logger.Log.Error().
		Str("agent_id", rec.AgentID).
		Str("detail", detail).
		Msg("deployment failed")
	return nil
}

func (m *Manager) cacheStatus(ctx context.Context, rec *model.DeploymentRecord) {
	if m.cache == nil {
		return
	}
	if err := m.cache.Put(ctx, util.GetDeploymentStatusKey(rec.AgentID), rec, m.cache.GetDefaultTTL()); err != nil {
		logger.Log.Warn().Err(err).Str("agent_id", rec.AgentID).Msg("failed to cache deployment status")
	}
}
