package agentservice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/cache"
	"github.com/perchlabs/roost/internal/logger"
	"github.com/perchlabs/roost/internal/queue"
	"github.com/perchlabs/roost/internal/scheduler"
	"github.com/perchlabs/roost/internal/util"
	"github.com/perchlabs/roost/model"
)

type AgentStore interface {
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
	UpsertAgent(ctx context.Context, agent *model.Agent) error
}

type JobStore interface {
	CreateJob(ctx context.Context, job *model.Job) error
}

type BuildStore interface {
	LatestForAgent(ctx context.Context, agentID string) (*model.BuildRecord, error)
}

type DeploymentStore interface {
	LatestForAgent(ctx context.Context, agentID string) (*model.DeploymentRecord, error)
}

// AgentService is the read/write surface behind the HTTP handlers: deploy
// requests become queued Jobs, status reads are served cache-first with the
// store as fallback.
type AgentService struct {
	agents      AgentStore
	jobs        JobStore
	builds      BuildStore
	deployments DeploymentStore
	cache       cache.Cache
	queue       queue.Queue
	substrate   scheduler.Scheduler
}

func NewAgentService(agents AgentStore, jobs JobStore, builds BuildStore, deployments DeploymentStore,
	c cache.Cache, q queue.Queue, substrate scheduler.Scheduler) *AgentService {
	return &AgentService{
		agents:      agents,
		jobs:        jobs,
		builds:      builds,
		deployments: deployments,
		cache:       c,
		queue:       q,
		substrate:   substrate,
	}
}

// CreateDeployJob registers the agent if needed, persists the Job, and
// publishes its ID. A source reference means build-then-deploy; an image tag
// alone deploys directly.
func (s *AgentService) CreateDeployJob(ctx context.Context, agentID string, req model.DeployRequest) (*model.Job, error) {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "AgentService/CreateDeployJob")
	defer span.End()

	if agentID == "" {
		return nil, fmt.Errorf("agent id cannot be empty")
	}
	if req.SourceRef == "" && req.ImageTag == "" {
		return nil, fmt.Errorf("either sourceRef or imageTag is required")
	}

	agent := &model.Agent{
		AgentID:    agentID,
		Name:       agentID,
		PathPrefix: util.RoutePathPrefix(agentID),
	}
	if err := s.agents.UpsertAgent(ctx, agent); err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("register agent %s: %w", agentID, err)
	}

	kind := model.JobKindDeploy
	if req.SourceRef != "" {
		kind = model.JobKindBuild
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:      uuid.Must(uuid.NewV7()),
		AgentID: agentID,
		Kind:    kind,
		Payload: model.JobPayload{
			SourceRef:      req.SourceRef,
			ImageReference: req.ImageTag,
			Port:           req.Port,
		},
		EnqueuedAt: &now,
	}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("persist job: %w", err)
	}

	if err := s.queue.Publish(ctx, queue.JobSubmitted, []byte(job.ID.String())); err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("publish job %s: %w", job.ID, err)
	}

	logger.Log.Info().
		Str("agent_id", agentID).
		Str("job_id", job.ID.String()).
		Str("kind", string(kind)).
		Msg("job accepted")
	return job, nil
}

func (s *AgentService) GetBuild(ctx context.Context, agentID string) (*model.BuildRecord, error) {
	rec := &model.BuildRecord{}
	if err := s.cache.Get(ctx, util.GetBuildStatusKey(agentID), rec); err == nil {
		return rec, nil
	}

	rec, err := s.builds.LatestForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	if err := s.cache.Put(ctx, util.GetBuildStatusKey(agentID), rec, s.cache.GetDefaultTTL()); err != nil {
		logger.Log.Warn().Err(err).Str("agent_id", agentID).Msg("failed to cache build status")
	}
	return rec, nil
}

func (s *AgentService) GetDeployment(ctx context.Context, agentID string) (*model.DeploymentRecord, error) {
	rec := &model.DeploymentRecord{}
	if err := s.cache.Get(ctx, util.GetDeploymentStatusKey(agentID), rec); err == nil {
		return rec, nil
	}

	rec, err := s.deployments.LatestForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	if err := s.cache.Put(ctx, util.GetDeploymentStatusKey(agentID), rec, s.cache.GetDefaultTTL()); err != nil {
		logger.Log.Warn().Err(err).Str("agent_id", agentID).Msg("failed to cache deployment status")
	}
	return rec, nil
}

// GetStatus projects the latest build and deployment into one view: the
// deployment's stage wins once a deployment exists, otherwise the build's.
func (s *AgentService) GetStatus(ctx context.Context, agentID string) (*model.AgentStatus, error) {
	if _, err := s.agents.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}

	build, err := s.GetBuild(ctx, agentID)
	if err != nil {
		return nil, err
	}
	deployment, err := s.GetDeployment(ctx, agentID)
	if err != nil {
		return nil, err
	}

	status := &model.AgentStatus{
		AgentID:    agentID,
		Stage:      "REGISTERED",
		Build:      build,
		Deployment: deployment,
	}

	if build != nil {
		status.Stage = string(build.Status)
		status.ErrorDetail = build.ErrorDetail
		status.UpdatedAt = lastOf(build.CreatedAt, build.CompletedAt)
	}
	if deployment != nil {
		status.Stage = string(deployment.Status)
		status.ErrorDetail = deployment.ErrorDetail
		status.UpdatedAt = lastOf(status.UpdatedAt, deployment.CreatedAt, deployment.CompletedAt)
	}

	return status, nil
}

// ListBackends reports what is actually running, straight from the
// substrate, with no store involvement.
func (s *AgentService) ListBackends(ctx context.Context) ([]model.DiscoveredBackend, error) {
	instances, err := s.substrate.ListRunning(ctx)
	if err != nil {
		return nil, fmt.Errorf("list running backends: %w", err)
	}

	now := time.Now().UTC()
	backends := make([]model.DiscoveredBackend, 0, len(instances))
	for _, inst := range instances {
		backends = append(backends, model.DiscoveredBackend{
			AgentID:    inst.AgentID,
			Host:       inst.Host,
			Port:       inst.Port,
			LastSeenAt: now,
		})
	}
	return backends, nil
}

func lastOf(times ...*time.Time) *time.Time {
	var last *time.Time
	for _, t := range times {
		if t == nil {
			continue
		}
		if last == nil || t.After(*last) {
			last = t
		}
	}
	return last
}
