package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/builder"
	"github.com/perchlabs/roost/internal/cache"
	"github.com/perchlabs/roost/internal/logger"
	"github.com/perchlabs/roost/internal/storage"
	"github.com/perchlabs/roost/internal/util"
	"github.com/perchlabs/roost/model"

	"github.com/google/uuid"
)

// BuildStore is the slice of the build repository the coordinator needs.
type BuildStore interface {
	Create(ctx context.Context, rec *model.BuildRecord) error
	Update(ctx context.Context, rec *model.BuildRecord) error
	ActiveForAgent(ctx context.Context, agentID string) (*model.BuildRecord, error)
	SucceededForImage(ctx context.Context, agentID, imageRef string) (*model.BuildRecord, error)
}

// Coordinator drives one build job from QUEUED to a terminal status. A nil
// return means the job is settled: either SUCCEEDED, or FAILED with the
// failure recorded. A non-nil return means the job should be retried.
type Coordinator struct {
	builds   BuildStore
	backend  builder.Builder
	storage  storage.Storage
	cache    cache.Cache
	registry string

	pollBase time.Duration
	pollMax  time.Duration
	timeout  time.Duration
}

type Options struct {
	RegistryURL  string
	PollBase     time.Duration
	BuildTimeout time.Duration
}

func New(builds BuildStore, backend builder.Builder, store storage.Storage, statusCache cache.Cache, opts Options) *Coordinator {
	return &Coordinator{
		builds:   builds,
		backend:  backend,
		storage:  store,
		cache:    statusCache,
		registry: opts.RegistryURL,
		pollBase: opts.PollBase,
		pollMax:  opts.PollBase * 8,
		timeout:  opts.BuildTimeout,
	}
}

func (c *Coordinator) Run(ctx context.Context, job *model.Job, agent *model.Agent) error {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Coordinator/Run")
	defer span.End()

	imageRef := job.Payload.ImageReference
	if imageRef == "" {
		imageRef = fmt.Sprintf("%s/%s:v%d", c.registry, agent.AgentID, time.Now().Unix())
	}

	// A crashed worker leaves a non-terminal record behind. Resume it
	// instead of starting a second build for the same agent.
	active, err := c.builds.ActiveForAgent(ctx, agent.AgentID)
	if err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("load active build: %w", err)
	}
	if active != nil {
		logger.Log.Info().
			Str("agent_id", agent.AgentID).
			Str("build_id", active.BuildID.String()).
			Str("status", string(active.Status)).
			Msg("resuming unfinished build")
		return c.resume(ctx, active, agent)
	}

	// Unchanged source already built: nothing to do.
	if job.Payload.ImageReference != "" {
		prior, err := c.builds.SucceededForImage(ctx, agent.AgentID, job.Payload.ImageReference)
		if err != nil {
			util.RecordSpanError(span, err)
			return fmt.Errorf("load succeeded build: %w", err)
		}
		if prior != nil && prior.SourceRef == job.Payload.SourceRef {
			logger.Log.Info().
				Str("agent_id", agent.AgentID).
				Str("image", job.Payload.ImageReference).
				Msg("build already succeeded, skipping")
			return nil
		}
	}

	rec := &model.BuildRecord{
		BuildID:        uuid.Must(uuid.NewV7()),
		AgentID:        agent.AgentID,
		SourceRef:      job.Payload.SourceRef,
		ImageReference: imageRef,
		Status:         model.BuildQueued,
	}
	if err := c.builds.Create(ctx, rec); err != nil {
		util.RecordSpanError(span, err)
		return fmt.Errorf("create build record: %w", err)
	}
	c.cacheStatus(ctx, rec)

	if util.IsBundleRef(rec.SourceRef) {
		if err := c.storage.Stat(ctx, util.BundleKey(rec.SourceRef)); err != nil {
			// the bundle is an input, nothing to retry
			return c.fail(ctx, rec, fmt.Sprintf("source bundle not found: %v", err))
		}
	}

	return c.resume(ctx, rec, agent)
}

// resume picks the record up wherever it is: submit if the backend has not
// seen it yet, otherwise poll the existing backend job.
func (c *Coordinator) resume(ctx context.Context, rec *model.BuildRecord, agent *model.Agent) error {
	if rec.BackendJobHandle == "" {
		handle, err := c.backend.Submit(ctx, builder.SubmitRequest{
			Agent:          *agent,
			SourceRef:      rec.SourceRef,
			ImageReference: rec.ImageReference,
		})
		if err != nil {
			if errors.Is(err, builder.ErrBackendUnavailable) {
				return fmt.Errorf("submit build: %w", err)
			}
			return c.fail(ctx, rec, fmt.Sprintf("submit build: %v", err))
		}

		rec.Status = model.BuildBuilding
		rec.BackendJobHandle = handle
		if err := c.builds.Update(ctx, rec); err != nil {
			return fmt.Errorf("record build submission: %w", err)
		}
		c.cacheStatus(ctx, rec)
	}

	return c.poll(ctx, rec)
}

func (c *Coordinator) poll(ctx context.Context, rec *model.BuildRecord) error {
	deadline := time.Now().Add(c.timeout)
	delay := c.pollBase

	for {
		status, err := c.backend.Status(ctx, rec.BackendJobHandle)
		if err != nil {
			if errors.Is(err, builder.ErrBackendUnavailable) {
				return fmt.Errorf("poll build %s: %w", rec.BackendJobHandle, err)
			}
			return c.fail(ctx, rec, fmt.Sprintf("poll build %s: %v", rec.BackendJobHandle, err))
		}

		switch status.State {
		case builder.StateSucceeded:
			if err := c.backend.VerifyImage(ctx, rec.ImageReference); err != nil {
				return c.fail(ctx, rec, fmt.Sprintf("backend reported success but image %s is not present: %v", rec.ImageReference, err))
			}
			return c.succeed(ctx, rec)

		case builder.StateFailed:
			return c.fail(ctx, rec, fmt.Sprintf("backend job %s failed: %s", rec.BackendJobHandle, status.Detail))

		case builder.StatePushing:
			if rec.Status != model.BuildPushing {
				rec.Status = model.BuildPushing
				if err := c.builds.Update(ctx, rec); err != nil {
					return fmt.Errorf("record push phase: %w", err)
				}
				c.cacheStatus(ctx, rec)
			}
		}

		if time.Now().After(deadline) {
			return c.fail(ctx, rec, fmt.Sprintf("build timed out after %s (backend job %s)", c.timeout, rec.BackendJobHandle))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay < c.pollMax {
			delay *= 2
		}
	}
}

func (c *Coordinator) succeed(ctx context.Context, rec *model.BuildRecord) error {
	now := time.Now().UTC()
	rec.Status = model.BuildSucceeded
	rec.CompletedAt = &now
	if err := c.builds.Update(ctx, rec); err != nil {
		return fmt.Errorf("record build success: %w", err)
	}
	c.cacheStatus(ctx, rec)

	logger.Log.Info().
		Str("agent_id", rec.AgentID).
		Str("image", rec.ImageReference).
		Msg("build succeeded")
	return nil
}

func (c *Coordinator) fail(ctx context.Context, rec *model.BuildRecord, detail string) error {
	now := time.Now().UTC()
	rec.Status = model.BuildFailed
	rec.ErrorDetail = detail
	rec.CompletedAt = &now
	if err := c.builds.Update(ctx, rec); err != nil {
		return fmt.Errorf("record build failure: %w", err)
	}
	c.cacheStatus(ctx, rec)

	logger.Log.Error().
		Str("agent_id", rec.AgentID).
		Str("detail", detail).
		Msg("build failed")
	return nil
}

func (c *Coordinator) cacheStatus(ctx context.Context, rec *model.BuildRecord) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Put(ctx, util.GetBuildStatusKey(rec.AgentID), rec, c.cache.GetDefaultTTL()); err != nil {
		logger.Log.Warn().Err(err).Str("agent_id", rec.AgentID).Msg("failed to cache build status")
	}
}
