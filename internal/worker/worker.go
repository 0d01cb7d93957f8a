package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/db/repository"
	"github.com/perchlabs/roost/internal/lock"
	"github.com/perchlabs/roost/internal/logger"
	"github.com/perchlabs/roost/internal/queue"
	"github.com/perchlabs/roost/internal/util"
	"github.com/perchlabs/roost/model"
)

type JobStore interface {
	GetJobByID(ctx context.Context, id string) (*model.Job, error)
	CreateJob(ctx context.Context, job *model.Job) error
	SetAttemptCount(ctx context.Context, id string, attempts int) error
}

type AgentStore interface {
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
}

// Runner settles one job. The build coordinator and the deployment manager
// both satisfy it: nil means settled, non-nil means retry.
type Runner interface {
	Run(ctx context.Context, job *model.Job, agent *model.Agent) error
}

type BuildStore interface {
	Create(ctx context.Context, rec *model.BuildRecord) error
	LatestForAgent(ctx context.Context, agentID string) (*model.BuildRecord, error)
}

type DeploymentCreator interface {
	Create(ctx context.Context, rec *model.DeploymentRecord) error
}

type Options struct {
	Owner       string
	MaxAttempts int
	LeaseTTL    time.Duration
	RetryDelay  time.Duration
	FetchBatch  int
	FetchWait   time.Duration
}

// Worker consumes the job stream and dispatches each job under the agent's
// lease. Acking policy follows the failure class: input and execution
// failures are settled and acked, transient failures are nak'd until the
// delivery budget runs out, store failures leave the message untouched so it
// redelivers.
type Worker struct {
	consumer     queue.Consumer
	publisher    queue.Queue
	jobs         JobStore
	agents       AgentStore
	locker       lock.Locker
	buildRunner  Runner
	deployRunner Runner
	builds       BuildStore
	deployments  DeploymentCreator
	opts         Options
}

func New(consumer queue.Consumer, publisher queue.Queue, jobs JobStore, agents AgentStore, locker lock.Locker,
	buildRunner, deployRunner Runner, builds BuildStore, deployments DeploymentCreator, opts Options) *Worker {
	if opts.FetchBatch <= 0 {
		opts.FetchBatch = 1
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = 30 * time.Second
	}
	return &Worker{
		consumer:     consumer,
		publisher:    publisher,
		jobs:         jobs,
		agents:       agents,
		locker:       locker,
		buildRunner:  buildRunner,
		deployRunner: deployRunner,
		builds:       builds,
		deployments:  deployments,
		opts:         opts,
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight handlers.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		default:
		}

		msgs, err := w.consumer.Fetch(ctx, w.opts.FetchBatch, w.opts.FetchWait)
		if err != nil {
			logger.Log.Warn().Err(err).Msg("fetch failed")
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			wg.Add(1)
			go func(msg queue.Msg) {
				defer wg.Done()
				w.Handle(msg)
			}(msg)
		}
	}
}

// Handle settles one message. Exported so tests drive it directly.
func (w *Worker) Handle(msg queue.Msg) {
	ctx := msg.Ctx()

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Worker/Handle")
	defer span.End()

	jobID := string(msg.Data())

	job, err := w.jobs.GetJobByID(ctx, jobID)
	if errors.Is(err, repository.ErrNotFound) {
		logger.Log.Error().Str("job_id", jobID).Msg("job not in store, dropping")
		msg.Ack()
		return
	}
	if err != nil {
		// store trouble: leave the message for redelivery
		util.RecordSpanError(span, err)
		logger.Log.Error().Err(err).Str("job_id", jobID).Msg("failed to load job")
		return
	}

	delivered, err := msg.NumDelivered()
	if err != nil {
		delivered = 1
	}
	if err := w.jobs.SetAttemptCount(ctx, jobID, int(delivered)); err != nil {
		logger.Log.Warn().Err(err).Str("job_id", jobID).Msg("failed to record attempt count")
	}

	agent, err := w.agents.GetAgent(ctx, job.AgentID)
	if errors.Is(err, repository.ErrNotFound) {
		w.settleInvalid(ctx, job, fmt.Sprintf("agent %s is not registered", job.AgentID))
		msg.Ack()
		return
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return
	}

	if job.Kind == model.JobKindBuild && job.Payload.SourceRef == "" {
		w.settleInvalid(ctx, job, "build job has no source reference")
		msg.Ack()
		return
	}

	// one agent, one in-flight job
	if err := w.locker.Acquire(ctx, job.AgentID, w.opts.Owner, w.opts.LeaseTTL); err != nil {
		if errors.Is(err, lock.ErrLeaseHeld) {
			// each delay consumes a delivery, so the budget applies here
			// too; exhausting it must leave a record, not a silent drop
			if int(delivered) >= w.opts.MaxAttempts {
				logger.Log.Error().
					Str("job_id", jobID).
					Str("agent_id", job.AgentID).
					Uint64("delivered", delivered).
					Msg("delivery budget exhausted waiting for agent lease, dead-lettering")
				w.settleInvalid(ctx, job, fmt.Sprintf("gave up after %d attempts waiting for agent lease", delivered))
				msg.Term()
				return
			}
			logger.Log.Info().
				Str("job_id", jobID).
				Str("agent_id", job.AgentID).
				Msg("agent lease held elsewhere, delaying")
			msg.NakWithDelay(w.opts.RetryDelay)
			return
		}
		util.RecordSpanError(span, err)
		return
	}
	defer w.locker.Release(ctx, job.AgentID, w.opts.Owner)

	var runErr error
	switch job.Kind {
	case model.JobKindBuild:
		runErr = w.buildRunner.Run(ctx, job, agent)
	case model.JobKindDeploy:
		runErr = w.deployRunner.Run(ctx, job, agent)
	default:
		w.settleInvalid(ctx, job, fmt.Sprintf("unsupported job kind %q", job.Kind))
		msg.Ack()
		return
	}

	if runErr == nil {
		if job.Kind == model.JobKindBuild {
			w.chainDeploy(ctx, job)
		}
		msg.Ack()
		return
	}

	util.RecordSpanError(span, runErr)

	if int(delivered) >= w.opts.MaxAttempts {
		logger.Log.Error().Err(runErr).
			Str("job_id", jobID).
			Str("agent_id", job.AgentID).
			Uint64("delivered", delivered).
			Msg("delivery budget exhausted, dead-lettering")
		w.settleInvalid(ctx, job, fmt.Sprintf("gave up after %d attempts: %v", delivered, runErr))
		msg.Term()
		return
	}

	logger.Log.Warn().Err(runErr).
		Str("job_id", jobID).
		Str("agent_id", job.AgentID).
		Uint64("delivered", delivered).
		Msg("job failed, will retry")
	msg.Nak()
}

// chainDeploy enqueues the follow-up deploy once a build job settles with a
// SUCCEEDED record. A failed build settles too, so the record is checked.
func (w *Worker) chainDeploy(ctx context.Context, buildJob *model.Job) {
	build, err := w.builds.LatestForAgent(ctx, buildJob.AgentID)
	if err != nil {
		logger.Log.Error().Err(err).Str("agent_id", buildJob.AgentID).Msg("failed to load build for deploy chaining")
		return
	}
	if build == nil || build.Status != model.BuildSucceeded {
		return
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:      uuid.Must(uuid.NewV7()),
		AgentID: buildJob.AgentID,
		Kind:    model.JobKindDeploy,
		Payload: model.JobPayload{
			ImageReference: build.ImageReference,
			Port:           buildJob.Payload.Port,
		},
		EnqueuedAt: &now,
	}
	if err := w.jobs.CreateJob(ctx, job); err != nil {
		logger.Log.Error().Err(err).Str("agent_id", buildJob.AgentID).Msg("failed to persist deploy job")
		return
	}
	if err := w.publisher.Publish(ctx, queue.JobSubmitted, []byte(job.ID.String())); err != nil {
		logger.Log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to publish deploy job")
		return
	}

	logger.Log.Info().
		Str("agent_id", buildJob.AgentID).
		Str("job_id", job.ID.String()).
		Str("image", build.ImageReference).
		Msg("deploy job enqueued after build")
}

// settleInvalid writes the terminal FAILED record for a job that will never
// run, so status queries see the outcome rather than silence.
func (w *Worker) settleInvalid(ctx context.Context, job *model.Job, detail string) {
	now := time.Now().UTC()

	switch job.Kind {
	case model.JobKindDeploy:
		rec := &model.DeploymentRecord{
			DeploymentID:   uuid.Must(uuid.NewV7()),
			AgentID:        job.AgentID,
			ImageReference: job.Payload.ImageReference,
			Status:         model.DeploymentFailed,
			ErrorDetail:    detail,
			CompletedAt:    &now,
		}
		if err := w.deployments.Create(ctx, rec); err != nil {
			logger.Log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to record dead-lettered deployment")
		}
	default:
		rec := &model.BuildRecord{
			BuildID:        uuid.Must(uuid.NewV7()),
			AgentID:        job.AgentID,
			SourceRef:      job.Payload.SourceRef,
			ImageReference: job.Payload.ImageReference,
			Status:         model.BuildFailed,
			ErrorDetail:    detail,
			CompletedAt:    &now,
		}
		if err := w.builds.Create(ctx, rec); err != nil {
			logger.Log.Error().Err(err).Str("job_id", job.ID.String()).Msg("failed to record dead-lettered build")
		}
	}

	logger.Log.Error().
		Str("job_id", job.ID.String()).
		Str("agent_id", job.AgentID).
		Str("detail", detail).
		Msg("job settled as failed")
}
