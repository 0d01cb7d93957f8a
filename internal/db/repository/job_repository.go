package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/db"
	"github.com/perchlabs/roost/internal/util"
	"github.com/perchlabs/roost/model"
)

type JobRepository struct {
	db *db.DB
}

func NewJobRepository(db *db.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) CreateJob(ctx context.Context, job *model.Job) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateJob")
	defer span.End()

	span.AddEvent("job.context",
		trace.WithAttributes(
			attribute.String("job_id", job.ID.String()),
			attribute.String("agent_id", job.AgentID),
			attribute.String("kind", string(job.Kind)),
		),
	)

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO jobs (id, agent_id, kind, payload, attempt_count, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, job.ID, job.AgentID, job.Kind, payload, job.AttemptCount, job.EnqueuedAt)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *JobRepository) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetJob")
	defer span.End()

	var job model.Job
	var payload []byte
	query := `
		SELECT id, agent_id, kind, payload, attempt_count, enqueued_at
		FROM jobs
		WHERE id = $1`

	row := r.db.Pool.QueryRow(ctx, query, id)
	err := row.Scan(&job.ID, &job.AgentID, &job.Kind, &payload, &job.AttemptCount, &job.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to get job by id %s: %w", id, err)
	}

	if err := json.Unmarshal(payload, &job.Payload); err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to decode payload for job %s: %w", id, err)
	}

	return &job, nil
}

func (r *JobRepository) SetAttemptCount(ctx context.Context, id string, attempts int) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/SetAttemptCount")
	defer span.End()

	_, err := r.db.Pool.Exec(ctx, `
		UPDATE jobs SET attempt_count = $2 WHERE id = $1
	`, id, attempts)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}
