package repository

import (
	"context"
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

type BuildRepository struct {
	db *db.DB
}

func NewBuildRepository(db *db.DB) *BuildRepository {
	return &BuildRepository{db: db}
}

const buildColumns = `
	build_id,
	agent_id,
	source_ref,
	image_reference,
	status,
	backend_job_handle,
	error_detail,
	created_at,
	completed_at`

func scanBuild(row pgx.Row) (*model.BuildRecord, error) {
	var b model.BuildRecord
	err := row.Scan(
		&b.BuildID,
		&b.AgentID,
		&b.SourceRef,
		&b.ImageReference,
		&b.Status,
		&b.BackendJobHandle,
		&b.ErrorDetail,
		&b.CreatedAt,
		&b.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *BuildRepository) Create(ctx context.Context, rec *model.BuildRecord) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateBuildRecord")
	defer span.End()

	span.AddEvent("build.context",
		trace.WithAttributes(
			attribute.String("build_id", rec.BuildID.String()),
			attribute.String("agent_id", rec.AgentID),
		),
	)

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO build_records (`+buildColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		rec.BuildID,
		rec.AgentID,
		rec.SourceRef,
		rec.ImageReference,
		rec.Status,
		rec.BackendJobHandle,
		rec.ErrorDetail,
		rec.CreatedAt,
		rec.CompletedAt,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *BuildRepository) Update(ctx context.Context, rec *model.BuildRecord) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/UpdateBuildRecord")
	defer span.End()

	span.AddEvent("build.context",
		trace.WithAttributes(
			attribute.String("build_id", rec.BuildID.String()),
			attribute.String("status", string(rec.Status)),
		),
	)

	_, err := r.db.Pool.Exec(ctx, `
		UPDATE build_records
		SET
			image_reference    = $2,
			status             = $3,
			backend_job_handle = $4,
			error_detail       = $5,
			completed_at       = $6
		WHERE build_id = $1
	`,
		rec.BuildID,
		rec.ImageReference,
		rec.Status,
		rec.BackendJobHandle,
		rec.ErrorDetail,
		rec.CompletedAt,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *BuildRepository) LatestForAgent(ctx context.Context, agentID string) (*model.BuildRecord, error) {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/LatestBuildForAgent")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+buildColumns+`
		FROM build_records
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, agentID)

	rec, err := scanBuild(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to load latest build for %s: %w", agentID, err)
	}
	return rec, nil
}

// ActiveForAgent returns the single non-terminal build record for an agent,
// or nil when none exists. The per-agent lease guarantees at most one.
func (r *BuildRepository) ActiveForAgent(ctx context.Context, agentID string) (*model.BuildRecord, error) {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ActiveBuildForAgent")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+buildColumns+`
		FROM build_records
		WHERE agent_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1`, agentID, model.BuildSucceeded, model.BuildFailed)

	rec, err := scanBuild(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to load active build for %s: %w", agentID, err)
	}
	return rec, nil
}

// SucceededForImage checks the deploy precondition: the image must come out of
// a successful build for the same agent.
func (r *BuildRepository) SucceededForImage(ctx context.Context, agentID, imageRef string) (*model.BuildRecord, error) {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/SucceededBuildForImage")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+buildColumns+`
		FROM build_records
		WHERE agent_id = $1 AND image_reference = $2 AND status = $3
		ORDER BY created_at DESC
		LIMIT 1`, agentID, imageRef, model.BuildSucceeded)

	rec, err := scanBuild(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to load succeeded build for %s: %w", agentID, err)
	}
	return rec, nil
}
