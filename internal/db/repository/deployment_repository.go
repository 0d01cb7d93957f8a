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

type DeploymentRepository struct {
	db *db.DB
}

func NewDeploymentRepository(db *db.DB) *DeploymentRepository {
	return &DeploymentRepository{db: db}
}

const deploymentColumns = `
	deployment_id,
	agent_id,
	image_reference,
	resolved_port,
	service_endpoint,
	status,
	error_detail,
	created_at,
	completed_at`

func scanDeployment(row pgx.Row) (*model.DeploymentRecord, error) {
	var d model.DeploymentRecord
	err := row.Scan(
		&d.DeploymentID,
		&d.AgentID,
		&d.ImageReference,
		&d.ResolvedPort,
		&d.ServiceEndpoint,
		&d.Status,
		&d.ErrorDetail,
		&d.CreatedAt,
		&d.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DeploymentRepository) Create(ctx context.Context, rec *model.DeploymentRecord) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/CreateDeploymentRecord")
	defer span.End()

	span.AddEvent("deployment.context",
		trace.WithAttributes(
			attribute.String("deployment_id", rec.DeploymentID.String()),
			attribute.String("agent_id", rec.AgentID),
		),
	)

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO deployment_records (`+deploymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`,
		rec.DeploymentID,
		rec.AgentID,
		rec.ImageReference,
		rec.ResolvedPort,
		rec.ServiceEndpoint,
		rec.Status,
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

func (r *DeploymentRepository) Update(ctx context.Context, rec *model.DeploymentRecord) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/UpdateDeploymentRecord")
	defer span.End()

	span.AddEvent("deployment.context",
		trace.WithAttributes(
			attribute.String("deployment_id", rec.DeploymentID.String()),
			attribute.String("status", string(rec.Status)),
		),
	)

	_, err := r.db.Pool.Exec(ctx, `
		UPDATE deployment_records
		SET
			resolved_port    = $2,
			service_endpoint = $3,
			status           = $4,
			error_detail     = $5,
			completed_at     = $6
		WHERE deployment_id = $1
	`,
		rec.DeploymentID,
		rec.ResolvedPort,
		rec.ServiceEndpoint,
		rec.Status,
		rec.ErrorDetail,
		rec.CompletedAt,
	)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (r *DeploymentRepository) LatestForAgent(ctx context.Context, agentID string) (*model.DeploymentRecord, error) {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/LatestDeploymentForAgent")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployment_records
		WHERE agent_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, agentID)

	rec, err := scanDeployment(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to load latest deployment for %s: %w", agentID, err)
	}
	return rec, nil
}

func (r *DeploymentRepository) ActiveForAgent(ctx context.Context, agentID string) (*model.DeploymentRecord, error) {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ActiveDeploymentForAgent")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployment_records
		WHERE agent_id = $1 AND status NOT IN ($2, $3)
		ORDER BY created_at DESC
		LIMIT 1`, agentID, model.DeploymentRunning, model.DeploymentFailed)

	rec, err := scanDeployment(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to load active deployment for %s: %w", agentID, err)
	}
	return rec, nil
}

// LastRunning returns the most recent RUNNING deployment. A later FAILED
// attempt leaves this record in place; only a newer RUNNING one supersedes it.
func (r *DeploymentRepository) LastRunning(ctx context.Context, agentID string) (*model.DeploymentRecord, error) {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/LastRunningDeployment")
	defer span.End()

	row := r.db.Pool.QueryRow(ctx, `
		SELECT `+deploymentColumns+`
		FROM deployment_records
		WHERE agent_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`, agentID, model.DeploymentRunning)

	rec, err := scanDeployment(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to load running deployment for %s: %w", agentID, err)
	}
	return rec, nil
}
