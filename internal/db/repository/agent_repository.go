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

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

type AgentRepository struct {
	db *db.DB
}

func NewAgentRepository(db *db.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

func (r *AgentRepository) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/GetAgent")
	defer span.End()

	span.AddEvent("agent.context",
		trace.WithAttributes(attribute.String("agent_id", agentID)),
	)

	var a model.Agent
	query := `
		SELECT agent_id, name, preferred_port, path_prefix, created_at, updated_at
		FROM agents
		WHERE agent_id = $1`

	row := r.db.Pool.QueryRow(ctx, query, agentID)
	err := row.Scan(&a.AgentID, &a.Name, &a.PreferredPort, &a.PathPrefix, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, fmt.Errorf("failed to get agent %s: %w", agentID, err)
	}

	return &a, nil
}

func (r *AgentRepository) ListAgents(ctx context.Context) ([]*model.Agent, error) {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/ListAgents")
	defer span.End()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT agent_id, name, preferred_port, path_prefix, created_at, updated_at
		FROM agents
		ORDER BY agent_id`)
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		var a model.Agent
		if err := rows.Scan(&a.AgentID, &a.Name, &a.PreferredPort, &a.PathPrefix, &a.CreatedAt, &a.UpdatedAt); err != nil {
			util.RecordSpanError(span, err)
			return nil, err
		}
		agents = append(agents, &a)
	}

	if err := rows.Err(); err != nil {
		util.RecordSpanError(span, err)
		return nil, err
	}

	return agents, nil
}

func (r *AgentRepository) UpsertAgent(ctx context.Context, agent *model.Agent) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/UpsertAgent")
	defer span.End()

	span.AddEvent("agent.context",
		trace.WithAttributes(attribute.String("agent_id", agent.AgentID)),
	)

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO agents (agent_id, name, preferred_port, path_prefix)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (agent_id) DO UPDATE SET
			name           = EXCLUDED.name,
			preferred_port = EXCLUDED.preferred_port,
			path_prefix    = EXCLUDED.path_prefix,
			updated_at     = now()
	`, agent.AgentID, agent.Name, agent.PreferredPort, agent.PathPrefix)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

// SetPreferredPort records the port an agent last came up on, leaving the rest
// of the metadata untouched. Missing agents are created on the fly so the port
// fallback survives out-of-band registrations.
func (r *AgentRepository) SetPreferredPort(ctx context.Context, agentID string, port int) error {
	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Postgres/SetPreferredPort")
	defer span.End()

	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO agents (agent_id, name, preferred_port)
		VALUES ($1, $1, $2)
		ON CONFLICT (agent_id) DO UPDATE SET
			preferred_port = EXCLUDED.preferred_port,
			updated_at     = now()
	`, agentID, port)
	if err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}
