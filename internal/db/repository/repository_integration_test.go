//go:build integration
// +build integration

package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/perchlabs/roost/internal/db"
	tdb "github.com/perchlabs/roost/tests/integration_test/infra/db"
	"github.com/perchlabs/roost/model"
)

var (
	pgContainer testcontainers.Container
	dbClient    *db.DB
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	pgContainer, dbClient, _ = tdb.SetupContainer(ctx)
	code := m.Run()
	dbClient.Close()
	_ = pgContainer.Terminate(ctx)
	os.Exit(code)
}

func TestAgentRepositoryRoundtrip(t *testing.T) {
	ctx := context.Background()
	repo := NewAgentRepository(dbClient)

	_, err := repo.GetAgent(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	agent := &model.Agent{AgentID: "echo", Name: "echo", PathPrefix: "/agents/echo"}
	require.NoError(t, repo.UpsertAgent(ctx, agent))

	got, err := repo.GetAgent(ctx, "echo")
	require.NoError(t, err)
	require.Equal(t, "echo", got.Name)
	require.Zero(t, got.PreferredPort)

	require.NoError(t, repo.SetPreferredPort(ctx, "echo", 7000))
	got, err = repo.GetAgent(ctx, "echo")
	require.NoError(t, err)
	require.Equal(t, 7000, got.PreferredPort)

	agents, err := repo.ListAgents(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, agents)
}

func TestJobRepositoryRoundtrip(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, NewAgentRepository(dbClient).UpsertAgent(ctx, &model.Agent{AgentID: "jobber", Name: "jobber"}))

	repo := NewJobRepository(dbClient)
	now := time.Now().UTC()
	job := &model.Job{
		ID:      uuid.Must(uuid.NewV7()),
		AgentID: "jobber",
		Kind:    model.JobKindBuild,
		Payload: model.JobPayload{
			SourceRef: "bundle://jobber.tar.gz",
			Port:      9001,
		},
		EnqueuedAt: &now,
	}
	require.NoError(t, repo.CreateJob(ctx, job))

	got, err := repo.GetJobByID(ctx, job.ID.String())
	require.NoError(t, err)
	require.Equal(t, model.JobKindBuild, got.Kind)
	require.Equal(t, "bundle://jobber.tar.gz", got.Payload.SourceRef)
	require.Equal(t, 9001, got.Payload.Port)

	require.NoError(t, repo.SetAttemptCount(ctx, job.ID.String(), 3))
	got, err = repo.GetJobByID(ctx, job.ID.String())
	require.NoError(t, err)
	require.Equal(t, 3, got.AttemptCount)

	_, err = repo.GetJobByID(ctx, uuid.Must(uuid.NewV7()).String())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBuildRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, NewAgentRepository(dbClient).UpsertAgent(ctx, &model.Agent{AgentID: "builder", Name: "builder"}))

	repo := NewBuildRepository(dbClient)

	rec := &model.BuildRecord{
		BuildID:        uuid.Must(uuid.NewV7()),
		AgentID:        "builder",
		SourceRef:      "bundle://builder.tar.gz",
		ImageReference: "registry.local:5000/builder:v1",
		Status:         model.BuildQueued,
	}
	require.NoError(t, repo.Create(ctx, rec))

	active, err := repo.ActiveForAgent(ctx, "builder")
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, rec.BuildID, active.BuildID)

	now := time.Now().UTC()
	rec.Status = model.BuildSucceeded
	rec.BackendJobHandle = "handle-9"
	rec.CompletedAt = &now
	require.NoError(t, repo.Update(ctx, rec))

	active, err = repo.ActiveForAgent(ctx, "builder")
	require.NoError(t, err)
	require.Nil(t, active)

	latest, err := repo.LatestForAgent(ctx, "builder")
	require.NoError(t, err)
	require.Equal(t, model.BuildSucceeded, latest.Status)
	require.Equal(t, "handle-9", latest.BackendJobHandle)

	succeeded, err := repo.SucceededForImage(ctx, "builder", "registry.local:5000/builder:v1")
	require.NoError(t, err)
	require.NotNil(t, succeeded)

	succeeded, err = repo.SucceededForImage(ctx, "builder", "registry.local:5000/builder:v2")
	require.NoError(t, err)
	require.Nil(t, succeeded)
}

// A freshly registered agent has no build or deployment history; every query
// method must report that as a nil record, not as an error, or the first job
// for the agent can never run.
func TestRecordQueriesOnFreshAgent(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, NewAgentRepository(dbClient).UpsertAgent(ctx, &model.Agent{AgentID: "pristine", Name: "pristine"}))

	builds := NewBuildRepository(dbClient)

	active, err := builds.ActiveForAgent(ctx, "pristine")
	require.NoError(t, err)
	require.Nil(t, active)

	latest, err := builds.LatestForAgent(ctx, "pristine")
	require.NoError(t, err)
	require.Nil(t, latest)

	succeeded, err := builds.SucceededForImage(ctx, "pristine", "registry.local:5000/pristine:v1")
	require.NoError(t, err)
	require.Nil(t, succeeded)

	deployments := NewDeploymentRepository(dbClient)

	activeDep, err := deployments.ActiveForAgent(ctx, "pristine")
	require.NoError(t, err)
	require.Nil(t, activeDep)

	latestDep, err := deployments.LatestForAgent(ctx, "pristine")
	require.NoError(t, err)
	require.Nil(t, latestDep)

	running, err := deployments.LastRunning(ctx, "pristine")
	require.NoError(t, err)
	require.Nil(t, running)
}

func TestDeploymentRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, NewAgentRepository(dbClient).UpsertAgent(ctx, &model.Agent{AgentID: "deployer", Name: "deployer"}))

	repo := NewDeploymentRepository(dbClient)

	first := &model.DeploymentRecord{
		DeploymentID:   uuid.Must(uuid.NewV7()),
		AgentID:        "deployer",
		ImageReference: "registry.local:5000/deployer:v1",
		Status:         model.DeploymentQueued,
	}
	require.NoError(t, repo.Create(ctx, first))

	now := time.Now().UTC()
	first.Status = model.DeploymentRunning
	first.ResolvedPort = 5000
	first.ServiceEndpoint = "http://10.0.0.5:5000"
	first.CompletedAt = &now
	require.NoError(t, repo.Update(ctx, first))

	// supersede with a second deployment, the first record stays
	second := &model.DeploymentRecord{
		DeploymentID:   uuid.Must(uuid.NewV7()),
		AgentID:        "deployer",
		ImageReference: "registry.local:5000/deployer:v2",
		Status:         model.DeploymentQueued,
	}
	require.NoError(t, repo.Create(ctx, second))

	active, err := repo.ActiveForAgent(ctx, "deployer")
	require.NoError(t, err)
	require.Equal(t, second.DeploymentID, active.DeploymentID)

	running, err := repo.LastRunning(ctx, "deployer")
	require.NoError(t, err)
	require.Equal(t, first.DeploymentID, running.DeploymentID)

	latest, err := repo.LatestForAgent(ctx, "deployer")
	require.NoError(t, err)
	require.Equal(t, second.DeploymentID, latest.DeploymentID)
}
