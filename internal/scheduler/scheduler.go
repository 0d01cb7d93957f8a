package scheduler

import (
	"context"
	"errors"

	"github.com/perchlabs/roost/model"
)

// ErrSubstrateUnavailable means the deployment substrate could not be
// reached. The caller should retry the job rather than fail the deployment.
var ErrSubstrateUnavailable = errors.New("deployment substrate unavailable")

type DeployRequest struct {
	Agent          model.Agent
	ImageReference string
	Port           int
}

// Instance is one running deployment of an agent.
type Instance struct {
	InstanceID string
	AgentID    string
	Host       string
	Port       int
}

type Readiness struct {
	Ready  bool
	Detail string
}

type Scheduler interface {
	// Deploy starts a new instance. It never touches instances already
	// running for the same agent; supersession is the caller's job.
	Deploy(ctx context.Context, req DeployRequest) (Instance, error)
	Readiness(ctx context.Context, instanceID string) (Readiness, error)
	// ListRunning returns every instance the scheduler manages, across
	// all agents. The reconciler diffs this against the gateway.
	ListRunning(ctx context.Context) ([]Instance, error)
	Remove(ctx context.Context, instanceID string) error
}
