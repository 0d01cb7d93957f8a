package docker

import (
	"context"
	"fmt"
	"strconv"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/scheduler"
	"github.com/perchlabs/roost/internal/util"
)

const (
	labelAgentID = "roost.agent_id"
	labelPort    = "roost.port"
)

// DockerScheduler runs agent instances as labelled containers on the local
// daemon. The labels are the source of truth the reconciler reads.
type DockerScheduler struct {
	docker *client.Client
}

func NewDockerScheduler() (scheduler.Scheduler, error) {
	dc, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialise docker")
	}
	return &DockerScheduler{docker: dc}, nil
}

func (d *DockerScheduler) Deploy(ctx context.Context, req scheduler.DeployRequest) (scheduler.Instance, error) {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Scheduler/Deploy")
	defer span.End()

	if _, err := d.docker.Ping(ctx, client.PingOptions{}); err != nil {
		util.RecordSpanError(span, err)
		return scheduler.Instance{}, scheduler.ErrSubstrateUnavailable
	}

	cfg := &container.Config{
		Image: req.ImageReference,
		Labels: map[string]string{
			labelAgentID: req.Agent.AgentID,
			labelPort:    strconv.Itoa(req.Port),
		},
		Env: []string{fmt.Sprintf("PORT=%d", req.Port)},
	}
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}

	created, err := d.docker.ContainerCreate(ctx, client.ContainerCreateOptions{
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: &network.NetworkingConfig{},
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return scheduler.Instance{}, err
	}

	if _, err := d.docker.ContainerStart(ctx, created.ID, client.ContainerStartOptions{}); err != nil {
		util.RecordSpanError(span, err)
		d.docker.ContainerRemove(ctx, created.ID, client.ContainerRemoveOptions{Force: true})
		return scheduler.Instance{}, err
	}

	return scheduler.Instance{
		InstanceID: created.ID,
		AgentID:    req.Agent.AgentID,
		Host:       d.instanceHost(ctx, created.ID),
		Port:       req.Port,
	}, nil
}

// instanceHost resolves the address the gateway should dial. Falls back to
// the container id, which resolves on a shared docker network.
func (d *DockerScheduler) instanceHost(ctx context.Context, instanceID string) string {
	inspect, err := d.docker.ContainerInspect(ctx, instanceID, client.ContainerInspectOptions{})
	if err != nil {
		return instanceID[:12]
	}
	for _, endpoint := range inspect.Container.NetworkSettings.Networks {
		if ip := endpoint.IPAddress.String(); ip != "" {
			return ip
		}
	}
	return instanceID[:12]
}

func (d *DockerScheduler) Readiness(ctx context.Context, instanceID string) (scheduler.Readiness, error) {
	inspect, err := d.docker.ContainerInspect(ctx, instanceID, client.ContainerInspectOptions{})
	if err != nil {
		return scheduler.Readiness{}, err
	}

	state := inspect.Container.State
	switch {
	case state.Status == container.StateRunning && state.Health != nil:
		return scheduler.Readiness{
			Ready:  state.Health.Status == container.Healthy,
			Detail: string(state.Health.Status),
		}, nil
	case state.Status == container.StateRunning:
		return scheduler.Readiness{Ready: true, Detail: string(state.Status)}, nil
	default:
		return scheduler.Readiness{Ready: false, Detail: string(state.Status)}, nil
	}
}

func (d *DockerScheduler) ListRunning(ctx context.Context) ([]scheduler.Instance, error) {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Scheduler/ListRunning")
	defer span.End()

	list, err := d.docker.ContainerList(ctx, client.ContainerListOptions{
		Filters: make(client.Filters).Add("label", labelAgentID),
	})
	if err != nil {
		util.RecordSpanError(span, err)
		return nil, scheduler.ErrSubstrateUnavailable
	}

	instances := make([]scheduler.Instance, 0, len(list.Items))
	for _, c := range list.Items {
		port, _ := strconv.Atoi(c.Labels[labelPort])
		instances = append(instances, scheduler.Instance{
			InstanceID: c.ID,
			AgentID:    c.Labels[labelAgentID],
			Host:       d.instanceHost(ctx, c.ID),
			Port:       port,
		})
	}
	return instances, nil
}

func (d *DockerScheduler) Remove(ctx context.Context, instanceID string) error {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Scheduler/Remove")
	defer span.End()

	timeout := 10
	d.docker.ContainerStop(ctx, instanceID, client.ContainerStopOptions{Timeout: &timeout})

	if _, err := d.docker.ContainerRemove(ctx, instanceID, client.ContainerRemoveOptions{Force: true}); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}
