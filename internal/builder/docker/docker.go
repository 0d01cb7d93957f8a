package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moby/moby/client"

	"github.com/perchlabs/roost/internal/agent_tracer"
	"github.com/perchlabs/roost/internal/builder"
	"github.com/perchlabs/roost/internal/logger"
	"github.com/perchlabs/roost/internal/storage"
	"github.com/perchlabs/roost/internal/util"
)

// DockerBuilder builds agent images on the local docker daemon and pushes
// them to the configured registry. Builds run asynchronously; callers poll
// through Status with the handle returned by Submit.
type DockerBuilder struct {
	docker  *client.Client
	storage storage.Storage
	timeout time.Duration

	mu     sync.Mutex
	builds map[string]*buildState
}

type buildState struct {
	mu     sync.Mutex
	status builder.BackendStatus
}

func NewDockerBuilder(store storage.Storage, buildTimeout time.Duration) (builder.Builder, error) {
	dc, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to initialise docker")
	}
	return &DockerBuilder{
		docker:  dc,
		storage: store,
		timeout: buildTimeout,
		builds:  make(map[string]*buildState),
	}, nil
}

func (d *DockerBuilder) Submit(ctx context.Context, req builder.SubmitRequest) (string, error) {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Builder/Submit")
	defer span.End()

	if _, err := d.docker.Ping(ctx, client.PingOptions{}); err != nil {
		util.RecordSpanError(span, err)
		return "", builder.ErrBackendUnavailable
	}

	var buildContext io.Reader
	remoteContext := ""
	if util.IsBundleRef(req.SourceRef) {
		data, err := d.storage.Download(ctx, util.BundleKey(req.SourceRef))
		if err != nil {
			util.RecordSpanError(span, err)
			return "", fmt.Errorf("fetch source bundle: %w", err)
		}
		buildContext = bytes.NewReader(data)
	} else {
		// git or http source, the daemon fetches it itself
		remoteContext = req.SourceRef
	}

	handle := uuid.NewString()
	state := &buildState{status: builder.BackendStatus{State: builder.StateBuilding}}

	d.mu.Lock()
	d.builds[handle] = state
	d.mu.Unlock()

	go d.run(state, req, buildContext, remoteContext)

	return handle, nil
}

// run drives one build to a terminal state. It owns the docker calls so
// that Submit can return immediately.
func (d *DockerBuilder) run(state *buildState, req builder.SubmitRequest, buildContext io.Reader, remoteContext string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	resp, err := d.docker.ImageBuild(ctx, buildContext, client.ImageBuildOptions{
		Tags:          []string{req.ImageReference},
		Dockerfile:    "Dockerfile",
		Remove:        true,
		RemoteContext: remoteContext,
	})
	if err != nil {
		state.set(builder.StateFailed, fmt.Sprintf("build: %v", err))
		return
	}
	if err := drainStream(resp.Body); err != nil {
		state.set(builder.StateFailed, fmt.Sprintf("build: %v", err))
		return
	}

	state.set(builder.StatePushing, "")

	push, err := d.docker.ImagePush(ctx, req.ImageReference, client.ImagePushOptions{})
	if err != nil {
		state.set(builder.StateFailed, fmt.Sprintf("push: %v", err))
		return
	}
	if err := drainStream(push); err != nil {
		state.set(builder.StateFailed, fmt.Sprintf("push: %v", err))
		return
	}

	logger.Log.Info().
		Str("agent_id", req.Agent.AgentID).
		Str("image", req.ImageReference).
		Msg("image built and pushed")

	state.set(builder.StateSucceeded, "")
}

func (d *DockerBuilder) Status(ctx context.Context, handle string) (builder.BackendStatus, error) {
	d.mu.Lock()
	state, ok := d.builds[handle]
	d.mu.Unlock()

	if !ok {
		return builder.BackendStatus{}, fmt.Errorf("unknown build handle %s", handle)
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return state.status, nil
}

func (d *DockerBuilder) VerifyImage(ctx context.Context, imageRef string) error {

	tracer := agent_tracer.GetTracer()
	ctx, span := tracer.Start(ctx, "Builder/VerifyImage")
	defer span.End()

	if _, err := d.docker.ImageInspect(ctx, imageRef); err != nil {
		util.RecordSpanError(span, err)
		return err
	}
	return nil
}

func (s *buildState) set(st builder.State, detail string) {
	s.mu.Lock()
	s.status = builder.BackendStatus{State: st, Detail: detail}
	s.mu.Unlock()
}

// drainStream consumes a docker progress stream and surfaces the error
// the daemon reports inline instead of via the HTTP status.
func drainStream(body io.ReadCloser) error {
	defer body.Close()

	dec := json.NewDecoder(body)
	for {
		var line struct {
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
			Error string `json:"error"`
		}
		if err := dec.Decode(&line); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if line.Error != "" {
			return fmt.Errorf("%s", line.Error)
		}
	}
}
