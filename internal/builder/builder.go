package builder

import (
	"context"
	"errors"

	"github.com/perchlabs/roost/model"
)

// ErrBackendUnavailable means the build backend could not be reached. The
// caller should retry the job rather than fail the build.
var ErrBackendUnavailable = errors.New("build backend unavailable")

type State string

const (
	StateBuilding  State = "BUILDING"
	StatePushing   State = "PUSHING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// BackendStatus is the backend's view of one submitted build.
type BackendStatus struct {
	State  State
	Detail string
}

type SubmitRequest struct {
	Agent          model.Agent
	SourceRef      string
	ImageReference string
}

type Builder interface {
	// Submit starts a build and returns an opaque handle for polling.
	// Submit does not wait for the build to finish.
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, handle string) (BackendStatus, error)
	// VerifyImage confirms the built image actually exists before the
	// build is recorded as succeeded.
	VerifyImage(ctx context.Context, imageRef string) error
}
