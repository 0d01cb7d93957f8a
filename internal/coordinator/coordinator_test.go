package coordinator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/perchlabs/roost/internal/builder"
	"github.com/perchlabs/roost/model"
)

type fakeBuildStore struct {
	records []*model.BuildRecord
	updates int
}

func (s *fakeBuildStore) Create(ctx context.Context, rec *model.BuildRecord) error {
	clone := *rec
	s.records = append(s.records, &clone)
	return nil
}

func (s *fakeBuildStore) Update(ctx context.Context, rec *model.BuildRecord) error {
	s.updates++
	for i, r := range s.records {
		if r.BuildID == rec.BuildID {
			clone := *rec
			s.records[i] = &clone
			return nil
		}
	}
	return errors.New("record not found")
}

func (s *fakeBuildStore) ActiveForAgent(ctx context.Context, agentID string) (*model.BuildRecord, error) {
	for _, r := range s.records {
		if r.AgentID == agentID && !r.Status.IsTerminal() {
			clone := *r
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeBuildStore) SucceededForImage(ctx context.Context, agentID, imageRef string) (*model.BuildRecord, error) {
	for _, r := range s.records {
		if r.AgentID == agentID && r.Status == model.BuildSucceeded && r.ImageReference == imageRef {
			clone := *r
			return &clone, nil
		}
	}
	return nil, nil
}

func (s *fakeBuildStore) latest(t *testing.T) *model.BuildRecord {
	t.Helper()
	require.NotEmpty(t, s.records)
	return s.records[len(s.records)-1]
}

type fakeBuilder struct {
	submitErr    error
	submits      int
	statuses     []builder.BackendStatus
	statusCalls  int
	verifyErr    error
	verifyCalled bool
}

func (b *fakeBuilder) Submit(ctx context.Context, req builder.SubmitRequest) (string, error) {
	b.submits++
	if b.submitErr != nil {
		return "", b.submitErr
	}
	return "handle-1", nil
}

func (b *fakeBuilder) Status(ctx context.Context, handle string) (builder.BackendStatus, error) {
	i := b.statusCalls
	b.statusCalls++
	if i >= len(b.statuses) {
		return b.statuses[len(b.statuses)-1], nil
	}
	return b.statuses[i], nil
}

func (b *fakeBuilder) VerifyImage(ctx context.Context, imageRef string) error {
	b.verifyCalled = true
	return b.verifyErr
}

type fakeStorage struct {
	missing bool
}

func (s *fakeStorage) Upload(ctx context.Context, path string, data []byte) error { return nil }
func (s *fakeStorage) Download(ctx context.Context, path string) ([]byte, error) { return nil, nil }
func (s *fakeStorage) Stat(ctx context.Context, path string) error {
	if s.missing {
		return errors.New("object not found")
	}
	return nil
}
func (s *fakeStorage) Close() {}

func newCoordinator(store *fakeBuildStore, backend *fakeBuilder, objects *fakeStorage) *Coordinator {
	return New(store, backend, objects, nil, Options{
		RegistryURL:  "registry.local:5000",
		PollBase:     time.Millisecond,
		BuildTimeout: 250 * time.Millisecond,
	})
}

func buildJob(agentID string, payload model.JobPayload) *model.Job {
	return &model.Job{
		ID:      uuid.Must(uuid.NewV7()),
		AgentID: agentID,
		Kind:    model.JobKindBuild,
		Payload: payload,
	}
}

func TestRunBuildsThroughToSucceeded(t *testing.T) {
	store := &fakeBuildStore{}
	backend := &fakeBuilder{statuses: []builder.BackendStatus{
		{State: builder.StateBuilding},
		{State: builder.StatePushing},
		{State: builder.StateSucceeded},
	}}
	c := newCoordinator(store, backend, &fakeStorage{})

	agent := &model.Agent{AgentID: "echo"}
	err := c.Run(context.Background(), buildJob("echo", model.JobPayload{SourceRef: "bundle://echo.tar.gz"}), agent)
	require.NoError(t, err)

	rec := store.latest(t)
	require.Equal(t, model.BuildSucceeded, rec.Status)
	require.Equal(t, "handle-1", rec.BackendJobHandle)
	require.Contains(t, rec.ImageReference, "registry.local:5000/echo:v")
	require.NotNil(t, rec.CompletedAt)
	require.True(t, backend.verifyCalled)
}

func TestRunRecordsBackendFailureWithDetail(t *testing.T) {
	store := &fakeBuildStore{}
	backend := &fakeBuilder{statuses: []builder.BackendStatus{
		{State: builder.StateFailed, Detail: "registry authentication failed"},
	}}
	c := newCoordinator(store, backend, &fakeStorage{})

	err := c.Run(context.Background(), buildJob("echo", model.JobPayload{SourceRef: "bundle://echo.tar.gz"}), &model.Agent{AgentID: "echo"})
	require.NoError(t, err)

	rec := store.latest(t)
	require.Equal(t, model.BuildFailed, rec.Status)
	require.Contains(t, rec.ErrorDetail, "authentication failed")
	require.Contains(t, rec.ErrorDetail, "handle-1")
}

func TestRunSkipsSucceededBuildForSameSourceAndImage(t *testing.T) {
	store := &fakeBuildStore{}
	now := time.Now()
	store.records = append(store.records, &model.BuildRecord{
		BuildID:        uuid.Must(uuid.NewV7()),
		AgentID:        "echo",
		SourceRef:      "bundle://echo.tar.gz",
		ImageReference: "registry.local:5000/echo:v1",
		Status:         model.BuildSucceeded,
		CompletedAt:    &now,
	})
	backend := &fakeBuilder{}
	c := newCoordinator(store, backend, &fakeStorage{})

	err := c.Run(context.Background(), buildJob("echo", model.JobPayload{
		SourceRef:      "bundle://echo.tar.gz",
		ImageReference: "registry.local:5000/echo:v1",
	}), &model.Agent{AgentID: "echo"})
	require.NoError(t, err)

	require.Zero(t, backend.submits)
	require.Len(t, store.records, 1)
}

func TestRunResumesActiveBuildWithoutResubmitting(t *testing.T) {
	store := &fakeBuildStore{}
	store.records = append(store.records, &model.BuildRecord{
		BuildID:          uuid.Must(uuid.NewV7()),
		AgentID:          "echo",
		SourceRef:        "bundle://echo.tar.gz",
		ImageReference:   "registry.local:5000/echo:v1",
		Status:           model.BuildBuilding,
		BackendJobHandle: "handle-old",
	})
	backend := &fakeBuilder{statuses: []builder.BackendStatus{{State: builder.StateSucceeded}}}
	c := newCoordinator(store, backend, &fakeStorage{})

	err := c.Run(context.Background(), buildJob("echo", model.JobPayload{SourceRef: "bundle://echo.tar.gz"}), &model.Agent{AgentID: "echo"})
	require.NoError(t, err)

	require.Zero(t, backend.submits)
	require.Equal(t, model.BuildSucceeded, store.latest(t).Status)
}

func TestRunReturnsErrorWhenBackendUnavailable(t *testing.T) {
	store := &fakeBuildStore{}
	backend := &fakeBuilder{submitErr: builder.ErrBackendUnavailable}
	c := newCoordinator(store, backend, &fakeStorage{})

	err := c.Run(context.Background(), buildJob("echo", model.JobPayload{SourceRef: "bundle://echo.tar.gz"}), &model.Agent{AgentID: "echo"})
	require.ErrorIs(t, err, builder.ErrBackendUnavailable)

	// record stays non-terminal so the retry resumes it
	require.Equal(t, model.BuildQueued, store.latest(t).Status)
}

func TestRunFailsWhenBundleIsMissing(t *testing.T) {
	store := &fakeBuildStore{}
	backend := &fakeBuilder{}
	c := newCoordinator(store, backend, &fakeStorage{missing: true})

	err := c.Run(context.Background(), buildJob("echo", model.JobPayload{SourceRef: "bundle://gone.tar.gz"}), &model.Agent{AgentID: "echo"})
	require.NoError(t, err)

	rec := store.latest(t)
	require.Equal(t, model.BuildFailed, rec.Status)
	require.Contains(t, rec.ErrorDetail, "source bundle not found")
	require.Zero(t, backend.submits)
}

func TestRunFailsWhenImageVerificationFails(t *testing.T) {
	store := &fakeBuildStore{}
	backend := &fakeBuilder{
		statuses:  []builder.BackendStatus{{State: builder.StateSucceeded}},
		verifyErr: errors.New("manifest unknown"),
	}
	c := newCoordinator(store, backend, &fakeStorage{})

	err := c.Run(context.Background(), buildJob("echo", model.JobPayload{SourceRef: "bundle://echo.tar.gz"}), &model.Agent{AgentID: "echo"})
	require.NoError(t, err)

	rec := store.latest(t)
	require.Equal(t, model.BuildFailed, rec.Status)
	require.Contains(t, rec.ErrorDetail, "not present")
}

func TestRunFailsWhenBuildTimesOut(t *testing.T) {
	store := &fakeBuildStore{}
	backend := &fakeBuilder{statuses: []builder.BackendStatus{{State: builder.StateBuilding}}}
	c := newCoordinator(store, backend, &fakeStorage{})

	err := c.Run(context.Background(), buildJob("echo", model.JobPayload{SourceRef: "bundle://echo.tar.gz"}), &model.Agent{AgentID: "echo"})
	require.NoError(t, err)

	rec := store.latest(t)
	require.Equal(t, model.BuildFailed, rec.Status)
	require.Contains(t, rec.ErrorDetail, "timed out")
}
