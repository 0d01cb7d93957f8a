//go:build integration
// +build integration

package minio

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/perchlabs/roost/internal/config"
	infra "github.com/perchlabs/roost/tests/integration_test/infra/minio"
)

var (
	minioContainer testcontainers.Container
	MINIO_ENDPOINT string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		fmt.Println("skipping integration tests")
		os.Exit(0)
	}

	ctx := context.Background()
	minioContainer, MINIO_ENDPOINT = infra.SetupContainer(ctx)

	code := m.Run()
	_ = minioContainer.Terminate(ctx)
	os.Exit(code)
}

func newClient(t *testing.T) *MinioClient {
	t.Helper()

	infra.SetMinioEnv(MINIO_ENDPOINT)
	infra.CreateJobsBucket(t, "jobs", MINIO_ENDPOINT)

	cfg, err := config.GetMinioConfig()
	require.NoError(t, err)

	c, err := NewMinioClient(*cfg)
	require.NoError(t, err)
	return c.(*MinioClient)
}

func TestNewMinioClient_BadURL(t *testing.T) {
	infra.SetMinioEnv(MINIO_ENDPOINT)
	os.Setenv("MINIO_ENDPOINT", "t//")

	cfg, err := config.GetMinioConfig()
	require.NoError(t, err)

	c, err := NewMinioClient(*cfg)
	require.Error(t, err)
	require.Nil(t, c)
}

func TestMinioClient_UploadDownload(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	tests := []struct {
		name       string
		objectPath string
		data       []byte
		expectErr  bool
	}{
		{"Small bundle", "agents/echo/bundle.tar.gz", []byte("hello"), false},
		{"Empty object", "agents/echo/empty.tar.gz", []byte{}, false},
		{"Empty path fails", "", []byte("hello"), true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := c.Upload(ctx, tt.objectPath, tt.data)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)

			got, err := c.Download(ctx, tt.objectPath)
			require.NoError(t, err)
			require.Equal(t, tt.data, got)
		})
	}
}

func TestMinioClient_DownloadMissing(t *testing.T) {
	c := newClient(t)

	data, err := c.Download(context.Background(), "agents/missing/bundle.tar.gz")
	require.Error(t, err)
	require.Nil(t, data)
}

func TestMinioClient_Stat(t *testing.T) {
	c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Upload(ctx, "agents/echo/present.tar.gz", []byte("x")))

	require.NoError(t, c.Stat(ctx, "agents/echo/present.tar.gz"))
	require.Error(t, c.Stat(ctx, "agents/echo/absent.tar.gz"))
}
