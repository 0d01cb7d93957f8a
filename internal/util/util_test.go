package util

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetBuildStatusKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		agentID string
		want    string
	}{
		{"normal", "echo", "build:echo"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, GetBuildStatusKey(tt.agentID))
		})
	}
}

func TestGetDeploymentStatusKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		agentID string
		want    string
	}{
		{"normal", "echo", "deployment:echo"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, GetDeploymentStatusKey(tt.agentID))
		})
	}
}

func TestBundleRefs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sourceRef string
		isBundle  bool
		key       string
	}{
		{"bundle ref", "bundle://agents/echo/bundle.tar.gz", true, "agents/echo/bundle.tar.gz"},
		{"git url", "https://github.com/acme/echo.git", false, "https://github.com/acme/echo.git"},
		{"empty", "", false, ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.isBundle, IsBundleRef(tt.sourceRef))
			require.Equal(t, tt.key, BundleKey(tt.sourceRef))
		})
	}
}

func TestRoutePathPrefix(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/agents/echo", RoutePathPrefix("echo"))
}
