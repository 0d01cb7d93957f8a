package util

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const bundleScheme = "bundle://"

func RecordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func GetBuildStatusKey(agentID string) string {
	return fmt.Sprintf("build:%s", agentID)
}

func GetDeploymentStatusKey(agentID string) string {
	return fmt.Sprintf("deployment:%s", agentID)
}

// IsBundleRef reports whether a source reference points into the jobs bucket
// rather than at a remote git URL.
func IsBundleRef(sourceRef string) bool {
	return strings.HasPrefix(sourceRef, bundleScheme)
}

// BundleKey strips the bundle scheme, returning the object key.
func BundleKey(sourceRef string) string {
	return strings.TrimPrefix(sourceRef, bundleScheme)
}

// RoutePathPrefix is the gateway path under which one agent is exposed.
func RoutePathPrefix(agentID string) string {
	return fmt.Sprintf("/agents/%s", agentID)
}
