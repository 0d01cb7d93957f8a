package model

import (
	"time"

	"github.com/google/uuid"
)

type JobKind string

const (
	JobKindBuild  JobKind = "build"
	JobKindDeploy JobKind = "deploy"
)

// JobPayload carries the inputs for one build or deploy attempt. SourceRef is
// either a bundle://<object-key> reference into the jobs bucket or a fetchable
// git URL. Port, when non-zero, overrides the stored and default ports.
type JobPayload struct {
	SourceRef      string `json:"sourceRef,omitempty"`
	ImageReference string `json:"imageReference,omitempty"`
	Port           int    `json:"port,omitempty"`
}

// Job is one queued unit of build or deploy work. The queue carries only the
// job ID; the document itself lives in the state store.
type Job struct {
	ID           uuid.UUID  `db:"id" json:"id"`
	AgentID      string     `db:"agent_id" json:"agentId"`
	Kind         JobKind    `db:"kind" json:"kind"`
	Payload      JobPayload `db:"payload" json:"payload"`
	AttemptCount int        `db:"attempt_count" json:"attemptCount"`
	EnqueuedAt   *time.Time `db:"enqueued_at" json:"enqueuedAt"`
}

type BuildStatus string

const (
	BuildQueued    BuildStatus = "QUEUED"
	BuildBuilding  BuildStatus = "BUILDING"
	BuildPushing   BuildStatus = "PUSHING"
	BuildSucceeded BuildStatus = "SUCCEEDED"
	BuildFailed    BuildStatus = "FAILED"
)

func (s BuildStatus) IsTerminal() bool {
	return s == BuildSucceeded || s == BuildFailed
}

// BuildRecord is the persisted outcome of one build attempt. Records are never
// deleted; a new attempt for the same agent creates a new record.
type BuildRecord struct {
	BuildID          uuid.UUID   `db:"build_id" json:"buildId"`
	AgentID          string      `db:"agent_id" json:"agentId"`
	SourceRef        string      `db:"source_ref" json:"sourceRef"`
	ImageReference   string      `db:"image_reference" json:"imageReference,omitempty"`
	Status           BuildStatus `db:"status" json:"status"`
	BackendJobHandle string      `db:"backend_job_handle" json:"backendJobHandle,omitempty"`
	ErrorDetail      string      `db:"error_detail" json:"errorDetail,omitempty"`
	CreatedAt        *time.Time  `db:"created_at" json:"createdAt"`
	CompletedAt      *time.Time  `db:"completed_at" json:"completedAt,omitempty"`
}

type DeploymentStatus string

const (
	DeploymentQueued      DeploymentStatus = "QUEUED"
	DeploymentDeploying   DeploymentStatus = "DEPLOYING"
	DeploymentHealthCheck DeploymentStatus = "HEALTH_CHECK"
	DeploymentRunning     DeploymentStatus = "RUNNING"
	DeploymentFailed      DeploymentStatus = "FAILED"
)

func (s DeploymentStatus) IsTerminal() bool {
	return s == DeploymentRunning || s == DeploymentFailed
}

// DeploymentRecord is the persisted outcome of one deploy attempt. A new
// RUNNING record supersedes but does not delete the previous one for the same
// agent.
type DeploymentRecord struct {
	DeploymentID    uuid.UUID        `db:"deployment_id" json:"deploymentId"`
	AgentID         string           `db:"agent_id" json:"agentId"`
	ImageReference  string           `db:"image_reference" json:"imageReference"`
	ResolvedPort    int              `db:"resolved_port" json:"resolvedPort,omitempty"`
	ServiceEndpoint string           `db:"service_endpoint" json:"serviceEndpoint,omitempty"`
	Status          DeploymentStatus `db:"status" json:"status"`
	ErrorDetail     string           `db:"error_detail" json:"errorDetail,omitempty"`
	CreatedAt       *time.Time       `db:"created_at" json:"createdAt"`
	CompletedAt     *time.Time       `db:"completed_at" json:"completedAt,omitempty"`
}

// Agent is the registry metadata for one deployable workload. PreferredPort,
// when non-zero, is the second level of the port resolution fallback.
type Agent struct {
	AgentID       string     `db:"agent_id" json:"agentId"`
	Name          string     `db:"name" json:"name"`
	PreferredPort int        `db:"preferred_port" json:"preferredPort,omitempty"`
	PathPrefix    string     `db:"path_prefix" json:"pathPrefix,omitempty"`
	CreatedAt     *time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt     *time.Time `db:"updated_at" json:"updatedAt"`
}

// DiscoveredBackend is a live instance observed directly from the
// orchestration substrate. The set is rebuilt on every reconciliation tick;
// identity comes from the agent label, never from the instance name.
type DiscoveredBackend struct {
	AgentID    string    `json:"agentId"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	LastSeenAt time.Time `json:"lastSeenAt"`
}

// GatewayRoute is a routing rule believed to exist in the gateway. Only the
// reconciler creates, updates, or deletes these.
type GatewayRoute struct {
	AgentID     string `json:"agentId"`
	PathPrefix  string `json:"pathPrefix"`
	BackendHost string `json:"backendHost"`
	BackendPort int    `json:"backendPort"`
}

// AgentStatus is the combined projection served to status queries: the latest
// build and deployment for one agent, flattened to a stage plus detail.
type AgentStatus struct {
	AgentID     string            `json:"agentId"`
	Stage       string            `json:"stage"`
	Build       *BuildRecord      `json:"build,omitempty"`
	Deployment  *DeploymentRecord `json:"deployment,omitempty"`
	ErrorDetail string            `json:"errorDetail,omitempty"`
	UpdatedAt   *time.Time        `json:"updatedAt,omitempty"`
}

// DeployRequest is the incoming API payload before a Job is persisted.
type DeployRequest struct {
	SourceRef string `json:"sourceRef"`
	ImageTag  string `json:"imageTag,omitempty"`
	Port      int    `json:"port,omitempty"`
}
