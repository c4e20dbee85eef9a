// Package models defines the data structures shared across the application.
// It imports no other internal package, making it the foundation of the
// dependency graph.
package models

import "time"

// DeploymentStatus is the lifecycle state of a deployment. A named string
// type keeps status assignments to the declared constants.
type DeploymentStatus string

const (
	// StatusQueued means the job is accepted and waiting for a worker.
	StatusQueued DeploymentStatus = "queued"

	// StatusBuilding means a worker is detecting, building or starting
	// the deployment.
	StatusBuilding DeploymentStatus = "building"

	// StatusActive means the container is running and reachable.
	StatusActive DeploymentStatus = "active"

	// StatusStopped means the container exists but is not running.
	StatusStopped DeploymentStatus = "stopped"

	// StatusFailed means the pipeline errored before the container was
	// confirmed healthy.
	StatusFailed DeploymentStatus = "failed"
)

// SourceType says where the deployment's source files came from.
type SourceType string

const (
	// SourceRemoteRepo is a cloned git repository.
	SourceRemoteRepo SourceType = "remote_repo"

	// SourceUploadedArchive is a user-uploaded zip archive.
	SourceUploadedArchive SourceType = "uploaded_archive"
)

// DeploymentType distinguishes static sites from long-running services.
type DeploymentType string

const (
	TypeStatic  DeploymentType = "static"
	TypeService DeploymentType = "service"
)

// Runtime identifies the language stack a deployment runs on.
type Runtime string

const (
	RuntimePython Runtime = "python"
	RuntimeNodeJS Runtime = "nodejs"
	RuntimeJava   Runtime = "java"
	RuntimeStatic Runtime = "static"
)

// EnvVar is one user-supplied environment variable. Order is preserved,
// so it is a slice of pairs rather than a map.
type EnvVar struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DeployConfig carries the recognized per-deployment options. Every field
// is optional; the recipe synthesizer fills runtime-specific defaults.
type DeployConfig struct {
	Runtime           string `json:"runtime,omitempty"`
	EntryFile         string `json:"entryFile,omitempty"`
	Port              string `json:"port,omitempty"`
	BuildCommand      string `json:"buildCommand,omitempty"`
	StartCommand      string `json:"startCommand,omitempty"`
	PublishDir        string `json:"publishDir,omitempty"`
	UseDevMode        bool   `json:"useDevMode,omitempty"`
	PersistentStorage bool   `json:"persistentStorage,omitempty"`
	VolumeName        string `json:"volumeName,omitempty"`
	HealthCheckPath   string `json:"healthCheckPath,omitempty"`
	AutoRestart       bool   `json:"autoRestart,omitempty"`
}

// Deployment is the root entity, mapping 1:1 to the deployments table.
// Pointer fields are optional: a zip deployment has no repo, a queued
// deployment has no container yet.
type Deployment struct {
	// ID is the first 8 hex characters of a UUID v4, assigned at submit
	// time and immutable afterwards.
	ID string `json:"id" db:"id"`

	ProjectName    string           `json:"project_name" db:"project_name"`
	Source         SourceType       `json:"source" db:"source"`
	DeploymentType DeploymentType   `json:"deployment_type" db:"deployment_type"`
	Status         DeploymentStatus `json:"status" db:"status"`

	// Repo, Branch and Filename describe the source; repo/branch for
	// remote_repo, filename for uploaded_archive.
	Repo     *string `json:"repo,omitempty" db:"repo"`
	Branch   *string `json:"branch,omitempty" db:"branch"`
	Filename *string `json:"filename,omitempty" db:"filename"`

	// ContainerID and HostPort stay nil until the deployment is active.
	// The host port is assigned by the engine, never by the user.
	ContainerID *string `json:"container_id,omitempty" db:"container_id"`
	HostPort    *int    `json:"host_port,omitempty" db:"host_port"`

	// URL is the reverse-proxy path; DirectURL is the public
	// http://{host}:{port} address.
	URL       string  `json:"url" db:"url"`
	DirectURL *string `json:"direct_url,omitempty" db:"direct_url"`

	Config               DeployConfig `json:"config" db:"config"`
	EnvironmentVariables []EnvVar     `json:"environment_variables" db:"environment_variables"`

	// Version starts at 1 and increases monotonically with every rollout.
	Version int `json:"version" db:"version"`

	CustomDomain *string `json:"custom_domain,omitempty" db:"custom_domain"`

	// VolumePath names the persistent named volume, when one is mounted.
	VolumePath *string `json:"volume_path,omitempty" db:"volume_path"`

	// Timestamp is the creation/last-update instant.
	Timestamp time.Time `json:"timestamp" db:"timestamp"`
}

// DeploymentVersion is an immutable snapshot of one rollout. At most 10
// are retained per deployment; the 11th evicts the oldest.
type DeploymentVersion struct {
	DeploymentID string       `json:"deployment_id" db:"deployment_id"`
	Version      int          `json:"version" db:"version"`
	ContainerID  *string      `json:"container_id,omitempty" db:"container_id"`
	Config       DeployConfig `json:"config" db:"config_snapshot"`
	Status       string       `json:"status" db:"status"`
	Timestamp    time.Time    `json:"timestamp" db:"timestamp"`
}

// VersionStatusPrevious marks superseded version rows.
const VersionStatusPrevious = "previous"

// MetricSample is one resource usage reading derived from an engine stats
// snapshot.
type MetricSample struct {
	DeploymentID string    `json:"deployment_id" db:"deployment_id"`
	Timestamp    time.Time `json:"timestamp" db:"timestamp"`
	CPUPercent   float64   `json:"cpu_percent" db:"cpu_percent"`
	MemoryMB     float64   `json:"memory_mb" db:"memory_mb"`
	NetworkRxMB  float64   `json:"net_rx_mb" db:"net_rx_mb"`
	NetworkTxMB  float64   `json:"net_tx_mb" db:"net_tx_mb"`
}
