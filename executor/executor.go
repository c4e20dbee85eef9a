// Package executor runs queued deployment jobs: synthesize the build
// recipe, build the image, start the container, wait for it to come up
// and record the outcome. Every step streams progress onto the log bus
// so the dashboard can follow along.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/portside-dev/portside/config"
	"github.com/portside-dev/portside/engine"
	"github.com/portside-dev/portside/logbus"
	"github.com/portside-dev/portside/models"
	"github.com/portside-dev/portside/queue"
	"github.com/portside-dev/portside/recipe"
	"github.com/portside-dev/portside/store"
)

// failureLogTail is how many container log lines are surfaced when a
// service dies during its startup window.
const failureLogTail = 100

// Engine is the slice of the docker client the executor needs. Declared
// here so tests can substitute a fake without a daemon.
type Engine interface {
	BuildImage(ctx context.Context, contextDir, tag string, logFn func(line string)) error
	CleanupPrevious(ctx context.Context, name string)
	RunContainer(ctx context.Context, spec RunSpec) (string, error)
	WaitReady(ctx context.Context, containerID string, wait time.Duration, poll bool)
	ContainerStatus(ctx context.Context, containerID string) (string, error)
	ContainerLogs(ctx context.Context, containerID string, tail int) (string, error)
	StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error
	RenameContainer(ctx context.Context, containerID, newName string) error
	RemoveContainer(ctx context.Context, containerID string) error
	HostPort(ctx context.Context, containerID, containerPort string) (int, error)
}

// RunSpec aliases the engine's run spec so fakes in tests and the real
// client satisfy the same interface.
type RunSpec = engine.RunSpec

// Executor turns one job into a running container.
type Executor struct {
	cfg    *config.Config
	store  *store.Store
	engine Engine
	bus    *logbus.Bus
	logger *slog.Logger
}

func New(cfg *config.Config, st *store.Store, eng Engine, bus *logbus.Bus, logger *slog.Logger) *Executor {
	return &Executor{cfg: cfg, store: st, engine: eng, bus: bus, logger: logger}
}

// Execute runs the full pipeline for one job. It never returns an
// error to the caller: every failure path ends in a failed record and
// a terminal done event, and the returned result feeds the job's
// result key. Panics in the pipeline are contained the same way.
func (executor *Executor) Execute(ctx context.Context, job *queue.Job) (result queue.Result) {
	result = queue.Result{DeploymentID: job.DeploymentID, Success: true, FinishedAt: time.Now().UTC()}

	defer func() {
		if r := recover(); r != nil {
			executor.logger.Error("deployment panicked", "deployment_id", job.DeploymentID, "panic", r)
			executor.fail(ctx, job, fmt.Sprintf("internal error: %v", r))
			result.Success = false
			result.Error = fmt.Sprintf("internal error: %v", r)
		}
		result.FinishedAt = time.Now().UTC()
	}()

	if err := executor.run(ctx, job); err != nil {
		executor.logger.Warn("deployment failed", "deployment_id", job.DeploymentID, "error", err)
		executor.fail(ctx, job, err.Error())
		result.Success = false
		result.Error = err.Error()
	}
	return result
}

func (executor *Executor) run(ctx context.Context, job *queue.Job) error {
	executor.setStatus(job.DeploymentID, models.StatusBuilding)
	executor.bus.Append(ctx, job.DeploymentID, logbus.EventInfo, "Starting build process...")

	rec, err := recipe.Synthesize(job.ProjectDir, job.DeploymentID, job.DeploymentType, job.Config)
	if err != nil {
		return fmt.Errorf("prepare build: %w", err)
	}

	if err := writeRecipeFiles(job.ProjectDir, rec); err != nil {
		return fmt.Errorf("write build files: %w", err)
	}

	// A redeploy reuses the deterministic container name. The previous
	// generation's container is parked under a versioned name so rollback
	// can bring it back; whatever else still holds the name is removed.
	executor.archivePrevious(ctx, job.DeploymentID, rec.ContainerName)
	executor.engine.CleanupPrevious(ctx, rec.ContainerName)

	executor.bus.Append(ctx, job.DeploymentID, logbus.EventInfo, "Building image...")
	err = executor.engine.BuildImage(ctx, job.ProjectDir, rec.ContainerName, func(line string) {
		executor.bus.Append(ctx, job.DeploymentID, logbus.EventLog, line)
	})
	if err != nil {
		return fmt.Errorf("build image: %w", err)
	}

	executor.bus.Append(ctx, job.DeploymentID, logbus.EventInfo, "Starting container...")
	containerID, err := executor.engine.RunContainer(ctx, RunSpec{
		Image:         rec.ContainerName,
		Name:          rec.ContainerName,
		ContainerPort: rec.ContainerPort,
		Env:           mergeEnv(rec.Env, job.EnvVars),
		Labels:        rec.Labels,
		Volumes:       rec.Volumes,
		RestartPolicy: rec.RestartPolicy,
		MemoryLimit:   executor.cfg.ContainerMemoryLimit,
		CPULimit:      executor.cfg.ContainerCPULimit,
	})
	if err != nil {
		return fmt.Errorf("start container: %w", err)
	}

	executor.bus.Append(ctx, job.DeploymentID, logbus.EventInfo,
		fmt.Sprintf("Waiting for application startup (%ds)...", int(rec.StartupWait.Seconds())))
	executor.engine.WaitReady(ctx, containerID, rec.StartupWait, rec.PollReady)

	status, err := executor.engine.ContainerStatus(ctx, containerID)
	if err != nil {
		return fmt.Errorf("check container status: %w", err)
	}
	if status != "running" {
		return executor.startupFailure(ctx, job.DeploymentID, containerID, status)
	}

	hostPort, err := executor.engine.HostPort(ctx, containerID, rec.ContainerPort)
	if err != nil {
		return fmt.Errorf("resolve host port: %w", err)
	}

	return executor.finish(ctx, job.DeploymentID, containerID, hostPort)
}

// startupFailure surfaces the container's dying words and cleans up.
func (executor *Executor) startupFailure(ctx context.Context, deploymentID, containerID, status string) error {
	logs, logsErr := executor.engine.ContainerLogs(ctx, containerID, failureLogTail)
	if logsErr == nil && logs != "" {
		for _, line := range strings.Split(strings.TrimRight(logs, "\n"), "\n") {
			executor.bus.Append(ctx, deploymentID, logbus.EventLog, line)
		}
	}
	if removeErr := executor.engine.RemoveContainer(ctx, containerID); removeErr != nil {
		executor.logger.Warn("remove failed container", "container_id", containerID, "error", removeErr)
	}
	return fmt.Errorf("container exited during startup (status %q)", status)
}

// archivePrevious parks the currently recorded container, if any, under
// a versioned name so the deterministic name is free for the next
// rollout and rollback can restart the old generation later. Failures
// are non-fatal; CleanupPrevious sweeps up whatever could not be parked.
func (executor *Executor) archivePrevious(ctx context.Context, deploymentID, containerName string) {
	record, err := executor.store.GetDeployment(deploymentID)
	if err != nil || record.ContainerID == nil {
		return
	}

	containerID := *record.ContainerID
	if err := executor.engine.StopContainer(ctx, containerID, 10); err != nil {
		executor.logger.Warn("stop previous container", "deployment_id", deploymentID, "error", err)
		return
	}
	parkedName := fmt.Sprintf("%s-v%d", containerName, record.Version)
	if err := executor.engine.RenameContainer(ctx, containerID, parkedName); err != nil {
		executor.logger.Warn("park previous container", "deployment_id", deploymentID, "error", err)
	}
}

// finish flips the record to active with its network coordinates,
// snapshots the rollout into version history and emits the terminal
// success event. A deleted record means the user removed the deployment
// mid-build; the result is discarded quietly.
func (executor *Executor) finish(ctx context.Context, deploymentID, containerID string, hostPort int) error {
	record, err := executor.store.GetDeployment(deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			executor.logger.Info("deployment removed during build", "deployment_id", deploymentID)
			return nil
		}
		return fmt.Errorf("load deployment record: %w", err)
	}

	version, err := executor.snapshotVersion(ctx, record, containerID)
	if err != nil {
		return err
	}

	directURL := fmt.Sprintf("http://%s:%d", executor.cfg.PublicIP, hostPort)
	record.ContainerID = &containerID
	record.HostPort = &hostPort
	record.DirectURL = &directURL
	record.URL = fmt.Sprintf("/deploy/%s/", deploymentID)
	record.Status = models.StatusActive
	record.Version = version

	if err := executor.store.SaveDeployment(record); err != nil {
		return fmt.Errorf("save deployment record: %w", err)
	}

	executor.bus.Append(ctx, deploymentID, logbus.EventSuccess, "Deployment successful! Application is live.")
	executor.bus.Done(ctx, deploymentID, true, record, "")
	return nil
}

// snapshotVersion appends the new rollout to version history, demotes
// the previously active snapshot and enforces the retention cap,
// removing containers of evicted versions.
func (executor *Executor) snapshotVersion(ctx context.Context, record *models.Deployment, containerID string) (int, error) {
	version, err := executor.store.NextVersion(record.ID)
	if err != nil {
		return 0, err
	}

	err = executor.store.SaveVersion(&models.DeploymentVersion{
		DeploymentID: record.ID,
		Version:      version,
		ContainerID:  &containerID,
		Config:       record.Config,
		Status:       "active",
	})
	if err != nil {
		return 0, err
	}

	if version > 1 {
		if err := executor.store.SetVersionStatus(record.ID, record.Version, models.VersionStatusPrevious); err != nil && !errors.Is(err, store.ErrNotFound) {
			executor.logger.Warn("demote previous version", "deployment_id", record.ID, "error", err)
		}
	}

	evicted, err := executor.store.TrimVersions(record.ID, store.MaxVersions)
	if err != nil {
		executor.logger.Warn("trim versions", "deployment_id", record.ID, "error", err)
		return version, nil
	}
	for _, old := range evicted {
		if old.ContainerID == nil {
			continue
		}
		if err := executor.engine.RemoveContainer(ctx, *old.ContainerID); err != nil {
			executor.logger.Warn("remove evicted container",
				"deployment_id", record.ID, "version", old.Version, "error", err)
		}
	}
	return version, nil
}

// fail records the terminal failure state. Log bus and store writes are
// best-effort here: the job result still carries the error.
func (executor *Executor) fail(ctx context.Context, job *queue.Job, message string) {
	executor.setStatus(job.DeploymentID, models.StatusFailed)
	executor.bus.Append(ctx, job.DeploymentID, logbus.EventError, message)
	executor.bus.Done(ctx, job.DeploymentID, false, nil, message)
}

func (executor *Executor) setStatus(deploymentID string, status models.DeploymentStatus) {
	if err := executor.store.UpdateStatus(deploymentID, status); err != nil && !errors.Is(err, store.ErrNotFound) {
		executor.logger.Warn("update status", "deployment_id", deploymentID, "status", status, "error", err)
	}
}

// writeRecipeFiles materializes the Dockerfile and any synthesized
// support files into the build context.
func writeRecipeFiles(dir string, rec *recipe.Recipe) error {
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte(rec.Dockerfile), 0o644); err != nil {
		return err
	}
	for name, content := range rec.Files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

// mergeEnv layers user variables over the recipe defaults; the user
// always wins on conflicts.
func mergeEnv(base map[string]string, userVars []models.EnvVar) map[string]string {
	merged := make(map[string]string, len(base)+len(userVars))
	for key, value := range base {
		merged[key] = value
	}
	for _, envVar := range userVars {
		if envVar.Key != "" {
			merged[envVar.Key] = envVar.Value
		}
	}
	return merged
}
