package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/portside-dev/portside/config"
	"github.com/portside-dev/portside/engine"
	"github.com/portside-dev/portside/logbus"
	"github.com/portside-dev/portside/models"
	"github.com/portside-dev/portside/queue"
	"github.com/portside-dev/portside/recipe"
	"github.com/portside-dev/portside/store"
)

// DeploymentHandler covers the lifecycle surface of existing
// deployments: read, delete, logs, restart, rollback, env, stats,
// metrics, domains and cleanup.
type DeploymentHandler struct {
	cfg    *config.Config
	store  *store.Store
	engine Engine
	queue  *queue.Queue
	bus    *logbus.Bus
	logger *slog.Logger
}

func NewDeploymentHandler(cfg *config.Config, st *store.Store, eng Engine, q *queue.Queue, bus *logbus.Bus, logger *slog.Logger) *DeploymentHandler {
	return &DeploymentHandler{cfg: cfg, store: st, engine: eng, queue: q, bus: bus, logger: logger}
}

// List handles GET /api/deployments, reconciling each record's status
// with the engine's view of its container on the way out.
func (handler *DeploymentHandler) List(w http.ResponseWriter, r *http.Request) {
	deployments, err := handler.store.ListDeployments()
	if err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}

	for _, deployment := range deployments {
		handler.reconcile(r, deployment)
	}
	if deployments == nil {
		deployments = []*models.Deployment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deployments": deployments})
}

// Get handles GET /api/deployments/{id}.
func (handler *DeploymentHandler) Get(w http.ResponseWriter, r *http.Request) {
	deployment, err := handler.store.GetDeployment(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}

	handler.reconcile(r, deployment)
	writeJSON(w, http.StatusOK, deployment)
}

// reconcile refreshes a settled record's status from the engine. Queued
// and building deployments belong to the worker; their status is never
// touched here. Containers the engine no longer knows are skipped, so a
// pruned daemon does not silently rewrite history.
func (handler *DeploymentHandler) reconcile(r *http.Request, deployment *models.Deployment) {
	switch deployment.Status {
	case models.StatusActive, models.StatusStopped, models.StatusFailed:
	default:
		return
	}
	if deployment.ContainerID == nil {
		return
	}

	status, err := handler.engine.ContainerStatus(r.Context(), *deployment.ContainerID)
	if err != nil || status == engine.StatusNotFound {
		return
	}

	observed := models.StatusStopped
	if status == "running" {
		observed = models.StatusActive
	}
	if observed == deployment.Status {
		return
	}

	deployment.Status = observed
	if err := handler.store.UpdateStatus(deployment.ID, observed); err != nil {
		handler.logger.Warn("reconcile status", "deployment_id", deployment.ID, "error", err)
	}
}

// Delete handles DELETE /api/deployments/{id}: current container,
// parked version containers, image, volume, build context, then rows.
// Engine-side removals are best-effort so a half-gone deployment can
// still be deleted.
func (handler *DeploymentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "id")

	deployment, err := handler.store.GetDeployment(deploymentID)
	if err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}

	ctx := r.Context()
	if deployment.ContainerID != nil {
		if err := handler.engine.RemoveContainer(ctx, *deployment.ContainerID); err != nil {
			handler.logger.Warn("delete: remove container", "deployment_id", deploymentID, "error", err)
		}
	}

	versions, err := handler.store.ListVersions(deploymentID)
	if err == nil {
		for _, version := range versions {
			if version.ContainerID == nil {
				continue
			}
			if err := handler.engine.RemoveContainer(ctx, *version.ContainerID); err != nil {
				handler.logger.Warn("delete: remove version container",
					"deployment_id", deploymentID, "version", version.Version, "error", err)
			}
		}
	}

	if err := handler.engine.RemoveImage(ctx, containerName(deployment)); err != nil {
		handler.logger.Warn("delete: remove image", "deployment_id", deploymentID, "error", err)
	}

	if deployment.Config.PersistentStorage {
		if err := handler.engine.RemoveVolume(ctx, recipe.VolumeName(deploymentID, deployment.Config)); err != nil {
			handler.logger.Warn("delete: remove volume", "deployment_id", deploymentID, "error", err)
		}
	}

	os.RemoveAll(filepath.Join(handler.cfg.DeploymentsRoot, deploymentID))

	if err := handler.store.DeleteDeployment(deploymentID); err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": deploymentID})
}

// Logs handles GET /api/deployments/{id}/logs?tail=N. While the
// deployment is queued or building the log bus is the only source;
// afterwards the container's own output is authoritative.
func (handler *DeploymentHandler) Logs(w http.ResponseWriter, r *http.Request) {
	deployment, err := handler.store.GetDeployment(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}

	if deployment.Status == models.StatusQueued || deployment.Status == models.StatusBuilding {
		logs, err := handler.bus.Messages(r.Context(), deployment.ID)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "log stream unavailable", handler.logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
		return
	}

	if deployment.ContainerID == nil {
		writeJSON(w, http.StatusOK, map[string]string{"logs": ""})
		return
	}

	tail := 100
	if raw := r.URL.Query().Get("tail"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			tail = n
		}
	}

	logs, err := handler.engine.ContainerLogs(r.Context(), *deployment.ContainerID, tail)
	if err != nil {
		handler.logger.Warn("read container logs", "deployment_id", deployment.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not read container logs", handler.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

// Restart handles POST /api/deployments/{id}/restart.
func (handler *DeploymentHandler) Restart(w http.ResponseWriter, r *http.Request) {
	deployment, err := handler.store.GetDeployment(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}
	if deployment.ContainerID == nil {
		writeError(w, http.StatusConflict, "deployment has no container", handler.logger)
		return
	}

	if err := handler.engine.RestartContainer(r.Context(), *deployment.ContainerID, 10); err != nil {
		handler.logger.Error("restart container", "deployment_id", deployment.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not restart container", handler.logger)
		return
	}

	if err := handler.store.UpdateStatus(deployment.ID, models.StatusActive); err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}
	deployment.Status = models.StatusActive
	writeJSON(w, http.StatusOK, deployment)
}

// Rollback handles POST /api/deployments/{id}/rollback with body
// {version?}; no version means the one before the current. The target
// version's parked container is swapped back under the deployment's
// base name and started. A rollback failure leaves state as the engine
// reports it; nothing is reverted.
func (handler *DeploymentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	deployment, err := handler.store.GetDeployment(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}

	var body struct {
		Version *int `json:"version"`
	}
	decodeJSONBody(r, &body) //nolint:errcheck // empty body means previous version

	targetVersion := deployment.Version - 1
	if body.Version != nil {
		targetVersion = *body.Version
	}
	if targetVersion < 1 || targetVersion == deployment.Version {
		writeError(w, http.StatusBadRequest, "no such version to roll back to", handler.logger)
		return
	}

	target, err := handler.store.GetVersion(deployment.ID, targetVersion)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "version not retained", handler.logger)
			return
		}
		writeStoreError(w, err, handler.logger)
		return
	}
	if target.ContainerID == nil {
		writeError(w, http.StatusConflict, "version has no container to roll back to", handler.logger)
		return
	}

	ctx := r.Context()
	baseName := containerName(deployment)

	// Park the current container under its version name, then give the
	// base name back to the target and start it.
	if deployment.ContainerID != nil {
		if err := handler.engine.StopContainer(ctx, *deployment.ContainerID, 10); err != nil {
			handler.logger.Warn("rollback: stop current", "deployment_id", deployment.ID, "error", err)
		}
		parked := fmt.Sprintf("%s-v%d", baseName, deployment.Version)
		if err := handler.engine.RenameContainer(ctx, *deployment.ContainerID, parked); err != nil {
			handler.logger.Warn("rollback: park current", "deployment_id", deployment.ID, "error", err)
		}
	}

	if err := handler.engine.RenameContainer(ctx, *target.ContainerID, baseName); err != nil {
		handler.logger.Error("rollback: claim base name", "deployment_id", deployment.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "rollback failed", handler.logger)
		return
	}
	if err := handler.engine.StartContainer(ctx, *target.ContainerID); err != nil {
		handler.logger.Error("rollback: start target", "deployment_id", deployment.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "rollback failed", handler.logger)
		return
	}

	hostPort, err := handler.engine.PublishedPort(ctx, *target.ContainerID)
	if err != nil {
		handler.logger.Error("rollback: resolve port", "deployment_id", deployment.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "rollback failed", handler.logger)
		return
	}

	if err := handler.store.SetVersionStatus(deployment.ID, deployment.Version, models.VersionStatusPrevious); err != nil {
		handler.logger.Warn("rollback: demote version", "deployment_id", deployment.ID, "error", err)
	}
	if err := handler.store.SetVersionStatus(deployment.ID, targetVersion, "active"); err != nil {
		handler.logger.Warn("rollback: promote version", "deployment_id", deployment.ID, "error", err)
	}

	directURL := fmt.Sprintf("http://%s:%d", handler.cfg.PublicIP, hostPort)
	deployment.ContainerID = target.ContainerID
	deployment.HostPort = &hostPort
	deployment.DirectURL = &directURL
	deployment.Config = target.Config
	deployment.Version = targetVersion
	deployment.Status = models.StatusActive

	if err := handler.store.SaveDeployment(deployment); err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

// UpdateEnv handles PUT /api/deployments/{id}/env with body
// {environmentVariables}. The stored variables are replaced and the
// retained build context is re-enqueued so the container is rebuilt
// with the new environment.
func (handler *DeploymentHandler) UpdateEnv(w http.ResponseWriter, r *http.Request) {
	deployment, err := handler.store.GetDeployment(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}

	var body struct {
		EnvironmentVariables []models.EnvVar `json:"environmentVariables"`
	}
	if err := decodeJSONBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", handler.logger)
		return
	}

	if err := handler.store.UpdateEnvVars(deployment.ID, body.EnvironmentVariables); err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}
	deployment.EnvironmentVariables = body.EnvironmentVariables

	projectDir := filepath.Join(handler.cfg.DeploymentsRoot, deployment.ID)
	if _, err := os.Stat(projectDir); err != nil {
		writeError(w, http.StatusConflict, "build context no longer retained; redeploy instead", handler.logger)
		return
	}

	if err := handler.store.UpdateStatus(deployment.ID, models.StatusQueued); err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}
	deployment.Status = models.StatusQueued

	err = handler.queue.Enqueue(r.Context(), queue.Job{
		DeploymentID:   deployment.ID,
		ProjectDir:     projectDir,
		DeploymentType: deployment.DeploymentType,
		Config:         deployment.Config,
		EnvVars:        deployment.EnvironmentVariables,
	})
	if err != nil {
		handler.logger.Error("enqueue env rebuild", "deployment_id", deployment.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not queue rebuild", handler.logger)
		return
	}

	writeJSON(w, http.StatusAccepted, deployment)
}

// Stats handles GET /api/deployments/{id}/stats: one live sample,
// persisted as a metric row on the way out.
func (handler *DeploymentHandler) Stats(w http.ResponseWriter, r *http.Request) {
	deployment, err := handler.store.GetDeployment(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}
	if deployment.ContainerID == nil {
		writeError(w, http.StatusConflict, "deployment has no container", handler.logger)
		return
	}

	sample, err := handler.engine.SampleStats(r.Context(), *deployment.ContainerID)
	if err != nil {
		handler.logger.Warn("sample stats", "deployment_id", deployment.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not read container stats", handler.logger)
		return
	}
	sample.DeploymentID = deployment.ID

	if err := handler.store.SaveMetric(sample); err != nil {
		handler.logger.Warn("persist metric", "deployment_id", deployment.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, sample)
}

// Metrics handles GET /api/deployments/{id}/metrics?hours=H.
func (handler *DeploymentHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "id")
	if _, err := handler.store.GetDeployment(deploymentID); err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}

	hours := 1
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			hours = n
		}
	}

	samples, err := handler.store.Metrics(deploymentID, hours)
	if err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}
	if samples == nil {
		samples = []*models.MetricSample{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": samples, "hours": hours})
}

// Versions handles GET /api/deployments/{id}/versions.
func (handler *DeploymentHandler) Versions(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "id")
	if _, err := handler.store.GetDeployment(deploymentID); err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}

	versions, err := handler.store.ListVersions(deploymentID)
	if err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}
	if versions == nil {
		versions = []*models.DeploymentVersion{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions})
}

// Cleanup handles POST /api/cleanup, removing exited platform
// containers.
func (handler *DeploymentHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := handler.engine.CleanupStopped(r.Context(), recipe.PlatformLabel)
	if err != nil {
		handler.logger.Error("cleanup", "error", err)
		writeError(w, http.StatusServiceUnavailable, "cleanup failed", handler.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// containerName reconstructs the deterministic container/image name the
// recipe assigned to a deployment.
func containerName(deployment *models.Deployment) string {
	return recipe.ContainerNameFor(deployment.ID, deployment.DeploymentType, deployment.Config)
}
