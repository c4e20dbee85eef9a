package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/portside-dev/portside/config"
	"github.com/portside-dev/portside/logbus"
	"github.com/portside-dev/portside/models"
	"github.com/portside-dev/portside/queue"
	"github.com/portside-dev/portside/source"
	"github.com/portside-dev/portside/store"
	"github.com/portside-dev/portside/util"
)

// DeployHandler owns deployment submission: clone or extract the
// source, write the initial record, enqueue the job.
type DeployHandler struct {
	cfg      *config.Config
	store    *store.Store
	queue    *queue.Queue
	bus      *logbus.Bus
	sessions *Sessions
	logger   *slog.Logger
}

func NewDeployHandler(cfg *config.Config, st *store.Store, q *queue.Queue, bus *logbus.Bus, sessions *Sessions, logger *slog.Logger) *DeployHandler {
	return &DeployHandler{cfg: cfg, store: st, queue: q, bus: bus, sessions: sessions, logger: logger}
}

// deployRequest is the JSON body of POST /api/deploy-stream and the
// form-encoded sibling fields of POST /api/deploy-local.
type deployRequest struct {
	ProjectName          string              `json:"projectName"`
	GithubRepo           string              `json:"githubRepo"`
	Branch               string              `json:"branch"`
	DeploymentType       string              `json:"deploymentType"`
	Config               models.DeployConfig `json:"config"`
	EnvironmentVariables []models.EnvVar     `json:"environmentVariables"`
	PersistentStorage    bool                `json:"persistentStorage"`
	HealthCheckPath      string              `json:"healthCheckPath"`
	AutoRestart          *bool               `json:"autoRestart"`
}

// foldConfig merges the request's top-level convenience flags into the
// nested config, which is what the recipe synthesizer reads. The probe
// path defaults to "/" and auto-restart defaults to on; a client that
// wants a crashed container to stay down sends autoRestart=false.
func (request *deployRequest) foldConfig() models.DeployConfig {
	cfg := request.Config
	if request.PersistentStorage {
		cfg.PersistentStorage = true
	}
	cfg.HealthCheckPath = request.HealthCheckPath
	if cfg.HealthCheckPath == "" {
		cfg.HealthCheckPath = "/"
	}
	cfg.AutoRestart = request.AutoRestart == nil || *request.AutoRestart
	return cfg
}

func (request *deployRequest) deploymentType() models.DeploymentType {
	if request.DeploymentType == string(models.TypeStatic) {
		return models.TypeStatic
	}
	return models.TypeService
}

// DeployStream handles POST /api/deploy-stream: validate, write the
// queued record, clone, enqueue, then hold the connection open as an
// SSE stream tailing the log bus until the build reports done.
func (handler *DeployHandler) DeployStream(w http.ResponseWriter, r *http.Request) {
	var request deployRequest
	if err := decodeJSONBody(r, &request); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", handler.logger)
		return
	}
	if request.GithubRepo == "" {
		writeError(w, http.StatusBadRequest, "githubRepo is required", handler.logger)
		return
	}

	deploymentID := util.NewDeploymentID()
	projectName := request.ProjectName
	if projectName == "" {
		projectName = source.RepoName(request.GithubRepo)
	}

	repo, branch := request.GithubRepo, request.Branch
	record := &models.Deployment{
		ID:                   deploymentID,
		ProjectName:          projectName,
		Source:               models.SourceRemoteRepo,
		DeploymentType:       request.deploymentType(),
		Status:               models.StatusQueued,
		Repo:                 &repo,
		Branch:               &branch,
		Config:               request.foldConfig(),
		EnvironmentVariables: request.EnvironmentVariables,
		Version:              1,
	}
	if err := handler.store.SaveDeployment(record); err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}

	// From here on the response is an event stream; errors are reported
	// as error/done events rather than HTTP statuses.
	handler.bus.Append(r.Context(), deploymentID, logbus.EventInfo,
		fmt.Sprintf("Deployment %s accepted", deploymentID))

	projectDir := filepath.Join(handler.cfg.DeploymentsRoot, deploymentID)
	if err := handler.cloneSource(r, &request, deploymentID, projectDir); err != nil {
		handler.logger.Warn("clone failed", "deployment_id", deploymentID, "error", err)
		handler.bus.Append(r.Context(), deploymentID, logbus.EventError, "Could not fetch repository: "+err.Error())
		handler.bus.Done(r.Context(), deploymentID, false, nil, "source fetch failed")
		streamLogBus(w, r, handler.bus, deploymentID, handler.logger)
		return
	}

	err := handler.queue.Enqueue(r.Context(), queue.Job{
		DeploymentID:   deploymentID,
		ProjectDir:     projectDir,
		DeploymentType: record.DeploymentType,
		Config:         record.Config,
		EnvVars:        record.EnvironmentVariables,
	})
	if err != nil {
		handler.logger.Error("enqueue failed", "deployment_id", deploymentID, "error", err)
		handler.bus.Append(r.Context(), deploymentID, logbus.EventError, "Could not queue deployment")
		handler.bus.Done(r.Context(), deploymentID, false, nil, "queue unavailable")
	}

	streamLogBus(w, r, handler.bus, deploymentID, handler.logger)
}

func (handler *DeployHandler) cloneSource(r *http.Request, request *deployRequest, deploymentID, projectDir string) error {
	token, _ := handler.sessions.Token(r.Context(), r) // empty for public repos

	handler.bus.Append(r.Context(), deploymentID, logbus.EventInfo, "Cloning repository...")
	return source.Clone(r.Context(), source.CloneOptions{
		RepoURL: request.GithubRepo,
		Branch:  request.Branch,
		Token:   token,
	}, projectDir, &busWriter{bus: handler.bus, ctx: r.Context(), deploymentID: deploymentID})
}

// DeployLocal handles POST /api/deploy-local: extract the uploaded
// archive into the deployment's working directory, write the record,
// enqueue, and return the record synchronously. The client follows up
// on GET /api/deployments/{id}/stream for progress.
func (handler *DeployHandler) DeployLocal(w http.ResponseWriter, r *http.Request) {
	deploymentID := util.NewDeploymentID()
	projectDir := filepath.Join(handler.cfg.DeploymentsRoot, deploymentID)

	filename, err := receiveAndExtract(r, handler.cfg.UploadsRoot, projectDir)
	if err != nil {
		os.RemoveAll(projectDir)
		writeError(w, http.StatusBadRequest, err.Error(), handler.logger)
		return
	}

	request := deployRequestFromForm(r)
	projectName := request.ProjectName
	if projectName == "" {
		projectName = strings.TrimSuffix(filename, filepath.Ext(filename))
	}

	record := &models.Deployment{
		ID:                   deploymentID,
		ProjectName:          projectName,
		Source:               models.SourceUploadedArchive,
		DeploymentType:       request.deploymentType(),
		Status:               models.StatusQueued,
		Filename:             &filename,
		Config:               request.foldConfig(),
		EnvironmentVariables: request.EnvironmentVariables,
		Version:              1,
	}
	if err := handler.store.SaveDeployment(record); err != nil {
		os.RemoveAll(projectDir)
		writeStoreError(w, err, handler.logger)
		return
	}

	err = handler.queue.Enqueue(r.Context(), queue.Job{
		DeploymentID:   deploymentID,
		ProjectDir:     projectDir,
		DeploymentType: record.DeploymentType,
		Config:         record.Config,
		EnvVars:        record.EnvironmentVariables,
	})
	if err != nil {
		handler.logger.Error("enqueue failed", "deployment_id", deploymentID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "could not queue deployment", handler.logger)
		return
	}

	writeJSON(w, http.StatusCreated, record)
}

// deployRequestFromForm reads the form-encoded siblings of the file
// part. config and environmentVariables arrive as JSON strings.
func deployRequestFromForm(r *http.Request) deployRequest {
	request := deployRequest{
		ProjectName:     r.FormValue("projectName"),
		DeploymentType:  r.FormValue("deploymentType"),
		HealthCheckPath: r.FormValue("healthCheckPath"),
	}
	request.PersistentStorage = r.FormValue("persistentStorage") == "true"
	if value := r.FormValue("autoRestart"); value != "" {
		enabled := strings.EqualFold(value, "true")
		request.AutoRestart = &enabled
	}

	if raw := r.FormValue("config"); raw != "" {
		json.Unmarshal([]byte(raw), &request.Config) //nolint:errcheck // bad config falls back to defaults
	}
	if raw := r.FormValue("environmentVariables"); raw != "" {
		json.Unmarshal([]byte(raw), &request.EnvironmentVariables) //nolint:errcheck
	}
	return request
}

// receiveAndExtract saves the multipart "file" part under uploadsRoot,
// extracts it into destDir (flattening a single wrapper directory) and
// removes the archive. It returns the uploaded filename.
func receiveAndExtract(r *http.Request, uploadsRoot, destDir string) (string, error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return "", fmt.Errorf("invalid multipart request")
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return "", fmt.Errorf("file part is required")
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
		return "", fmt.Errorf("only zip archives are accepted")
	}

	archivePath, err := saveUpload(file, uploadsRoot)
	if err != nil {
		return "", err
	}
	defer os.Remove(archivePath)

	if err := source.ExtractArchive(archivePath, destDir); err != nil {
		return "", fmt.Errorf("could not extract archive")
	}
	return filepath.Base(header.Filename), nil
}

func saveUpload(file multipart.File, uploadsRoot string) (string, error) {
	if err := os.MkdirAll(uploadsRoot, 0o755); err != nil {
		return "", fmt.Errorf("could not store upload")
	}

	archivePath := filepath.Join(uploadsRoot, util.NewDeploymentID()+".zip")
	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("could not store upload")
	}
	defer out.Close()

	if _, err := io.Copy(out, io.LimitReader(file, maxUploadBytes)); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("could not store upload")
	}
	return archivePath, nil
}

// busWriter adapts the log bus to io.Writer so git's progress output
// lands on the deployment's stream line by line.
type busWriter struct {
	bus          *logbus.Bus
	ctx          context.Context
	deploymentID string
}

func (writer *busWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			writer.bus.Append(writer.ctx, writer.deploymentID, logbus.EventLog, line)
		}
	}
	return len(p), nil
}
