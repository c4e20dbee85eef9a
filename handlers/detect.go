package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/portside-dev/portside/detect"
	"github.com/portside-dev/portside/source"
	"github.com/portside-dev/portside/util"
)

// maxUploadBytes caps uploaded archives at 100 MB.
const maxUploadBytes = 100 << 20

// DetectHandler answers "what is this project and how would I deploy
// it" for an uploaded archive or a remote repository, without starting
// a deployment.
type DetectHandler struct {
	uploadsRoot string
	sessions    *Sessions
	logger      *slog.Logger
}

func NewDetectHandler(uploadsRoot string, sessions *Sessions, logger *slog.Logger) *DetectHandler {
	return &DetectHandler{uploadsRoot: uploadsRoot, sessions: sessions, logger: logger}
}

type detectResponse struct {
	Detection   detect.Result      `json:"detection"`
	Suggestions detect.Suggestions `json:"suggestions"`
}

// DetectProject handles POST /api/detect-project: extract the uploaded
// archive into a scratch directory, run detection, clean up.
func (handler *DetectHandler) DetectProject(w http.ResponseWriter, r *http.Request) {
	scratch, cleanup, err := handler.receiveArchive(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), handler.logger)
		return
	}
	defer cleanup()

	handler.respond(w, scratch)
}

// DetectGitHub handles POST /api/detect-github: shallow-clone the
// repository into a scratch directory, run detection, clean up.
func (handler *DetectHandler) DetectGitHub(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RepoURL string `json:"repoUrl"`
		Branch  string `json:"branch"`
	}
	if err := decodeJSONBody(r, &body); err != nil || body.RepoURL == "" {
		writeError(w, http.StatusBadRequest, "repoUrl is required", handler.logger)
		return
	}

	token, _ := handler.sessions.Token(r.Context(), r) // empty for public repos

	scratch := filepath.Join(handler.uploadsRoot, "detect-"+util.NewDeploymentID())
	defer os.RemoveAll(scratch)

	err := source.Clone(r.Context(), source.CloneOptions{
		RepoURL: body.RepoURL,
		Branch:  body.Branch,
		Token:   token,
	}, scratch, io.Discard)
	if err != nil {
		handler.logger.Warn("detect clone failed", "repo", body.RepoURL, "error", err)
		writeError(w, http.StatusBadRequest, "could not clone repository", handler.logger)
		return
	}

	handler.respond(w, scratch)
}

func (handler *DetectHandler) respond(w http.ResponseWriter, dir string) {
	result := detect.Project(dir)
	writeJSON(w, http.StatusOK, detectResponse{
		Detection:   result,
		Suggestions: detect.Suggest(result),
	})
}

// receiveArchive saves the multipart "file" part to disk, extracts it
// into a scratch directory and returns that directory plus a cleanup
// func removing it.
func (handler *DetectHandler) receiveArchive(r *http.Request) (string, func(), error) {
	scratch := filepath.Join(handler.uploadsRoot, "detect-"+util.NewDeploymentID())
	if _, err := receiveAndExtract(r, handler.uploadsRoot, scratch); err != nil {
		os.RemoveAll(scratch)
		return "", nil, err
	}
	return scratch, func() { os.RemoveAll(scratch) }, nil
}
