package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const githubAPIBase = "https://api.github.com"

// GitHubHandler owns GitHub session login and the repository listing
// the dashboard's deploy form is populated from.
type GitHubHandler struct {
	sessions *Sessions
	client   *http.Client
	apiBase  string
	logger   *slog.Logger
}

func NewGitHubHandler(sessions *Sessions, logger *slog.Logger) *GitHubHandler {
	return &GitHubHandler{
		sessions: sessions,
		client:   &http.Client{Timeout: 15 * time.Second},
		apiBase:  githubAPIBase,
		logger:   logger,
	}
}

type githubUser struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url"`
}

type githubRepo struct {
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	HTMLURL       string `json:"html_url"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
	Private       bool   `json:"private"`
	UpdatedAt     string `json:"updated_at"`
}

// Login handles POST /api/login/github. The personal access token is
// validated against the GitHub API before it is stored; a bad token is
// rejected immediately instead of failing later at clone time.
func (handler *GitHubHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeJSONBody(r, &body); err != nil || body.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required", handler.logger)
		return
	}

	user, err := handler.fetchUser(r, body.Token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "GitHub rejected the token", handler.logger)
		return
	}

	if err := handler.sessions.Create(r.Context(), w, body.Token); err != nil {
		handler.logger.Error("create session", "error", err)
		writeError(w, http.StatusInternalServerError, "could not create session", handler.logger)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"username":  user.Login,
		"avatar":    user.AvatarURL,
	})
}

// Logout handles POST /api/logout/github.
func (handler *GitHubHandler) Logout(w http.ResponseWriter, r *http.Request) {
	handler.sessions.Destroy(r.Context(), w, r)
	writeJSON(w, http.StatusOK, map[string]bool{"connected": false})
}

// CheckSession handles GET /api/check-github-session.
func (handler *GitHubHandler) CheckSession(w http.ResponseWriter, r *http.Request) {
	token, err := handler.sessions.Token(r.Context(), r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]bool{"connected": false})
		return
	}

	user, err := handler.fetchUser(r, token)
	if err != nil {
		// Token revoked on GitHub's side; drop the stale session.
		handler.sessions.Destroy(r.Context(), w, r)
		writeJSON(w, http.StatusOK, map[string]bool{"connected": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"connected": true,
		"username":  user.Login,
		"avatar":    user.AvatarURL,
	})
}

// Repos handles GET /api/user/repos, returning the session user's
// repositories newest-activity first.
func (handler *GitHubHandler) Repos(w http.ResponseWriter, r *http.Request) {
	token, err := handler.sessions.Token(r.Context(), r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "GitHub session required", handler.logger)
		return
	}

	body, err := handler.get(r, token, "/user/repos?sort=updated&per_page=100")
	if err != nil {
		handler.logger.Error("list repos", "error", err)
		writeError(w, http.StatusBadGateway, "could not reach GitHub", handler.logger)
		return
	}

	var repos []githubRepo
	if err := json.Unmarshal(body, &repos); err != nil {
		writeError(w, http.StatusBadGateway, "unexpected GitHub response", handler.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"repos": repos})
}

func (handler *GitHubHandler) fetchUser(r *http.Request, token string) (*githubUser, error) {
	body, err := handler.get(r, token, "/user")
	if err != nil {
		return nil, err
	}
	var user githubUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (handler *GitHubHandler) get(r *http.Request, token, path string) ([]byte, error) {
	request, err := http.NewRequestWithContext(r.Context(), http.MethodGet, handler.apiBase+path, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/vnd.github+json")

	response, err := handler.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("github api status %d", response.StatusCode)
	}
	return io.ReadAll(io.LimitReader(response.Body, 4<<20))
}
