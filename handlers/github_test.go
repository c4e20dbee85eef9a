package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestGitHub wires a GitHubHandler against a stand-in GitHub API.
func newTestGitHub(t *testing.T, api http.HandlerFunc) (*GitHubHandler, *Sessions) {
	t.Helper()
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	sessions, _ := newTestSessions(t)
	return &GitHubHandler{
		sessions: sessions,
		client:   &http.Client{Timeout: 5 * time.Second},
		apiBase:  server.URL,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, sessions
}

func githubAPIStub(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_valid" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/user":
			io.WriteString(w, `{"login": "octocat", "avatar_url": "https://example.com/a.png"}`)
		case "/user/repos":
			assert.Equal(t, "updated", r.URL.Query().Get("sort"))
			io.WriteString(w, `[{"name": "demo", "full_name": "octocat/demo", "clone_url": "https://github.com/octocat/demo.git", "default_branch": "main", "private": false}]`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func TestGitHubLogin(t *testing.T) {
	handler, sessions := newTestGitHub(t, githubAPIStub(t))

	req := httptest.NewRequest(http.MethodPost, "/api/login/github", strings.NewReader(`{"token": "gho_valid"}`))
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"connected":true`)
	assert.Contains(t, rec.Body.String(), "octocat")

	// The session cookie is usable for the repo listing.
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)

	token, err := sessions.Token(context.Background(), requestCookie(cookies[0]))
	require.NoError(t, err)
	assert.Equal(t, "gho_valid", token)
}

func TestGitHubLoginRejectsBadToken(t *testing.T) {
	handler, _ := newTestGitHub(t, githubAPIStub(t))

	req := httptest.NewRequest(http.MethodPost, "/api/login/github", strings.NewReader(`{"token": "gho_stolen"}`))
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, rec.Result().Cookies(), "no session for a rejected token")
}

func TestGitHubLoginRequiresToken(t *testing.T) {
	handler, _ := newTestGitHub(t, githubAPIStub(t))

	req := httptest.NewRequest(http.MethodPost, "/api/login/github", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	handler.Login(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGitHubRepos(t *testing.T) {
	handler, sessions := newTestGitHub(t, githubAPIStub(t))
	cookie := createSession(t, sessions, "gho_valid")

	req := httptest.NewRequest(http.MethodGet, "/api/user/repos", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.Repos(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "octocat/demo")

	t.Run("no session is unauthorized", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.Repos(rec, httptest.NewRequest(http.MethodGet, "/api/user/repos", nil))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestGitHubCheckSessionDropsRevokedToken(t *testing.T) {
	handler, sessions := newTestGitHub(t, githubAPIStub(t))
	cookie := createSession(t, sessions, "gho_revoked")

	req := httptest.NewRequest(http.MethodGet, "/api/check-github-session", nil)
	req.AddCookie(cookie)
	rec := httptest.NewRecorder()
	handler.CheckSession(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":false`)

	// The stale session was destroyed server-side.
	lookup := httptest.NewRequest(http.MethodGet, "/", nil)
	lookup.AddCookie(cookie)
	_, err := sessions.Token(lookup.Context(), lookup)
	assert.ErrorIs(t, err, errNoSession)
}

// requestCookie builds a request carrying the given session cookie.
func requestCookie(cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(cookie)
	return req
}
