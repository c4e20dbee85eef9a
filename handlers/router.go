package handlers

// router.go constructs the chi router and wires every route to its
// handler. It is the single source of truth for the HTTP surface;
// adding an endpoint means one line here.

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/portside-dev/portside/config"
	"github.com/portside-dev/portside/logbus"
	"github.com/portside-dev/portside/models"
	"github.com/portside-dev/portside/queue"
	"github.com/portside-dev/portside/store"
)

// Engine is the slice of the container engine the HTTP layer needs.
// Declared on the consumer side so handler tests can use a fake.
type Engine interface {
	Ping(ctx context.Context) error
	ContainerStatus(ctx context.Context, containerID string) (string, error)
	ContainerLogs(ctx context.Context, containerID string, tail int) (string, error)
	StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error
	StartContainer(ctx context.Context, containerID string) error
	RestartContainer(ctx context.Context, containerID string, timeoutSeconds int) error
	RenameContainer(ctx context.Context, containerID, newName string) error
	RemoveContainer(ctx context.Context, containerID string) error
	RemoveImage(ctx context.Context, tag string) error
	RemoveVolume(ctx context.Context, name string) error
	SampleStats(ctx context.Context, containerID string) (*models.MetricSample, error)
	PublishedPort(ctx context.Context, containerID string) (int, error)
	CleanupStopped(ctx context.Context, platformLabel string) (int, error)
}

// apiRequestTimeout bounds non-streaming requests. A var so tests can
// shrink it; SSE routes are registered outside it entirely.
var apiRequestTimeout = 2 * time.Minute

// Dependencies groups everything the router and its handlers need. One
// struct keeps NewRouter's signature stable as handlers grow.
type Dependencies struct {
	Config *config.Config
	Logger *slog.Logger
	Store  *store.Store
	Engine Engine
	Bus    *logbus.Bus
	Queue  *queue.Queue
	Redis  *redis.Client
}

// NewRouter wires middleware, handlers and routes, returning a plain
// http.Handler so main has no chi awareness.
func NewRouter(deps Dependencies) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(deps.Config.CORSOrigins))

	// The timeout is applied per route group rather than router-wide:
	// SSE responses stay open for the whole build, far past any sane
	// request deadline.
	timeout := middleware.Timeout(apiRequestTimeout)

	limiter := NewRateLimiter(deps.Redis, deps.Logger)
	sessions := NewSessions(deps.Redis, deps.Config.SessionSecret)

	healthHandler := NewHealthHandler(deps.Engine, deps.Bus, deps.Queue, deps.Logger)
	githubHandler := NewGitHubHandler(sessions, deps.Logger)
	detectHandler := NewDetectHandler(deps.Config.UploadsRoot, sessions, deps.Logger)
	deployHandler := NewDeployHandler(deps.Config, deps.Store, deps.Queue, deps.Bus, sessions, deps.Logger)
	streamHandler := NewStreamHandler(deps.Store, deps.Bus, deps.Logger)
	deploymentHandler := NewDeploymentHandler(deps.Config, deps.Store, deps.Engine, deps.Queue, deps.Bus, deps.Logger)
	domainHandler := NewDomainHandler(deps.Config, deps.Store, deps.Logger)
	proxyHandler := NewProxyHandler(deps.Store, deps.Config.EngineHost, deps.Logger)

	// Health stays at the root path; load balancers and uptime monitors
	// expect it there.
	router.Get("/health", healthHandler.Health)

	router.Route("/api", func(api chi.Router) {
		api.Use(limiter.Limit(limitAPI))

		// No timeout: the response streams until the build reports done.
		api.With(limiter.Limit(limitDeploy)).Post("/deploy-stream", deployHandler.DeployStream)

		api.Group(func(timed chi.Router) {
			timed.Use(timeout)

			timed.Post("/login/github", githubHandler.Login)
			timed.Post("/logout/github", githubHandler.Logout)
			timed.Get("/check-github-session", githubHandler.CheckSession)
			timed.Get("/user/repos", githubHandler.Repos)

			timed.With(limiter.Limit(limitUpload)).Post("/detect-project", detectHandler.DetectProject)
			timed.Post("/detect-github", detectHandler.DetectGitHub)

			timed.With(limiter.Limit(limitUpload)).Post("/deploy-local", deployHandler.DeployLocal)

			timed.Get("/deployments", deploymentHandler.List)
			timed.Post("/cleanup", deploymentHandler.Cleanup)
		})

		api.Route("/deployments/{id}", func(one chi.Router) {
			// No timeout here either: the tail may legitimately idle for
			// the full silence window.
			one.Get("/stream", streamHandler.Stream)

			one.Group(func(timed chi.Router) {
				timed.Use(timeout)

				timed.Get("/", deploymentHandler.Get)
				timed.Delete("/", deploymentHandler.Delete)
				timed.Get("/logs", deploymentHandler.Logs)
				timed.Post("/restart", deploymentHandler.Restart)
				timed.Post("/rollback", deploymentHandler.Rollback)
				timed.Put("/env", deploymentHandler.UpdateEnv)
				timed.Get("/stats", deploymentHandler.Stats)
				timed.Get("/metrics", deploymentHandler.Metrics)
				timed.Get("/versions", deploymentHandler.Versions)
				timed.Post("/domain", domainHandler.Set)
			})
		})
	})

	// The proxy takes any method and any subpath.
	router.Handle("/deploy/{id}/*", http.HandlerFunc(proxyHandler.Proxy))
	router.Handle("/deploy/{id}", http.HandlerFunc(proxyHandler.Proxy))

	return router
}
