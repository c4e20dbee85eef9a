// Command portside runs the deployment platform. The same binary serves
// two roles: the HTTP control plane (default) and the deployment worker
// pool (--worker). Both talk to the same Redis and database, so any mix
// of processes can run side by side.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/portside-dev/portside/config"
	"github.com/portside-dev/portside/engine"
	"github.com/portside-dev/portside/executor"
	"github.com/portside-dev/portside/handlers"
	"github.com/portside-dev/portside/logbus"
	"github.com/portside-dev/portside/queue"
	"github.com/portside-dev/portside/store"
)

func main() {
	workerMode := flag.Bool("worker", false, "run the deployment worker pool instead of the control plane")
	flag.Parse()

	cfg := config.Load()
	logger := cfg.NewLogger()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	bus := logbus.New(rdb)
	jobs := queue.New(rdb)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = bus.Ping(pingCtx)
	cancel()
	if err != nil {
		logger.Error("redis unreachable", "url", cfg.RedisURL, "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg, logger)
	if err != nil {
		logger.Error("store initialization failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	dockerClient, err := engine.NewClient(logger)
	if err != nil {
		logger.Error("engine initialization failed", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *workerMode {
		runWorkers(ctx, cfg, db, dockerClient, bus, jobs, logger)
		return
	}
	runServer(ctx, cfg, db, dockerClient, bus, jobs, rdb, logger)
}

func runWorkers(ctx context.Context, cfg *config.Config, db *store.Store, dockerClient *engine.Client, bus *logbus.Bus, jobs *queue.Queue, logger *slog.Logger) {
	exec := executor.New(cfg, db, dockerClient, bus, logger)
	pool := executor.NewPool(exec, jobs, cfg.WorkerCount, logger)
	pool.Run(ctx)
}

func runServer(ctx context.Context, cfg *config.Config, db *store.Store, dockerClient *engine.Client, bus *logbus.Bus, jobs *queue.Queue, rdb *redis.Client, logger *slog.Logger) {
	router := handlers.NewRouter(handlers.Dependencies{
		Config: cfg,
		Logger: logger,
		Store:  db,
		Engine: dockerClient,
		Bus:    bus,
		Queue:  jobs,
		Redis:  rdb,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
		// No WriteTimeout: SSE streams stay open for the build duration.
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	logger.Info("control plane listening", "port", cfg.Port)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
