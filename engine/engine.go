// Package engine wraps the Docker SDK behind the capability surface the
// platform needs: build an image from a context directory, run a
// container with published ports and limits, inspect, read logs and
// stats, stop, remove, manage named volumes, list and prune. All SDK
// calls are isolated here; no other package imports the Docker SDK.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docker/docker/client"
)

// Client wraps the Docker SDK client with a logger. A single Client is
// safe to share across goroutines; the SDK handles concurrency.
type Client struct {
	sdk    *client.Client
	logger *slog.Logger
}

// NewClient connects to the Docker daemon (environment overrides, then
// the default unix socket) and pings it to fail fast when the daemon is
// down. An error here aborts process start-up: the platform cannot
// function without the engine.
func NewClient(logger *slog.Logger) (*Client, error) {
	sdk, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker sdk client: %w", err)
	}

	engine := &Client{sdk: sdk, logger: logger}

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	logger.Info("docker client connected", "host", sdk.DaemonHost())
	return engine, nil
}

// Ping verifies daemon connectivity; used at startup and by /health.
func (engine *Client) Ping(ctx context.Context) error {
	if _, err := engine.sdk.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Close releases the SDK client connection.
func (engine *Client) Close() error {
	return engine.sdk.Close()
}
