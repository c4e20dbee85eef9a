package engine

// containers.go covers the lifecycle surface on existing containers:
// status, logs, stop, restart, remove, list and prune.

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
)

// StatusNotFound is reported for containers the daemon no longer knows,
// so callers can distinguish "gone" from a transient inspect error.
const StatusNotFound = "not_found"

// ContainerStatus returns the daemon's status string for the container
// ("running", "exited", ...) or StatusNotFound when it is gone.
func (engine *Client) ContainerStatus(ctx context.Context, containerID string) (string, error) {
	inspect, err := engine.sdk.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StatusNotFound, nil
		}
		return "", fmt.Errorf("inspect container %q: %w", shortID(containerID), err)
	}
	return inspect.State.Status, nil
}

// ContainerLogs returns up to tail lines of combined stdout and stderr.
// A tail of 0 or less returns everything.
func (engine *Client) ContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	tailArg := "all"
	if tail > 0 {
		tailArg = strconv.Itoa(tail)
	}

	reader, err := engine.sdk.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tailArg,
	})
	if err != nil {
		return "", fmt.Errorf("read logs for container %q: %w", shortID(containerID), err)
	}
	defer reader.Close()

	// The daemon multiplexes stdout/stderr on one stream for non-tty
	// containers; stdcopy splits the framing back out.
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", fmt.Errorf("demux logs for container %q: %w", shortID(containerID), err)
	}

	stdout.Write(stderr.Bytes())
	return stdout.String(), nil
}

// StopContainer stops the container with the given grace period in
// seconds. Already-gone containers are not an error.
func (engine *Client) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	err := engine.sdk.ContainerStop(ctx, containerID, container.StopOptions{Timeout: intPtr(timeoutSeconds)})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("stop container %q: %w", shortID(containerID), err)
	}
	return nil
}

// StartContainer starts a stopped container, used by rollback to bring
// an older version back up.
func (engine *Client) StartContainer(ctx context.Context, containerID string) error {
	if err := engine.sdk.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %q: %w", shortID(containerID), err)
	}
	return nil
}

// RenameContainer frees up a deterministic container name, typically so
// a superseded version can be parked under a versioned name while the
// new rollout claims the original.
func (engine *Client) RenameContainer(ctx context.Context, containerID, newName string) error {
	if err := engine.sdk.ContainerRename(ctx, containerID, newName); err != nil {
		return fmt.Errorf("rename container %q: %w", shortID(containerID), err)
	}
	return nil
}

// RestartContainer restarts the container with the given grace period.
func (engine *Client) RestartContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	err := engine.sdk.ContainerRestart(ctx, containerID, container.StopOptions{Timeout: intPtr(timeoutSeconds)})
	if err != nil {
		return fmt.Errorf("restart container %q: %w", shortID(containerID), err)
	}
	return nil
}

// RemoveContainer force-removes the container; already-gone containers
// are not an error.
func (engine *Client) RemoveContainer(ctx context.Context, containerID string) error {
	err := engine.sdk.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %q: %w", shortID(containerID), err)
	}
	return nil
}

// RemoveImage force-removes the image tag; missing images are ignored.
func (engine *Client) RemoveImage(ctx context.Context, tag string) error {
	if _, err := engine.sdk.ImageRemove(ctx, tag, image.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove image %q: %w", tag, err)
	}
	return nil
}

// ListPlatformContainers lists every container the platform created, in
// any state, identified by the shared platform label.
func (engine *Client) ListPlatformContainers(ctx context.Context, platformLabel string) ([]container.Summary, error) {
	list, err := engine.sdk.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", "app="+platformLabel)),
	})
	if err != nil {
		return nil, fmt.Errorf("list platform containers: %w", err)
	}
	return list, nil
}

// CleanupStopped removes platform containers in the exited state and
// returns how many were removed. Failures on individual containers are
// logged and skipped so one stuck container does not block the sweep.
func (engine *Client) CleanupStopped(ctx context.Context, platformLabel string) (int, error) {
	list, err := engine.sdk.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "app="+platformLabel),
			filters.Arg("status", "exited"),
		),
	})
	if err != nil {
		return 0, fmt.Errorf("list stopped containers: %w", err)
	}

	removed := 0
	for _, summary := range list {
		if err := engine.RemoveContainer(ctx, summary.ID); err != nil {
			engine.logger.Warn("cleanup skip", "container_id", shortID(summary.ID), "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}
