package engine

// run.go creates and starts deployment containers: ephemeral published
// port, env, labels, named-volume mounts, restart policy and resource
// limits all come from the run spec.

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
)

// RunSpec describes one container to run. Volumes maps named volume to
// bind path. MemoryLimit uses docker notation ("512m"); CPULimit is in
// cores.
type RunSpec struct {
	Image         string
	Name          string
	ContainerPort string
	Env           map[string]string
	Labels        map[string]string
	Volumes       map[string]string
	RestartPolicy string
	MemoryLimit   string
	CPULimit      float64
}

// cpuPeriod is the scheduler period the CPU quota is expressed against.
const cpuPeriod = 100000

// RunContainer creates and starts a container from the spec, publishing
// the container port on an engine-assigned ephemeral host port. The
// host port is read back via HostPort once the container is up.
func (engine *Client) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	port, err := nat.NewPort("tcp", spec.ContainerPort)
	if err != nil {
		return "", fmt.Errorf("invalid container port %q: %w", spec.ContainerPort, err)
	}

	env := make([]string, 0, len(spec.Env))
	for key, value := range spec.Env {
		env = append(env, key+"="+value)
	}

	var mounts []mount.Mount
	for volumeName, bindPath := range spec.Volumes {
		if err := engine.EnsureVolume(ctx, volumeName); err != nil {
			return "", err
		}
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeVolume,
			Source: volumeName,
			Target: bindPath,
		})
	}

	var memoryBytes int64
	if spec.MemoryLimit != "" {
		memoryBytes, err = units.RAMInBytes(spec.MemoryLimit)
		if err != nil {
			return "", fmt.Errorf("invalid memory limit %q: %w", spec.MemoryLimit, err)
		}
	}

	restart := container.RestartPolicyMode(spec.RestartPolicy)
	if spec.RestartPolicy == "" {
		restart = container.RestartPolicyDisabled
	}

	created, err := engine.sdk.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          env,
			Labels:       spec.Labels,
			ExposedPorts: nat.PortSet{port: struct{}{}},
		},
		&container.HostConfig{
			// Empty host port asks the engine for an ephemeral one.
			PortBindings:  nat.PortMap{port: []nat.PortBinding{{HostPort: ""}}},
			RestartPolicy: container.RestartPolicy{Name: restart},
			Mounts:        mounts,
			Resources: container.Resources{
				Memory:    memoryBytes,
				CPUPeriod: cpuPeriod,
				CPUQuota:  int64(spec.CPULimit * cpuPeriod),
			},
		},
		nil, nil, spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("create container %q: %w", spec.Name, err)
	}

	if err := engine.sdk.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %q: %w", spec.Name, err)
	}

	engine.logger.Info("container started",
		"container_id", created.ID[:12], "name", spec.Name, "port", spec.ContainerPort)
	return created.ID, nil
}

// WaitReady gives the container its startup window. With poll set it
// checks every second up to the wait and returns as soon as the
// container reports running; otherwise it sleeps the full wait, then
// the caller does a final status check.
func (engine *Client) WaitReady(ctx context.Context, containerID string, wait time.Duration, poll bool) {
	if !poll {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
		return
	}

	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
		if status, err := engine.ContainerStatus(ctx, containerID); err == nil && status == "running" {
			return
		}
	}
}

// HostPort returns the ephemeral host port the engine mapped for the
// given container port.
func (engine *Client) HostPort(ctx context.Context, containerID, containerPort string) (int, error) {
	inspect, err := engine.sdk.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("inspect container %q: %w", shortID(containerID), err)
	}

	port, err := nat.NewPort("tcp", containerPort)
	if err != nil {
		return 0, fmt.Errorf("invalid container port %q: %w", containerPort, err)
	}

	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		return 0, fmt.Errorf("no host port mapped for %s on container %q", port, shortID(containerID))
	}

	hostPort, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0, fmt.Errorf("parse host port %q: %w", bindings[0].HostPort, err)
	}
	return hostPort, nil
}

// PublishedPort returns the first host port the container publishes,
// used when the container port is not known to the caller (rollback to
// a parked container).
func (engine *Client) PublishedPort(ctx context.Context, containerID string) (int, error) {
	inspect, err := engine.sdk.ContainerInspect(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("inspect container %q: %w", shortID(containerID), err)
	}

	for _, bindings := range inspect.NetworkSettings.Ports {
		for _, binding := range bindings {
			if binding.HostPort == "" {
				continue
			}
			hostPort, err := strconv.Atoi(binding.HostPort)
			if err != nil {
				continue
			}
			return hostPort, nil
		}
	}
	return 0, fmt.Errorf("container %q publishes no host port", shortID(containerID))
}

func shortID(containerID string) string {
	if len(containerID) > 12 {
		return containerID[:12]
	}
	return containerID
}
