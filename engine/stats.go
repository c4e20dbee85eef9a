package engine

// stats.go takes a one-shot stats sample from a running container and
// reduces it to the few numbers the dashboard charts.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"

	"github.com/portside-dev/portside/models"
)

const bytesPerMB = 1024 * 1024

// SampleStats reads a single stats snapshot and converts it into a
// metric sample: CPU percent across all cores, memory in MB and
// cumulative network traffic in MB.
func (engine *Client) SampleStats(ctx context.Context, containerID string) (*models.MetricSample, error) {
	response, err := engine.sdk.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("stats for container %q: %w", shortID(containerID), err)
	}
	defer response.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(response.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats for container %q: %w", shortID(containerID), err)
	}

	sample := &models.MetricSample{
		CPUPercent: cpuPercent(&stats),
		MemoryMB:   float64(stats.MemoryStats.Usage) / bytesPerMB,
	}

	var rx, tx uint64
	for _, network := range stats.Networks {
		rx += network.RxBytes
		tx += network.TxBytes
	}
	sample.NetworkRxMB = float64(rx) / bytesPerMB
	sample.NetworkTxMB = float64(tx) / bytesPerMB

	return sample, nil
}

// cpuPercent compares the container's CPU time delta against the host's
// over the sampling interval, scaled by the online CPU count.
func cpuPercent(stats *container.StatsResponse) float64 {
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta < 0 {
		return 0
	}

	cpus := float64(stats.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / systemDelta * cpus * 100
}
