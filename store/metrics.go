package store

// metrics.go holds the SQL for the deployment_metrics table: resource
// usage samples derived from engine stats snapshots.

import (
	"fmt"
	"time"

	"github.com/portside-dev/portside/models"
)

// SaveMetric appends one usage sample.
func (store *Store) SaveMetric(sample *models.MetricSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}

	query := store.rebind(`
		INSERT INTO deployment_metrics
			(deployment_id, timestamp, cpu_percent, memory_mb, net_rx_mb, net_tx_mb)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	_, err := store.db.Exec(query,
		sample.DeploymentID,
		sample.Timestamp,
		sample.CPUPercent,
		sample.MemoryMB,
		sample.NetworkRxMB,
		sample.NetworkTxMB,
	)
	if err != nil {
		return fmt.Errorf("save metric for deployment %q: %w", sample.DeploymentID, err)
	}
	return nil
}

// Metrics returns the samples of the last `hours` hours, capped at one
// sample per minute of the window. When the window holds more, the
// newest samples win; the result is returned oldest first either way.
func (store *Store) Metrics(deploymentID string, hours int) ([]*models.MetricSample, error) {
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	query := store.rebind(`
		SELECT deployment_id, timestamp, cpu_percent, memory_mb, net_rx_mb, net_tx_mb
		FROM deployment_metrics
		WHERE deployment_id = ? AND timestamp >= ?
		ORDER BY timestamp DESC
		LIMIT ?
	`)

	rows, err := store.db.Query(query, deploymentID, since, hours*60)
	if err != nil {
		return nil, fmt.Errorf("query metrics for deployment %q: %w", deploymentID, err)
	}
	defer rows.Close()

	var samples []*models.MetricSample
	for rows.Next() {
		var sample models.MetricSample
		err := rows.Scan(
			&sample.DeploymentID,
			&sample.Timestamp,
			&sample.CPUPercent,
			&sample.MemoryMB,
			&sample.NetworkRxMB,
			&sample.NetworkTxMB,
		)
		if err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		samples = append(samples, &sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric rows: %w", err)
	}

	// The query reads newest first so the cap keeps recent samples;
	// flip back to chronological order for callers.
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}
