package store

// versions.go holds the SQL for the deployment_versions table: immutable
// rollout snapshots used by rollback and capped at a fixed retention.

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/portside-dev/portside/models"
)

// MaxVersions is the retention cap per deployment. Saving one more
// evicts the oldest snapshot.
const MaxVersions = 10

const versionColumns = `
	deployment_id, version, container_id, config_snapshot, status, timestamp
`

// SaveVersion inserts one rollout snapshot. Version rows are immutable;
// a conflicting (deployment_id, version) insert is an error, never an
// update.
func (store *Store) SaveVersion(version *models.DeploymentVersion) error {
	configJSON, err := json.Marshal(version.Config)
	if err != nil {
		return fmt.Errorf("marshal config snapshot: %w", err)
	}
	if version.Status == "" {
		version.Status = models.VersionStatusPrevious
	}
	if version.Timestamp.IsZero() {
		version.Timestamp = time.Now().UTC()
	}

	query := store.rebind(`
		INSERT INTO deployment_versions (` + versionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?)
	`)

	_, err = store.db.Exec(query,
		version.DeploymentID,
		version.Version,
		version.ContainerID,
		string(configJSON),
		version.Status,
		version.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save version %d of deployment %q: %w", version.Version, version.DeploymentID, err)
	}
	return nil
}

// GetVersion fetches one snapshot, or ErrNotFound.
func (store *Store) GetVersion(deploymentID string, versionNumber int) (*models.DeploymentVersion, error) {
	query := store.rebind(`
		SELECT ` + versionColumns + `
		FROM deployment_versions
		WHERE deployment_id = ? AND version = ?
	`)

	version, err := scanVersion(store.db.QueryRow(query, deploymentID, versionNumber))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get version %d of deployment %q: %w", versionNumber, deploymentID, err)
	}
	return version, nil
}

// ListVersions returns all retained snapshots of a deployment, newest
// version first.
func (store *Store) ListVersions(deploymentID string) ([]*models.DeploymentVersion, error) {
	query := store.rebind(`
		SELECT ` + versionColumns + `
		FROM deployment_versions
		WHERE deployment_id = ?
		ORDER BY version DESC
	`)

	rows, err := store.db.Query(query, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list versions of deployment %q: %w", deploymentID, err)
	}
	defer rows.Close()

	var versions []*models.DeploymentVersion
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version row: %w", err)
		}
		versions = append(versions, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version rows: %w", err)
	}
	return versions, nil
}

// SetVersionStatus updates the lifecycle marker of one snapshot, used
// by rollback to flip "active" and "previous" rows.
func (store *Store) SetVersionStatus(deploymentID string, versionNumber int, status string) error {
	query := store.rebind(`
		UPDATE deployment_versions SET status = ? WHERE deployment_id = ? AND version = ?
	`)

	result, err := store.db.Exec(query, status, deploymentID, versionNumber)
	if err != nil {
		return fmt.Errorf("set status of version %d of deployment %q: %w", versionNumber, deploymentID, err)
	}
	return oneRowOrNotFound(result)
}

// NextVersion returns max(version)+1 for a deployment, starting at 1.
func (store *Store) NextVersion(deploymentID string) (int, error) {
	query := store.rebind(`
		SELECT COALESCE(MAX(version), 0) FROM deployment_versions WHERE deployment_id = ?
	`)

	var max int
	if err := store.db.QueryRow(query, deploymentID).Scan(&max); err != nil {
		return 0, fmt.Errorf("next version of deployment %q: %w", deploymentID, err)
	}
	return max + 1, nil
}

// TrimVersions deletes snapshots beyond the retention cap, oldest first,
// and returns the evicted rows so the caller can stop their containers.
func (store *Store) TrimVersions(deploymentID string, keep int) ([]*models.DeploymentVersion, error) {
	versions, err := store.ListVersions(deploymentID)
	if err != nil {
		return nil, err
	}
	if len(versions) <= keep {
		return nil, nil
	}

	// ListVersions is newest-first, so everything past `keep` is the
	// oldest overflow.
	evicted := versions[keep:]
	deleteQuery := store.rebind(`
		DELETE FROM deployment_versions WHERE deployment_id = ? AND version = ?
	`)
	for _, version := range evicted {
		if _, err := store.db.Exec(deleteQuery, deploymentID, version.Version); err != nil {
			return nil, fmt.Errorf("evict version %d of deployment %q: %w", version.Version, deploymentID, err)
		}
	}
	return evicted, nil
}

func scanVersion(row scanner) (*models.DeploymentVersion, error) {
	var version models.DeploymentVersion
	var configJSON string

	err := row.Scan(
		&version.DeploymentID,
		&version.Version,
		&version.ContainerID,
		&configJSON,
		&version.Status,
		&version.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &version.Config); err != nil {
		return nil, fmt.Errorf("decode config snapshot: %w", err)
	}
	return &version, nil
}
