package store

// deployments.go holds the SQL for the deployments table. Config and
// environment variables are stored as JSON text columns; the two
// dialects share every query thanks to rebind.

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/portside-dev/portside/models"
)

const deploymentColumns = `
	id, project_name, source, deployment_type, status,
	repo, branch, filename, container_id, host_port,
	url, direct_url, config, env_vars, version,
	custom_domain, volume_path, timestamp
`

// SaveDeployment inserts or fully replaces a deployment row. The upsert
// shape means submit, worker updates, rollback and env edits all go
// through one write path. Timestamp is refreshed on every save.
func (store *Store) SaveDeployment(deployment *models.Deployment) error {
	configJSON, err := json.Marshal(deployment.Config)
	if err != nil {
		return fmt.Errorf("marshal deployment config: %w", err)
	}
	envJSON, err := json.Marshal(envOrEmpty(deployment.EnvironmentVariables))
	if err != nil {
		return fmt.Errorf("marshal environment variables: %w", err)
	}

	deployment.Timestamp = time.Now().UTC()

	query := store.rebind(`
		INSERT INTO deployments (` + deploymentColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			project_name = excluded.project_name,
			source = excluded.source,
			deployment_type = excluded.deployment_type,
			status = excluded.status,
			repo = excluded.repo,
			branch = excluded.branch,
			filename = excluded.filename,
			container_id = excluded.container_id,
			host_port = excluded.host_port,
			url = excluded.url,
			direct_url = excluded.direct_url,
			config = excluded.config,
			env_vars = excluded.env_vars,
			version = excluded.version,
			custom_domain = excluded.custom_domain,
			volume_path = excluded.volume_path,
			timestamp = excluded.timestamp
	`)

	_, err = store.db.Exec(query,
		deployment.ID,
		deployment.ProjectName,
		deployment.Source,
		deployment.DeploymentType,
		deployment.Status,
		deployment.Repo,
		deployment.Branch,
		deployment.Filename,
		deployment.ContainerID,
		deployment.HostPort,
		deployment.URL,
		deployment.DirectURL,
		string(configJSON),
		string(envJSON),
		deployment.Version,
		deployment.CustomDomain,
		deployment.VolumePath,
		deployment.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("save deployment %q: %w", deployment.ID, err)
	}
	return nil
}

// GetDeployment fetches a single deployment by id, or ErrNotFound.
func (store *Store) GetDeployment(id string) (*models.Deployment, error) {
	query := store.rebind(`SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`)

	deployment, err := scanDeployment(store.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment %q: %w", id, err)
	}
	return deployment, nil
}

// ListDeployments returns all deployments, newest first.
func (store *Store) ListDeployments() ([]*models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments ORDER BY timestamp DESC`

	rows, err := store.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var deployments []*models.Deployment
	for rows.Next() {
		deployment, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment row: %w", err)
		}
		deployments = append(deployments, deployment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployment rows: %w", err)
	}
	return deployments, nil
}

// UpdateStatus sets the status and refreshes the timestamp. The most
// frequent write: called on every state transition.
func (store *Store) UpdateStatus(id string, status models.DeploymentStatus) error {
	query := store.rebind(`UPDATE deployments SET status = ?, timestamp = ? WHERE id = ?`)

	result, err := store.db.Exec(query, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update status for deployment %q: %w", id, err)
	}
	return oneRowOrNotFound(result)
}

// SetCustomDomain records the custom domain attached to a deployment,
// both denormalized on the row and in the custom_domains lookup table
// the proxy resolves Host headers against.
func (store *Store) SetCustomDomain(id, domain string) error {
	tx, err := store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin domain transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	result, err := tx.Exec(store.rebind(`UPDATE deployments SET custom_domain = ?, timestamp = ? WHERE id = ?`),
		domain, now, id)
	if err != nil {
		return fmt.Errorf("set custom domain for deployment %q: %w", id, err)
	}
	if err := oneRowOrNotFound(result); err != nil {
		return err
	}

	_, err = tx.Exec(store.rebind(`
		INSERT INTO custom_domains (domain, deployment_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET
			deployment_id = excluded.deployment_id,
			created_at = excluded.created_at
	`), domain, id, now)
	if err != nil {
		return fmt.Errorf("record custom domain %q: %w", domain, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit domain for deployment %q: %w", id, err)
	}
	return nil
}

// DeploymentIDByDomain resolves a custom domain to its deployment id.
func (store *Store) DeploymentIDByDomain(domain string) (string, error) {
	query := store.rebind(`SELECT deployment_id FROM custom_domains WHERE domain = ?`)

	var id string
	err := store.db.QueryRow(query, domain).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve domain %q: %w", domain, err)
	}
	return id, nil
}

// UpdateEnvVars replaces the stored environment variable list.
func (store *Store) UpdateEnvVars(id string, envVars []models.EnvVar) error {
	envJSON, err := json.Marshal(envOrEmpty(envVars))
	if err != nil {
		return fmt.Errorf("marshal environment variables: %w", err)
	}

	query := store.rebind(`UPDATE deployments SET env_vars = ?, timestamp = ? WHERE id = ?`)

	result, err := store.db.Exec(query, string(envJSON), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update env vars for deployment %q: %w", id, err)
	}
	return oneRowOrNotFound(result)
}

// DeleteDeployment removes the deployment row together with its version
// history and metric samples, in one transaction. The caller stops
// containers and removes volumes before calling this; the rows go last.
func (store *Store) DeleteDeployment(id string) error {
	tx, err := store.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete transaction: %w", err)
	}
	defer tx.Rollback() // no-op after Commit

	if _, err := tx.Exec(store.rebind(`DELETE FROM deployment_metrics WHERE deployment_id = ?`), id); err != nil {
		return fmt.Errorf("delete metrics for deployment %q: %w", id, err)
	}
	if _, err := tx.Exec(store.rebind(`DELETE FROM deployment_versions WHERE deployment_id = ?`), id); err != nil {
		return fmt.Errorf("delete versions for deployment %q: %w", id, err)
	}
	if _, err := tx.Exec(store.rebind(`DELETE FROM custom_domains WHERE deployment_id = ?`), id); err != nil {
		return fmt.Errorf("delete domains for deployment %q: %w", id, err)
	}

	result, err := tx.Exec(store.rebind(`DELETE FROM deployments WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete deployment %q: %w", id, err)
	}
	if err := oneRowOrNotFound(result); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete for deployment %q: %w", id, err)
	}
	return nil
}

// oneRowOrNotFound maps a zero-row write to ErrNotFound so updates to
// missing ids never pass silently.
func oneRowOrNotFound(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// envOrEmpty keeps nil slices serializing as [] rather than null.
func envOrEmpty(envVars []models.EnvVar) []models.EnvVar {
	if envVars == nil {
		return []models.EnvVar{}
	}
	return envVars
}

// scanner is satisfied by both *sql.Row and *sql.Rows, letting one scan
// function serve QueryRow and Query.
type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (*models.Deployment, error) {
	var deployment models.Deployment
	var configJSON, envJSON string

	err := row.Scan(
		&deployment.ID,
		&deployment.ProjectName,
		&deployment.Source,
		&deployment.DeploymentType,
		&deployment.Status,
		&deployment.Repo,
		&deployment.Branch,
		&deployment.Filename,
		&deployment.ContainerID,
		&deployment.HostPort,
		&deployment.URL,
		&deployment.DirectURL,
		&configJSON,
		&envJSON,
		&deployment.Version,
		&deployment.CustomDomain,
		&deployment.VolumePath,
		&deployment.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(configJSON), &deployment.Config); err != nil {
		return nil, fmt.Errorf("decode config column: %w", err)
	}
	if err := json.Unmarshal([]byte(envJSON), &deployment.EnvironmentVariables); err != nil {
		return nil, fmt.Errorf("decode env_vars column: %w", err)
	}
	return &deployment, nil
}
