package store

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portside-dev/portside/config"
	"github.com/portside-dev/portside/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{
		DatabaseType: "sqlite",
		DatabasePath: filepath.Join(t.TempDir(), "test.db"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := Open(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func sampleDeployment(id string) *models.Deployment {
	return &models.Deployment{
		ID:             id,
		ProjectName:    "demo-app",
		Source:         models.SourceRemoteRepo,
		DeploymentType: models.TypeService,
		Status:         models.StatusQueued,
		Repo:           strPtr("https://github.com/demo/demo-app"),
		Branch:         strPtr("main"),
		Config:         models.DeployConfig{Runtime: "python", Port: "8000"},
		EnvironmentVariables: []models.EnvVar{
			{Key: "SECRET", Value: "shh"},
		},
		Version: 1,
	}
}

func TestSaveAndGetDeployment(t *testing.T) {
	st := newTestStore(t)

	original := sampleDeployment("abc123")
	require.NoError(t, st.SaveDeployment(original))

	got, err := st.GetDeployment("abc123")
	require.NoError(t, err)
	assert.Equal(t, "demo-app", got.ProjectName)
	assert.Equal(t, models.StatusQueued, got.Status)
	assert.Equal(t, "8000", got.Config.Port)
	require.Len(t, got.EnvironmentVariables, 1)
	assert.Equal(t, "shh", got.EnvironmentVariables[0].Value)
	require.NotNil(t, got.Repo)
	assert.Equal(t, "https://github.com/demo/demo-app", *got.Repo)
	assert.Nil(t, got.ContainerID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestGetDeploymentNotFound(t *testing.T) {
	st := newTestStore(t)

	_, err := st.GetDeployment("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveDeploymentUpserts(t *testing.T) {
	st := newTestStore(t)

	deployment := sampleDeployment("abc123")
	require.NoError(t, st.SaveDeployment(deployment))

	deployment.Status = models.StatusActive
	deployment.ContainerID = strPtr("cafebabe")
	deployment.HostPort = intPtr(49152)
	require.NoError(t, st.SaveDeployment(deployment))

	got, err := st.GetDeployment("abc123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.Status)
	require.NotNil(t, got.HostPort)
	assert.Equal(t, 49152, *got.HostPort)

	deployments, err := st.ListDeployments()
	require.NoError(t, err)
	assert.Len(t, deployments, 1, "upsert must not create a second row")
}

func TestUpdateStatus(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SaveDeployment(sampleDeployment("abc123")))

	require.NoError(t, st.UpdateStatus("abc123", models.StatusBuilding))

	got, err := st.GetDeployment("abc123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusBuilding, got.Status)

	t.Run("missing id is NotFound", func(t *testing.T) {
		assert.ErrorIs(t, st.UpdateStatus("missing", models.StatusFailed), ErrNotFound)
	})
}

func TestUpdateEnvVars(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SaveDeployment(sampleDeployment("abc123")))

	require.NoError(t, st.UpdateEnvVars("abc123", []models.EnvVar{
		{Key: "A", Value: "1"},
		{Key: "B", Value: "2"},
	}))

	got, err := st.GetDeployment("abc123")
	require.NoError(t, err)
	require.Len(t, got.EnvironmentVariables, 2)
	assert.Equal(t, "B", got.EnvironmentVariables[1].Key)
}

func TestVersionHistory(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SaveDeployment(sampleDeployment("abc123")))

	next, err := st.NextVersion("abc123")
	require.NoError(t, err)
	assert.Equal(t, 1, next)

	for v := 1; v <= 3; v++ {
		require.NoError(t, st.SaveVersion(&models.DeploymentVersion{
			DeploymentID: "abc123",
			Version:      v,
			ContainerID:  strPtr("container-v" + string(rune('0'+v))),
			Config:       models.DeployConfig{Port: "8000"},
			Status:       "active",
		}))
	}

	next, err = st.NextVersion("abc123")
	require.NoError(t, err)
	assert.Equal(t, 4, next)

	versions, err := st.ListVersions("abc123")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].Version, "newest first")

	require.NoError(t, st.SetVersionStatus("abc123", 2, models.VersionStatusPrevious))
	got, err := st.GetVersion("abc123", 2)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusPrevious, got.Status)
}

func TestTrimVersionsEvictsOldest(t *testing.T) {
	st := newTestStore(t)

	for v := 1; v <= MaxVersions+2; v++ {
		require.NoError(t, st.SaveVersion(&models.DeploymentVersion{
			DeploymentID: "abc123",
			Version:      v,
			Config:       models.DeployConfig{},
		}))
	}

	evicted, err := st.TrimVersions("abc123", MaxVersions)
	require.NoError(t, err)
	require.Len(t, evicted, 2)
	assert.Equal(t, 2, evicted[0].Version)
	assert.Equal(t, 1, evicted[1].Version)

	versions, err := st.ListVersions("abc123")
	require.NoError(t, err)
	assert.Len(t, versions, MaxVersions)
	assert.Equal(t, 3, versions[len(versions)-1].Version, "versions 1 and 2 are gone")

	t.Run("under the cap is a no-op", func(t *testing.T) {
		evicted, err := st.TrimVersions("abc123", MaxVersions)
		require.NoError(t, err)
		assert.Empty(t, evicted)
	})
}

func TestMetrics(t *testing.T) {
	st := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, st.SaveMetric(&models.MetricSample{
			DeploymentID: "abc123",
			CPUPercent:   float64(i) * 10,
			MemoryMB:     128,
			NetworkRxMB:  1.5,
			NetworkTxMB:  0.5,
		}))
	}

	samples, err := st.Metrics("abc123", 1)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, 0.0, samples[0].CPUPercent, "oldest first")
	assert.Equal(t, 128.0, samples[0].MemoryMB)
}

func TestMetricsKeepsNewestWhenOverCap(t *testing.T) {
	st := newTestStore(t)

	// 70 samples in the last hour against a one-hour cap of 60: the ten
	// oldest fall off, never the newest.
	base := time.Now().UTC().Add(-35 * time.Minute)
	for i := 0; i < 70; i++ {
		require.NoError(t, st.SaveMetric(&models.MetricSample{
			DeploymentID: "abc123",
			Timestamp:    base.Add(time.Duration(i) * 30 * time.Second),
			CPUPercent:   float64(i),
		}))
	}

	samples, err := st.Metrics("abc123", 1)
	require.NoError(t, err)
	require.Len(t, samples, 60)
	assert.Equal(t, 10.0, samples[0].CPUPercent)
	assert.Equal(t, 69.0, samples[len(samples)-1].CPUPercent, "newest sample survives, oldest first")
}

func TestCustomDomain(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SaveDeployment(sampleDeployment("abc123")))

	require.NoError(t, st.SetCustomDomain("abc123", "app.example.com"))

	got, err := st.GetDeployment("abc123")
	require.NoError(t, err)
	require.NotNil(t, got.CustomDomain)
	assert.Equal(t, "app.example.com", *got.CustomDomain)

	id, err := st.DeploymentIDByDomain("app.example.com")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	t.Run("unknown domain is NotFound", func(t *testing.T) {
		_, err := st.DeploymentIDByDomain("nope.example.com")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("domain for missing deployment is NotFound", func(t *testing.T) {
		assert.ErrorIs(t, st.SetCustomDomain("missing", "x.example.com"), ErrNotFound)
	})
}

func TestDeleteDeploymentCascades(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.SaveDeployment(sampleDeployment("abc123")))
	require.NoError(t, st.SaveVersion(&models.DeploymentVersion{DeploymentID: "abc123", Version: 1}))
	require.NoError(t, st.SaveMetric(&models.MetricSample{DeploymentID: "abc123"}))
	require.NoError(t, st.SetCustomDomain("abc123", "app.example.com"))

	require.NoError(t, st.DeleteDeployment("abc123"))

	_, err := st.GetDeployment("abc123")
	assert.ErrorIs(t, err, ErrNotFound)

	versions, err := st.ListVersions("abc123")
	require.NoError(t, err)
	assert.Empty(t, versions)

	samples, err := st.Metrics("abc123", 24)
	require.NoError(t, err)
	assert.Empty(t, samples)

	_, err = st.DeploymentIDByDomain("app.example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	t.Run("deleting twice is NotFound", func(t *testing.T) {
		assert.ErrorIs(t, st.DeleteDeployment("abc123"), ErrNotFound)
	})
}
