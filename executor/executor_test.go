package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portside-dev/portside/config"
	"github.com/portside-dev/portside/logbus"
	"github.com/portside-dev/portside/models"
	"github.com/portside-dev/portside/queue"
	"github.com/portside-dev/portside/store"
)

// fakeEngine records every engine interaction and plays back canned
// responses, so pipeline tests run without a docker daemon.
type fakeEngine struct {
	buildErr     error
	runErr       error
	status       string
	logs         string
	hostPort     int
	buildLines   []string
	containerID  string
	stopped      []string
	renamed      map[string]string
	removed      []string
	cleanedNames []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		status:      "running",
		hostPort:    49200,
		containerID: "cid-new",
		renamed:     make(map[string]string),
	}
}

func (f *fakeEngine) BuildImage(ctx context.Context, contextDir, tag string, logFn func(line string)) error {
	if f.buildErr != nil {
		return f.buildErr
	}
	for _, line := range f.buildLines {
		logFn(line)
	}
	return nil
}

func (f *fakeEngine) CleanupPrevious(ctx context.Context, name string) {
	f.cleanedNames = append(f.cleanedNames, name)
}

func (f *fakeEngine) RunContainer(ctx context.Context, spec RunSpec) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	return f.containerID, nil
}

func (f *fakeEngine) WaitReady(ctx context.Context, containerID string, wait time.Duration, poll bool) {
}

func (f *fakeEngine) ContainerStatus(ctx context.Context, containerID string) (string, error) {
	return f.status, nil
}

func (f *fakeEngine) ContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	return f.logs, nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeEngine) RenameContainer(ctx context.Context, containerID, newName string) error {
	f.renamed[containerID] = newName
	return nil
}

func (f *fakeEngine) RemoveContainer(ctx context.Context, containerID string) error {
	f.removed = append(f.removed, containerID)
	return nil
}

func (f *fakeEngine) HostPort(ctx context.Context, containerID, containerPort string) (int, error) {
	return f.hostPort, nil
}

type testRig struct {
	executor *Executor
	engine   *fakeEngine
	store    *store.Store
	bus      *logbus.Bus
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		DatabaseType:         "sqlite",
		DatabasePath:         filepath.Join(t.TempDir(), "test.db"),
		PublicIP:             "203.0.113.7",
		ContainerMemoryLimit: "512m",
		ContainerCPULimit:    0.5,
	}

	st, err := store.Open(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng := newFakeEngine()
	bus := logbus.New(rdb)

	return &testRig{
		executor: New(cfg, st, eng, bus, logger),
		engine:   eng,
		store:    st,
		bus:      bus,
	}
}

// staticProject writes a minimal html project so recipe synthesis has a
// real tree to look at.
func staticProject(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html></html>"), 0o644))
	return dir
}

func saveRecord(t *testing.T, st *store.Store, id string) *models.Deployment {
	t.Helper()
	record := &models.Deployment{
		ID:             id,
		ProjectName:    "demo",
		Source:         models.SourceUploadedArchive,
		DeploymentType: models.TypeStatic,
		Status:         models.StatusQueued,
		Version:        1,
	}
	require.NoError(t, st.SaveDeployment(record))
	return record
}

func TestExecuteSuccess(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	saveRecord(t, rig.store, "abc123")
	rig.engine.buildLines = []string{"Step 1/4 : FROM nginx:alpine"}

	dir := staticProject(t)
	result := rig.executor.Execute(ctx, &queue.Job{
		DeploymentID:   "abc123",
		ProjectDir:     dir,
		DeploymentType: models.TypeStatic,
	})

	assert.True(t, result.Success)
	assert.Empty(t, result.Error)

	record, err := rig.store.GetDeployment("abc123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, record.Status)
	require.NotNil(t, record.ContainerID)
	assert.Equal(t, "cid-new", *record.ContainerID)
	require.NotNil(t, record.HostPort)
	assert.Equal(t, 49200, *record.HostPort)
	require.NotNil(t, record.DirectURL)
	assert.Equal(t, "http://203.0.113.7:49200", *record.DirectURL)
	assert.Equal(t, "/deploy/abc123/", record.URL)
	assert.Equal(t, 1, record.Version)

	// Build context got the Dockerfile and nginx config.
	_, err = os.Stat(filepath.Join(dir, "Dockerfile"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "default.conf"))
	assert.NoError(t, err)

	// Pre-build cleanup keyed on the deterministic name.
	assert.Equal(t, []string{"deploy-abc123"}, rig.engine.cleanedNames)

	// Version history has the rollout.
	versions, err := rig.store.ListVersions("abc123")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, "active", versions[0].Status)

	// The stream carries the build output and ends with a success done.
	records, err := rig.bus.Read(ctx, "abc123", 0)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Contains(t, records[0], "Starting build process...")
	last := records[len(records)-1]
	assert.True(t, logbus.IsDone(last))
	assert.Contains(t, last, `"success":true`)

	joined := ""
	for _, r := range records {
		joined += r
	}
	assert.Contains(t, joined, "Step 1/4 : FROM nginx:alpine")
}

func TestExecuteStartupFailure(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()
	saveRecord(t, rig.store, "abc123")
	rig.engine.status = "exited"
	rig.engine.logs = "Error: listen EADDRINUSE\nnode exited\n"

	result := rig.executor.Execute(ctx, &queue.Job{
		DeploymentID:   "abc123",
		ProjectDir:     staticProject(t),
		DeploymentType: models.TypeStatic,
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "exited during startup")

	record, err := rig.store.GetDeployment("abc123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, record.Status)

	// The dead container was removed and its logs surfaced.
	assert.Contains(t, rig.engine.removed, "cid-new")
	records, err := rig.bus.Read(ctx, "abc123", 0)
	require.NoError(t, err)
	joined := ""
	for _, r := range records {
		joined += r + "\n"
	}
	assert.Contains(t, joined, "EADDRINUSE")
	assert.True(t, logbus.IsDone(records[len(records)-1]))
	assert.Contains(t, records[len(records)-1], `"success":false`)
}

func TestExecuteBuildFailure(t *testing.T) {
	rig := newTestRig(t)
	saveRecord(t, rig.store, "abc123")
	rig.engine.buildErr = errors.New("npm install exploded")

	result := rig.executor.Execute(context.Background(), &queue.Job{
		DeploymentID:   "abc123",
		ProjectDir:     staticProject(t),
		DeploymentType: models.TypeStatic,
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "npm install exploded")

	record, err := rig.store.GetDeployment("abc123")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, record.Status)
}

func TestRedeployParksPreviousContainer(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	record := saveRecord(t, rig.store, "abc123")
	oldContainer := "cid-old"
	record.ContainerID = &oldContainer
	record.Status = models.StatusActive
	require.NoError(t, rig.store.SaveDeployment(record))
	require.NoError(t, rig.store.SaveVersion(&models.DeploymentVersion{
		DeploymentID: "abc123",
		Version:      1,
		ContainerID:  &oldContainer,
		Status:       "active",
	}))

	result := rig.executor.Execute(ctx, &queue.Job{
		DeploymentID:   "abc123",
		ProjectDir:     staticProject(t),
		DeploymentType: models.TypeStatic,
	})
	require.True(t, result.Success)

	assert.Equal(t, []string{"cid-old"}, rig.engine.stopped)
	assert.Equal(t, "deploy-abc123-v1", rig.engine.renamed["cid-old"])

	got, err := rig.store.GetDeployment("abc123")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "cid-new", *got.ContainerID)

	v1, err := rig.store.GetVersion("abc123", 1)
	require.NoError(t, err)
	assert.Equal(t, models.VersionStatusPrevious, v1.Status)
	v2, err := rig.store.GetVersion("abc123", 2)
	require.NoError(t, err)
	assert.Equal(t, "active", v2.Status)
}

func TestExecuteRecordDeletedMidBuild(t *testing.T) {
	rig := newTestRig(t)

	// No record saved at all: the pipeline runs, finds nothing to update
	// and discards the result without failing.
	result := rig.executor.Execute(context.Background(), &queue.Job{
		DeploymentID:   "ghost",
		ProjectDir:     staticProject(t),
		DeploymentType: models.TypeStatic,
	})
	assert.True(t, result.Success)
}

func TestMergeEnvUserWins(t *testing.T) {
	merged := mergeEnv(
		map[string]string{"PORT": "3000", "NODE_ENV": "production"},
		[]models.EnvVar{{Key: "PORT", Value: "8080"}, {Key: "SECRET", Value: "shh"}, {Key: "", Value: "skipped"}},
	)
	assert.Equal(t, "8080", merged["PORT"])
	assert.Equal(t, "production", merged["NODE_ENV"])
	assert.Equal(t, "shh", merged["SECRET"])
	assert.Len(t, merged, 3)
}
