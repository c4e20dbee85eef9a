package handlers

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/portside-dev/portside/config"
	"github.com/portside-dev/portside/logbus"
	"github.com/portside-dev/portside/models"
	"github.com/portside-dev/portside/queue"
	"github.com/portside-dev/portside/store"
)

// fakeEngine satisfies the handler-side Engine interface with canned
// responses and interaction recording, so HTTP tests need no daemon.
type fakeEngine struct {
	status    string
	statusErr error
	logs      string
	port      int
	sample    *models.MetricSample
	cleaned   int

	stopped   []string
	started   []string
	restarted []string
	renamed   map[string]string
	removed   []string
	images    []string
	volumes   []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		status:  "running",
		port:    49300,
		sample:  &models.MetricSample{CPUPercent: 12.5, MemoryMB: 96},
		renamed: make(map[string]string),
	}
}

func (f *fakeEngine) Ping(ctx context.Context) error { return nil }

func (f *fakeEngine) ContainerStatus(ctx context.Context, containerID string) (string, error) {
	return f.status, f.statusErr
}

func (f *fakeEngine) ContainerLogs(ctx context.Context, containerID string, tail int) (string, error) {
	return f.logs, nil
}

func (f *fakeEngine) StopContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	f.stopped = append(f.stopped, containerID)
	return nil
}

func (f *fakeEngine) StartContainer(ctx context.Context, containerID string) error {
	f.started = append(f.started, containerID)
	return nil
}

func (f *fakeEngine) RestartContainer(ctx context.Context, containerID string, timeoutSeconds int) error {
	f.restarted = append(f.restarted, containerID)
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

func (f *fakeEngine) RemoveImage(ctx context.Context, tag string) error {
	f.images = append(f.images, tag)
	return nil
}

func (f *fakeEngine) RemoveVolume(ctx context.Context, name string) error {
	f.volumes = append(f.volumes, name)
	return nil
}

func (f *fakeEngine) SampleStats(ctx context.Context, containerID string) (*models.MetricSample, error) {
	sample := *f.sample
	return &sample, nil
}

func (f *fakeEngine) PublishedPort(ctx context.Context, containerID string) (int, error) {
	return f.port, nil
}

func (f *fakeEngine) CleanupStopped(ctx context.Context, platformLabel string) (int, error) {
	return f.cleaned, nil
}

// testRig wires real store, bus and queue against miniredis and sqlite,
// with the engine faked.
type testRig struct {
	cfg    *config.Config
	store  *store.Store
	engine *fakeEngine
	bus    *logbus.Bus
	queue  *queue.Queue
	rdb    *redis.Client
	mr     *miniredis.Miniredis
	logger *slog.Logger
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
		DatabaseType:    "sqlite",
		DatabasePath:    filepath.Join(t.TempDir(), "test.db"),
		PublicIP:        "203.0.113.7",
		EngineHost:      "127.0.0.1",
		DeploymentsRoot: t.TempDir(),
		UploadsRoot:     t.TempDir(),
		SessionSecret:   "test-secret",
		CORSOrigins:     "http://localhost:3000",
	}

	st, err := store.Open(cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &testRig{
		cfg:    cfg,
		store:  st,
		engine: newFakeEngine(),
		bus:    logbus.New(rdb),
		queue:  queue.New(rdb),
		rdb:    rdb,
		mr:     mr,
		logger: logger,
	}
}

func (rig *testRig) router() http.Handler {
	return NewRouter(Dependencies{
		Config: rig.cfg,
		Logger: rig.logger,
		Store:  rig.store,
		Engine: rig.engine,
		Bus:    rig.bus,
		Queue:  rig.queue,
		Redis:  rig.rdb,
	})
}

func doRaw(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func strPtr(s string) *string { return &s }
func intPtr(n int) *int       { return &n }

func saveDeployment(t *testing.T, rig *testRig, d *models.Deployment) {
	t.Helper()
	require.NoError(t, rig.store.SaveDeployment(d))
}

func activeDeployment(id string) *models.Deployment {
	return &models.Deployment{
		ID:             id,
		ProjectName:    "demo",
		Source:         models.SourceRemoteRepo,
		DeploymentType: models.TypeService,
		Status:         models.StatusActive,
		Config:         models.DeployConfig{Runtime: "python", Port: "8000"},
		ContainerID:    strPtr("cid-" + id),
		HostPort:       intPtr(49152),
		Version:        1,
	}
}
