package handlers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portside-dev/portside/logbus"
	"github.com/portside-dev/portside/models"
)

func TestStreamReplaysUntilDone(t *testing.T) {
	rig := newTestRig(t)
	d := activeDeployment("abc123")
	d.Status = models.StatusBuilding
	saveDeployment(t, rig, d)

	ctx := context.Background()
	rig.bus.Append(ctx, "abc123", logbus.EventInfo, "Starting build process...")
	rig.bus.Append(ctx, "abc123", logbus.EventLog, "Step 1/5 : FROM node:18-alpine")
	rig.bus.Done(ctx, "abc123", true, d, "")

	server := httptest.NewServer(rig.router())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/api/deployments/abc123/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	// The done event terminates the stream, so reading to EOF is safe.
	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NoError(t, scanner.Err())
	require.Len(t, frames, 3)
	assert.Contains(t, frames[0], "Starting build process...")
	assert.Contains(t, frames[1], "Step 1/5")
	assert.True(t, logbus.IsDone(frames[2]))
	assert.Contains(t, frames[2], `"success":true`)
}

func TestStreamOutlivesRequestTimeout(t *testing.T) {
	// Shrink the API timeout so the test can prove the stream is not
	// subject to it: the done event arrives well after the deadline.
	previous := apiRequestTimeout
	apiRequestTimeout = 250 * time.Millisecond
	t.Cleanup(func() { apiRequestTimeout = previous })

	rig := newTestRig(t)
	d := activeDeployment("abc123")
	d.Status = models.StatusBuilding
	saveDeployment(t, rig, d)

	server := httptest.NewServer(rig.router())
	t.Cleanup(server.Close)

	go func() {
		time.Sleep(3 * apiRequestTimeout)
		ctx := context.Background()
		rig.bus.Append(ctx, "abc123", logbus.EventSuccess, "Deployment completed")
		rig.bus.Done(ctx, "abc123", true, d, "")
	}()

	resp, err := http.Get(server.URL + "/api/deployments/abc123/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	var last string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			last = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, scanner.Err())
	require.NotEmpty(t, last, "stream must survive past the API timeout")
	assert.True(t, logbus.IsDone(last))
	assert.Contains(t, last, `"success":true`)
}

func TestStreamUnknownDeployment(t *testing.T) {
	rig := newTestRig(t)

	rec, body := doJSON(t, rig.router(), http.MethodGet, "/api/deployments/missing/stream", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "deployment not found", body["error"])
}

func TestStreamFailureEndsWithErrorDone(t *testing.T) {
	rig := newTestRig(t)
	d := activeDeployment("abc123")
	d.Status = models.StatusFailed
	saveDeployment(t, rig, d)

	ctx := context.Background()
	rig.bus.Append(ctx, "abc123", logbus.EventError, "git clone failed")
	rig.bus.Done(ctx, "abc123", false, nil, "source fetch failed")

	server := httptest.NewServer(rig.router())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/api/deployments/abc123/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	var last string
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			last = strings.TrimPrefix(line, "data: ")
		}
	}
	require.NoError(t, scanner.Err())
	assert.True(t, logbus.IsDone(last))
	assert.Contains(t, last, `"success":false`)
	assert.Contains(t, last, "source fetch failed")
}
