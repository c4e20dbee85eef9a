package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portside-dev/portside/models"
	"github.com/portside-dev/portside/queue"
)

func TestHealthOK(t *testing.T) {
	rig := newTestRig(t)
	require.NoError(t, rig.queue.Enqueue(context.Background(), queue.Job{
		DeploymentID: "abc123", DeploymentType: models.TypeStatic,
	}))

	rec, body := doJSON(t, rig.router(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["queue_length"])

	services, ok := body["services"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ok", services["docker"])
	assert.Equal(t, "ok", services["redis"])
}

func TestHealthDegradedWithoutRedis(t *testing.T) {
	rig := newTestRig(t)
	router := rig.router()
	rig.mr.Close()

	rec, body := doJSON(t, router, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", body["status"])

	services, ok := body["services"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "unreachable", services["redis"])
}

func TestCORSPreflight(t *testing.T) {
	rig := newTestRig(t)
	router := rig.router()

	req, _ := http.NewRequest(http.MethodOptions, "/api/deployments", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	rec := doRaw(router, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))

	t.Run("unlisted origin gets no CORS headers", func(t *testing.T) {
		req, _ := http.NewRequest(http.MethodOptions, "/api/deployments", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		req.Header.Set("Access-Control-Request-Method", http.MethodGet)

		rec := doRaw(router, req)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}
