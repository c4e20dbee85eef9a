package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRateLimiter(rdb, logger), mr
}

func limitedHandler(limiter *RateLimiter, category limitCategory) http.Handler {
	return limiter.Limit(category)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func hit(handler http.Handler, address string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/deploy-stream", nil)
	req.RemoteAddr = address + ":12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitDeployQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	handler := limitedHandler(limiter, limitDeploy)

	for i := 0; i < int(limitDeploy.Max); i++ {
		rec := hit(handler, "198.51.100.1")
		require.Equal(t, http.StatusOK, rec.Code, "request %d should pass", i+1)
	}

	rec := hit(handler, "198.51.100.1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Contains(t, rec.Body.String(), `"limit_type":"deploy"`)
	assert.Contains(t, rec.Body.String(), "Rate limit exceeded")
}

func TestRateLimitIsPerAddress(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	handler := limitedHandler(limiter, limitDeploy)

	for i := 0; i < int(limitDeploy.Max); i++ {
		hit(handler, "198.51.100.1")
	}
	require.Equal(t, http.StatusTooManyRequests, hit(handler, "198.51.100.1").Code)

	assert.Equal(t, http.StatusOK, hit(handler, "198.51.100.2").Code, "a different client has its own quota")
}

func TestRateLimitHeadersCountDown(t *testing.T) {
	limiter, _ := newTestLimiter(t)
	handler := limitedHandler(limiter, limitUpload)

	first := hit(handler, "198.51.100.1")
	assert.Equal(t, "5", first.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", first.Header().Get("X-RateLimit-Remaining"))

	second := hit(handler, "198.51.100.1")
	assert.Equal(t, "3", second.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitWindowExpires(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	handler := limitedHandler(limiter, limitDeploy)

	for i := 0; i < int(limitDeploy.Max); i++ {
		hit(handler, "198.51.100.1")
	}
	require.Equal(t, http.StatusTooManyRequests, hit(handler, "198.51.100.1").Code)

	mr.FastForward(limitDeploy.Window)
	assert.Equal(t, http.StatusOK, hit(handler, "198.51.100.1").Code, "a new window starts fresh")
}

func TestRateLimitFailsOpen(t *testing.T) {
	limiter, mr := newTestLimiter(t)
	handler := limitedHandler(limiter, limitDeploy)
	mr.Close()

	rec := hit(handler, "198.51.100.1")
	assert.Equal(t, http.StatusOK, rec.Code, "redis outage must not block requests")
}
