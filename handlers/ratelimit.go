package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// limitCategory is one named quota bucket. Counters live in Redis so
// limits hold across control-plane restarts and replicas.
type limitCategory struct {
	Name   string
	Max    int64
	Window time.Duration
}

var (
	limitDeploy = limitCategory{Name: "deploy", Max: 10, Window: time.Hour}
	limitUpload = limitCategory{Name: "upload", Max: 5, Window: time.Hour}
	limitAPI    = limitCategory{Name: "api", Max: 100, Window: time.Minute}
)

// RateLimiter enforces fixed-window per-address quotas with a Redis
// INCR counter per (category, address) that expires with the window.
type RateLimiter struct {
	rdb    *redis.Client
	logger *slog.Logger
}

func NewRateLimiter(rdb *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, logger: logger}
}

// take consumes one unit of quota. It returns the remaining quota and
// whether the request is allowed. Redis errors fail open: throttling is
// protection, not a dependency worth an outage.
func (limiter *RateLimiter) take(ctx context.Context, category limitCategory, address string) (int64, bool) {
	key := fmt.Sprintf("ratelimit:%s:%s", category.Name, address)

	count, err := limiter.rdb.Incr(ctx, key).Result()
	if err != nil {
		limiter.logger.Warn("rate limiter unavailable", "category", category.Name, "error", err)
		return category.Max, true
	}
	if count == 1 {
		// First hit in the window starts the clock.
		limiter.rdb.Expire(ctx, key, category.Window)
	}

	remaining := category.Max - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, count <= category.Max
}

// Limit wraps a handler with a quota category. Every response carries
// the quota headers; over-limit requests get a 429 naming the category.
func (limiter *RateLimiter) Limit(category limitCategory) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			remaining, allowed := limiter.take(r.Context(), category, clientAddress(r))

			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(category.Max, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

			if !allowed {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error":      "Rate limit exceeded",
					"message":    fmt.Sprintf("Too many %s requests. Try again later.", category.Name),
					"limit_type": category.Name,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
