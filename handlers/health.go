// Package handlers is the HTTP layer of the control plane. Each file
// groups related endpoints; handlers decode the request, call into the
// store, queue, log bus or engine, and write JSON. No pipeline logic
// lives here.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/portside-dev/portside/logbus"
	"github.com/portside-dev/portside/queue"
)

// HealthHandler reports whether the platform can actually take work:
// the container engine and Redis both have to answer.
type HealthHandler struct {
	engine Engine
	bus    *logbus.Bus
	queue  *queue.Queue
	logger *slog.Logger
}

func NewHealthHandler(engine Engine, bus *logbus.Bus, q *queue.Queue, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{engine: engine, bus: bus, queue: q, logger: logger}
}

type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Services  map[string]string `json:"services"`
	QueueLen  int64             `json:"queue_length"`
}

// Health handles GET /health. Load balancers and uptime monitors expect
// this at the root path, so it lives outside the /api group.
func (handler *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	response := healthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Services:  map[string]string{"docker": "ok", "redis": "ok"},
	}
	statusCode := http.StatusOK

	if err := handler.engine.Ping(ctx); err != nil {
		handler.logger.Warn("health: engine unreachable", "error", err)
		response.Services["docker"] = "unreachable"
		response.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	if err := handler.bus.Ping(ctx); err != nil {
		handler.logger.Warn("health: redis unreachable", "error", err)
		response.Services["redis"] = "unreachable"
		response.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
	} else if n, err := handler.queue.Len(ctx); err == nil {
		response.QueueLen = n
	}

	writeJSON(w, statusCode, response)
}
