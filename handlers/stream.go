package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/portside-dev/portside/logbus"
	"github.com/portside-dev/portside/store"

	"github.com/go-chi/chi/v5"
)

const (
	// ssePollInterval is the sleep between log bus reads when no new
	// records are waiting.
	ssePollInterval = 500 * time.Millisecond

	// sseMaxSilentPolls ends a stream after 20 minutes without a single
	// new record, guarding against builds whose done event was lost.
	sseMaxSilentPolls = 2400
)

// StreamHandler serves the SSE tail of a deployment's log bus stream.
type StreamHandler struct {
	store  *store.Store
	bus    *logbus.Bus
	logger *slog.Logger
}

func NewStreamHandler(st *store.Store, bus *logbus.Bus, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{store: st, bus: bus, logger: logger}
}

// Stream handles GET /api/deployments/{id}/stream, replaying the full
// stream from offset 0 so late subscribers catch up before following
// live events.
func (handler *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "id")

	if _, err := handler.store.GetDeployment(deploymentID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "deployment not found", handler.logger)
			return
		}
		writeStoreError(w, err, handler.logger)
		return
	}

	streamLogBus(w, r, handler.bus, deploymentID, handler.logger)
}

// streamLogBus writes the deployment's log bus records as SSE frames
// until a done event, client disconnect or the silence cap. Each record
// is already JSON, so framing is just the data: envelope.
func streamLogBus(w http.ResponseWriter, r *http.Request, bus *logbus.Bus, deploymentID string, logger *slog.Logger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported", logger)
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	// Tells nginx-style front proxies not to buffer the stream.
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	var offset int64
	silentPolls := 0

	for {
		records, err := bus.Read(ctx, deploymentID, offset)
		if err != nil {
			logger.Warn("log stream read failed", "deployment_id", deploymentID, "error", err)
			return
		}

		for _, record := range records {
			fmt.Fprintf(w, "data: %s\n\n", record)
			flusher.Flush()
			if logbus.IsDone(record) {
				return
			}
		}
		offset += int64(len(records))

		if len(records) == 0 {
			silentPolls++
			if silentPolls >= sseMaxSilentPolls {
				logger.Warn("log stream timed out", "deployment_id", deploymentID)
				return
			}
		} else {
			silentPolls = 0
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(ssePollInterval):
		}
	}
}
