package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/portside-dev/portside/store"
)

// writeJSON serializes the payload and writes it with the given status.
// json.Marshal rather than an Encoder: buffering the whole body first
// means an encoding failure never escapes after a 200 header is sent.
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")

	body, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, `{"error":"internal encoding error"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(statusCode)
	w.Write(body) //nolint:errcheck // client write errors are not actionable
}

// writeError logs and writes the standard {"error": message} shape. The
// message is always a controlled string, never a raw Go error, so
// internals do not leak to clients.
func writeError(w http.ResponseWriter, statusCode int, message string, logger *slog.Logger) {
	logger.Error("request error", "status", statusCode, "message", message)
	writeJSON(w, statusCode, map[string]string{"error": message})
}

// writeStoreError maps ErrNotFound to 404 and everything else to 500.
func writeStoreError(w http.ResponseWriter, err error, logger *slog.Logger) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "deployment not found", logger)
		return
	}
	logger.Error("store error", "error", err)
	writeError(w, http.StatusInternalServerError, "database error", logger)
}

// clientAddress extracts the caller's address for rate limiting and
// session keying, preferring the first X-Forwarded-For hop when the
// platform sits behind a proxy.
func clientAddress(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// decodeJSONBody decodes the request body into dst, rejecting unknown
// top-level shapes with a client error.
func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}
