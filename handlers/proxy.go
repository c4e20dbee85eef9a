package handlers

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/portside-dev/portside/models"
	"github.com/portside-dev/portside/store"
)

// proxyTimeout bounds how long the upstream application may take.
const proxyTimeout = 30 * time.Second

// strippedRequestHeaders are not forwarded upstream: host is rewritten
// by the transport and connection is hop-by-hop.
var strippedRequestHeaders = map[string]bool{
	"host":       true,
	"connection": true,
}

// strippedResponseHeaders are hop-by-hop or invalidated by the proxy
// reading the body, so they never reach the client.
var strippedResponseHeaders = map[string]bool{
	"content-encoding":  true,
	"content-length":    true,
	"transfer-encoding": true,
	"connection":        true,
}

// ProxyHandler forwards /deploy/{id}/{path...} to the deployment's
// published host port. Synchronous by design: one client request, one
// upstream request, no redirect following.
type ProxyHandler struct {
	store      *store.Store
	engineHost string
	client     *http.Client
	logger     *slog.Logger
}

func NewProxyHandler(st *store.Store, engineHost string, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		store:      st,
		engineHost: engineHost,
		client: &http.Client{
			Timeout: proxyTimeout,
			// Redirects are passed through for the browser to follow;
			// following them here would break relative Location headers.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

// Proxy handles ANY /deploy/{id}/{path...}.
func (handler *ProxyHandler) Proxy(w http.ResponseWriter, r *http.Request) {
	deployment, err := handler.store.GetDeployment(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		writeStoreError(w, err, handler.logger)
		return
	}
	if deployment.Status != models.StatusActive || deployment.HostPort == nil {
		writeError(w, http.StatusServiceUnavailable, "deployment is not running", handler.logger)
		return
	}

	upstream := &url.URL{
		Scheme:   "http",
		Host:     net.JoinHostPort(handler.engineHost, strconv.Itoa(*deployment.HostPort)),
		Path:     "/" + chi.URLParam(r, "*"),
		RawQuery: r.URL.RawQuery,
	}

	request, err := http.NewRequestWithContext(r.Context(), r.Method, upstream.String(), r.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bad upstream request", handler.logger)
		return
	}
	for name, values := range r.Header {
		if strippedRequestHeaders[strings.ToLower(name)] {
			continue
		}
		request.Header[name] = values
	}

	response, err := handler.client.Do(request)
	if err != nil {
		handler.writeUpstreamError(w, deployment.ID, err)
		return
	}
	defer response.Body.Close()

	header := w.Header()
	for name, values := range response.Header {
		if strippedResponseHeaders[strings.ToLower(name)] {
			continue
		}
		header[name] = values
	}
	w.WriteHeader(response.StatusCode)
	io.Copy(w, response.Body) //nolint:errcheck // client may disconnect mid-body
}

// writeUpstreamError maps transport failures: timeout to 504,
// connection refused to 503, anything else to 502.
func (handler *ProxyHandler) writeUpstreamError(w http.ResponseWriter, deploymentID string, err error) {
	handler.logger.Warn("proxy upstream error", "deployment_id", deploymentID, "error", err)

	switch {
	case errors.Is(err, os.ErrDeadlineExceeded) || isTimeout(err):
		writeError(w, http.StatusGatewayTimeout, "application timed out", handler.logger)
	case isConnectionRefused(err):
		writeError(w, http.StatusServiceUnavailable, "application is not accepting connections", handler.logger)
	default:
		writeError(w, http.StatusBadGateway, "application error", handler.logger)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
