package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/portside-dev/portside/config"
	"github.com/portside-dev/portside/store"
)

var domainPattern = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]*[a-z0-9])?\.)+[a-z]{2,}$`)

// DomainHandler attaches custom domains to deployments and, when a
// Cloudflare token is configured, creates the DNS record pointing the
// domain at the platform.
type DomainHandler struct {
	cfg    *config.Config
	store  *store.Store
	client *http.Client
	logger *slog.Logger
}

func NewDomainHandler(cfg *config.Config, st *store.Store, logger *slog.Logger) *DomainHandler {
	return &DomainHandler{
		cfg:    cfg,
		store:  st,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// Set handles POST /api/deployments/{id}/domain with body {domain}.
func (handler *DomainHandler) Set(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "id")

	var body struct {
		Domain string `json:"domain"`
	}
	if err := decodeJSONBody(r, &body); err != nil || !domainPattern.MatchString(body.Domain) {
		writeError(w, http.StatusBadRequest, "a valid domain is required", handler.logger)
		return
	}

	if err := handler.store.SetCustomDomain(deploymentID, body.Domain); err != nil {
		writeStoreError(w, err, handler.logger)
		return
	}

	dnsCreated := false
	if handler.cfg.CloudflareAPIToken != "" && handler.cfg.CloudflareZoneID != "" {
		if err := handler.createDNSRecord(r, body.Domain); err != nil {
			// The mapping is stored either way; DNS can be fixed by hand.
			handler.logger.Warn("cloudflare record", "domain", body.Domain, "error", err)
		} else {
			dnsCreated = true
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"deployment_id": deploymentID,
		"domain":        body.Domain,
		"dns_created":   dnsCreated,
	})
}

// createDNSRecord creates an A record for the domain pointing at
// PUBLIC_IP via the Cloudflare v4 API.
func (handler *DomainHandler) createDNSRecord(r *http.Request, domain string) error {
	payload, err := json.Marshal(map[string]any{
		"type":    "A",
		"name":    domain,
		"content": handler.cfg.PublicIP,
		"ttl":     300,
		"proxied": true,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("https://api.cloudflare.com/client/v4/zones/%s/dns_records", handler.cfg.CloudflareZoneID)
	request, err := http.NewRequestWithContext(r.Context(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+handler.cfg.CloudflareAPIToken)
	request.Header.Set("Content-Type", "application/json")

	response, err := handler.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("cloudflare api status %d", response.StatusCode)
	}
	return nil
}
