package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"quic-proxy-go/internal/certs"
	"quic-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	certs   *certs.Store
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, store *certs.Store) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, certs: store}
}

// Healthz returns a simple OK response for liveness checks.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	body := map[string]string{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
		"listen":       h.cfg.Server.Listen,
	}
	if cert := h.certs.Certificate(); cert != nil && cert.Leaf != nil {
		body["cert_not_after"] = cert.Leaf.NotAfter.UTC().Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, body)
}
