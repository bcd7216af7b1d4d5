package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"registry-proxy-go/internal/config"
	"registry-proxy-go/internal/metrics"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health, status and metrics snapshot endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	metrics *metrics.Metrics
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, m *metrics.Metrics) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, metrics: m}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// statusResponse describes the effective upstream configuration.
type statusResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	Hostname      string   `json:"upstream_hostname,omitempty"`
	Protocol      string   `json:"upstream_protocol"`
	AuthHostname  string   `json:"auth_hostname"`
	IndexHostname string   `json:"index_hostname"`
	Mirrors       []string `json:"mirrors,omitempty"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	p, err := config.Resolve(h.cfg.Bag(), nil)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"status":  "misconfigured",
			"version": string(h.version),
		})
	}

	return c.JSON(http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		Hostname:      p.Hostname,
		Protocol:      p.Protocol,
		AuthHostname:  p.AuthHost,
		IndexHostname: p.IndexHost,
		Mirrors:       p.Mirrors,
	})
}

// Metrics returns a snapshot of the pipeline counters.
func (h *HealthHandler) Metrics(c echo.Context) error {
	if h.metrics == nil {
		return c.JSON(http.StatusOK, metrics.NewCollector().Snapshot())
	}
	return c.JSON(http.StatusOK, h.metrics.Pipeline.Snapshot())
}
