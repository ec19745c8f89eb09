// Package handler provides HTTP handlers for the REST API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/remiblancher/autosign-pki/internal/api/dto"
	"github.com/remiblancher/autosign-pki/internal/ca"
)

// Banner is the body of GET /.
const Banner = "PKI api service\n"

// HealthHandler handles health and readiness endpoints.
type HealthHandler struct {
	version   string
	hierarchy *ca.Hierarchy
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(version string, h *ca.Hierarchy) *HealthHandler {
	return &HealthHandler{
		version:   version,
		hierarchy: h,
	}
}

// Index handles GET /.
func (h *HealthHandler) Index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(Banner))
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	states := make(map[string]string, len(ca.Types))
	status := "ok"
	for _, t := range ca.Types {
		state := h.hierarchy.CA(t).State()
		states[string(t)] = state.String()
		if state != ca.Active {
			status = "degraded"
		}
	}

	resp := dto.HealthResponse{
		Status:  status,
		Version: h.version,
		CAs:     states,
	}

	respondJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready. The server is ready once the autosign CA can
// sign.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := map[string]bool{
		"server":   true,
		"autosign": h.hierarchy.CA(ca.Autosign).State() == ca.Active,
	}

	allReady := true
	for _, ready := range checks {
		if !ready {
			allReady = false
			break
		}
	}

	resp := dto.ReadyResponse{
		Ready:  allReady,
		Checks: checks,
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, resp)
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// respondError writes an error response.
func respondError(w http.ResponseWriter, status int, apiErr *dto.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiErr)
}
