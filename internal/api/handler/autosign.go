package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/remiblancher/autosign-pki/internal/api/dto"
	apierrors "github.com/remiblancher/autosign-pki/internal/api/errors"
	"github.com/remiblancher/autosign-pki/internal/api/middleware"
	"github.com/remiblancher/autosign-pki/internal/autosign"
)

// maxBodySize bounds autosign request bodies; a PEM request or
// certificate is a few kilobytes.
const maxBodySize = 64 << 10

// AutosignHandler handles enrollment and autosign requests.
type AutosignHandler struct {
	service *autosign.Service
}

// NewAutosignHandler creates a new AutosignHandler.
func NewAutosignHandler(s *autosign.Service) *AutosignHandler {
	return &AutosignHandler{service: s}
}

// decode reads a JSON body into v, answering 400 on failure.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, apierrors.NewBadRequest("Invalid JSON request body"))
		return false
	}
	return true
}

func refuse(w http.ResponseWriter, err error) {
	status, apiErr := apierrors.MapAutosignError(err)
	respondError(w, status, apiErr)
}

// Token handles POST /token/{fqdn}
func (h *AutosignHandler) Token(w http.ResponseWriter, r *http.Request) {
	var req dto.TokenRequest
	if !decode(w, r, &req) {
		return
	}

	enr, err := h.service.Enroll(r.Context(), chi.URLParam(r, "fqdn"), req.Token, middleware.GetClientIP(r))
	if err != nil {
		refuse(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(enr.Config)
}

// Sign handles POST /autosign/servers
func (h *AutosignHandler) Sign(w http.ResponseWriter, r *http.Request) {
	var req dto.SignRequest
	if !decode(w, r, &req) {
		return
	}

	crt, err := h.service.Sign(r.Context(), autosign.SignRequest{
		FQDN:     req.FQDN,
		SourceIP: middleware.GetClientIP(r),
		Token:    req.Token,
		CSR:      []byte(req.CSR),
	})
	if err != nil {
		refuse(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(crt)
}

// Revoke handles DELETE /autosign/servers
func (h *AutosignHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req dto.RevokeRequest
	if !decode(w, r, &req) {
		return
	}

	rev, err := h.service.Revoke(r.Context(), autosign.RevokeRequest{
		FQDN:        req.FQDN,
		SourceIP:    middleware.GetClientIP(r),
		Token:       req.Token,
		Certificate: []byte(req.Crt),
	})
	if err != nil {
		refuse(w, err)
		return
	}

	respondJSON(w, http.StatusOK, dto.RevokeResponse{
		Revoked: true,
		FQDN:    rev.FQDN,
		Serial:  rev.Serial,
	})
}
