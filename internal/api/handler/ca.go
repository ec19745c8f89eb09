package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/remiblancher/autosign-pki/internal/api/dto"
	apierrors "github.com/remiblancher/autosign-pki/internal/api/errors"
	"github.com/remiblancher/autosign-pki/internal/ca"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// CAHandler distributes the public artifacts of the hierarchy.
type CAHandler struct {
	hierarchy *ca.Hierarchy
}

// NewCAHandler creates a new CAHandler.
func NewCAHandler(h *ca.Hierarchy) *CAHandler {
	return &CAHandler{hierarchy: h}
}

func (h *CAHandler) lookup(w http.ResponseWriter, r *http.Request) (*ca.CA, bool) {
	raw := chi.URLParam(r, "type")
	t, err := ca.ParseType(raw)
	if err != nil {
		respondError(w, http.StatusNotFound, apierrors.NewNotFound("CA", raw))
		return nil, false
	}
	return h.hierarchy.CA(t), true
}

func (h *CAHandler) servePEM(w http.ResponseWriter, r *http.Request, read func(*ca.CA) ([]byte, error), contentType string) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	data, err := read(c)
	if err != nil {
		status, apiErr := apierrors.MapError(err)
		respondError(w, status, apiErr)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// Certificate handles GET /ca/{type}/certificate
func (h *CAHandler) Certificate(w http.ResponseWriter, r *http.Request) {
	h.servePEM(w, r, (*ca.CA).Certificate, "application/x-pem-file")
}

// Bundle handles GET /ca/{type}/bundle
func (h *CAHandler) Bundle(w http.ResponseWriter, r *http.Request) {
	h.servePEM(w, r, (*ca.CA).Bundle, "application/x-pem-file")
}

// CRL handles GET /ca/{type}/crl
func (h *CAHandler) CRL(w http.ResponseWriter, r *http.Request) {
	h.servePEM(w, r, (*ca.CA).CRL, "application/pkix-crl")
}

// Certs handles GET /ca/{type}/certs
func (h *CAHandler) Certs(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	ledger, err := c.Ledger(r.Context())
	if err != nil {
		status, apiErr := apierrors.MapError(err)
		respondError(w, status, apiErr)
		return
	}

	var all []dto.CertInfo
	for _, cn := range ledger.CommonNames() {
		for _, rec := range ledger.Records(cn) {
			all = append(all, certInfo(rec))
		}
	}

	p := parsePagination(r)
	start := min(p.Offset, len(all))
	end := min(start+p.Limit, len(all))
	respondJSON(w, http.StatusOK, dto.CertListResponse{
		CA:           c.Name(),
		Certificates: append([]dto.CertInfo{}, all[start:end]...),
		Pagination: dto.PaginationResponse{
			Total:   len(all),
			Limit:   p.Limit,
			Offset:  p.Offset,
			HasMore: end < len(all),
		},
	})
}

func certInfo(rec ca.Record) dto.CertInfo {
	info := dto.CertInfo{
		CommonName:  rec.CommonName,
		Serial:      rec.Serial,
		Status:      statusName(rec.Status),
		Subject:     rec.RawSubject,
		Validity:    dto.ValidityInfo{NotAfter: rec.NotAfter.Format(time.RFC3339)},
		Fingerprint: rec.Fingerprint,
	}
	if !rec.NotBefore.IsZero() {
		info.Validity.NotBefore = rec.NotBefore.Format(time.RFC3339)
	}
	if !rec.RevokedAt.IsZero() {
		info.RevokedAt = rec.RevokedAt.Format(time.RFC3339)
	}
	return info
}

func statusName(s ca.Status) string {
	switch s {
	case ca.StatusRevoked:
		return "revoked"
	case ca.StatusExpired:
		return "expired"
	default:
		return "valid"
	}
}

// parsePagination extracts pagination parameters from the request.
func parsePagination(r *http.Request) *dto.PaginationRequest {
	q := r.URL.Query()
	pagination := &dto.PaginationRequest{Limit: defaultLimit}

	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			pagination.Limit = min(l, maxLimit)
		}
	}

	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o > 0 {
			pagination.Offset = o
		}
	}

	return pagination
}
