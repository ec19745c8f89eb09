package dto

// CertInfo describes one certificate recorded in a CA ledger.
type CertInfo struct {
	// CommonName is the subject CN.
	CommonName string `json:"cn"`

	// Serial is the certificate serial number (uppercase hex).
	Serial string `json:"serial"`

	// Status is "valid", "revoked", or "expired".
	Status string `json:"status"`

	// Subject is the slash-form subject as recorded in the ledger.
	Subject string `json:"subject"`

	Validity ValidityInfo `json:"validity"`

	// RevokedAt is set for revoked certificates (RFC3339).
	RevokedAt string `json:"revoked_at,omitempty"`

	// Fingerprint is the SHA-1 fingerprint, when the certificate file is
	// still present.
	Fingerprint string `json:"fingerprint,omitempty"`
}

// CertListResponse is the body of GET /ca/{type}/certs.
type CertListResponse struct {
	CA           string             `json:"ca"`
	Certificates []CertInfo         `json:"certificates"`
	Pagination   PaginationResponse `json:"pagination"`
}
