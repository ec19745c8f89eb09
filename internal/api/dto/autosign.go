package dto

// TokenRequest is the body of POST /token/{fqdn}.
type TokenRequest struct {
	// Token is the proof token the host serves on its validator endpoint.
	Token string `json:"token"`
}

// SignRequest is the body of POST /autosign/servers.
type SignRequest struct {
	FQDN  string `json:"fqdn"`
	Token string `json:"token"`
	// CSR is a PEM encoded certificate request.
	CSR string `json:"csr"`
}

// RevokeRequest is the body of DELETE /autosign/servers.
type RevokeRequest struct {
	FQDN  string `json:"fqdn"`
	Token string `json:"token"`
	// Crt is the PEM encoded certificate to revoke.
	Crt string `json:"crt"`
}

// RevokeResponse confirms a revocation.
type RevokeResponse struct {
	Revoked bool   `json:"revoked"`
	FQDN    string `json:"fqdn,omitempty"`
	Serial  string `json:"serial,omitempty"`
}
