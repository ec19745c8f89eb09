package ca

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/remiblancher/autosign-pki/internal/toolchain"
)

// testConfig returns a hierarchy configuration rooted in a temporary
// workspace, with password files for the root and intermediary CAs.
func testConfig(t *testing.T) Config {
	t.Helper()
	ws := t.TempDir()
	pass := filepath.Join(ws, "ca.pass")
	require.NoError(t, os.WriteFile(pass, []byte("s3cret\n"), 0o600))

	return Config{
		Name:      "example",
		Workspace: ws,
		BaseURL:   "http://pki.example.com/",
		OCSPURL:   "http://ocsp.example.com",
		Bits:      1024,
		Days:      365,
		CRLDays:   7,
		Subject: Subject{
			Country:      "NL",
			Province:     "Noord-Holland",
			City:         "Amsterdam",
			Organization: "Example",
			Unit:         "Operations",
		},
		Types: map[Type]TypeConfig{
			Root:         {Days: 3650, PasswordFile: pass},
			Intermediary: {Days: 1825, PasswordFile: pass},
			Autosign:     {Days: 90, Subject: Subject{Unit: "Autosign"}},
		},
	}
}

func newTestCA(t *testing.T, cfg Config, typ Type) *CA {
	t.Helper()
	c, err := New(cfg, typ, toolchain.NewNative(time.Minute))
	require.NoError(t, err)
	return c
}

func newTestHierarchy(t *testing.T) *Hierarchy {
	t.Helper()
	h, err := NewHierarchy(testConfig(t), toolchain.NewNative(time.Minute))
	require.NoError(t, err)
	require.NoError(t, h.Init(context.Background()))
	return h
}

// newCSR returns a PEM request for cn carrying subject s.
func newCSR(t *testing.T, cn string, s Subject) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	name := pkix.Name{CommonName: cn}
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.Province != "" {
		name.Province = []string{s.Province}
	}
	if s.City != "" {
		name.Locality = []string{s.City}
	}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.Unit != "" {
		name.OrganizationalUnit = []string{s.Unit}
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  name,
		DNSNames: []string{cn},
	}, key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
}

func readCert(t *testing.T, path string) *x509.Certificate {
	t.Helper()
	cert, err := toolchain.ReadCertificate(path)
	require.NoError(t, err)
	return cert
}
