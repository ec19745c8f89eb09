package client

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/remiblancher/autosign-pki/internal/ca"
)

// DefaultKeyBits is the size of host keys generated by GenerateRequest.
const DefaultKeyBits = 2048

// GenerateRequest creates a private key and a certificate request for
// fqdn whose subject carries the CA's accepted defaults. The request names
// fqdn and its first label as DNS alternative names.
func GenerateRequest(fqdn string, subject ca.Subject, bits int) (keyPEM, csrPEM []byte, err error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	name := pkix.Name{CommonName: fqdn}
	if subject.Country != "" {
		name.Country = []string{subject.Country}
	}
	if subject.Province != "" {
		name.Province = []string{subject.Province}
	}
	if subject.City != "" {
		name.Locality = []string{subject.City}
	}
	if subject.Organization != "" {
		name.Organization = []string{subject.Organization}
	}
	if subject.Unit != "" {
		name.OrganizationalUnit = []string{subject.Unit}
	}

	dnsNames := []string{fqdn}
	if short, _, ok := strings.Cut(fqdn, "."); ok && short != "" {
		dnsNames = append(dnsNames, short)
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  name,
		DNSNames: dnsNames,
	}, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate request: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode key: %w", err)
	}

	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	csrPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	return keyPEM, csrPEM, nil
}
