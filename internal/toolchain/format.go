package toolchain

import (
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"
)

const (
	utcTimeLayout         = "060102150405Z"
	generalizedTimeLayout = "20060102150405Z"
)

// shortNames maps attribute OIDs to the names used in slash-form subjects.
var shortNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "street",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.17":                   "postalCode",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"0.9.2342.19200300.100.1.25": "DC",
}

// FormatSubject renders name in slash form ("/C=NL/O=Example/CN=host"),
// keeping the attribute order of the encoded name.
func FormatSubject(name pkix.Name) string {
	var b strings.Builder
	for _, atv := range name.Names {
		key, ok := shortNames[atv.Type.String()]
		if !ok {
			key = atv.Type.String()
		}
		fmt.Fprintf(&b, "/%s=%v", key, atv.Value)
	}
	return b.String()
}

// Fingerprint returns the colon separated uppercase SHA-1 digest of der.
func Fingerprint(der []byte) string {
	sum := sha1.Sum(der)
	parts := make([]string, len(sum))
	for i, c := range sum {
		parts[i] = fmt.Sprintf("%02X", c)
	}
	return strings.Join(parts, ":")
}

// FormatSerial renders serial as even-length uppercase hex.
func FormatSerial(serial *big.Int) string {
	s := fmt.Sprintf("%X", serial)
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return s
}

// FormatIndexTime renders t the way ledger lines store dates.
func FormatIndexTime(t time.Time) string {
	t = t.UTC()
	if t.Year() >= 2050 {
		return t.Format(generalizedTimeLayout)
	}
	return t.Format(utcTimeLayout)
}

// ParseIndexTime parses a ledger date. Revocation dates may carry a
// ",reason" suffix which is ignored.
func ParseIndexTime(s string) (time.Time, error) {
	s, _, _ = strings.Cut(s, ",")
	switch len(s) {
	case len(utcTimeLayout):
		return time.Parse(utcTimeLayout, s)
	case len(generalizedTimeLayout):
		return time.Parse(generalizedTimeLayout, s)
	default:
		return time.Time{}, fmt.Errorf("invalid ledger time %q", s)
	}
}

// FormatEndDate renders t for the toolchain's -enddate argument.
func FormatEndDate(t time.Time) string {
	return t.UTC().Format(generalizedTimeLayout)
}

// EndDate returns the end date days from now.
func EndDate(days int) time.Time {
	return time.Now().UTC().AddDate(0, 0, days).Truncate(time.Second)
}

// DecodeCertificate returns the first certificate in PEM data. Leading text
// (as written by toolchains that dump the certificate before the PEM
// block) is skipped.
func DecodeCertificate(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// ReadCertificate loads the first certificate from a PEM file.
func ReadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	cert, err := DecodeCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cert, nil
}

// DecodeCSR parses the first certificate request in PEM data.
func DecodeCSR(data []byte) (*x509.CertificateRequest, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate request found")
		}
		if block.Type == "CERTIFICATE REQUEST" || block.Type == "NEW CERTIFICATE REQUEST" {
			return x509.ParseCertificateRequest(block.Bytes)
		}
	}
}

// Info builds a CertInfo from a parsed certificate.
func Info(cert *x509.Certificate) *CertInfo {
	return &CertInfo{
		Subject:     FormatSubject(cert.Subject),
		Serial:      FormatSerial(cert.SerialNumber),
		Fingerprint: Fingerprint(cert.Raw),
		NotBefore:   cert.NotBefore.UTC(),
		NotAfter:    cert.NotAfter.UTC(),
	}
}

var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
