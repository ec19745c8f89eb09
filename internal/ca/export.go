package ca

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/remiblancher/autosign-pki/internal/toolchain"
)

// ErrEncryptedKey is returned when exporting a key that is stored
// encrypted. Only unattended (autosign) keys can be exported.
var ErrEncryptedKey = errors.New("key is encrypted")

// ExportPKCS12 packs the key and certificate issued for name, together
// with this CA's chain, into a PKCS#12 archive protected by password.
func (c *CA) ExportPKCS12(name, password string) ([]byte, error) {
	const op = "export"
	if err := validName(name); err != nil {
		return nil, c.fail(validationError(op, err))
	}

	keyPath := c.layout.KeyFor(name)
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, c.fail(preconditionError(op, keyPath, ErrNotExist))
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, c.fail(preconditionError(op, keyPath, errors.New("no PEM data")))
	}
	//nolint:staticcheck
	if x509.IsEncryptedPEMBlock(block) {
		return nil, c.fail(preconditionError(op, keyPath, ErrEncryptedKey))
	}
	key, err := parsePrivateKey(block.Bytes)
	if err != nil {
		return nil, c.fail(preconditionError(op, keyPath, err))
	}

	cert, err := toolchain.ReadCertificate(c.layout.CertFor(name))
	if err != nil {
		return nil, c.fail(preconditionError(op, c.layout.CertFor(name), ErrNotExist))
	}

	chainPath := c.layout.Bundle()
	if !exists(chainPath) {
		chainPath = c.layout.Cert()
	}
	chainPEM, err := os.ReadFile(chainPath)
	if err != nil {
		return nil, c.fail(preconditionError(op, chainPath, ErrNotExist))
	}
	chain, err := decodeCertificates(chainPEM)
	if err != nil {
		return nil, c.fail(preconditionError(op, chainPath, err))
	}

	pfx, err := pkcs12.Modern.Encode(key, cert, chain, password)
	if err != nil {
		return nil, c.fail(toolError(op, keyPath, fmt.Errorf("failed to encode PKCS#12: %w", err)))
	}
	return pfx, nil
}

func parsePrivateKey(der []byte) (any, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, errors.New("unsupported private key encoding")
}

func decodeCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates found")
	}
	return certs, nil
}
