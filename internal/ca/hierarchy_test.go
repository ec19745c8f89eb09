package ca

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"github.com/remiblancher/autosign-pki/internal/toolchain"
)

func readBundle(t *testing.T, path string) []*x509.Certificate {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	certs, err := decodeCertificates(data)
	require.NoError(t, err)
	return certs
}

func readCRL(t *testing.T, c *CA) *x509.RevocationList {
	t.Helper()
	data, err := c.CRL()
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	return crl
}

// signServer stores a request for fqdn on the autosign CA and signs it.
func signServer(t *testing.T, c *CA, fqdn string) *x509.Certificate {
	t.Helper()
	_, err := c.WriteCSR(fqdn, newCSR(t, fqdn, c.Policy().Subject))
	require.NoError(t, err)
	require.NoError(t, c.Sign(context.Background(), fqdn))
	return readCert(t, c.Layout().CertFor(fqdn))
}

func TestF_Hierarchy_Init(t *testing.T) {
	h := newTestHierarchy(t)
	root, inter, autosign := h.CA(Root), h.CA(Intermediary), h.CA(Autosign)

	for _, c := range []*CA{root, inter, autosign} {
		assert.Equal(t, Active, c.State(), c.Name())
		assert.FileExists(t, c.Layout().CRL())
		assert.FileExists(t, c.Layout().Bundle())
	}

	rootCert := readCert(t, root.Layout().Cert())
	interCert := readCert(t, inter.Layout().Cert())
	autoCert := readCert(t, autosign.Layout().Cert())

	assert.Equal(t, rootCert.Subject.String(), interCert.Issuer.String())
	assert.Equal(t, interCert.Subject.String(), autoCert.Issuer.String())
	assert.Equal(t, 1, interCert.MaxPathLen)
	assert.Equal(t, 0, autoCert.MaxPathLen)
	assert.True(t, autoCert.MaxPathLenZero)
	assert.Equal(t, []string{"http://pki.example.com/example-root.crl"}, interCert.CRLDistributionPoints)
	assert.Equal(t, []string{"Autosign"}, autoCert.Subject.OrganizationalUnit)

	// The parent keeps its own copy of the signed child certificate.
	assert.FileExists(t, root.Layout().CertFor(inter.Name()))
	assert.FileExists(t, inter.Layout().CertFor(autosign.Name()))

	// Intermediary bundle: intermediary then root.
	bundle := readBundle(t, inter.Layout().Bundle())
	require.Len(t, bundle, 2)
	assert.Equal(t, interCert.Raw, bundle[0].Raw)
	assert.Equal(t, rootCert.Raw, bundle[1].Raw)

	bundle = readBundle(t, autosign.Layout().Bundle())
	require.Len(t, bundle, 3)
	assert.Equal(t, autoCert.Raw, bundle[0].Raw)
	assert.Equal(t, interCert.Raw, bundle[1].Raw)
	assert.Equal(t, rootCert.Raw, bundle[2].Raw)

	// Root and intermediary keys are encrypted, the autosign key is not.
	for _, c := range []*CA{root, inter} {
		data, err := os.ReadFile(c.Layout().Key())
		require.NoError(t, err)
		block, _ := pem.Decode(data)
		require.NotNil(t, block)
		assert.True(t, x509.IsEncryptedPEMBlock(block), c.Name()) //nolint:staticcheck
	}
	data, err := os.ReadFile(autosign.Layout().Key())
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, "PRIVATE KEY", block.Type)
}

func TestF_Hierarchy_InitIdempotent(t *testing.T) {
	h := newTestHierarchy(t)
	before, err := h.CA(Root).Certificate()
	require.NoError(t, err)

	require.NoError(t, h.Init(context.Background()))

	after, err := h.CA(Root).Certificate()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	l, err := h.CA(Root).Ledger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())
}

func TestU_Hierarchy_SignChildRejectsRoot(t *testing.T) {
	h, err := NewHierarchy(testConfig(t), toolchain.NewNative(time.Minute))
	require.NoError(t, err)

	err = h.SignChild(context.Background(), h.CA(Root), "")
	assert.ErrorIs(t, err, ErrWrongType)

	stranger := newTestCA(t, testConfig(t), Autosign)
	err = h.SignChild(context.Background(), stranger, "")
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestF_Autosign_SignServer(t *testing.T) {
	h := newTestHierarchy(t)
	autosign := h.CA(Autosign)

	cert := signServer(t, autosign, "host.example.com")
	assert.Equal(t, "host.example.com", cert.Subject.CommonName)
	assert.Contains(t, cert.DNSNames, "host.example.com")
	assert.False(t, cert.IsCA)
	assert.Contains(t, cert.ExtKeyUsage, x509.ExtKeyUsageServerAuth)

	roots := x509.NewCertPool()
	roots.AddCert(readCert(t, h.CA(Root).Layout().Cert()))
	inters := x509.NewCertPool()
	inters.AddCert(readCert(t, h.CA(Intermediary).Layout().Cert()))
	inters.AddCert(readCert(t, autosign.Layout().Cert()))
	_, err := cert.Verify(x509.VerifyOptions{Roots: roots, Intermediates: inters, DNSName: "host.example.com"})
	require.NoError(t, err)

	l, err := autosign.Ledger(context.Background())
	require.NoError(t, err)
	recs := l.Records("host.example.com")
	require.Len(t, recs, 1)
	assert.Equal(t, StatusValid, recs[0].Status)
	assert.True(t, l.HasFingerprint(recs[0].Fingerprint))
	assert.Equal(t, "Autosign", recs[0].Subject["OU"])
}

func TestF_Autosign_RevokeAndReissue(t *testing.T) {
	h := newTestHierarchy(t)
	autosign := h.CA(Autosign)
	ctx := context.Background()
	const fqdn = "host.example.com"

	first := signServer(t, autosign, fqdn)
	require.NoError(t, autosign.Revoke(ctx, autosign.Layout().CertFor(fqdn), ""))
	require.NoError(t, autosign.UpdateCRL(ctx, ""))

	crl := readCRL(t, autosign)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, 0, first.SerialNumber.Cmp(crl.RevokedCertificateEntries[0].SerialNumber))

	// Revoking twice fails in the toolchain.
	err := autosign.Revoke(ctx, autosign.Layout().CertFor(fqdn), "")
	assert.Equal(t, KindExternalTool, KindOf(err))

	require.NoError(t, os.Remove(autosign.Layout().CertFor(fqdn)))
	require.NoError(t, os.Remove(autosign.Layout().CSRFor(fqdn)))
	second := signServer(t, autosign, fqdn)
	assert.Equal(t, 1, second.SerialNumber.Cmp(first.SerialNumber))

	l, err := autosign.Ledger(ctx)
	require.NoError(t, err)
	recs := l.Records(fqdn)
	require.Len(t, recs, 2)
	assert.Equal(t, StatusRevoked, recs[0].Status)
	assert.False(t, recs[0].RevokedAt.IsZero())

	cur, ok := l.Current(fqdn)
	require.True(t, ok)
	assert.Equal(t, 0, second.SerialNumber.Cmp(serialOf(t, cur.Serial)))
}

func serialOf(t *testing.T, hex string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(hex, 16)
	require.True(t, ok, hex)
	return n
}

func TestF_Autosign_ConcurrentSigning(t *testing.T) {
	h := newTestHierarchy(t)
	autosign := h.CA(Autosign)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		fqdn := fmt.Sprintf("host%d.example.com", i)
		csr := newCSR(t, fqdn, autosign.Policy().Subject)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := autosign.WriteCSR(fqdn, csr); err != nil {
				errs[i] = err
				return
			}
			errs[i] = autosign.Sign(context.Background(), fqdn)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	l, err := autosign.Ledger(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, l.Len())

	serials := make(map[string]bool)
	for _, cn := range l.CommonNames() {
		for _, r := range l.Records(cn) {
			assert.False(t, serials[r.Serial], "duplicate serial %s", r.Serial)
			serials[r.Serial] = true
		}
	}
	assert.Len(t, serials, n)
}

func TestF_Autosign_IssueAndExport(t *testing.T) {
	h := newTestHierarchy(t)
	autosign := h.CA(Autosign)

	path, err := autosign.Issue(context.Background(), "www.example.com")
	require.NoError(t, err)
	cert := readCert(t, path)
	assert.ElementsMatch(t, []string{"www.example.com", "www"}, cert.DNSNames)

	pfx, err := autosign.ExportPKCS12("www.example.com", "changeit")
	require.NoError(t, err)

	key, leaf, chain, err := pkcs12.DecodeChain(pfx, "changeit")
	require.NoError(t, err)
	assert.NotNil(t, key)
	assert.Equal(t, cert.Raw, leaf.Raw)
	assert.Len(t, chain, 3)

	_, err = h.CA(Intermediary).Issue(context.Background(), "www.example.com")
	assert.ErrorIs(t, err, ErrWrongType)

	_, err = h.CA(Root).ExportPKCS12(h.CA(Root).Name(), "changeit")
	assert.ErrorIs(t, err, ErrEncryptedKey)
}
