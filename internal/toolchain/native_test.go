package toolchain

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testCA lays out a minimal CA directory and configuration for the native
// toolchain.
type testCA struct {
	dir  string
	cfg  string
	key  string
	csr  string
	crt  string
	db   string
	ser  string
	crl  string
	pass string
}

const testCAConfig = `[ca]
default_ca = CA_default

[CA_default]
certificate = %[1]s/ca.pem
private_key = %[1]s/ca.key
new_certs_dir = %[1]s/certs
serial = %[1]s/crt.idx
crlnumber = %[1]s/crl.idx
database = %[1]s/ca.db
unique_subject = %[2]s
default_days = 30
default_crl_days = 7
copy_extensions = copy

[req]
default_bits = 1024
distinguished_name = ca_dn
prompt = no

[ca_dn]
countryName = NL
organizationName = Example
commonName = Example Test CA

[root_ca_ext]
basicConstraints = critical,CA:true,pathlen:1
keyUsage = critical,keyCertSign,cRLSign
subjectKeyIdentifier = hash

[server_ext]
basicConstraints = critical,CA:false
keyUsage = critical,digitalSignature,keyEncipherment
extendedKeyUsage = serverAuth,clientAuth
crlDistributionPoints = URI:http://pki.example.com/ca.crl
authorityInfoAccess = OCSP;URI:http://ocsp.example.com,caIssuers;URI:http://pki.example.com/ca.pem
`

const testServerConfig = `[req]
default_bits = 1024
distinguished_name = server_dn
req_extensions = server_req_ext
prompt = no

[server_dn]
countryName = NL
organizationName = Example
commonName = %[1]s

[server_req_ext]
subjectAltName = DNS:%[1]s,DNS:%[2]s
`

func newTestCA(t *testing.T, uniqueSubject string) *testCA {
	t.Helper()
	dir := t.TempDir()
	ca := &testCA{
		dir:  dir,
		cfg:  filepath.Join(dir, "ca.cfg"),
		key:  filepath.Join(dir, "ca.key"),
		csr:  filepath.Join(dir, "ca.csr"),
		crt:  filepath.Join(dir, "ca.pem"),
		db:   filepath.Join(dir, "ca.db"),
		ser:  filepath.Join(dir, "crt.idx"),
		crl:  filepath.Join(dir, "ca.crl"),
		pass: filepath.Join(dir, "pass"),
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "certs"), 0o755))
	require.NoError(t, os.WriteFile(ca.cfg, []byte(fmt.Sprintf(testCAConfig, dir, uniqueSubject)), 0o644))
	require.NoError(t, os.WriteFile(ca.db, nil, 0o644))
	require.NoError(t, os.WriteFile(ca.ser, []byte("01\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crl.idx"), []byte("01\n"), 0o644))
	require.NoError(t, os.WriteFile(ca.pass, []byte("correct horse\n"), 0o600))
	return ca
}

func (ca *testCA) selfSign(t *testing.T, tc *Native) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, tc.Request(ctx, ca.cfg, ca.csr, ca.key, ca.pass))
	require.NoError(t, tc.Sign(ctx, SignRequest{
		Config:     ca.cfg,
		CSR:        ca.csr,
		Out:        ca.crt,
		PassFile:   ca.pass,
		Extensions: ExtRootCA,
		SelfSign:   true,
	}))
}

func (ca *testCA) issueServer(t *testing.T, tc *Native, fqdn string) string {
	t.Helper()
	ctx := context.Background()
	cfg := filepath.Join(ca.dir, fqdn+".cfg")
	label, _, _ := strings.Cut(fqdn, ".")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf(testServerConfig, fqdn, label)), 0o644))

	csr := filepath.Join(ca.dir, fqdn+".csr")
	key := filepath.Join(ca.dir, fqdn+".key")
	crt := filepath.Join(ca.dir, fqdn+".pem")
	for _, p := range []string{csr, key, crt} {
		_ = os.Remove(p)
	}
	require.NoError(t, tc.Request(ctx, cfg, csr, key, ""))
	require.NoError(t, tc.Sign(ctx, SignRequest{Config: ca.cfg, CSR: csr, Out: crt, Extensions: ExtServer}))
	return crt
}

func TestU_Native_SelfSign(t *testing.T) {
	ca := newTestCA(t, "no")
	tc := NewNative(time.Minute)
	ca.selfSign(t, tc)

	keyPEM, err := os.ReadFile(ca.key)
	require.NoError(t, err)
	block, _ := pem.Decode(keyPEM)
	require.NotNil(t, block)
	//nolint:staticcheck
	assert.True(t, x509.IsEncryptedPEMBlock(block), "CA key must be encrypted")

	cert, err := ReadCertificate(ca.crt)
	require.NoError(t, err)
	assert.True(t, cert.IsCA)
	assert.Equal(t, 1, cert.MaxPathLen)
	assert.Equal(t, "/C=NL/O=Example/CN=Example Test CA", FormatSubject(cert.Subject))
	assert.Equal(t, cert.Subject.String(), cert.Issuer.String())
	assert.Equal(t, "01", FormatSerial(cert.SerialNumber))
	require.NoError(t, cert.CheckSignatureFrom(cert))

	assert.FileExists(t, filepath.Join(ca.dir, "certs", "01.pem"))
	serial, err := os.ReadFile(ca.ser)
	require.NoError(t, err)
	assert.Equal(t, "02\n", string(serial))

	ledger, err := os.ReadFile(ca.db)
	require.NoError(t, err)
	fields := strings.Split(strings.TrimSuffix(string(ledger), "\n"), "\t")
	require.Len(t, fields, 6)
	assert.Equal(t, "V", fields[0])
	assert.Equal(t, FormatIndexTime(cert.NotAfter), fields[1])
	assert.Equal(t, "", fields[2])
	assert.Equal(t, "01", fields[3])
	assert.Equal(t, "unknown", fields[4])
	assert.Equal(t, "/C=NL/O=Example/CN=Example Test CA", fields[5])
}

func TestU_Native_SignServer(t *testing.T) {
	ca := newTestCA(t, "no")
	tc := NewNative(time.Minute)
	ca.selfSign(t, tc)

	crt := ca.issueServer(t, tc, "host.example.com")
	cert, err := ReadCertificate(crt)
	require.NoError(t, err)

	root, err := ReadCertificate(ca.crt)
	require.NoError(t, err)
	require.NoError(t, cert.CheckSignatureFrom(root))

	assert.False(t, cert.IsCA)
	assert.Equal(t, "host.example.com", cert.Subject.CommonName)
	assert.Equal(t, []string{"host.example.com", "host"}, cert.DNSNames)
	assert.Equal(t, []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}, cert.ExtKeyUsage)
	assert.Equal(t, x509.KeyUsageDigitalSignature|x509.KeyUsageKeyEncipherment, cert.KeyUsage)
	assert.Equal(t, []string{"http://pki.example.com/ca.crl"}, cert.CRLDistributionPoints)
	assert.Equal(t, []string{"http://ocsp.example.com"}, cert.OCSPServer)
	assert.Equal(t, []string{"http://pki.example.com/ca.pem"}, cert.IssuingCertificateURL)
	assert.Equal(t, "02", FormatSerial(cert.SerialNumber))
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 30), cert.NotAfter, time.Minute)

	info, err := tc.Inspect(context.Background(), filepath.Join(ca.dir, "certs", "02.pem"))
	require.NoError(t, err)
	assert.Equal(t, Fingerprint(cert.Raw), info.Fingerprint)
}

func TestU_Native_EndDate(t *testing.T) {
	ca := newTestCA(t, "no")
	tc := NewNative(time.Minute)
	ca.selfSign(t, tc)

	ctx := context.Background()
	cfg := filepath.Join(ca.dir, "sub.cfg")
	require.NoError(t, os.WriteFile(cfg, []byte(fmt.Sprintf(testServerConfig, "sub.example.com", "sub")), 0o644))
	csr := filepath.Join(ca.dir, "sub.csr")
	require.NoError(t, tc.Request(ctx, cfg, csr, filepath.Join(ca.dir, "sub.key"), ""))

	end := EndDate(90)
	out := filepath.Join(ca.dir, "sub.pem")
	require.NoError(t, tc.Sign(ctx, SignRequest{
		Config: ca.cfg, CSR: csr, Out: out, PassFile: ca.pass, Extensions: ExtRootCA, EndDate: end,
	}))
	cert, err := ReadCertificate(out)
	require.NoError(t, err)
	assert.True(t, cert.NotAfter.Equal(end))
}

func TestU_Native_SignRequiresPassphrase(t *testing.T) {
	ca := newTestCA(t, "no")
	tc := NewNative(time.Minute)
	ca.selfSign(t, tc)

	err := tc.GenCRL(context.Background(), ca.cfg, ca.crl, "")
	assert.ErrorIs(t, err, ErrPassphraseRequired)
	assert.NoFileExists(t, ca.crl)
}

func TestU_Native_WrongPassphrase(t *testing.T) {
	ca := newTestCA(t, "no")
	tc := NewNative(time.Minute)
	ca.selfSign(t, tc)

	wrong := filepath.Join(ca.dir, "wrong")
	require.NoError(t, os.WriteFile(wrong, []byte("battery staple\n"), 0o600))
	assert.Error(t, tc.GenCRL(context.Background(), ca.cfg, ca.crl, wrong))
}

func TestU_Native_UniqueSubject(t *testing.T) {
	ca := newTestCA(t, "yes")
	tc := NewNative(time.Minute)
	ca.selfSign(t, tc)
	ca.issueServer(t, tc, "host.example.com")

	ctx := context.Background()
	csr := filepath.Join(ca.dir, "host.example.com.csr")
	err := tc.Sign(ctx, SignRequest{
		Config: ca.cfg, CSR: csr, Out: filepath.Join(ca.dir, "again.pem"), Extensions: ExtServer,
	})
	assert.Error(t, err)

	attr, err := os.ReadFile(ca.db + ".attr")
	require.NoError(t, err)
	assert.Equal(t, "unique_subject = yes\n", string(attr))
}

func TestU_Native_RevokeAndCRL(t *testing.T) {
	ca := newTestCA(t, "no")
	tc := NewNative(time.Minute)
	ca.selfSign(t, tc)
	crt := ca.issueServer(t, tc, "host.example.com")

	ctx := context.Background()
	require.NoError(t, tc.Revoke(ctx, ca.cfg, crt, ca.pass))
	assert.ErrorIs(t, tc.Revoke(ctx, ca.cfg, crt, ca.pass), ErrAlreadyRevoked)

	entries, err := readIndex(ca.db)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "V", entries[0].status)
	assert.Equal(t, "R", entries[1].status)
	revokedAt, err := ParseIndexTime(entries[1].revoked)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), revokedAt, time.Minute)

	require.NoError(t, tc.GenCRL(ctx, ca.cfg, ca.crl, ca.pass))
	data, err := os.ReadFile(ca.crl)
	require.NoError(t, err)
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	assert.Equal(t, "X509 CRL", block.Type)

	crl, err := x509.ParseRevocationList(block.Bytes)
	require.NoError(t, err)
	require.Len(t, crl.RevokedCertificateEntries, 1)
	assert.Equal(t, "02", FormatSerial(crl.RevokedCertificateEntries[0].SerialNumber))
	assert.Equal(t, "01", FormatSerial(crl.Number))

	root, err := ReadCertificate(ca.crt)
	require.NoError(t, err)
	require.NoError(t, crl.CheckSignatureFrom(root))

	number, err := os.ReadFile(filepath.Join(ca.dir, "crl.idx"))
	require.NoError(t, err)
	assert.Equal(t, "02\n", string(number))
}

func TestU_Native_RevokeUnknown(t *testing.T) {
	ca := newTestCA(t, "no")
	other := newTestCA(t, "no")
	tc := NewNative(time.Minute)
	ca.selfSign(t, tc)
	other.selfSign(t, tc)
	foreign := other.issueServer(t, tc, "x.example.com")

	// Serial 02 is unknown to ca, whose ledger only holds its own 01.
	err := tc.Revoke(context.Background(), ca.cfg, foreign, ca.pass)
	assert.Error(t, err)
}

func TestU_Native_SerialsMonotonic(t *testing.T) {
	ca := newTestCA(t, "no")
	tc := NewNative(time.Minute)
	ca.selfSign(t, tc)

	ctx := context.Background()
	var serials []string
	for i := 0; i < 3; i++ {
		crt := ca.issueServer(t, tc, "host.example.com")
		info, err := tc.Inspect(ctx, crt)
		require.NoError(t, err)
		serials = append(serials, info.Serial)
		require.NoError(t, tc.Revoke(ctx, ca.cfg, crt, ca.pass))
	}
	assert.Equal(t, []string{"02", "03", "04"}, serials)
}

func TestU_Native_ContextCanceled(t *testing.T) {
	ca := newTestCA(t, "no")
	tc := NewNative(time.Minute)
	ca.selfSign(t, tc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tc.GenCRL(ctx, ca.cfg, ca.crl, ca.pass)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestU_Native_MissingConfig(t *testing.T) {
	tc := NewNative(time.Minute)
	dir := t.TempDir()
	err := tc.Request(context.Background(), filepath.Join(dir, "missing.cfg"),
		filepath.Join(dir, "x.csr"), filepath.Join(dir, "x.key"), "")
	assert.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "x.key"))
}
