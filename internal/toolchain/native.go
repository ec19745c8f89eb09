package toolchain

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/awnumar/memguard"
	"gopkg.in/ini.v1"
)

// ErrPassphraseRequired is returned when an encrypted key is loaded without
// a passphrase file.
var ErrPassphraseRequired = errors.New("key is encrypted and no passphrase was given")

// ErrAlreadyRevoked is returned by Revoke for a certificate whose ledger
// entry is already revoked.
var ErrAlreadyRevoked = errors.New("certificate already revoked")

const defaultKeyBits = 2048

// Native implements Toolchain with crypto/x509. It reads the same
// configuration files as the openssl backend and keeps the same ledger,
// serial and CRL number files, so a CA can switch between backends.
type Native struct {
	timeout time.Duration
	now     func() time.Time
}

var _ Toolchain = (*Native)(nil)

// NewNative returns a Native toolchain.
func NewNative(timeout time.Duration) *Native {
	return &Native{timeout: timeout, now: time.Now}
}

// Request implements Toolchain.
func (n *Native) Request(ctx context.Context, cfg, csrOut, keyOut, passFile string) error {
	ctx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	f, err := loadConf(cfg)
	if err != nil {
		return err
	}
	req := f.Section("req")
	bits := req.Key("default_bits").MustInt(defaultKeyBits)
	subject, err := requestSubject(f)
	if err != nil {
		return err
	}

	tmpl := &x509.CertificateRequest{Subject: subject}
	if name := req.Key("req_extensions").String(); name != "" {
		ext, err := f.GetSection(name)
		if err != nil {
			return fmt.Errorf("missing request extension section %q: %w", name, err)
		}
		if ext.HasKey("subjectAltName") {
			names, err := parseAltNames(ext.Key("subjectAltName").String())
			if err != nil {
				return err
			}
			tmpl.DNSNames = names.dns
			tmpl.IPAddresses = names.ips
			tmpl.EmailAddresses = names.emails
			tmpl.URIs = names.uris
		}
	}

	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, tmpl, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate request: %w", err)
	}

	keyBlock, err := encodeKey(key, passFile)
	if err != nil {
		return err
	}
	if err := writePEM(keyOut, keyBlock, 0o600); err != nil {
		return err
	}
	if err := writePEM(csrOut, &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}, 0o644); err != nil {
		return err
	}
	return requireArtifact(keyOut)
}

// Sign implements Toolchain.
func (n *Native) Sign(ctx context.Context, req SignRequest) error {
	ctx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	f, err := loadConf(req.Config)
	if err != nil {
		return err
	}
	settings, err := readCASettings(f)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(req.CSR)
	if err != nil {
		return fmt.Errorf("failed to read certificate request: %w", err)
	}
	csr, err := DecodeCSR(data)
	if err != nil {
		return fmt.Errorf("%s: %w", req.CSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return fmt.Errorf("certificate request signature: %w", err)
	}

	signer, err := readPrivateKey(settings.privateKey, req.PassFile)
	if err != nil {
		return err
	}

	serial, err := readSerial(settings.serial)
	if err != nil {
		return err
	}

	now := n.now().UTC().Truncate(time.Second)
	notAfter := req.EndDate
	if notAfter.IsZero() {
		notAfter = now.AddDate(0, 0, settings.defaultDays)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		RawSubject:   csr.RawSubject,
		NotBefore:    now,
		NotAfter:     notAfter.UTC(),
		SubjectKeyId: subjectKeyID(csr.PublicKey),
	}

	extName := req.Extensions
	if extName == "" {
		extName = settings.x509Extensions
	}
	if extName != "" {
		sec, err := f.GetSection(extName)
		if err != nil {
			return fmt.Errorf("missing extension section %q: %w", extName, err)
		}
		if err := applyExtensions(tmpl, sec); err != nil {
			return fmt.Errorf("section %s: %w", extName, err)
		}
	}
	if settings.copyExtensions && len(tmpl.DNSNames)+len(tmpl.IPAddresses)+len(tmpl.EmailAddresses)+len(tmpl.URIs) == 0 {
		tmpl.DNSNames = csr.DNSNames
		tmpl.IPAddresses = csr.IPAddresses
		tmpl.EmailAddresses = csr.EmailAddresses
		tmpl.URIs = csr.URIs
	}

	parent := tmpl
	if req.SelfSign {
		if !publicKeysEqual(signer.Public(), csr.PublicKey) {
			return fmt.Errorf("self-signed request does not match CA key %s", settings.privateKey)
		}
	} else {
		issuer, err := ReadCertificate(settings.certificate)
		if err != nil {
			return err
		}
		if !publicKeysEqual(signer.Public(), issuer.PublicKey) {
			return fmt.Errorf("CA certificate and private key do not match")
		}
		parent = issuer
	}

	entries, err := readIndex(settings.database)
	if err != nil {
		return err
	}
	subject := FormatSubject(csr.Subject)
	unique := uniqueSubject(settings)
	if unique {
		for _, e := range entries {
			if e.status == "V" && e.subject == subject {
				return fmt.Errorf("a valid certificate for %s already exists (serial %s)", subject, e.serial)
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, csr.PublicKey, signer)
	if err != nil {
		return fmt.Errorf("failed to sign certificate: %w", err)
	}
	block := &pem.Block{Type: "CERTIFICATE", Bytes: der}
	serialHex := FormatSerial(serial)

	if err := writePEM(filepath.Join(settings.newCertsDir, serialHex+".pem"), block, 0o644); err != nil {
		return err
	}
	entries = append(entries, indexEntry{
		status:  "V",
		expiry:  FormatIndexTime(tmpl.NotAfter),
		serial:  serialHex,
		file:    "unknown",
		subject: subject,
	})
	if err := writeIndex(settings.database, entries); err != nil {
		return err
	}
	if err := writeSerial(settings.serial, new(big.Int).Add(serial, big.NewInt(1))); err != nil {
		return err
	}
	if err := writeAttr(settings.database, unique); err != nil {
		return err
	}
	if err := writePEM(req.Out, block, 0o644); err != nil {
		return err
	}
	return requireArtifact(req.Out)
}

// Revoke implements Toolchain.
func (n *Native) Revoke(ctx context.Context, cfg, crt, passFile string) error {
	ctx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	f, err := loadConf(cfg)
	if err != nil {
		return err
	}
	settings, err := readCASettings(f)
	if err != nil {
		return err
	}
	if _, err := readPrivateKey(settings.privateKey, passFile); err != nil {
		return err
	}
	cert, err := ReadCertificate(crt)
	if err != nil {
		return err
	}
	serial := FormatSerial(cert.SerialNumber)

	entries, err := readIndex(settings.database)
	if err != nil {
		return err
	}
	found := false
	for i := range entries {
		if entries[i].serial != serial {
			continue
		}
		if entries[i].status == "R" {
			return fmt.Errorf("serial %s: %w", serial, ErrAlreadyRevoked)
		}
		entries[i].status = "R"
		entries[i].revoked = FormatIndexTime(n.now())
		found = true
		break
	}
	if !found {
		return fmt.Errorf("serial %s not found in %s", serial, settings.database)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeIndex(settings.database, entries)
}

// GenCRL implements Toolchain.
func (n *Native) GenCRL(ctx context.Context, cfg, out, passFile string) error {
	ctx, cancel := withTimeout(ctx, n.timeout)
	defer cancel()

	f, err := loadConf(cfg)
	if err != nil {
		return err
	}
	settings, err := readCASettings(f)
	if err != nil {
		return err
	}
	signer, err := readPrivateKey(settings.privateKey, passFile)
	if err != nil {
		return err
	}
	issuer, err := ReadCertificate(settings.certificate)
	if err != nil {
		return err
	}
	entries, err := readIndex(settings.database)
	if err != nil {
		return err
	}

	var revoked []x509.RevocationListEntry
	for _, e := range entries {
		if e.status != "R" {
			continue
		}
		serial, ok := new(big.Int).SetString(e.serial, 16)
		if !ok {
			return fmt.Errorf("invalid serial %q in %s", e.serial, settings.database)
		}
		at, err := ParseIndexTime(e.revoked)
		if err != nil {
			return err
		}
		revoked = append(revoked, x509.RevocationListEntry{SerialNumber: serial, RevocationTime: at})
	}

	number := big.NewInt(1)
	if settings.crlNumber != "" {
		if number, err = readSerial(settings.crlNumber); err != nil {
			return err
		}
	}

	now := n.now().UTC().Truncate(time.Second)
	tmpl := &x509.RevocationList{
		Number:                    number,
		ThisUpdate:                now,
		NextUpdate:                now.AddDate(0, 0, settings.crlDays),
		RevokedCertificateEntries: revoked,
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuer, signer)
	if err != nil {
		return fmt.Errorf("failed to create CRL: %w", err)
	}
	if settings.crlNumber != "" {
		if err := writeSerial(settings.crlNumber, new(big.Int).Add(number, big.NewInt(1))); err != nil {
			return err
		}
	}
	if err := writePEM(out, &pem.Block{Type: "X509 CRL", Bytes: der}, 0o644); err != nil {
		return err
	}
	return requireArtifact(out)
}

// Inspect implements Toolchain.
func (n *Native) Inspect(_ context.Context, crt string) (*CertInfo, error) {
	cert, err := ReadCertificate(crt)
	if err != nil {
		return nil, err
	}
	return Info(cert), nil
}

// readPassphrase seals the first line of path into an enclave.
func readPassphrase(path string) (*memguard.Enclave, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read passphrase file: %w", err)
	}
	line, _, _ := bytes.Cut(data, []byte("\n"))
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		memguard.WipeBytes(data)
		return nil, fmt.Errorf("passphrase file %s is empty", path)
	}
	enclave := memguard.NewEnclave(line)
	memguard.WipeBytes(data)
	return enclave, nil
}

func encodeKey(key *rsa.PrivateKey, passFile string) (*pem.Block, error) {
	if passFile == "" {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to encode key: %w", err)
		}
		return &pem.Block{Type: "PRIVATE KEY", Bytes: der}, nil
	}

	enclave, err := readPassphrase(passFile)
	if err != nil {
		return nil, err
	}
	pass, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("opening passphrase enclave: %w", err)
	}
	defer pass.Destroy()

	//nolint:staticcheck // legacy PEM encryption is what both backends can read back
	block, err := x509.EncryptPEMBlock(rand.Reader, "RSA PRIVATE KEY",
		x509.MarshalPKCS1PrivateKey(key), pass.Bytes(), x509.PEMCipherAES256)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt key: %w", err)
	}
	return block, nil
}

func readPrivateKey(path, passFile string) (crypto.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM data", path)
	}

	der := block.Bytes
	//nolint:staticcheck
	if x509.IsEncryptedPEMBlock(block) {
		if passFile == "" {
			return nil, fmt.Errorf("%s: %w", path, ErrPassphraseRequired)
		}
		enclave, err := readPassphrase(passFile)
		if err != nil {
			return nil, err
		}
		pass, err := enclave.Open()
		if err != nil {
			return nil, fmt.Errorf("opening passphrase enclave: %w", err)
		}
		//nolint:staticcheck
		der, err = x509.DecryptPEMBlock(block, pass.Bytes())
		pass.Destroy()
		if err != nil {
			return nil, fmt.Errorf("%s: failed to decrypt key: %w", path, err)
		}
	}

	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%s: unsupported key type %T", path, key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(der); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("%s: unsupported private key encoding", path)
}

func publicKeysEqual(a, b crypto.PublicKey) bool {
	k, ok := a.(interface{ Equal(crypto.PublicKey) bool })
	return ok && k.Equal(b)
}

func subjectKeyID(pub crypto.PublicKey) []byte {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil
	}
	sum := sha1.Sum(der)
	return sum[:]
}

func readSerial(path string) (*big.Int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read serial file: %w", err)
	}
	s := strings.TrimSpace(string(data))
	serial, ok := new(big.Int).SetString(s, 16)
	if !ok || serial.Sign() <= 0 {
		return nil, fmt.Errorf("invalid serial %q in %s", s, path)
	}
	return serial, nil
}

func writeSerial(path string, serial *big.Int) error {
	return writeFileAtomic(path, []byte(FormatSerial(serial)+"\n"), 0o644)
}

// indexEntry is one ledger line.
type indexEntry struct {
	status  string
	expiry  string
	revoked string
	serial  string
	file    string
	subject string
}

func (e indexEntry) String() string {
	return strings.Join([]string{e.status, e.expiry, e.revoked, e.serial, e.file, e.subject}, "\t")
}

func readIndex(path string) ([]indexEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	var entries []indexEntry
	for i, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 6 {
			return nil, fmt.Errorf("%s:%d: expected 6 fields, got %d", path, i+1, len(fields))
		}
		entries = append(entries, indexEntry{
			status:  fields[0],
			expiry:  fields[1],
			revoked: fields[2],
			serial:  fields[3],
			file:    fields[4],
			subject: fields[5],
		})
	}
	return entries, nil
}

func writeIndex(path string, entries []indexEntry) error {
	var b strings.Builder
	for _, e := range entries {
		b.WriteString(e.String())
		b.WriteByte('\n')
	}
	return writeFileAtomic(path, []byte(b.String()), 0o644)
}

// uniqueSubject returns the unique_subject setting. The ledger attribute
// file, once written, takes precedence over the configuration.
func uniqueSubject(settings *caSettings) bool {
	f, err := ini.Load(settings.database + ".attr")
	if err != nil {
		return settings.uniqueSubject
	}
	sec := f.Section(ini.DefaultSection)
	if !sec.HasKey("unique_subject") {
		return settings.uniqueSubject
	}
	return sec.Key("unique_subject").String() != "no"
}

func writeAttr(database string, unique bool) error {
	value := "no"
	if unique {
		value = "yes"
	}
	return writeFileAtomic(database+".attr", []byte("unique_subject = "+value+"\n"), 0o644)
}

func writePEM(path string, block *pem.Block, perm os.FileMode) error {
	return writeFileAtomic(path, pem.EncodeToMemory(block), perm)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
