// Package ca implements the certificate authorities of a private PKI:
// their on-disk layout, their ledger of issued certificates, and the
// operations that move a CA from Uninitialized to Active and let it sign
// and revoke certificates.
//
// Cryptographic work is delegated to a toolchain.Toolchain. Every
// operation that reads the serial index, signs, and appends to the ledger
// runs under a per-CA lock.
package ca

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/remiblancher/autosign-pki/internal/audit"
	"github.com/remiblancher/autosign-pki/internal/toolchain"
)

// State is the lifecycle state of a CA as observed on disk.
type State int

const (
	// Uninitialized means the base directory does not exist.
	Uninitialized State = iota
	// DirectoryReady means the layout exists but the CA has no certificate.
	DirectoryReady
	// Active means the CA holds its own certificate and can sign.
	Active
)

func (s State) String() string {
	switch s {
	case DirectoryReady:
		return "directory-ready"
	case Active:
		return "active"
	default:
		return "uninitialized"
	}
}

// CA is one node of the trust hierarchy.
type CA struct {
	typ       Type
	layout    Layout
	policy    Policy
	cfg       Config
	tc        toolchain.Toolchain
	templates *Templates
	logger    zerolog.Logger
	audit     *audit.Recorder
	mu        *sync.Mutex
}

// Option configures a CA.
type Option func(*CA)

// WithLogger sets the logger used for warnings and progress messages.
func WithLogger(l zerolog.Logger) Option {
	return func(c *CA) { c.logger = l }
}

// WithTemplates replaces the built-in configuration templates.
func WithTemplates(t *Templates) Option {
	return func(c *CA) { c.templates = t }
}

// WithAudit sets the audit recorder.
func WithAudit(r *audit.Recorder) Option {
	return func(c *CA) { c.audit = r }
}

// New returns the CA of type typ described by cfg. Nothing is read from or
// written to disk.
func New(cfg Config, typ Type, tc toolchain.Toolchain, opts ...Option) (*CA, error) {
	if _, err := ParseType(string(typ)); err != nil {
		return nil, configError("new", "", err)
	}
	if cfg.Name == "" {
		return nil, configError("new", "", errors.New("common name prefix is required"))
	}
	if cfg.Workspace == "" {
		return nil, configError("new", "", errors.New("workspace is required"))
	}
	if tc == nil {
		return nil, configError("new", "", errors.New("toolchain is required"))
	}
	workspace, err := filepath.Abs(cfg.Workspace)
	if err != nil {
		return nil, configError("new", cfg.Workspace, err)
	}

	layout := NewLayout(workspace, cfg.Name+"-"+string(typ))
	c := &CA{
		typ:       typ,
		layout:    layout,
		policy:    cfg.PolicyFor(typ),
		cfg:       cfg,
		tc:        tc,
		templates: DefaultTemplates(),
		logger:    zerolog.Nop(),
		mu:        lockFor(layout.Base),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("ca", layout.Name).Logger()
	return c, nil
}

// Name returns "<prefix>-<type>".
func (c *CA) Name() string { return c.layout.Name }

// Type returns the CA type.
func (c *CA) Type() Type { return c.typ }

// Layout returns the CA's path layout.
func (c *CA) Layout() Layout { return c.layout }

// Policy returns the effective issuing policy.
func (c *CA) Policy() Policy { return c.policy }

// PasswordFile returns the configured password file of this CA, if any.
func (c *CA) PasswordFile() string { return c.cfg.PasswordFile(c.typ) }

// State inspects the disk and reports the lifecycle state.
func (c *CA) State() State {
	if !exists(c.layout.Base) {
		return Uninitialized
	}
	if !exists(c.layout.Cert()) {
		return DirectoryReady
	}
	return Active
}

// fail logs err at a level matching its kind and returns it.
func (c *CA) fail(err *Error) error {
	ev := c.logger.Warn()
	if err.Kind == KindExternalTool || err.Kind == KindConfiguration {
		ev = c.logger.Error()
	}
	ev.Str("op", err.Op).Str("kind", err.Kind.String())
	if err.Path != "" {
		ev.Str("path", err.Path)
	}
	ev.Err(err.Err).Msg("CA operation failed")
	return err
}

func (c *CA) requireExists(op, path string) error {
	if !exists(path) {
		return c.fail(preconditionError(op, path, ErrNotExist))
	}
	return nil
}

func (c *CA) requireAbsent(op, path string) error {
	if exists(path) {
		return c.fail(preconditionError(op, path, ErrExists))
	}
	return nil
}

// resolvePassword applies the password rule of this CA type: root and
// intermediary keys need a readable password file. The configured file is
// used when passFile is empty.
func (c *CA) resolvePassword(op, passFile string) (string, error) {
	if passFile == "" {
		passFile = c.PasswordFile()
	}
	if passFile == "" {
		if c.typ.RequiresPassword() {
			return "", c.fail(preconditionError(op, "", ErrPasswordRequired))
		}
		return "", nil
	}
	f, err := os.Open(passFile)
	if err != nil {
		return "", c.fail(preconditionError(op, passFile, ErrNotExist))
	}
	_ = f.Close()
	return passFile, nil
}

// renderData merges common settings, the type policy and the layout paths
// rooted at l.
func (c *CA) renderData(l Layout) map[string]any {
	data := l.templateData()
	data["ca_type"] = string(c.typ)
	data["cn"] = c.policy.CommonName
	data["days"] = c.policy.Days
	data["crl_days"] = c.policy.CRLDays
	data["bits"] = c.cfg.bits()
	data["digest"] = c.cfg.digest()
	data["baseurl"] = strings.TrimRight(c.cfg.BaseURL, "/")
	data["ocspurl"] = c.cfg.OCSPURL
	data["pathlen"] = c.typ.pathLen()
	data["country"] = c.policy.Subject.Country
	data["province"] = c.policy.Subject.Province
	data["city"] = c.policy.Subject.City
	data["organization"] = c.policy.Subject.Organization
	data["unit"] = c.policy.Subject.Unit
	data["email"] = c.policy.Subject.Email
	return data
}

// Setup creates the directory layout, the empty ledger, the serial indexes
// and the CA configuration. The tree is built next to its final location
// and renamed into place, so the base directory is either absent or
// complete.
func (c *CA) Setup(ctx context.Context) error {
	const op = "setup"
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.requireAbsent(op, c.layout.Base); err != nil {
		return err
	}

	cfgData, err := c.templates.Render(rootTemplate, c.renderData(c.layout))
	if err != nil {
		return c.fail(configError(op, rootTemplate, err))
	}
	if err := ctx.Err(); err != nil {
		return c.fail(preconditionError(op, "", err))
	}

	parent := filepath.Dir(c.layout.Base)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return c.fail(preconditionError(op, parent, err))
	}
	tmp, err := os.MkdirTemp(parent, "."+c.layout.Name+"-setup-")
	if err != nil {
		return c.fail(preconditionError(op, parent, err))
	}
	renamed := false
	defer func() {
		if !renamed {
			_ = os.RemoveAll(tmp)
		}
	}()

	build := c.layout.at(tmp)
	if err := os.Chmod(tmp, 0o755); err != nil {
		return c.fail(preconditionError(op, tmp, err))
	}
	for _, dir := range layoutDirs {
		perm := os.FileMode(0o755)
		if dir == "private" {
			perm = 0o700
		}
		if err := os.Mkdir(filepath.Join(tmp, dir), perm); err != nil {
			return c.fail(preconditionError(op, dir, err))
		}
	}

	files := []struct {
		path string
		data []byte
	}{
		{build.DB(), nil},
		{build.DBAttr(), nil},
		{build.CertIndex(), []byte("01\n")},
		{build.CRLIndex(), []byte("01\n")},
		{build.Config(), cfgData},
	}
	for _, f := range files {
		if err := os.WriteFile(f.path, f.data, 0o644); err != nil {
			return c.fail(preconditionError(op, f.path, err))
		}
	}

	if err := os.Rename(tmp, c.layout.Base); err != nil {
		if exists(c.layout.Base) {
			return c.fail(preconditionError(op, c.layout.Base, ErrExists))
		}
		return c.fail(preconditionError(op, c.layout.Base, err))
	}
	renamed = true

	c.logger.Info().Str("basedir", c.layout.Base).Msg("CA directory set up")
	return c.audit.CACreated(c.layout.Name, c.layout.Base, true)
}

// GenKey generates a private key and CSR for name from the configuration
// at cfgPath. Root and intermediary CAs require a password file.
func (c *CA) GenKey(ctx context.Context, cfgPath, name, passFile string) error {
	const op = "genkey"
	if err := validName(name); err != nil {
		return c.fail(validationError(op, err))
	}
	if err := c.requireExists(op, cfgPath); err != nil {
		return err
	}
	key, csr := c.layout.KeyFor(name), c.layout.CSRFor(name)
	if err := c.requireAbsent(op, key); err != nil {
		return err
	}
	if err := c.requireAbsent(op, csr); err != nil {
		return err
	}
	if c.typ.RequiresPassword() || passFile != "" {
		var err error
		if passFile, err = c.resolvePassword(op, passFile); err != nil {
			return err
		}
	}

	c.logger.Debug().Str("name", name).Msg("generating key and certificate request")
	if err := c.tc.Request(ctx, cfgPath, csr, key, passFile); err != nil {
		return c.fail(toolError(op, key, err))
	}
	if !exists(key) {
		return c.fail(toolError(op, key, toolchain.ErrArtifactMissing))
	}
	return nil
}

// InitCA generates the root key and self-signs it.
func (c *CA) InitCA(ctx context.Context, passFile string) error {
	const op = "initca"
	if c.typ != Root {
		return c.fail(validationError(op, fmt.Errorf("%s CA: %w", c.typ, ErrWrongType)))
	}
	if passFile == "" {
		passFile = c.PasswordFile()
	}
	if passFile != "" && !exists(passFile) {
		return c.fail(preconditionError(op, passFile, ErrNotExist))
	}

	c.logger.Info().Msg("generating key and certificate request")
	if err := c.GenKey(ctx, c.layout.Config(), c.layout.Name, passFile); err != nil {
		return err
	}
	c.logger.Info().Msg("self-signing certificate")
	return c.SelfSign(ctx, c.layout.Name, passFile)
}

// SelfSign signs the CSR of name with its own key. Only a root CA may
// self-sign.
func (c *CA) SelfSign(ctx context.Context, name, passFile string) error {
	const op = "selfsign"
	if c.typ != Root {
		return c.fail(validationError(op, fmt.Errorf("%s CA cannot be self-signed: %w", c.typ, ErrWrongType)))
	}
	passFile, err := c.resolvePassword(op, passFile)
	if err != nil {
		return err
	}
	csr, crt := c.layout.CSRFor(name), c.layout.CertFor(name)
	if err := c.requireExists(op, c.layout.Config()); err != nil {
		return err
	}
	if err := c.requireExists(op, csr); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAbsent(op, crt); err != nil {
		return err
	}

	err = c.tc.Sign(ctx, toolchain.SignRequest{
		Config:     c.layout.Config(),
		CSR:        csr,
		Out:        crt,
		PassFile:   passFile,
		Extensions: toolchain.ExtRootCA,
		EndDate:    toolchain.EndDate(c.policy.Days),
		SelfSign:   true,
	})
	if err != nil {
		return c.fail(toolError(op, crt, err))
	}
	if !exists(crt) {
		return c.fail(toolError(op, crt, toolchain.ErrArtifactMissing))
	}

	info := c.inspect(ctx, crt)
	c.logger.Info().Str("serial", info.Serial).Str("subject", info.Subject).Msg("CA certificate self-signed")
	if err := c.audit.CAInitialized(c.layout.Name, info.Subject, info.Serial); err != nil {
		return err
	}
	c.refresh(ctx)
	return nil
}

// SignIntermediary signs a subordinate CA's request. crtPath must lie in
// this CA's own certificate directory; the child installs the certificate
// from there.
func (c *CA) SignIntermediary(ctx context.Context, csrPath, crtPath, passFile string, days int) error {
	const op = "sign-intermediary"
	if err := c.requireExists(op, c.layout.Config()); err != nil {
		return err
	}
	if err := c.requireExists(op, csrPath); err != nil {
		return err
	}
	if c.State() != Active {
		return c.fail(preconditionError(op, c.layout.Cert(), ErrNotActive))
	}
	if passFile == "" {
		passFile = c.PasswordFile()
	}
	if passFile == "" || !exists(passFile) {
		return c.fail(preconditionError(op, passFile, ErrPasswordRequired))
	}
	if days <= 0 {
		return c.fail(validationError(op, fmt.Errorf("%d: %w", days, ErrInvalidDays)))
	}
	if dir := filepath.Dir(crtPath); filepath.Clean(dir) != c.layout.CertsDir() {
		return c.fail(validationError(op, fmt.Errorf("certificate must be written to %s, not %s", c.layout.CertsDir(), dir)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAbsent(op, crtPath); err != nil {
		return err
	}

	err := c.tc.Sign(ctx, toolchain.SignRequest{
		Config:     c.layout.Config(),
		CSR:        csrPath,
		Out:        crtPath,
		PassFile:   passFile,
		Extensions: toolchain.ExtIntermediateCA,
		EndDate:    toolchain.EndDate(days),
	})
	if err != nil {
		return c.fail(toolError(op, crtPath, err))
	}
	if !exists(crtPath) {
		return c.fail(toolError(op, crtPath, toolchain.ErrArtifactMissing))
	}

	info := c.inspect(ctx, crtPath)
	c.logger.Info().Str("serial", info.Serial).Str("subject", info.Subject).Msg("intermediary certificate signed")
	if err := c.audit.CertIssued(c.layout.Name, info.Serial, info.Subject); err != nil {
		return err
	}
	c.refresh(ctx)
	return nil
}

// Sign signs the CSR stored for name with the server extension profile,
// without interaction.
func (c *CA) Sign(ctx context.Context, name string) error {
	const op = "sign"
	if err := validName(name); err != nil {
		return c.fail(validationError(op, err))
	}
	csr, crt := c.layout.CSRFor(name), c.layout.CertFor(name)
	if err := c.requireExists(op, c.layout.Config()); err != nil {
		return err
	}
	if err := c.requireExists(op, csr); err != nil {
		return err
	}
	passFile := c.PasswordFile()
	if passFile != "" && !exists(passFile) {
		return c.fail(preconditionError(op, passFile, ErrNotExist))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireAbsent(op, crt); err != nil {
		return err
	}

	err := c.tc.Sign(ctx, toolchain.SignRequest{
		Config:     c.layout.Config(),
		CSR:        csr,
		Out:        crt,
		PassFile:   passFile,
		Extensions: toolchain.ExtServer,
	})
	if err != nil {
		return c.fail(toolError(op, crt, err))
	}
	if !exists(crt) {
		return c.fail(toolError(op, crt, toolchain.ErrArtifactMissing))
	}

	info := c.inspect(ctx, crt)
	c.logger.Info().Str("serial", info.Serial).Str("subject", info.Subject).Msg("certificate signed")
	if err := c.audit.CertIssued(c.layout.Name, info.Serial, info.Subject); err != nil {
		return err
	}
	c.refresh(ctx)
	return nil
}

// Revoke marks the certificate at crtPath as revoked in the ledger. The
// CRL is not regenerated; call UpdateCRL.
func (c *CA) Revoke(ctx context.Context, crtPath, passFile string) error {
	const op = "revoke"
	if err := c.requireExists(op, c.layout.Config()); err != nil {
		return err
	}
	if err := c.requireExists(op, crtPath); err != nil {
		return err
	}
	passFile, err := c.resolvePassword(op, passFile)
	if err != nil {
		return err
	}
	info := c.inspect(ctx, crtPath)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tc.Revoke(ctx, c.layout.Config(), crtPath, passFile); err != nil {
		return c.fail(toolError(op, crtPath, err))
	}

	c.logger.Info().Str("serial", info.Serial).Str("subject", info.Subject).Msg("certificate revoked")
	if err := c.audit.CertRevoked(c.layout.Name, info.Serial, info.Subject); err != nil {
		return err
	}
	c.refresh(ctx)
	return nil
}

// UpdateCRL regenerates the certificate revocation list.
func (c *CA) UpdateCRL(ctx context.Context, passFile string) error {
	const op = "updatecrl"
	passFile, err := c.resolvePassword(op, passFile)
	if err != nil {
		return err
	}
	if err := c.requireExists(op, c.layout.Config()); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.tc.GenCRL(ctx, c.layout.Config(), c.layout.CRL(), passFile); err != nil {
		return c.fail(toolError(op, c.layout.CRL(), err))
	}
	if !exists(c.layout.CRL()) {
		return c.fail(toolError(op, c.layout.CRL(), toolchain.ErrArtifactMissing))
	}

	c.logger.Info().Str("crl", c.layout.CRL()).Msg("CRL updated")
	return c.audit.CRLGenerated(c.layout.Name, c.layout.CRL())
}

// UpdateBundle writes this CA's certificate followed by parent's bundle
// (or parent's certificate if it has no bundle yet). A nil parent yields a
// bundle holding only this CA's certificate.
func (c *CA) UpdateBundle(parent *CA) error {
	const op = "updatebundle"
	own, err := os.ReadFile(c.layout.Cert())
	if err != nil {
		return c.fail(preconditionError(op, c.layout.Cert(), ErrNotExist))
	}

	bundle := append([]byte{}, own...)
	if parent != nil {
		chain, err := os.ReadFile(parent.layout.Bundle())
		if errors.Is(err, fs.ErrNotExist) {
			chain, err = os.ReadFile(parent.layout.Cert())
		}
		if err != nil {
			return c.fail(preconditionError(op, parent.layout.Cert(), ErrNotExist))
		}
		if len(bundle) > 0 && bundle[len(bundle)-1] != '\n' {
			bundle = append(bundle, '\n')
		}
		bundle = append(bundle, chain...)
	}

	if err := writeFileAtomic(c.layout.Bundle(), bundle, 0o644); err != nil {
		return c.fail(preconditionError(op, c.layout.Bundle(), err))
	}
	c.logger.Debug().Str("bundle", c.layout.Bundle()).Msg("bundle updated")
	return nil
}

// GenerateServerConfig renders the request configuration for a server
// certificate and returns its path. fqdn must have two or three labels;
// its first label becomes the short subject alternative name.
func (c *CA) GenerateServerConfig(fqdn string) (string, error) {
	const op = "server-config"
	labels := strings.Split(fqdn, ".")
	if len(labels) < 2 || len(labels) > 3 {
		return "", c.fail(validationError(op, fmt.Errorf("%q needs 2 or 3 labels: %w", fqdn, ErrInvalidFQDN)))
	}
	for _, label := range labels {
		if label == "" {
			return "", c.fail(validationError(op, fmt.Errorf("%q has an empty label: %w", fqdn, ErrInvalidFQDN)))
		}
	}
	if err := validName(fqdn); err != nil {
		return "", c.fail(validationError(op, err))
	}
	if err := c.requireExists(op, c.layout.ConfigDir()); err != nil {
		return "", err
	}

	data := c.renderData(c.layout)
	data["fqdn"] = fqdn
	data["san"] = labels[0]
	out, err := c.templates.Render(serverTemplate, data)
	if err != nil {
		return "", c.fail(configError(op, serverTemplate, err))
	}

	path := c.layout.ConfigFor(fqdn)
	if err := writeFileAtomic(path, out, 0o644); err != nil {
		return "", c.fail(preconditionError(op, path, err))
	}
	return path, nil
}

// WriteCSR stores a received request as the CSR for name.
func (c *CA) WriteCSR(name string, csrPEM []byte) (string, error) {
	const op = "write-csr"
	if err := validName(name); err != nil {
		return "", c.fail(validationError(op, err))
	}
	if _, err := toolchain.DecodeCSR(csrPEM); err != nil {
		return "", c.fail(validationError(op, fmt.Errorf("%w: %v", ErrValidation, err)))
	}
	path := c.layout.CSRFor(name)
	if err := c.requireExists(op, c.layout.CSRDir()); err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", c.fail(preconditionError(op, path, ErrExists))
		}
		return "", c.fail(preconditionError(op, path, err))
	}
	if _, err := f.Write(csrPEM); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", c.fail(preconditionError(op, path, err))
	}
	if err := f.Close(); err != nil {
		return "", c.fail(preconditionError(op, path, err))
	}
	return path, nil
}

// InstallCertificate copies the certificate a parent signed for this CA
// into its own tree. The certificate must match this CA's key.
func (c *CA) InstallCertificate(ctx context.Context, src string) error {
	const op = "install"
	if err := c.requireAbsent(op, c.layout.Cert()); err != nil {
		return err
	}
	cert, err := toolchain.ReadCertificate(src)
	if err != nil {
		return c.fail(preconditionError(op, src, err))
	}
	csrPEM, err := os.ReadFile(c.layout.CSR())
	if err != nil {
		return c.fail(preconditionError(op, c.layout.CSR(), ErrNotExist))
	}
	csr, err := toolchain.DecodeCSR(csrPEM)
	if err != nil {
		return c.fail(preconditionError(op, c.layout.CSR(), err))
	}
	pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
	if !ok || !pub.Equal(csr.PublicKey) {
		return c.fail(validationError(op, fmt.Errorf("%s was not issued for this CA's key", src)))
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return c.fail(preconditionError(op, src, err))
	}
	if err := writeFileAtomic(c.layout.Cert(), data, 0o644); err != nil {
		return c.fail(preconditionError(op, c.layout.Cert(), err))
	}

	info := toolchain.Info(cert)
	c.logger.Info().Str("serial", info.Serial).Str("issuer", toolchain.FormatSubject(cert.Issuer)).Msg("CA certificate installed")
	return c.audit.CAInitialized(c.layout.Name, info.Subject, info.Serial)
}

// Issue creates a key, request and certificate for fqdn entirely on the
// autosign CA: render the server configuration, generate the key, sign.
func (c *CA) Issue(ctx context.Context, fqdn string) (string, error) {
	const op = "issue"
	if c.typ != Autosign {
		return "", c.fail(validationError(op, fmt.Errorf("%s CA: %w", c.typ, ErrWrongType)))
	}
	cfgPath, err := c.GenerateServerConfig(fqdn)
	if err != nil {
		return "", err
	}
	if err := c.GenKey(ctx, cfgPath, fqdn, ""); err != nil {
		return "", err
	}
	if err := c.Sign(ctx, fqdn); err != nil {
		return "", err
	}
	return c.layout.CertFor(fqdn), nil
}

// Certificate returns this CA's certificate in PEM form.
func (c *CA) Certificate() ([]byte, error) {
	return c.readArtifact("certificate", c.layout.Cert())
}

// Bundle returns this CA's chain in PEM form.
func (c *CA) Bundle() ([]byte, error) {
	return c.readArtifact("bundle", c.layout.Bundle())
}

// CRL returns this CA's revocation list in PEM form.
func (c *CA) CRL() ([]byte, error) {
	return c.readArtifact("crl", c.layout.CRL())
}

func (c *CA) readArtifact(op, path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, preconditionError(op, path, ErrNotExist)
	}
	if err != nil {
		return nil, preconditionError(op, path, err)
	}
	return data, nil
}

// Ledger reconciles the ledger with the certificate directory.
func (c *CA) Ledger(ctx context.Context) (*Ledger, error) {
	return Reconcile(ctx, c.layout.DB(), c.layout.CertsDir(), c.tc, c.logger)
}

// refresh re-reads the ledger after a change and logs its size.
func (c *CA) refresh(ctx context.Context) {
	l, err := c.Ledger(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to refresh ledger")
		return
	}
	c.logger.Debug().Int("records", l.Len()).Msg("ledger refreshed")
}

// inspect reads certificate details for logging and audit; failures are
// logged and yield an empty CertInfo.
func (c *CA) inspect(ctx context.Context, crt string) *toolchain.CertInfo {
	info, err := c.tc.Inspect(ctx, crt)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", crt).Msg("failed to inspect certificate")
		return &toolchain.CertInfo{}
	}
	return info
}

// validName rejects names that cannot be used as a file stem.
func validName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%q: %w", name, ErrInvalidFQDN)
	}
	return nil
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), perm); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Retire moves the name-keyed artifacts of name (certificate, request,
// key and request configuration) aside under "<name>-<serial>", so a
// certificate can be issued for name again. Missing artifacts are skipped.
func (c *CA) Retire(name, serial string) error {
	const op = "retire"
	if err := validName(name); err != nil {
		return c.fail(validationError(op, err))
	}
	if !hexStem.MatchString(serial) {
		return c.fail(validationError(op, fmt.Errorf("invalid serial %q", serial)))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	retired := name + "-" + serial
	moves := [][2]string{
		{c.layout.CertFor(name), c.layout.CertFor(retired)},
		{c.layout.CSRFor(name), c.layout.CSRFor(retired)},
		{c.layout.KeyFor(name), c.layout.KeyFor(retired)},
		{c.layout.ConfigFor(name), c.layout.ConfigFor(retired)},
	}
	for _, m := range moves {
		if !exists(m[0]) {
			continue
		}
		if err := c.requireAbsent(op, m[1]); err != nil {
			return err
		}
		if err := os.Rename(m[0], m[1]); err != nil {
			return c.fail(preconditionError(op, m[0], err))
		}
	}
	c.logger.Info().Str("name", name).Str("serial", serial).Msg("retired certificate artifacts")
	return nil
}
