// Package toolchain drives the X.509 toolchain a CA uses to generate keys,
// sign requests and publish revocation lists.
//
// Every operation follows the same contract: it reads input files, writes
// output files, and reports success only if the process (or the native
// implementation) succeeded AND the expected artifact exists afterwards.
package toolchain

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds a single toolchain invocation.
const DefaultTimeout = 30 * time.Second

// Extension profiles defined by the CA configuration template.
const (
	ExtRootCA         = "root_ca_ext"
	ExtIntermediateCA = "intermediate_ca_ext"
	ExtServer         = "server_ext"
)

// ErrArtifactMissing is returned when a toolchain call reported success but
// the file it was supposed to produce does not exist.
var ErrArtifactMissing = errors.New("expected artifact not produced")

// SignRequest describes a signing operation against a CA configuration.
type SignRequest struct {
	Config     string    // CA configuration file
	CSR        string    // request to sign
	Out        string    // certificate to write
	PassFile   string    // file holding the CA key passphrase, optional
	Extensions string    // extension section in Config
	EndDate    time.Time // zero means the configuration's default_days
	SelfSign   bool
}

// CertInfo holds the fields read back from an issued certificate.
type CertInfo struct {
	Subject     string // "/C=NL/O=Example/CN=host.example.com"
	Serial      string // uppercase hex, even length
	Fingerprint string // "AB:CD:..." SHA-1
	NotBefore   time.Time
	NotAfter    time.Time
}

// Toolchain is the set of operations a CA needs from its X.509 toolchain.
type Toolchain interface {
	// Request generates a private key and a certificate signing request
	// from a request configuration file.
	Request(ctx context.Context, cfg, csrOut, keyOut, passFile string) error

	// Sign signs a request using the CA described by req.Config.
	Sign(ctx context.Context, req SignRequest) error

	// Revoke marks the certificate at crt as revoked in the CA ledger.
	Revoke(ctx context.Context, cfg, crt, passFile string) error

	// GenCRL regenerates the CA's certificate revocation list.
	GenCRL(ctx context.Context, cfg, out, passFile string) error

	// Inspect reads subject, serial, fingerprint and validity from a
	// certificate file.
	Inspect(ctx context.Context, crt string) (*CertInfo, error)
}

// ExecError carries the diagnostics of a failed toolchain process.
type ExecError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", strings.Join(e.Args, " "), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExecError) Unwrap() error { return e.Err }

// New returns the toolchain implementation selected by backend.
func New(backend, binary string, timeout time.Duration) (Toolchain, error) {
	switch backend {
	case "", "openssl":
		return NewOpenSSL(binary, timeout), nil
	case "native":
		return NewNative(timeout), nil
	default:
		return nil, fmt.Errorf("unknown toolchain backend %q", backend)
	}
}

// requireArtifact returns ErrArtifactMissing if path does not exist.
func requireArtifact(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("%s: %w", path, ErrArtifactMissing)
	}
	return nil
}

// withTimeout applies d to ctx unless d is zero.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = DefaultTimeout
	}
	return context.WithTimeout(ctx, d)
}
