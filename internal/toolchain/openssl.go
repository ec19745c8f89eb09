package toolchain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// OpenSSL runs the openssl binary for every operation.
type OpenSSL struct {
	binary  string
	timeout time.Duration
}

var _ Toolchain = (*OpenSSL)(nil)

// NewOpenSSL returns an OpenSSL toolchain. An empty binary means "openssl"
// resolved through PATH.
func NewOpenSSL(binary string, timeout time.Duration) *OpenSSL {
	if binary == "" {
		binary = "openssl"
	}
	return &OpenSSL{binary: binary, timeout: timeout}
}

// Request implements Toolchain.
func (o *OpenSSL) Request(ctx context.Context, cfg, csrOut, keyOut, passFile string) error {
	if _, err := o.run(ctx, requestArgs(cfg, csrOut, keyOut, passFile)); err != nil {
		return err
	}
	if err := requireArtifact(keyOut); err != nil {
		return err
	}
	return requireArtifact(csrOut)
}

// Sign implements Toolchain.
func (o *OpenSSL) Sign(ctx context.Context, req SignRequest) error {
	if _, err := o.run(ctx, signArgs(req)); err != nil {
		return err
	}
	return requireArtifact(req.Out)
}

// Revoke implements Toolchain.
func (o *OpenSSL) Revoke(ctx context.Context, cfg, crt, passFile string) error {
	args := []string{"ca", "-config", cfg, "-revoke", crt, "-batch"}
	if passFile != "" {
		args = append(args, "-passin", "file:"+passFile)
	}
	_, err := o.run(ctx, args)
	return err
}

// GenCRL implements Toolchain.
func (o *OpenSSL) GenCRL(ctx context.Context, cfg, out, passFile string) error {
	args := []string{"ca", "-gencrl", "-config", cfg, "-out", out}
	if passFile != "" {
		args = append(args, "-passin", "file:"+passFile)
	}
	if _, err := o.run(ctx, args); err != nil {
		return err
	}
	return requireArtifact(out)
}

// Inspect implements Toolchain.
func (o *OpenSSL) Inspect(ctx context.Context, crt string) (*CertInfo, error) {
	out, err := o.run(ctx, []string{
		"x509", "-in", crt, "-noout", "-nameopt", "compat",
		"-subject", "-serial", "-fingerprint", "-sha1", "-startdate", "-enddate",
	})
	if err != nil {
		return nil, err
	}
	return parseInspectOutput(out)
}

func (o *OpenSSL) run(ctx context.Context, args []string) (string, error) {
	ctx, cancel := withTimeout(ctx, o.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, o.binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		execErr := &ExecError{
			Args:     append([]string{o.binary}, args...),
			ExitCode: -1,
			Stderr:   stderr.String(),
			Err:      err,
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			execErr.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			execErr.Err = ctx.Err()
		}
		return "", execErr
	}
	return stdout.String(), nil
}

func requestArgs(cfg, csrOut, keyOut, passFile string) []string {
	args := []string{"req", "-new", "-config", cfg, "-out", csrOut, "-keyout", keyOut}
	if passFile != "" {
		return append(args, "-passout", "file:"+passFile)
	}
	return append(args, "-nodes")
}

func signArgs(req SignRequest) []string {
	args := []string{"ca", "-config", req.Config, "-in", req.CSR, "-out", req.Out, "-batch", "-notext"}
	if req.SelfSign {
		args = append(args, "-selfsign")
	}
	if req.Extensions != "" {
		args = append(args, "-extensions", req.Extensions)
	}
	if !req.EndDate.IsZero() {
		args = append(args, "-enddate", FormatEndDate(req.EndDate))
	}
	if req.PassFile != "" {
		args = append(args, "-passin", "file:"+req.PassFile)
	}
	return args
}

const opensslDateLayout = "Jan _2 15:04:05 2006 MST"

// parseInspectOutput parses the output of
// "x509 -noout -nameopt compat -subject -serial -fingerprint -startdate -enddate".
func parseInspectOutput(out string) (*CertInfo, error) {
	info := &CertInfo{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch {
		case key == "subject":
			if !strings.HasPrefix(value, "/") {
				value = "/" + value
			}
			info.Subject = value
		case key == "serial":
			info.Serial = strings.ToUpper(value)
		case strings.HasSuffix(strings.ToLower(key), "fingerprint"):
			info.Fingerprint = strings.ToUpper(value)
		case key == "notBefore":
			t, err := time.Parse(opensslDateLayout, value)
			if err != nil {
				return nil, fmt.Errorf("invalid notBefore %q: %w", value, err)
			}
			info.NotBefore = t.UTC()
		case key == "notAfter":
			t, err := time.Parse(opensslDateLayout, value)
			if err != nil {
				return nil, fmt.Errorf("invalid notAfter %q: %w", value, err)
			}
			info.NotAfter = t.UTC()
		}
	}
	if info.Subject == "" || info.Serial == "" || info.Fingerprint == "" {
		return nil, fmt.Errorf("incomplete certificate information in toolchain output")
	}
	return info, nil
}
