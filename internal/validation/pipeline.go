// Package validation implements the gate every autosign request passes
// before a CA signs or revokes anything.
//
// The stages run in a fixed order and the first failure ends the run:
// syntax, ownership, token, csr, certificate.
package validation

import (
	"context"
	"encoding/asn1"
	"errors"
	"fmt"
	"net/netip"

	"github.com/rs/zerolog"

	"github.com/remiblancher/autosign-pki/internal/ca"
	"github.com/remiblancher/autosign-pki/internal/toolchain"
)

// Stage names one step of the pipeline.
type Stage string

const (
	StageSyntax      Stage = "syntax"
	StageOwnership   Stage = "ownership"
	StageToken       Stage = "token"
	StageCSR         Stage = "csr"
	StageCertificate Stage = "certificate"
	// StageProof is used by enrollment, which checks a proof token served
	// by the host instead of running the pipeline.
	StageProof Stage = "proof"
)

// Rejection is returned for a request that failed a stage.
type Rejection struct {
	Stage  Stage
	Reason string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected at %s stage: %s", r.Stage, r.Reason)
}

// Unwrap lets errors.Is(err, ca.ErrValidation) match every rejection.
func (r *Rejection) Unwrap() error { return ca.ErrValidation }

// NewRejection returns a rejection at stage.
func NewRejection(stage Stage, reason string) *Rejection {
	return &Rejection{Stage: stage, Reason: reason}
}

func reject(stage Stage, format string, args ...any) *Rejection {
	return &Rejection{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// Request is one autosign call. CSR and Certificate are PEM and optional.
type Request struct {
	FQDN        string
	SourceIP    string
	Token       string
	CSR         []byte
	Certificate []byte
}

// Resolver resolves host names. *net.Resolver implements it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// TokenValidator compares a presented token with the stored one.
// *tokens.Store implements it.
type TokenValidator interface {
	Validate(fqdn, token string) bool
}

// Target is the CA a request is addressed to. *ca.CA implements it.
type Target interface {
	Policy() ca.Policy
	Ledger(ctx context.Context) (*ca.Ledger, error)
}

// Pipeline validates autosign requests.
type Pipeline struct {
	Tokens   TokenValidator
	Resolver Resolver
	// Permissive accepts requests whose source address does not belong
	// to the requested name. The mismatch is still logged.
	Permissive bool
	Logger     zerolog.Logger
}

// Validate runs every stage against req and returns nil if req may
// proceed, or a *Rejection naming the first failed stage.
func (p *Pipeline) Validate(ctx context.Context, req Request, target Target) error {
	log := p.Logger.With().Str("fqdn", req.FQDN).Str("source_ip", req.SourceIP).Logger()

	if err := p.run(ctx, req, target); err != nil {
		var r *Rejection
		if errors.As(err, &r) {
			log.Warn().Str("stage", string(r.Stage)).Str("reason", r.Reason).Msg("autosign request rejected")
		}
		return err
	}
	log.Debug().Msg("autosign request accepted")
	return nil
}

func (p *Pipeline) run(ctx context.Context, req Request, target Target) error {
	if !ValidFQDN(req.FQDN) {
		return reject(StageSyntax, "%q is not a valid host name", req.FQDN)
	}
	if err := p.checkOwnership(ctx, req); err != nil {
		return err
	}
	if p.Tokens == nil || !p.Tokens.Validate(req.FQDN, req.Token) {
		return reject(StageToken, "token does not match")
	}
	if len(req.CSR) > 0 {
		if err := checkCSR(req, target.Policy()); err != nil {
			return err
		}
	}
	if len(req.Certificate) > 0 {
		if err := checkCertificate(ctx, req, target); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) checkOwnership(ctx context.Context, req Request) error {
	err := p.ownedBy(ctx, req.FQDN, req.SourceIP)
	if err == nil {
		return nil
	}
	if p.Permissive {
		p.Logger.Warn().Str("fqdn", req.FQDN).Str("source_ip", req.SourceIP).Str("reason", err.Reason).
			Msg("ownership check failed, accepted in permissive mode")
		return nil
	}
	return err
}

func (p *Pipeline) ownedBy(ctx context.Context, fqdn, sourceIP string) *Rejection {
	src, err := netip.ParseAddr(sourceIP)
	if err != nil {
		return reject(StageOwnership, "invalid source address %q", sourceIP)
	}
	src = src.Unmap()
	if p.Resolver == nil {
		return reject(StageOwnership, "no resolver configured")
	}
	addrs, err := p.Resolver.LookupHost(ctx, fqdn)
	if err != nil {
		return reject(StageOwnership, "failed to resolve %s: %v", fqdn, err)
	}
	for _, a := range addrs {
		if ip, err := netip.ParseAddr(a); err == nil && ip.Unmap() == src {
			return nil
		}
	}
	return reject(StageOwnership, "%s does not resolve to %s", fqdn, src)
}

var (
	oidCountry      = asn1.ObjectIdentifier{2, 5, 4, 6}
	oidProvince     = asn1.ObjectIdentifier{2, 5, 4, 8}
	oidLocality     = asn1.ObjectIdentifier{2, 5, 4, 7}
	oidOrganization = asn1.ObjectIdentifier{2, 5, 4, 10}
	oidUnit         = asn1.ObjectIdentifier{2, 5, 4, 11}
	oidCommonName   = asn1.ObjectIdentifier{2, 5, 4, 3}
	oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}
)

// checkCSR requires the CN to equal the requested name and every other
// subject attribute to equal the CA default for that attribute.
func checkCSR(req Request, policy ca.Policy) error {
	csr, err := toolchain.DecodeCSR(req.CSR)
	if err != nil {
		return reject(StageCSR, "invalid certificate request: %v", err)
	}
	if err := csr.CheckSignature(); err != nil {
		return reject(StageCSR, "invalid request signature: %v", err)
	}

	defaults := map[string]string{
		oidCountry.String():      policy.Subject.Country,
		oidProvince.String():     policy.Subject.Province,
		oidLocality.String():     policy.Subject.City,
		oidOrganization.String(): policy.Subject.Organization,
		oidUnit.String():         policy.Subject.Unit,
		oidEmailAddress.String(): policy.Subject.Email,
	}

	cnSeen := false
	for _, atv := range csr.Subject.Names {
		value := fmt.Sprint(atv.Value)
		if atv.Type.Equal(oidCommonName) {
			if cnSeen || value != req.FQDN {
				return reject(StageCSR, "common name %q does not match %q", value, req.FQDN)
			}
			cnSeen = true
			continue
		}
		want, known := defaults[atv.Type.String()]
		if !known {
			return reject(StageCSR, "unexpected subject attribute %s", atv.Type)
		}
		if value != want {
			return reject(StageCSR, "subject attribute %s is %q, expected %q", atv.Type, value, want)
		}
	}
	if !cnSeen {
		return reject(StageCSR, "request has no common name")
	}
	return nil
}

// checkCertificate requires the certificate to be one this CA issued for
// the requested name.
func checkCertificate(ctx context.Context, req Request, target Target) error {
	cert, err := toolchain.DecodeCertificate(req.Certificate)
	if err != nil {
		return reject(StageCertificate, "invalid certificate: %v", err)
	}
	if cert.Subject.CommonName != req.FQDN {
		return reject(StageCertificate, "certificate common name %q does not match %q", cert.Subject.CommonName, req.FQDN)
	}
	ledger, err := target.Ledger(ctx)
	if err != nil {
		return reject(StageCertificate, "ledger unavailable: %v", err)
	}
	fp := toolchain.Fingerprint(cert.Raw)
	if !ledger.HasFingerprint(fp) {
		return reject(StageCertificate, "certificate %s was not issued by this CA", fp)
	}
	return nil
}
