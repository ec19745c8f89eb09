// Package autosign is the network-facing side of the autosign CA: it
// enrolls hosts, and signs or revokes their server certificates once the
// validation pipeline accepts the request.
package autosign

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/remiblancher/autosign-pki/internal/audit"
	"github.com/remiblancher/autosign-pki/internal/ca"
	"github.com/remiblancher/autosign-pki/internal/client"
	"github.com/remiblancher/autosign-pki/internal/telemetry"
	"github.com/remiblancher/autosign-pki/internal/tokens"
	"github.com/remiblancher/autosign-pki/internal/toolchain"
	"github.com/remiblancher/autosign-pki/internal/validation"
)

const (
	opSign   = "sign"
	opRevoke = "revoke"
	opEnroll = "enroll"
)

// Validator gates sign and revoke requests. *validation.Pipeline
// implements it.
type Validator interface {
	Validate(ctx context.Context, req validation.Request, target validation.Target) error
}

// ProofVerifier checks that a host serves the proof token it presented.
// *validator.Client implements it.
type ProofVerifier interface {
	Verify(ctx context.Context, fqdn, proof string) (bool, error)
}

// SignRequest asks for a server certificate.
type SignRequest struct {
	FQDN     string
	SourceIP string
	Token    string
	CSR      []byte
}

// RevokeRequest asks for the revocation of a certificate.
type RevokeRequest struct {
	FQDN        string
	SourceIP    string
	Token       string
	Certificate []byte
}

// Revocation describes a revoked certificate.
type Revocation struct {
	FQDN   string
	Serial string
}

// Enrollment is the result of a successful enrollment.
type Enrollment struct {
	FQDN   string
	Token  string
	Config []byte // client.yml
}

// Service orchestrates autosign requests against one autosign CA.
type Service struct {
	ca        *ca.CA
	tokens    *tokens.Store
	validator Validator
	proofs    ProofVerifier
	apiURL    string
	audit     *audit.Recorder
	metrics   *telemetry.Metrics
	logger    zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithAudit sets the audit recorder.
func WithAudit(r *audit.Recorder) Option {
	return func(s *Service) { s.audit = r }
}

// WithProofVerifier enables enrollment.
func WithProofVerifier(v ProofVerifier) Option {
	return func(s *Service) { s.proofs = v }
}

// WithAPIURL sets the API address written into client configurations.
func WithAPIURL(url string) Option {
	return func(s *Service) { s.apiURL = url }
}

// New returns a service signing with c, which must be an autosign CA.
func New(c *ca.CA, store *tokens.Store, v Validator, opts ...Option) (*Service, error) {
	if c == nil || c.Type() != ca.Autosign {
		return nil, errors.New("autosign service needs an autosign CA")
	}
	if store == nil || v == nil {
		return nil, errors.New("autosign service needs a token store and a validator")
	}
	s := &Service{
		ca:        c,
		tokens:    store,
		validator: v,
		metrics:   telemetry.GetMetrics(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CA returns the autosign CA.
func (s *Service) CA() *ca.CA { return s.ca }

// Sign validates req, stores its CSR and signs it. It returns the PEM
// certificate.
func (s *Service) Sign(ctx context.Context, req SignRequest) ([]byte, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "autosign.Sign",
		trace.WithAttributes(attribute.String("fqdn", req.FQDN)))
	defer span.End()
	start := time.Now()

	err := s.validator.Validate(ctx, validation.Request{
		FQDN:     req.FQDN,
		SourceIP: req.SourceIP,
		Token:    req.Token,
		CSR:      req.CSR,
	}, s.ca)
	if err != nil {
		return nil, s.reject(ctx, span, opSign, req.FQDN, req.SourceIP, err)
	}

	csrPath, err := s.ca.WriteCSR(req.FQDN, req.CSR)
	if err != nil {
		return nil, s.failed(ctx, span, opSign, req.FQDN, err)
	}
	if err := s.ca.Sign(ctx, req.FQDN); err != nil {
		if rmErr := os.Remove(csrPath); rmErr != nil {
			s.logger.Warn().Err(rmErr).Str("csr", csrPath).Msg("failed to remove request after signing failure")
		}
		return nil, s.failed(ctx, span, opSign, req.FQDN, err)
	}

	crt, err := os.ReadFile(s.ca.Layout().CertFor(req.FQDN))
	if err != nil {
		return nil, s.failed(ctx, span, opSign, req.FQDN, fmt.Errorf("failed to read signed certificate: %w", err))
	}

	s.metrics.SignDuration.Record(ctx, float64(time.Since(start).Milliseconds()))
	s.count(ctx, opSign, "accepted")
	s.logger.Info().Str("fqdn", req.FQDN).Str("source_ip", req.SourceIP).Msg("server certificate signed")
	return crt, nil
}

// Revoke validates req, revokes the certificate, regenerates the CRL and
// retires the name-keyed artifacts so the host can request a new
// certificate.
func (s *Service) Revoke(ctx context.Context, req RevokeRequest) (*Revocation, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "autosign.Revoke",
		trace.WithAttributes(attribute.String("fqdn", req.FQDN)))
	defer span.End()

	err := s.validator.Validate(ctx, validation.Request{
		FQDN:        req.FQDN,
		SourceIP:    req.SourceIP,
		Token:       req.Token,
		Certificate: req.Certificate,
	}, s.ca)
	if err != nil {
		return nil, s.reject(ctx, span, opRevoke, req.FQDN, req.SourceIP, err)
	}
	if len(req.Certificate) == 0 {
		return nil, s.reject(ctx, span, opRevoke, req.FQDN, req.SourceIP,
			validation.NewRejection(validation.StageCertificate, "no certificate to revoke"))
	}

	cert, err := toolchain.DecodeCertificate(req.Certificate)
	if err != nil {
		return nil, s.failed(ctx, span, opRevoke, req.FQDN, err)
	}
	tmp, err := writeTemp(req.Certificate)
	if err != nil {
		return nil, s.failed(ctx, span, opRevoke, req.FQDN, err)
	}
	defer os.Remove(tmp)

	if err := s.ca.Revoke(ctx, tmp, ""); err != nil {
		return nil, s.failed(ctx, span, opRevoke, req.FQDN, err)
	}
	if err := s.ca.UpdateCRL(ctx, ""); err != nil {
		return nil, s.failed(ctx, span, opRevoke, req.FQDN, err)
	}
	s.metrics.CRLUpdatesTotal.Add(ctx, 1)

	rec, err := s.retire(ctx, req.FQDN, toolchain.Fingerprint(cert.Raw))
	if err != nil {
		return nil, s.failed(ctx, span, opRevoke, req.FQDN, err)
	}

	s.count(ctx, opRevoke, "accepted")
	s.logger.Info().Str("fqdn", req.FQDN).Str("serial", rec.Serial).Msg("server certificate revoked")
	return &Revocation{FQDN: req.FQDN, Serial: rec.Serial}, nil
}

// retire looks up the revoked certificate in the ledger and moves the
// name-keyed artifacts aside if they belong to it. An older certificate may
// be revoked while a newer one stays in place.
func (s *Service) retire(ctx context.Context, fqdn, fingerprint string) (ca.Record, error) {
	l, err := s.ca.Ledger(ctx)
	if err != nil {
		return ca.Record{}, err
	}
	rec, ok := l.ByFingerprint(fingerprint)
	if !ok {
		return ca.Record{}, fmt.Errorf("revoked certificate %s is not in the ledger: %w", fingerprint, ca.ErrNotExist)
	}
	if rec.Status != ca.StatusRevoked {
		return rec, fmt.Errorf("certificate %s is still %s in the ledger", rec.Serial, rec.Status)
	}

	current, err := toolchain.ReadCertificate(s.ca.Layout().CertFor(fqdn))
	if err != nil || toolchain.Fingerprint(current.Raw) != fingerprint {
		return rec, nil
	}
	return rec, s.ca.Retire(fqdn, rec.Serial)
}

// Enroll verifies that fqdn serves proof and issues its client token. A
// host enrolls once; its token is never replaced.
func (s *Service) Enroll(ctx context.Context, fqdn, proof, sourceIP string) (*Enrollment, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "autosign.Enroll",
		trace.WithAttributes(attribute.String("fqdn", fqdn)))
	defer span.End()

	if !validation.ValidFQDN(fqdn) {
		return nil, s.reject(ctx, span, opEnroll, fqdn, sourceIP,
			validation.NewRejection(validation.StageSyntax, fmt.Sprintf("%q is not a valid host name", fqdn)))
	}
	if s.proofs == nil {
		return nil, s.failed(ctx, span, opEnroll, fqdn, errors.New("enrollment is disabled"))
	}
	ok, err := s.proofs.Verify(ctx, fqdn, proof)
	if err != nil {
		return nil, s.reject(ctx, span, opEnroll, fqdn, sourceIP,
			validation.NewRejection(validation.StageProof, err.Error()))
	}
	if !ok {
		return nil, s.reject(ctx, span, opEnroll, fqdn, sourceIP,
			validation.NewRejection(validation.StageProof, "proof token mismatch"))
	}

	token, err := s.tokens.Issue(fqdn)
	if errors.Is(err, tokens.ErrExists) {
		return nil, s.reject(ctx, span, opEnroll, fqdn, sourceIP,
			validation.NewRejection(validation.StageToken, "host is already enrolled"))
	}
	if err != nil {
		return nil, s.failed(ctx, span, opEnroll, fqdn, err)
	}

	cfg := &client.Config{
		API:     client.APIConfig{URL: s.apiURL, Token: token},
		FQDN:    fqdn,
		Subject: s.ca.Policy().Subject,
	}
	data, err := cfg.Marshal()
	if err != nil {
		return nil, s.failed(ctx, span, opEnroll, fqdn, err)
	}

	if err := s.audit.TokenIssued(fqdn, sourceIP); err != nil {
		s.logger.Error().Err(err).Msg("failed to record token issuance")
	}
	s.metrics.TokensIssuedTotal.Add(ctx, 1)
	s.count(ctx, opEnroll, "accepted")
	s.logger.Info().Str("fqdn", fqdn).Str("source_ip", sourceIP).Msg("host enrolled")
	return &Enrollment{FQDN: fqdn, Token: token, Config: data}, nil
}

func (s *Service) count(ctx context.Context, op, outcome string) {
	s.metrics.RequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

// reject records a validation failure and returns err.
func (s *Service) reject(ctx context.Context, span trace.Span, op, fqdn, sourceIP string, err error) error {
	stage := "unknown"
	var r *validation.Rejection
	if errors.As(err, &r) {
		stage = string(r.Stage)
	}
	span.SetStatus(codes.Error, "rejected")
	span.SetAttributes(attribute.String("stage", stage))

	if auditErr := s.audit.AuthFailed(fqdn, sourceIP, stage, err.Error()); auditErr != nil {
		s.logger.Error().Err(auditErr).Msg("failed to record rejection")
	}
	s.metrics.RejectionsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("stage", stage),
	))
	s.count(ctx, op, "rejected")
	s.logger.Warn().Str("op", op).Str("fqdn", fqdn).Str("source_ip", sourceIP).Str("stage", stage).Err(err).Msg("request rejected")
	return err
}

// failed records an accepted request that could not be completed.
func (s *Service) failed(ctx context.Context, span trace.Span, op, fqdn string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.count(ctx, op, "failed")
	s.logger.Error().Str("op", op).Str("fqdn", fqdn).Str("kind", ca.KindOf(err).String()).Err(err).Msg("request failed")
	return err
}

func writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp("", "autopki-revoke-*.pem")
	if err != nil {
		return "", fmt.Errorf("failed to create temporary certificate: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temporary certificate: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("failed to write temporary certificate: %w", err)
	}
	return f.Name(), nil
}
