// Package client talks to the autosign API on behalf of a host: it
// enrolls the host, requests server certificates and revokes them.
//
// Transient failures (network errors, 5xx, 429) are retried with
// exponential backoff; any other 4xx answer is final.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/remiblancher/autosign-pki/internal/api/dto"
)

// maxResponseSize bounds the responses read from the API.
const maxResponseSize = 1 << 20

// ErrRejected is matched by every 403 answer.
var ErrRejected = errors.New("request rejected by the autosign API")

// StatusError is a non-2xx answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("autosign API answered %d", e.Code)
	}
	return fmt.Sprintf("autosign API answered %d: %s", e.Code, e.Body)
}

// Is matches ErrRejected for 403 answers.
func (e *StatusError) Is(target error) bool {
	return target == ErrRejected && e.Code == http.StatusForbidden
}

// Client is an autosign API client.
type Client struct {
	baseURL    string
	http       *http.Client
	logger     zerolog.Logger
	maxTries   uint
	newBackOff func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the client logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMaxTries bounds the attempts per call, first attempt included.
func WithMaxTries(n uint) Option {
	return func(c *Client) { c.maxTries = n }
}

// WithBackOff replaces the retry policy. f is called once per API call.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// New returns a client for the API at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   zerolog.Nop(),
		maxTries: 5,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enroll exchanges the proof token the host serves for its client
// configuration.
func (c *Client) Enroll(ctx context.Context, fqdn, proof string) (*Config, error) {
	body, err := c.do(ctx, http.MethodPost, "/token/"+url.PathEscape(fqdn), dto.TokenRequest{Token: proof})
	if err != nil {
		return nil, err
	}
	return ParseConfig(body)
}

// RequestCertificate submits csrPEM and returns the signed certificate.
func (c *Client) RequestCertificate(ctx context.Context, fqdn, token string, csrPEM []byte) ([]byte, error) {
	return c.do(ctx, http.MethodPost, "/autosign/servers", dto.SignRequest{
		FQDN:  fqdn,
		Token: token,
		CSR:   string(csrPEM),
	})
}

// RevokeCertificate asks the autosign CA to revoke crtPEM.
func (c *Client) RevokeCertificate(ctx context.Context, fqdn, token string, crtPEM []byte) (*dto.RevokeResponse, error) {
	body, err := c.do(ctx, http.MethodDelete, "/autosign/servers", dto.RevokeRequest{
		FQDN:  fqdn,
		Token: token,
		Crt:   string(crtPEM),
	})
	if err != nil {
		return nil, err
	}
	var resp dto.RevokeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode revoke response: %w", err)
	}
	return &resp, nil
}

// Bundle downloads the certificate chain of a CA ("root", "intermediary"
// or "autosign").
func (c *Client) Bundle(ctx context.Context, caType string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, "/ca/"+url.PathEscape(caType)+"/bundle", nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var data []byte
	if payload != nil {
		var err error
		if data, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
	}

	attempt := 0
	operation := func() ([]byte, error) {
		attempt++
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			c.logger.Debug().Err(err).Str("path", path).Int("attempt", attempt).Msg("request failed, retrying")
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, nil
		}

		statusErr := &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			c.logger.Debug().Int("status", resp.StatusCode).Str("path", path).Int("attempt", attempt).Msg("transient API error, retrying")
			return nil, statusErr
		}
		return nil, backoff.Permanent(statusErr)
	}

	body, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		c.logger.Warn().Err(err).Str("method", method).Str("path", path).Msg("autosign API call failed")
		return nil, err
	}
	return body, nil
}
