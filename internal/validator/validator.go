// Package validator proves that a host requesting enrollment controls the
// name it enrolls for. The host serves a random proof token on
// http://<fqdn>:<port>/validate and sends the same token to the CA, which
// fetches it back from that address.
package validator

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/remiblancher/autosign-pki/internal/tokens"
)

// DefaultPort is the port validator servers listen on.
const DefaultPort = 4393

// Path is the validation endpoint.
const Path = "/validate"

// maxProofSize bounds the proof body read by the client.
const maxProofSize = 1 << 10

// Server serves a proof token.
type Server struct {
	token  string
	logger zerolog.Logger
}

// NewServer returns a server holding a freshly generated proof token.
func NewServer(logger zerolog.Logger) (*Server, error) {
	token, err := tokens.Generate()
	if err != nil {
		return nil, err
	}
	return &Server{token: token, logger: logger}, nil
}

// Token returns the proof token served by s.
func (s *Server) Token() string { return s.token }

// Handler returns the HTTP handler serving GET /validate.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get(Path, func(w http.ResponseWriter, req *http.Request) {
		s.logger.Debug().Str("remote", req.RemoteAddr).Msg("serving proof token")
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, s.token)
	})
	return r
}

// Serve serves the proof token on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("validator shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Client fetches proof tokens from hosts.
type Client struct {
	HTTP *http.Client
	Port int
	// BaseURL overrides http://<fqdn>:<Port> when set.
	BaseURL string
}

// NewClient returns a client for validator servers on port.
func NewClient(port int, timeout time.Duration) *Client {
	if port <= 0 {
		port = DefaultPort
	}
	return &Client{HTTP: &http.Client{Timeout: timeout}, Port: port}
}

func (c *Client) url(fqdn string) string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/") + Path
	}
	return "http://" + net.JoinHostPort(fqdn, strconv.Itoa(c.Port)) + Path
}

// Fetch returns the proof token served by fqdn.
func (c *Client) Fetch(ctx context.Context, fqdn string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(fqdn), nil)
	if err != nil {
		return "", err
	}
	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach validator on %s: %w", fqdn, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("validator on %s answered %d", fqdn, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProofSize))
	if err != nil {
		return "", fmt.Errorf("failed to read proof from %s: %w", fqdn, err)
	}
	return strings.TrimSpace(string(body)), nil
}

// Verify reports whether fqdn serves proof.
func (c *Client) Verify(ctx context.Context, fqdn, proof string) (bool, error) {
	if proof == "" {
		return false, errors.New("empty proof token")
	}
	served, err := c.Fetch(ctx, fqdn)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(served), []byte(proof)) == 1, nil
}
