// Package tokens persists the one-time tokens that bootstrap trust between
// a host and the autosign CA.
//
// The backing file is a JSON object mapping host names to 64 character
// lowercase hex tokens. Every mutation rewrites the whole file.
package tokens

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"github.com/remiblancher/autosign-pki/internal/validation"
)

var (
	// ErrExists is returned by Issue when the host already has a token.
	ErrExists = errors.New("token already exists")

	// ErrNotFound is returned for a host without a token.
	ErrNotFound = errors.New("token not found")

	// ErrInvalidHost is returned for a host name that fails the syntax check.
	ErrInvalidHost = errors.New("invalid host name")

	// ErrInvalidStore is returned by Load for a file that is not a valid
	// token store.
	ErrInvalidStore = errors.New("invalid token store")
)

var tokenRE = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidToken reports whether token has the shape of a generated token.
func ValidToken(token string) bool {
	return tokenRE.MatchString(token)
}

// Generate returns a new token: the BLAKE2b-256 digest of 32 random bytes,
// hex encoded.
func Generate() (string, error) {
	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return "", fmt.Errorf("failed to read random seed: %w", err)
	}
	sum := blake2b.Sum256(seed)
	return hex.EncodeToString(sum[:]), nil
}

// Store is the view of a token file. Every operation first rereads the
// file if it was replaced since it was last read, so several processes
// (the API server and the CLI) can share one file.
type Store struct {
	path   string
	logger zerolog.Logger

	mu     sync.Mutex
	tokens map[string]string
	stat   fs.FileInfo // of the file tokens were read from or written to
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore returns an empty store backed by path. Call Load to read it.
func NewStore(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: zerolog.Nop(),
		tokens: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Load replaces the in-memory tokens with the backing file. A missing file
// yields an empty store. An invalid file is an error and also leaves the
// store empty.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
	s.stat = nil
	return s.load()
}

// refresh rereads the backing file when it differs from the one last seen.
// On error the previous view is kept. Callers hold s.mu.
func (s *Store) refresh() error {
	fi, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		if s.stat != nil {
			s.logger.Debug().Str("path", s.path).Msg("token store removed")
			s.tokens = make(map[string]string)
			s.stat = nil
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat token store: %w", err)
	}
	if s.stat != nil && os.SameFile(s.stat, fi) &&
		s.stat.ModTime().Equal(fi.ModTime()) && s.stat.Size() == fi.Size() {
		return nil
	}
	return s.load()
}

// load reads the backing file into s.tokens. Callers hold s.mu.
func (s *Store) load() error {
	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.logger.Debug().Str("path", s.path).Msg("token store absent, starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read token store: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to read token store: %w", err)
	}

	var raw map[string]any
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidStore, err)
	}
	loaded := make(map[string]string, len(raw))
	for host, v := range raw {
		token, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: token for %q is not a string", ErrInvalidStore, host)
		}
		if !validation.ValidFQDN(host) {
			return fmt.Errorf("%w: %q is not a host name", ErrInvalidStore, host)
		}
		if !ValidToken(token) {
			return fmt.Errorf("%w: malformed token for %q", ErrInvalidStore, host)
		}
		loaded[host] = token
	}
	s.tokens = loaded
	s.stat = fi
	s.logger.Debug().Str("path", s.path).Int("tokens", len(loaded)).Msg("token store loaded")
	return nil
}

// current refreshes the view for a read-only operation. A file that cannot
// be read is logged and the previous view is used. Callers hold s.mu.
func (s *Store) current() map[string]string {
	if err := s.refresh(); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("failed to reread token store, using previous view")
	}
	return s.tokens
}

// Save overwrites the backing file with every token.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

func (s *Store) save() error {
	data, err := json.MarshalIndent(s.tokens, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal token store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create token store directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+"-")
	if err != nil {
		return fmt.Errorf("failed to write token store: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write token store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write token store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace token store: %w", err)
	}
	if fi, err := os.Stat(s.path); err == nil {
		s.stat = fi
	}
	return nil
}

// Get returns the token of fqdn.
func (s *Store) Get(fqdn string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.current()[fqdn]
	return t, ok
}

// Issue creates, stores and persists a token for fqdn. A host keeps its
// first token; a second Issue fails with ErrExists. The file is reread
// first so tokens written by another process are kept.
func (s *Store) Issue(fqdn string) (string, error) {
	if !validation.ValidFQDN(fqdn) {
		return "", fmt.Errorf("%q: %w", fqdn, ErrInvalidHost)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(); err != nil {
		return "", err
	}
	if _, ok := s.tokens[fqdn]; ok {
		return "", fmt.Errorf("%s: %w", fqdn, ErrExists)
	}
	token, err := Generate()
	if err != nil {
		return "", err
	}
	s.tokens[fqdn] = token
	if err := s.save(); err != nil {
		delete(s.tokens, fqdn)
		return "", err
	}
	s.logger.Info().Str("fqdn", fqdn).Msg("token issued")
	return token, nil
}

// Delete removes the token of fqdn and persists the store.
func (s *Store) Delete(fqdn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.refresh(); err != nil {
		return err
	}
	token, ok := s.tokens[fqdn]
	if !ok {
		return fmt.Errorf("%s: %w", fqdn, ErrNotFound)
	}
	delete(s.tokens, fqdn)
	if err := s.save(); err != nil {
		s.tokens[fqdn] = token
		return err
	}
	s.logger.Info().Str("fqdn", fqdn).Msg("token deleted")
	return nil
}

// Validate reports whether token is well formed and equals the token
// stored for fqdn.
func (s *Store) Validate(fqdn, token string) bool {
	if !ValidToken(token) {
		return false
	}
	stored, ok := s.Get(fqdn)
	return ok && subtle.ConstantTimeCompare([]byte(stored), []byte(token)) == 1
}

// Hosts returns every host with a token, sorted.
func (s *Store) Hosts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens := s.current()
	hosts := make([]string, 0, len(tokens))
	for h := range tokens {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// Len returns the number of stored tokens.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.current())
}
