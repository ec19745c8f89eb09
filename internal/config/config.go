// Package config loads the autopki configuration file.
//
// Settings are read from YAML and may be overridden from the environment:
// server.port is AUTOPKI_SERVER_PORT, common.name is AUTOPKI_COMMON_NAME.
package config

import (
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/remiblancher/autosign-pki/internal/ca"
	"github.com/remiblancher/autosign-pki/internal/logging"
	"github.com/remiblancher/autosign-pki/internal/validator"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "AUTOPKI"

// DefaultFile is the configuration file searched when none is given.
const DefaultFile = "autopki.yml"

// Config is the complete autopki configuration.
type Config struct {
	Common       Common          `mapstructure:"common"`
	Crypto       Crypto          `mapstructure:"crypto"`
	Root         ca.TypeConfig   `mapstructure:"root"`
	Intermediary ca.TypeConfig   `mapstructure:"intermediary"`
	Autosign     ca.TypeConfig   `mapstructure:"autosign"`
	Server       Server          `mapstructure:"server"`
	Toolchain    Toolchain       `mapstructure:"toolchain"`
	Tokens       Tokens          `mapstructure:"tokens"`
	Audit        Audit           `mapstructure:"audit"`
	Logging      Logging         `mapstructure:"logging"`
	Templates    TemplatesConfig `mapstructure:"templates"`
}

// Common holds settings shared by every CA.
type Common struct {
	Name      string     `mapstructure:"name"`
	Workspace string     `mapstructure:"workspace"`
	BaseURL   string     `mapstructure:"baseurl"`
	OCSPURL   string     `mapstructure:"ocspurl"`
	Days      int        `mapstructure:"days"`
	CRLDays   int        `mapstructure:"crl_days"`
	Subject   ca.Subject `mapstructure:",squash"`
}

type Crypto struct {
	Bits   int    `mapstructure:"bits"`
	Digest string `mapstructure:"digest"`
}

// Server configures the autosign API.
type Server struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Permissive accepts requests whose source address does not resolve
	// from the requested name.
	Permissive bool `mapstructure:"permissive"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy      bool          `mapstructure:"trust_proxy"`
	ValidatorPort   int           `mapstructure:"validator_port"`
	MaxConns        int           `mapstructure:"max_conns"`
	TLSCert         string        `mapstructure:"tls_cert"`
	TLSKey          string        `mapstructure:"tls_key"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// PublicURL is written into enrolled hosts' client.yml. Derived from
	// host and port when empty.
	PublicURL string `mapstructure:"public_url"`
}

type Toolchain struct {
	Backend string        `mapstructure:"backend"`
	OpenSSL string        `mapstructure:"openssl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type Tokens struct {
	Path string `mapstructure:"path"`
}

type Audit struct {
	Path string `mapstructure:"path"`
}

type Logging struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TemplatesConfig points at a directory overriding the built-in
// toolchain configuration templates.
type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Common: Common{
			Name:      "autopki",
			Workspace: "pki",
			Days:      365,
			CRLDays:   30,
		},
		Crypto: Crypto{Bits: 4096, Digest: "sha256"},
		Root:   ca.TypeConfig{Days: 3650},
		Intermediary: ca.TypeConfig{
			Days: 1825,
		},
		Autosign: ca.TypeConfig{Days: 365, CRLDays: 7},
		Server: Server{
			Host:            "0.0.0.0",
			Port:            8443,
			ValidatorPort:   validator.DefaultPort,
			MaxConns:        256,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Toolchain: Toolchain{Backend: "openssl", OpenSSL: "openssl", Timeout: time.Minute},
		Logging:   Logging{Level: "info", Format: logging.FormatJSON},
	}
}

// defaults registers every key so that environment overrides apply even
// when the file does not mention them.
func defaults(v *viper.Viper, c *Config) {
	set := func(prefix string, tc ca.TypeConfig) {
		v.SetDefault(prefix+".cn", tc.CommonName)
		v.SetDefault(prefix+".days", tc.Days)
		v.SetDefault(prefix+".crl_days", tc.CRLDays)
		v.SetDefault(prefix+".password_file", tc.PasswordFile)
		subject(v, prefix, tc.Subject)
	}

	v.SetDefault("common.name", c.Common.Name)
	v.SetDefault("common.workspace", c.Common.Workspace)
	v.SetDefault("common.baseurl", c.Common.BaseURL)
	v.SetDefault("common.ocspurl", c.Common.OCSPURL)
	v.SetDefault("common.days", c.Common.Days)
	v.SetDefault("common.crl_days", c.Common.CRLDays)
	subject(v, "common", c.Common.Subject)

	v.SetDefault("crypto.bits", c.Crypto.Bits)
	v.SetDefault("crypto.digest", c.Crypto.Digest)

	set("root", c.Root)
	set("intermediary", c.Intermediary)
	set("autosign", c.Autosign)

	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.permissive", c.Server.Permissive)
	v.SetDefault("server.trust_proxy", c.Server.TrustProxy)
	v.SetDefault("server.validator_port", c.Server.ValidatorPort)
	v.SetDefault("server.max_conns", c.Server.MaxConns)
	v.SetDefault("server.tls_cert", c.Server.TLSCert)
	v.SetDefault("server.tls_key", c.Server.TLSKey)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", c.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.public_url", c.Server.PublicURL)

	v.SetDefault("toolchain.backend", c.Toolchain.Backend)
	v.SetDefault("toolchain.openssl", c.Toolchain.OpenSSL)
	v.SetDefault("toolchain.timeout", c.Toolchain.Timeout)
	v.SetDefault("tokens.path", c.Tokens.Path)
	v.SetDefault("audit.path", c.Audit.Path)
	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("templates.dir", c.Templates.Dir)
}

func subject(v *viper.Viper, prefix string, s ca.Subject) {
	v.SetDefault(prefix+".country", s.Country)
	v.SetDefault(prefix+".province", s.Province)
	v.SetDefault(prefix+".city", s.City)
	v.SetDefault(prefix+".organization", s.Organization)
	v.SetDefault(prefix+".unit", s.Unit)
	v.SetDefault(prefix+".email", s.Email)
}

// Load reads path, or ./autopki.yml when path is empty, applies
// environment overrides and validates the result. A missing default file
// is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	defaults(v, Default())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName(strings.TrimSuffix(DefaultFile, filepath.Ext(DefaultFile)))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks required keys and value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Common.Name == "" {
		errs = append(errs, errors.New("common.name is required"))
	}
	if strings.ContainsAny(c.Common.Name, `/\ `) {
		errs = append(errs, fmt.Errorf("common.name %q must not contain slashes or spaces", c.Common.Name))
	}
	if c.Common.Workspace == "" {
		errs = append(errs, errors.New("common.workspace is required"))
	}
	for name, days := range map[string]int{
		"common.days":       c.Common.Days,
		"root.days":         c.Root.Days,
		"intermediary.days": c.Intermediary.Days,
		"autosign.days":     c.Autosign.Days,
	} {
		if days < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if c.Crypto.Bits != 0 && c.Crypto.Bits < 1024 {
		errs = append(errs, fmt.Errorf("crypto.bits %d is too small", c.Crypto.Bits))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", c.Server.Port))
	}
	if c.Server.ValidatorPort < 1 || c.Server.ValidatorPort > 65535 {
		errs = append(errs, fmt.Errorf("server.validator_port %d is out of range", c.Server.ValidatorPort))
	}
	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		errs = append(errs, errors.New("server.tls_cert and server.tls_key must be set together"))
	}
	switch c.Toolchain.Backend {
	case "openssl", "native":
	default:
		errs = append(errs, fmt.Errorf("toolchain.backend %q must be openssl or native", c.Toolchain.Backend))
	}
	if c.Toolchain.Timeout <= 0 {
		errs = append(errs, errors.New("toolchain.timeout must be positive"))
	}
	switch c.Logging.Format {
	case "", logging.FormatJSON, logging.FormatConsole:
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// CA returns the hierarchy configuration.
func (c *Config) CA() ca.Config {
	return ca.Config{
		Name:      c.Common.Name,
		Workspace: c.Common.Workspace,
		BaseURL:   c.Common.BaseURL,
		OCSPURL:   c.Common.OCSPURL,
		Bits:      c.Crypto.Bits,
		Digest:    c.Crypto.Digest,
		Days:      c.Common.Days,
		CRLDays:   c.Common.CRLDays,
		Subject:   c.Common.Subject,
		Types: map[ca.Type]ca.TypeConfig{
			ca.Root:         c.Root,
			ca.Intermediary: c.Intermediary,
			ca.Autosign:     c.Autosign,
		},
	}
}

// TokensPath returns the token store location.
func (c *Config) TokensPath() string {
	if c.Tokens.Path != "" {
		return c.Tokens.Path
	}
	return filepath.Join(c.Common.Workspace, "tokens.json")
}

// ListenAddr returns the API listen address.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// APIURL returns the address enrolled hosts use to reach the API.
func (c *Config) APIURL() string {
	if c.Server.PublicURL != "" {
		return strings.TrimRight(c.Server.PublicURL, "/")
	}
	scheme := "http"
	if c.Server.TLSCert != "" {
		scheme = "https"
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}
