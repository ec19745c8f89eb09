// Package server provides HTTP server configuration and lifecycle management.
package server

import (
	"net"
	"strconv"
	"time"
)

// Config holds the server configuration.
type Config struct {
	// Host is the address to bind to (default: "").
	Host string
	Port int

	// MaxConns caps concurrent connections; 0 means unlimited.
	MaxConns int

	// TLS configuration (optional)
	TLSCert string
	TLSKey  string

	// Timeouts
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            8443,
		Host:            "",
		MaxConns:        256,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Address returns the full listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TLS reports whether the server terminates TLS itself.
func (c *Config) TLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
