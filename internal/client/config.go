package client

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/remiblancher/autosign-pki/internal/ca"
)

// Config is the client configuration a host receives when it enrolls
// (client.yml).
type Config struct {
	API  APIConfig `yaml:"api"`
	FQDN string    `yaml:"fqdn"`
	// Subject holds the subject fields the autosign CA accepts.
	Subject ca.Subject `yaml:"subject,omitempty"`
	// Workspace is where the host keeps its keys and certificates.
	Workspace string `yaml:"workspace,omitempty"`
}

// APIConfig locates the autosign API and authenticates the host.
type APIConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal client config: %w", err)
	}
	return data, nil
}

// ParseConfig parses a YAML client configuration.
func ParseConfig(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	if c.API.URL == "" {
		return nil, fmt.Errorf("client config: api.url is required")
	}
	return &c, nil
}

// LoadConfig reads a client configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client config: %w", err)
	}
	return ParseConfig(data)
}

// Save writes c to path, readable by the owner only since it holds the
// host token.
func (c *Config) Save(path string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write client config: %w", err)
	}
	return nil
}
