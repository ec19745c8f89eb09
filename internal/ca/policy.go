package ca

import (
	"fmt"
	"strings"
)

// Type is the position of a CA in the hierarchy.
type Type string

const (
	Root         Type = "root"
	Intermediary Type = "intermediary"
	Autosign     Type = "autosign"
)

// Types lists CA types from the top of the hierarchy down.
var Types = []Type{Root, Intermediary, Autosign}

// ParseType parses a CA type name.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case Root, Intermediary, Autosign:
		return t, nil
	default:
		return "", fmt.Errorf("unknown CA type %q", s)
	}
}

// Parent returns the type that signs t. The root has no parent.
func (t Type) Parent() (Type, bool) {
	switch t {
	case Intermediary:
		return Root, true
	case Autosign:
		return Intermediary, true
	default:
		return "", false
	}
}

// RequiresPassword reports whether keys of this CA type are encrypted.
// The autosign CA signs unattended and keeps its key in clear.
func (t Type) RequiresPassword() bool {
	return t == Root || t == Intermediary
}

// pathLen is the path length constraint this CA places on the CA
// certificates it signs.
func (t Type) pathLen() int {
	if t == Root {
		return 1
	}
	return 0
}

// Subject holds the distinguished name defaults of a CA.
type Subject struct {
	Country      string `mapstructure:"country" yaml:"country,omitempty"`
	Province     string `mapstructure:"province" yaml:"province,omitempty"`
	City         string `mapstructure:"city" yaml:"city,omitempty"`
	Organization string `mapstructure:"organization" yaml:"organization,omitempty"`
	Unit         string `mapstructure:"unit" yaml:"unit,omitempty"`
	Email        string `mapstructure:"email" yaml:"email,omitempty"`
}

// Merge returns s with every non-empty field of o applied.
func (s Subject) Merge(o Subject) Subject {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&s.Country, o.Country)
	set(&s.Province, o.Province)
	set(&s.City, o.City)
	set(&s.Organization, o.Organization)
	set(&s.Unit, o.Unit)
	set(&s.Email, o.Email)
	return s
}

// Fields maps short attribute names to the configured values. Empty
// values are omitted.
func (s Subject) Fields() map[string]string {
	fields := make(map[string]string)
	for k, v := range map[string]string{
		"C":  s.Country,
		"ST": s.Province,
		"L":  s.City,
		"O":  s.Organization,
		"OU": s.Unit,
	} {
		if v != "" {
			fields[k] = v
		}
	}
	return fields
}

// Policy is the effective issuing policy of one CA.
type Policy struct {
	CommonName string
	Days       int
	CRLDays    int
	Subject    Subject
}

// TypeConfig overrides common settings for one CA type.
type TypeConfig struct {
	CommonName   string  `mapstructure:"cn"`
	Days         int     `mapstructure:"days"`
	CRLDays      int     `mapstructure:"crl_days"`
	Subject      Subject `mapstructure:",squash"`
	PasswordFile string  `mapstructure:"password_file"`
}

// Config holds everything needed to construct the CAs of one hierarchy.
type Config struct {
	Name      string // common prefix, CA names are "<Name>-<type>"
	Workspace string
	BaseURL   string
	OCSPURL   string
	Bits      int
	Digest    string
	Days      int
	CRLDays   int
	Subject   Subject
	Types     map[Type]TypeConfig
}

const (
	defaultBits    = 4096
	defaultDigest  = "sha256"
	defaultDays    = 365
	defaultCRLDays = 30
)

// PolicyFor merges the common settings with the overrides for t.
func (c Config) PolicyFor(t Type) Policy {
	tc := c.Types[t]
	p := Policy{
		CommonName: tc.CommonName,
		Days:       c.Days,
		CRLDays:    c.CRLDays,
		Subject:    c.Subject.Merge(tc.Subject),
	}
	if p.CommonName == "" {
		p.CommonName = fmt.Sprintf("%s %s CA", c.Name, t)
	}
	if tc.Days > 0 {
		p.Days = tc.Days
	}
	if p.Days <= 0 {
		p.Days = defaultDays
	}
	if tc.CRLDays > 0 {
		p.CRLDays = tc.CRLDays
	}
	if p.CRLDays <= 0 {
		p.CRLDays = defaultCRLDays
	}
	return p
}

// PasswordFile returns the configured password file for t.
func (c Config) PasswordFile(t Type) string {
	return c.Types[t].PasswordFile
}

func (c Config) bits() int {
	if c.Bits > 0 {
		return c.Bits
	}
	return defaultBits
}

func (c Config) digest() string {
	if c.Digest != "" {
		return c.Digest
	}
	return defaultDigest
}
