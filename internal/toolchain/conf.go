package toolchain

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"
)

// caSettings are the [CA_default] keys the native toolchain honours.
type caSettings struct {
	certificate    string
	privateKey     string
	newCertsDir    string
	serial         string
	crlNumber      string
	database       string
	defaultDays    int
	crlDays        int
	copyExtensions bool
	uniqueSubject  bool
	x509Extensions string
}

func loadConf(path string) (*ini.File, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		IgnoreInlineComment: true,
		AllowBooleanKeys:    true,
	}, path)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration %s: %w", path, err)
	}
	return f, nil
}

func readCASettings(f *ini.File) (*caSettings, error) {
	name := f.Section("ca").Key("default_ca").String()
	if name == "" {
		name = "CA_default"
	}
	sec, err := f.GetSection(name)
	if err != nil {
		return nil, fmt.Errorf("missing CA section %q: %w", name, err)
	}

	s := &caSettings{
		certificate:    sec.Key("certificate").String(),
		privateKey:     sec.Key("private_key").String(),
		newCertsDir:    sec.Key("new_certs_dir").String(),
		serial:         sec.Key("serial").String(),
		crlNumber:      sec.Key("crlnumber").String(),
		database:       sec.Key("database").String(),
		defaultDays:    sec.Key("default_days").MustInt(365),
		crlDays:        sec.Key("default_crl_days").MustInt(30),
		copyExtensions: sec.Key("copy_extensions").String() == "copy",
		uniqueSubject:  sec.Key("unique_subject").MustString("yes") != "no",
		x509Extensions: sec.Key("x509_extensions").String(),
	}

	for key, value := range map[string]string{
		"certificate":   s.certificate,
		"private_key":   s.privateKey,
		"new_certs_dir": s.newCertsDir,
		"serial":        s.serial,
		"database":      s.database,
	} {
		if value == "" {
			return nil, fmt.Errorf("section %s: %s is required", name, key)
		}
	}
	return s, nil
}

// requestSubject builds the subject from the section named by
// [req] distinguished_name.
func requestSubject(f *ini.File) (pkix.Name, error) {
	var name pkix.Name
	dn := f.Section("req").Key("distinguished_name").String()
	if dn == "" {
		return name, fmt.Errorf("[req] distinguished_name is required")
	}
	sec, err := f.GetSection(dn)
	if err != nil {
		return name, fmt.Errorf("missing section %q: %w", dn, err)
	}

	for _, key := range sec.Keys() {
		value := strings.TrimSpace(key.Value())
		if value == "" {
			continue
		}
		switch key.Name() {
		case "countryName", "C":
			name.Country = append(name.Country, value)
		case "stateOrProvinceName", "ST":
			name.Province = append(name.Province, value)
		case "localityName", "L":
			name.Locality = append(name.Locality, value)
		case "organizationName", "O":
			name.Organization = append(name.Organization, value)
		case "organizationalUnitName", "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "commonName", "CN":
			name.CommonName = value
		case "emailAddress":
			name.ExtraNames = append(name.ExtraNames, pkix.AttributeTypeAndValue{
				Type:  oidEmailAddress,
				Value: value,
			})
		}
	}
	if name.CommonName == "" {
		return name, fmt.Errorf("section %s: commonName is required", dn)
	}
	return name, nil
}

// altNames holds the parsed values of a subjectAltName setting.
type altNames struct {
	dns    []string
	ips    []net.IP
	emails []string
	uris   []*url.URL
}

func parseAltNames(value string) (*altNames, error) {
	names := &altNames{}
	for _, item := range splitList(value) {
		kind, v, ok := strings.Cut(item, ":")
		if !ok {
			return nil, fmt.Errorf("invalid subjectAltName entry %q", item)
		}
		switch kind {
		case "DNS":
			names.dns = append(names.dns, v)
		case "IP":
			ip := net.ParseIP(v)
			if ip == nil {
				return nil, fmt.Errorf("invalid IP in subjectAltName: %q", v)
			}
			names.ips = append(names.ips, ip)
		case "email":
			names.emails = append(names.emails, v)
		case "URI":
			u, err := url.Parse(v)
			if err != nil {
				return nil, fmt.Errorf("invalid URI in subjectAltName: %w", err)
			}
			names.uris = append(names.uris, u)
		default:
			return nil, fmt.Errorf("unsupported subjectAltName type %q", kind)
		}
	}
	return names, nil
}

var keyUsages = map[string]x509.KeyUsage{
	"digitalSignature": x509.KeyUsageDigitalSignature,
	"nonRepudiation":   x509.KeyUsageContentCommitment,
	"keyEncipherment":  x509.KeyUsageKeyEncipherment,
	"dataEncipherment": x509.KeyUsageDataEncipherment,
	"keyAgreement":     x509.KeyUsageKeyAgreement,
	"keyCertSign":      x509.KeyUsageCertSign,
	"cRLSign":          x509.KeyUsageCRLSign,
}

var extKeyUsages = map[string]x509.ExtKeyUsage{
	"serverAuth":      x509.ExtKeyUsageServerAuth,
	"clientAuth":      x509.ExtKeyUsageClientAuth,
	"codeSigning":     x509.ExtKeyUsageCodeSigning,
	"emailProtection": x509.ExtKeyUsageEmailProtection,
	"timeStamping":    x509.ExtKeyUsageTimeStamping,
	"OCSPSigning":     x509.ExtKeyUsageOCSPSigning,
}

// applyExtensions copies the extension section sec onto tmpl.
func applyExtensions(tmpl *x509.Certificate, sec *ini.Section) error {
	for _, key := range sec.Keys() {
		value := key.Value()
		switch key.Name() {
		case "basicConstraints":
			tmpl.BasicConstraintsValid = true
			for _, item := range splitList(value) {
				switch {
				case item == "CA:true" || item == "CA:TRUE":
					tmpl.IsCA = true
				case strings.HasPrefix(item, "pathlen:"):
					n, err := strconv.Atoi(strings.TrimPrefix(item, "pathlen:"))
					if err != nil || n < 0 {
						return fmt.Errorf("invalid pathlen in %q", value)
					}
					tmpl.MaxPathLen = n
					tmpl.MaxPathLenZero = n == 0
				}
			}
		case "keyUsage":
			for _, item := range splitList(value) {
				if item == "critical" {
					continue
				}
				ku, ok := keyUsages[item]
				if !ok {
					return fmt.Errorf("unknown keyUsage %q", item)
				}
				tmpl.KeyUsage |= ku
			}
		case "extendedKeyUsage":
			for _, item := range splitList(value) {
				if item == "critical" {
					continue
				}
				eku, ok := extKeyUsages[item]
				if !ok {
					return fmt.Errorf("unknown extendedKeyUsage %q", item)
				}
				tmpl.ExtKeyUsage = append(tmpl.ExtKeyUsage, eku)
			}
		case "crlDistributionPoints":
			for _, item := range splitList(value) {
				tmpl.CRLDistributionPoints = append(tmpl.CRLDistributionPoints, strings.TrimPrefix(item, "URI:"))
			}
		case "authorityInfoAccess":
			for _, item := range splitList(value) {
				method, loc, ok := strings.Cut(item, ";")
				if !ok {
					return fmt.Errorf("invalid authorityInfoAccess entry %q", item)
				}
				loc = strings.TrimPrefix(loc, "URI:")
				switch method {
				case "OCSP":
					tmpl.OCSPServer = append(tmpl.OCSPServer, loc)
				case "caIssuers":
					tmpl.IssuingCertificateURL = append(tmpl.IssuingCertificateURL, loc)
				}
			}
		case "subjectAltName":
			names, err := parseAltNames(value)
			if err != nil {
				return err
			}
			tmpl.DNSNames = append(tmpl.DNSNames, names.dns...)
			tmpl.IPAddresses = append(tmpl.IPAddresses, names.ips...)
			tmpl.EmailAddresses = append(tmpl.EmailAddresses, names.emails...)
			tmpl.URIs = append(tmpl.URIs, names.uris...)
		}
	}
	return nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
