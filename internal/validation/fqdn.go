package validation

import "regexp"

var labelRE = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// ValidFQDN reports whether fqdn is a dot-separated sequence of RFC 1123
// labels: letters, digits and inner hyphens, at most 63 characters each.
func ValidFQDN(fqdn string) bool {
	if fqdn == "" || len(fqdn) > 253 {
		return false
	}
	start := 0
	for i := 0; i <= len(fqdn); i++ {
		if i < len(fqdn) && fqdn[i] != '.' {
			continue
		}
		if !labelRE.MatchString(fqdn[start:i]) {
			return false
		}
		start = i + 1
	}
	return true
}
