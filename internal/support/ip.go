package support

import (
	"net"
	"strings"
)

// NormalizeIP returns the canonical form of a literal address, or "" when the
// input is not one. IPv6 is lowercased and compressed; IPv4-mapped IPv6 is
// unwrapped to plain IPv4.
func NormalizeIP(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	ip := net.ParseIP(raw)
	if ip == nil {
		return ""
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

// CanonicalIP is NormalizeIP that keeps unparseable input as trimmed text, for
// lookups where an invalid key simply matches nothing.
func CanonicalIP(raw string) string {
	if ip := NormalizeIP(raw); ip != "" {
		return ip
	}
	return strings.TrimSpace(raw)
}
