package utils

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIPHeaders is checked in order; the first header holding a public
// address wins.
var clientIPHeaders = []string{
	"CF-Connecting-IP",
	"X-Real-IP",
	"Client-IP",
	"X-Forwarded-For",
	"X-Forwarded",
	"X-Cluster-Client-IP",
	"Forwarded-For",
	"Forwarded",
}

var nonPublicPrefixes = []netip.Prefix{
	netip.MustParsePrefix("100.64.0.0/10"),   // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),    // IETF protocol assignments
	netip.MustParsePrefix("192.0.2.0/24"),    // TEST-NET-1
	netip.MustParsePrefix("198.18.0.0/15"),   // benchmarking
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"),  // TEST-NET-3
	netip.MustParsePrefix("240.0.0.0/4"),     // reserved
	netip.MustParsePrefix("2001:db8::/32"),   // documentation
}

// GetClientIP resolves the client address from proxy headers (when trusted)
// and falls back to the connection address.
func GetClientIP(header http.Header, remoteAddr string, trustHeaders bool) string {
	if trustHeaders {
		for _, name := range clientIPHeaders {
			value := header.Get(name)
			if value == "" {
				continue
			}
			for _, candidate := range strings.Split(value, ",") {
				candidate = strings.TrimSpace(candidate)
				if name == "Forwarded" {
					candidate = forwardedFor(candidate)
				}
				if ip, ok := parseIP(candidate); ok && IsPublicIP(ip) {
					return ip
				}
			}
		}
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err == nil {
		return host
	}
	return remoteAddr
}

// IsPublicIP reports whether ip is a routable public unicast address. Private,
// loopback, link-local, CGNAT and documentation ranges are not.
func IsPublicIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() ||
		addr.IsInterfaceLocalMulticast() {
		return false
	}
	for _, p := range nonPublicPrefixes {
		if p.Contains(addr) {
			return false
		}
	}
	return true
}

// forwardedFor extracts the for= token of one RFC 7239 Forwarded element.
func forwardedFor(element string) string {
	for _, pair := range strings.Split(element, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || !strings.EqualFold(key, "for") {
			continue
		}
		value = strings.Trim(value, `"`)
		if strings.HasPrefix(value, "[") {
			if end := strings.Index(value, "]"); end > 0 {
				return value[1:end]
			}
		}
		return value
	}
	return ""
}

// parseIP accepts a bare address or host:port and returns the canonical form.
func parseIP(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), true
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip.String(), true
		}
	}
	return "", false
}
