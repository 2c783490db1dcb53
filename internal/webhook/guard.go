// Package webhook delivers published items to webhook destinations, with an
// internal-address guard in front of every outbound call.
package webhook

import (
	"net"
	"net/url"
	"strings"
)

// IsInternalURL reports whether a webhook URL must be blocked: localhost,
// loopback and unspecified literals, RFC 1918 ranges, and link-local
// addresses. An unparsable URL is blocked too; the guard fails closed.
func IsInternalURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return true
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return true
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// Hostname that is not an address literal. Blocking every name that
		// might resolve internally would require a resolver here; the guard
		// covers literal addresses and localhost.
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}
