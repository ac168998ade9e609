package util

import (
	"net"
	"strings"
)

// RedactIP keeps enough of an address to correlate log lines without storing
// a full client IP: first two octets for IPv4, first two groups for IPv6.
func RedactIP(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return "invalid"
	}
	if v4 := ip.To4(); v4 != nil {
		parts := strings.Split(v4.String(), ".")
		return parts[0] + "." + parts[1] + ".x.x"
	}
	groups := strings.Split(ip.String(), ":")
	if len(groups) < 2 {
		return "::redacted"
	}
	return groups[0] + ":" + groups[1] + "::x"
}
