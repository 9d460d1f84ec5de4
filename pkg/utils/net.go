package utils

import (
	"net"
	"strings"
)

// IsLocalHost reports whether a host, either an IP address or a hostname,
// designates the local machine. IPv6 addresses can be enclosed in brackets.
func IsLocalHost(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}

	host = strings.ToLower(strings.TrimSuffix(host, "."))

	return host == "localhost" || strings.HasSuffix(host, ".localhost")
}
