package utils

import (
	"fmt"
	"net"
	"strings"
)

// CanonicalizeAddress normalizes a peer address to host:port, dropping any
// scheme, path or trailing slash. Directory entries and client URLs are
// built from the canonical form so the reverse lookup stays consistent.
func CanonicalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty address")
	}

	if idx := strings.Index(addr, "://"); idx != -1 {
		addr = addr[idx+3:]
	}
	if idx := strings.IndexAny(addr, "/?#"); idx != -1 {
		addr = addr[:idx]
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if port == "" {
		return "", fmt.Errorf("invalid address %q: missing port", addr)
	}
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port), nil
}

// FunctionURL is the endpoint a peer serves fn on.
func FunctionURL(addr, fn string) string {
	return "http://" + addr + "/" + strings.Trim(fn, "/") + "/"
}
