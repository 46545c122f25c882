package routing

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

func isPortNumber(s string) bool {
	port, err := strconv.Atoi(s)
	return err == nil && port > 0 && port < 65536
}

// NormalizeBackendAddr normalizes a backend address to "host:port" form.
// - If address is only a port number (e.g., "6443"), prepend defaultHost.
// - If address is a hostname without port, append defaultPort.
// Returns an error when the address cannot be interpreted as host:port.
func NormalizeBackendAddr(addr, defaultHost, defaultPort string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("empty backend address")
	}

	// Bracketed IPv6 or host:port form
	if strings.Contains(addr, ":") {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			// Could be a bare IPv6 literal without brackets
			if ip := net.ParseIP(addr); ip != nil && ip.To4() == nil {
				return net.JoinHostPort(addr, defaultPort), nil
			}
			return "", fmt.Errorf("invalid backend address %q: %v", addr, err)
		}
		if host == "" {
			host = defaultHost
		}
		if !isPortNumber(port) {
			return "", fmt.Errorf("invalid backend port %q", port)
		}
		return net.JoinHostPort(host, port), nil
	}

	// No colon: either a bare port or a bare host
	if isPortNumber(addr) {
		return net.JoinHostPort(defaultHost, addr), nil
	}
	return net.JoinHostPort(addr, defaultPort), nil
}

// ParseBackendList parses the comma-separated backend address string format
// (HASHLB_BACKENDS env or --backends flag), e.g.
// "10.0.0.1:9000,10.0.0.2:9000,[2001:db8::1]:9000".
// Malformed items are skipped; an error is returned only if nothing parses.
func ParseBackendList(s string) ([]BackendConfig, error) {
	out := make([]BackendConfig, 0)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}

	var firstErr error
	for _, part := range splitBackends(s) {
		host, portStr, err := net.SplitHostPort(part)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid backend %q: %v", part, err)
			}
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port >= 65536 {
			if firstErr == nil {
				firstErr = fmt.Errorf("invalid backend port in %q", part)
			}
			continue
		}
		out = append(out, BackendConfig{Host: host, Port: port})
	}

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func splitBackends(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
