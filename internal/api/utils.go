package api

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

// extractClientIP extracts the client IP from the request, preferring the
// first X-Forwarded-For hop over RemoteAddr. Returns an error if the IP
// cannot be parsed.
func extractClientIP(r *http.Request) (string, error) {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String(), nil
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "", fmt.Errorf("unable to parse remote address: %w", err)
	}
	return host, nil
}
