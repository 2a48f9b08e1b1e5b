package gateway

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP derives the normalized source address for a request. Precedence:
// first X-Forwarded-For entry, then X-Real-IP, then the socket peer address.
// The result is fixed for the lifetime of the request.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := normalizeIP(first); ip != "" {
			return ip
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		if ip := normalizeIP(real); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := normalizeIP(host); ip != "" {
			return ip
		}
	}
	if ip := normalizeIP(r.RemoteAddr); ip != "" {
		return ip
	}
	return "unknown"
}

func normalizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "[]")
	parsed := net.ParseIP(raw)
	if parsed == nil {
		return ""
	}
	return parsed.String()
}
