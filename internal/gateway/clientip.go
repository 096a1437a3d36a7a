package gateway

import (
	"net"
	"net/http"
	"strings"
)

// KeyFunc derives the caller identity used for anonymous requests.
type KeyFunc func(r *http.Request) string

// ClientIP returns a KeyFunc that reads the first X-Forwarded-For hop, then
// X-Real-IP, when trustProxy is set, and falls back to RemoteAddr.
func ClientIP(trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		if trustProxy {
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
			if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
				return ip
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}
