package ws

import (
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed validates r.Header["Origin"] against an allow-list.
//
// Allowed entries support:
//   - Full Origin values with scheme, e.g. "https://example.com"
//   - Hostnames, e.g. "example.com"
//   - Wildcard hostnames, e.g. "*.example.com" (matches the base domain and subdomains)
//
// If the request has no Origin header, allowNoOrigin controls acceptance.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	hostname := ""
	if parsed, err := url.Parse(origin); err == nil {
		hostname = parsed.Hostname()
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case strings.Contains(entry, "://"):
			if origin == entry {
				return true
			}
		case strings.HasPrefix(entry, "*."):
			base := strings.TrimPrefix(entry, "*.")
			if hostname != "" && base != "" && (hostname == base || strings.HasSuffix(hostname, "."+base)) {
				return true
			}
		default:
			if hostname != "" && hostname == entry {
				return true
			}
			if origin == entry {
				return true
			}
		}
	}
	return false
}

// NewOriginChecker returns a websocket upgrader CheckOrigin function. An
// empty allow-list accepts every origin, matching the open CORS posture of
// the HTTP surface.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
