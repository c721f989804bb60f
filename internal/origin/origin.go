// Package origin validates browser Origin headers for WebSocket upgrades.
//
// The relay defaults to accepting any origin (the client bundle is typically
// served from arbitrary hosts during development, and the upstream deployment
// ran with a wildcard CORS policy). Setting ALLOWED_ORIGINS narrows upgrades
// to an explicit allowlist.
package origin

import (
	"net/url"
	"strings"
)

// Normalize validates an Origin header and reduces it to the canonical
// scheme://host[:port] form, with default ports stripped. The special value
// "null" (sandboxed iframes, file:// pages) is returned as-is.
func Normalize(header string) (string, bool) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return "", false
	}
	if trimmed == "null" {
		return "null", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}

	hostname := strings.ToLower(u.Hostname())
	if hostname == "" {
		return "", false
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}

	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		hostname += ":" + port
	}
	return scheme + "://" + hostname, true
}

// Allowed reports whether a raw Origin header value may connect.
//
// With an empty allowlist every syntactically valid origin is accepted, as is
// a missing header (non-browser clients). Allowlist entries are either "*" or
// normalized origins as produced by Normalize.
func Allowed(header string, allowlist []string) bool {
	if strings.TrimSpace(header) == "" {
		return true
	}
	normalized, ok := Normalize(header)
	if !ok {
		return false
	}
	if len(allowlist) == 0 {
		return true
	}
	for _, entry := range allowlist {
		if entry == "*" || entry == normalized {
			return true
		}
	}
	return false
}
