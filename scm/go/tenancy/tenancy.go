// Package tenancy derives the identity strings that the limiter, the circuit
// breaker, and the queue claim allowlists all key on. Every caller must go
// through these functions so the strings match byte-for-byte.
package tenancy

import (
	"strings"
)

// NormalizeInstanceKey reduces a URL or host string to the canonical
// host[:port] form used as a rate-limit bucket key:
//
//	"HTTPS://Gitlab.Example.COM:443/api" -> "gitlab.example.com"
//
// The scheme, userinfo, path, query and fragment are stripped, the host is
// lowercased, and the default ports 80 and 443 are dropped. Custom ports are
// preserved. The function is idempotent.
func NormalizeInstanceKey(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	// Strip scheme if present.
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	// Strip userinfo.
	if i := strings.LastIndex(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	// Strip path, query, fragment.
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.ToLower(s)
	if h, ok := strings.CutSuffix(s, ":443"); ok {
		return h
	}
	if h, ok := strings.CutSuffix(s, ":80"); ok {
		return h
	}
	return s
}

// ExtractTenantID returns the tenant identifier for a job. The payload's
// explicit tenant_id wins; otherwise the segment of the project key before
// the first "/" is used. Returns "" when neither is available.
func ExtractTenantID(payload map[string]interface{}, projectKey string) string {
	if payload != nil {
		if v, ok := payload["tenant_id"].(string); ok && v != "" {
			return v
		}
	}
	if projectKey == "" {
		return ""
	}
	if i := strings.Index(projectKey, "/"); i >= 0 {
		return projectKey[:i]
	}
	return ""
}

// ExtractInstanceKey returns the normalized instance key for a job. The
// payload's explicit gitlab_instance wins; otherwise the repo URL is
// normalized.
func ExtractInstanceKey(payload map[string]interface{}, url string) string {
	if payload != nil {
		if v, ok := payload["gitlab_instance"].(string); ok && v != "" {
			return NormalizeInstanceKey(v)
		}
	}
	return NormalizeInstanceKey(url)
}
