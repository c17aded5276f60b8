// Package redact scrubs credentials out of strings before they are written
// to error columns, health metadata, or logs. Redaction is idempotent, so it
// is safe to apply at every boundary.
package redact

import (
	"regexp"
)

const placeholder = "[REDACTED]"

var patterns = []*regexp.Regexp{
	// GitLab personal and trigger tokens.
	regexp.MustCompile(`glpat-[A-Za-z0-9_\-]+`),
	regexp.MustCompile(`glptt-[A-Za-z0-9_\-]+`),
	// Bearer tokens and token-carrying headers.
	regexp.MustCompile(`(?i)(Bearer\s+)[^\s"']+`),
	regexp.MustCompile(`(?i)(Authorization\s*[:=]\s*)[^\s"',;]+`),
	regexp.MustCompile(`(?i)(PRIVATE-TOKEN\s*[:=]\s*)[^\s"',;]+`),
	// Credentials passed as URL parameters.
	regexp.MustCompile(`(?i)(password=)[^&\s"']+`),
	regexp.MustCompile(`(?i)(token=)[^&\s"']+`),
}

// userInfoURL matches user:password@host URLs. The password group is
// replaced, the username is kept.
var userInfoURL = regexp.MustCompile(`(://[^/:@\s]+:)[^@\s]+(@)`)

// String rewrites s with all recognized credentials replaced by a
// placeholder. Applying String to its own output is a no-op.
func String(s string) string {
	for _, re := range patterns {
		s = re.ReplaceAllStringFunc(s, func(m string) string {
			sub := re.FindStringSubmatch(m)
			if len(sub) > 1 {
				return sub[1] + placeholder
			}
			return placeholder
		})
	}
	return userInfoURL.ReplaceAllString(s, "${1}"+placeholder+"${2}")
}

// Error returns the redacted message of err, or "" for a nil error.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}
