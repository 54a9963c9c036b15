package shared

import (
	"regexp"
	"strings"
)

var secretPatterns = []*regexp.Regexp{
	// Bearer tokens and Authorization headers.
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`),
	// key=value style assignments for sensitive keys.
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[=:]\s*\S+`),
	// Long hex/base64-looking blobs commonly pasted into metadata.
	regexp.MustCompile(`\b[A-Za-z0-9+/]{40,}={0,2}\b`),
}

// Redact replaces likely credential material in s with a placeholder.
// Applied to audit reasons and free-form actor strings before persistence.
func Redact(s string) string {
	if s == "" {
		return s
	}
	out := s
	for _, pat := range secretPatterns {
		out = pat.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}

// IsSensitiveKey reports whether a metadata or log key looks like it holds
// credential material.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
