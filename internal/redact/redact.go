// Package redact scrubs secret-shaped substrings from free-text fields
// before they are persisted. It is applied on every write path in
// internal/activitystore, matching spec.md's "Secret redaction is applied
// on every write to free-text fields" invariant.
package redact

import "regexp"

// pattern describes one secret shape and how to neutralize a match while
// keeping enough of the surrounding text to stay useful for retrieval.
type pattern struct {
	re          *regexp.Regexp
	replacement string
}

// patterns is intentionally conservative: it targets well-known API key
// and token shapes rather than attempting general-purpose PII detection,
// which the source system also does not attempt.
var patterns = []pattern{
	{regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`), "sk-***REDACTED***"},
	{regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`), "sk-ant-***REDACTED***"},
	{regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`), "ghp_***REDACTED***"},
	{regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`), "gho_***REDACTED***"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "AKIA***REDACTED***"},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9._-]{10,}`), "Bearer ***REDACTED***"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}\.[a-zA-Z0-9_-]{10,}`), "***REDACTED_JWT***"},
	{regexp.MustCompile(`(?i)(api[_-]?key|secret|password|token)\s*[:=]\s*["']?[a-zA-Z0-9._-]{8,}["']?`), "$1=***REDACTED***"},
	{regexp.MustCompile(`https?://[^:\s]+:[^@\s]+@`), "***REDACTED_URL_CREDS***@"},
}

// String redacts every known secret shape in s.
func String(s string) string {
	if s == "" {
		return s
	}
	out := s
	for _, p := range patterns {
		out = p.re.ReplaceAllString(out, p.replacement)
	}
	return out
}

// Fields redacts a set of free-text fields in place, returning a new slice.
func Fields(fields ...string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = String(f)
	}
	return out
}
