// Package shared holds small helpers used across gofleet packages: context
// correlation ids and secret redaction for logs.
package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing fragments in log and error strings.
var secretPatterns = []*regexp.Regexp{
	// key=value or key: value with a key-like name.
	regexp.MustCompile(`(?i)((?:api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|agent[_-]?token|bearer)\s*[:=]\s*"?)([A-Za-z0-9_\-./+=]{16,})"?`),
	// Authorization header values.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Redis URLs with inline credentials.
	regexp.MustCompile(`(?i)(rediss?://[^:@/\s]*:)([^@\s]+)(@)`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			switch {
			case len(submatch) >= 4:
				return submatch[1] + redactedPlaceholder + submatch[3]
			case len(submatch) >= 3:
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsSensitiveKey reports whether a config or log key names a secret.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, s := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "credential"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
