package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches credentials that may end up in log lines, audit reasons or
// error strings.
var secretPatterns = []*regexp.Regexp{
	// key=value style secrets.
	regexp.MustCompile(`(?i)(api[_-]?key|secret|auth[_-]?token|token|password)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{12,})"?`),
	// Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// Bare JWTs (capability and connection tokens).
	regexp.MustCompile(`eyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}`),
}

// Redact replaces secret-bearing substrings of input with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the key or "Bearer " prefix so the line stays readable.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				sep := ""
				if !strings.HasSuffix(submatch[1], " ") {
					sep = "="
				}
				return submatch[1] + sep + redactedPlaceholder
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
	for _, s := range []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// RedactValue returns [REDACTED] when key names a secret, value otherwise.
func RedactValue(key, value string) string {
	if IsSensitiveKey(key) {
		return redactedPlaceholder
	}
	return value
}
