package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches the secret shapes this deployment actually
// handles in log/event/error strings: the Telegram bot token (also embedded
// in every Bot API URL the vendor SDK puts into its error messages), the
// ops admin token, and bearer headers.
var secretPatterns = []*regexp.Regexp{
	// Telegram bot tokens: <numeric bot id>:<35-char secret>. The vendor
	// SDK's errors carry the full request URL (.../bot<token>/method), so
	// match the bare shape anywhere, not just after a key name.
	regexp.MustCompile(`(bot|\b)(\d{8,10}:[A-Za-z0-9_\-]{30,})`),
	// key=value secrets: admin/auth/api tokens and keys by key name.
	regexp.MustCompile(`(?i)(admin[_-]?token|auth[_-]?token|api[_-]?key|apikey|secret[_-]?key|token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	// Bearer tokens in Authorization headers.
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// UUID-shaped tokens after auth-related key names.
	regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
// Used before logging provider errors (which may embed the bot token via the
// request URL), admin tokens, or bearer headers.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// For patterns with a prefix group, keep the prefix and redact the value.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// RedactEnvValue checks if a key name looks secret and returns redacted value if so.
func RedactEnvValue(key, value string) string {
	keyLower := strings.ToLower(key)
	sensitiveKeys := []string{"api_key", "apikey", "secret", "token", "password", "credential"}
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return redactedPlaceholder
		}
	}
	return value
}
