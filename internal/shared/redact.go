package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches common secret-bearing patterns in log, event, and
// error strings before they reach durable storage or the console.
var secretPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	// Key-like prefixes followed by long token values.
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|bearer)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`), "API key assignment"},
	// Authorization headers.
	{regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`), "bearer token"},
	// Google-style API keys.
	{regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`), "Google API key"},
	// Anthropic-style API keys.
	{regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{16,}`), "Anthropic API key"},
	// UUID-shaped values behind auth-related prefixes.
	{regexp.MustCompile(`(?i)(token|secret)\s*[:=]\s*"?([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})"?`), "auth token"},
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.re.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.re.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// leakOnlyPatterns flag likely secrets that Redact cannot safely rewrite:
// replacing a PEM header leaves the key body behind, and the bare sk-
// prefix false-positives on ordinary hyphenated words ("task-...").
var leakOnlyPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}`), "OpenAI API key"},
	{regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`), "private key"},
}

// ScanLeaks reports which secret patterns appear in the input. Callers log
// a warning on findings; the text itself is left alone so the run record
// stays faithful.
func ScanLeaks(input string) []string {
	if input == "" {
		return nil
	}
	var found []string
	for _, pat := range secretPatterns {
		if pat.re.MatchString(input) {
			found = append(found, pat.desc)
		}
	}
	for _, pat := range leakOnlyPatterns {
		if pat.re.MatchString(input) {
			found = append(found, pat.desc)
		}
	}
	return found
}

// RedactEnvValue returns the placeholder when the key name looks secret.
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
