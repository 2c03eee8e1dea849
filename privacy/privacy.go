// Package privacy detects and optionally redacts secrets before memories
// are stored. Regex-based detection of common secret shapes (API keys,
// provider tokens, passwords, private keys) runs on the write path so
// callers are warned when sensitive data is about to be persisted.
package privacy

import "regexp"

// Redacted is the literal that replaces every detected secret.
const Redacted = "[REDACTED]"

type secretPattern struct {
	pattern *regexp.Regexp
	label   string
}

var secretPatterns = []secretPattern{
	{regexp.MustCompile(`(?:sk|pk)[-_][a-zA-Z0-9_-]{20,}`), "API key"},
	{regexp.MustCompile(`(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9_]{36,}`), "GitHub token"},
	{regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*\S+`), "password"},
	{regexp.MustCompile(`(?i)(?:secret|token|key)\s*[:=]\s*['"]?\S{8,}`), "secret/token"},
	{regexp.MustCompile(`-----BEGIN (?:RSA |EC )?PRIVATE KEY-----`), "private key"},
	{regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`), "JWT token"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`xox[bpsar]-[A-Za-z0-9-]{10,}`), "Slack token"},
}

// Detect scans text for potential secrets and returns the detected type
// labels, deduplicated, in discovery order. An empty result means no
// secrets were found.
func Detect(text string) []string {
	var found []string
	seen := map[string]bool{}
	for _, sp := range secretPatterns {
		if !seen[sp.label] && sp.pattern.MatchString(text) {
			found = append(found, sp.label)
			seen[sp.label] = true
		}
	}
	return found
}

// Redact replaces every detected secret in text with the Redacted literal.
func Redact(text string) string {
	result := text
	for _, sp := range secretPatterns {
		result = sp.pattern.ReplaceAllString(result, Redacted)
	}
	return result
}
