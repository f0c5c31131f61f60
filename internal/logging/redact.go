package logging

import "regexp"

// Redaction patterns, applied in order:
//  1. Ethereum-style private keys (0x + 64 hex chars).
//  2. key/secret/passphrase/password assignments with a long value.
//  3. Bare base64-ish blobs of 40+ chars, shortened to an 8-char prefix.
var (
	privateKeyRe = regexp.MustCompile(`0x[0-9a-fA-F]{64}`)
	assignmentRe = regexp.MustCompile(`(?i)\b(secret|passphrase|password|key)(\s*[:=]\s*)([A-Za-z0-9+/_\-]{20,}={0,2})`)
	base64Re     = regexp.MustCompile(`[A-Za-z0-9+/_\-]{40,}={0,2}`)
)

// Redact scrubs credential-shaped substrings from s. Safe to call on any
// log message, attribute value or error text.
func Redact(s string) string {
	s = privateKeyRe.ReplaceAllString(s, "0x[REDACTED]")
	s = assignmentRe.ReplaceAllString(s, "${1}${2}[REDACTED]")
	s = base64Re.ReplaceAllStringFunc(s, func(m string) string {
		return m[:8] + "…[REDACTED]"
	})
	return s
}
