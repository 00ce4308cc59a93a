// Package security redacts credentials from log output and keeps tool file
// access inside a workspace.
package security

import (
	"regexp"
	"strings"
)

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// Order matters: whole-token rules run before the keyed rule so that a JWT
// passed as a bearer token is reported as a JWT.
var defaultRules = []rule{
	{regexp.MustCompile(`(?s)-----BEGIN[ A-Z]*PRIVATE KEY-----.*?-----END[ A-Z]*PRIVATE KEY-----`), "[REDACTED-PRIVATE-KEY]"},
	{regexp.MustCompile(`eyJ[\w-]*\.eyJ[\w-]*\.[\w-]*`), "[REDACTED-JWT]"},
	{regexp.MustCompile(`(?i)bearer\s+[\w\-.]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)([a-z][a-z0-9+.\-]*)://[^:/\s@]+:[^@\s]+@`), "${1}://[REDACTED]@"},
	{regexp.MustCompile(`(?i)\b(api[_-]?key|api[_-]?token|access[_-]?token|auth[_-]?token|secret|password|passwd|token)\s*[:=]\s*['"]?[^\s'",]{6,}['"]?`), "${1}=[REDACTED]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_\-]{16,}`), "[REDACTED-API-KEY]"},
	{regexp.MustCompile(`\b(?:ghp|gho|ghs|ghr)_[A-Za-z0-9]{36}\b`), "[REDACTED-GITHUB-TOKEN]"},
}

var sensitiveKeys = []string{"password", "passwd", "secret", "token", "key", "credential", "auth"}

// LogSanitizer masks credentials in free-form messages before they leave the
// process.
type LogSanitizer struct {
	custom []*regexp.Regexp
}

// NewLogSanitizer returns a sanitizer with the built-in rules.
func NewLogSanitizer() *LogSanitizer {
	return &LogSanitizer{}
}

// AddPattern registers an extra pattern whose matches become [REDACTED].
func (s *LogSanitizer) AddPattern(p *regexp.Regexp) {
	s.custom = append(s.custom, p)
}

// Sanitize returns message with every known credential shape masked.
func (s *LogSanitizer) Sanitize(message string) string {
	for _, r := range defaultRules {
		message = r.pattern.ReplaceAllString(message, r.replacement)
	}
	if s != nil {
		for _, p := range s.custom {
			message = p.ReplaceAllString(message, "[REDACTED]")
		}
	}
	return message
}

// SanitizeError sanitizes err's message. A nil error yields "".
func (s *LogSanitizer) SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return s.Sanitize(err.Error())
}

// SanitizeMap returns a copy of m with sanitized values. Values under keys
// that name a credential are replaced outright.
func (s *LogSanitizer) SanitizeMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = s.Sanitize(v)
	}
	return out
}

// IsSensitiveKey reports whether a label or parameter name suggests it holds
// a credential.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, kw := range sensitiveKeys {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
