package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in log lines.
const RedactedValue = "[REDACTED]"

// Keys containing one of these fragments carry credentials. Participant
// addresses and contribution IDs are public and never match.
var sensitiveFragments = []string{
	"authorization",
	"secret",
	"token",
	"password",
	"key",
	"cookie",
}

// IsSensitive reports whether values logged under key must be masked.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if normalized == "" {
		return false
	}
	for _, fragment := range sensitiveFragments {
		if strings.Contains(normalized, fragment) {
			return true
		}
	}
	return false
}

// MaskField returns an attribute whose value is replaced by RedactedValue
// when key looks sensitive. Blank values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskBearer keeps the auth scheme of an Authorization header and hides the
// credential, so rejected requests still show which scheme was attempted.
func MaskBearer(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return trimmed
	}
	scheme, _, found := strings.Cut(trimmed, " ")
	if !found {
		return RedactedValue
	}
	return scheme + " " + RedactedValue
}
