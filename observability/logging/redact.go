package logging

import (
	"log/slog"
	"sort"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// Keys that carry allowance signatures, bearer tokens or key material.
var sensitiveKeys = map[string]struct{}{
	"signature":      {},
	"authorization":  {},
	"token":          {},
	"jwt":            {},
	"secret":         {},
	"webhook_secret": {},
	"passphrase":     {},
	"private_key":    {},
}

// IsSensitive reports whether values logged under key are masked.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// SensitiveKeys returns a sorted copy of the masked log keys.
func SensitiveKeys() []string {
	keys := make([]string, 0, len(sensitiveKeys))
	for key := range sensitiveKeys {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Redact masks attr when its key is sensitive. Groups are walked recursively.
func Redact(attr slog.Attr) slog.Attr {
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		masked := make([]any, 0, len(group))
		for _, inner := range group {
			masked = append(masked, Redact(inner))
		}
		return slog.Group(attr.Key, masked...)
	}
	if IsSensitive(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}
	return attr
}
