package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

type maskMode int

const (
	// maskTail keeps the last four characters so operators can correlate
	// lines across services.
	maskTail maskMode = iota + 1
	maskFull
)

// Log keys that carry customer identifiers or credentials. Keys not listed
// here are logged as-is.
var sensitiveKeys = map[string]maskMode{
	"pix_key":        maskTail,
	"bank_reference": maskTail,
	"end_to_end_id":  maskTail,
	"txid":           maskTail,
	"subject":        maskTail,
	"authorization":  maskFull,
	"token":          maskFull,
	"signature":      maskFull,
	"secret":         maskFull,
	"payload":        maskFull,
}

// MaskField returns a slog.Attr for key with value masked according to how
// sensitive the key is. Empty values pass through unchanged.
func MaskField(key, value string) slog.Attr {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return slog.String(key, trimmed)
	}
	switch sensitiveKeys[strings.ToLower(strings.TrimSpace(key))] {
	case maskTail:
		return slog.String(key, MaskPixKey(trimmed))
	case maskFull:
		return slog.String(key, RedactedValue)
	default:
		return slog.String(key, value)
	}
}

// MaskPixKey keeps the last four characters of a PIX key or bank reference.
// Values of four characters or fewer are fully redacted.
func MaskPixKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return trimmed
	}
	runes := []rune(trimmed)
	if len(runes) <= 4 {
		return RedactedValue
	}
	return strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-4:])
}
