// Package masking redacts payment-identifying values before they land in
// the audit trail.
package masking

import "strings"

const maskToken = "****"

// Values under these keys are masked wherever they appear in a payload.
// Matching is case-insensitive.
var sensitiveKeys = map[string]struct{}{
	"account_ref":        {},
	"source_account_ref": {},
	"account_number":     {},
	"bank_account":       {},
	"iban":               {},
	"routing_number":     {},
	"api_key":            {},
	"token":              {},
	"secret":             {},
	"password":           {},
	"authorization":      {},
}

// MaskValue redacts a value while keeping the last four characters so
// operators can still line entries up against bank statements.
func MaskValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// Redact returns a copy of payload with sensitive values masked. Nested
// maps and slices are walked; non-sensitive values pass through untouched.
func Redact(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return nil
	}

	redacted := make(map[string]any, len(payload))
	for key, value := range payload {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		redacted[trimmedKey] = redactValue(trimmedKey, value)
	}

	if len(redacted) == 0 {
		return nil
	}
	return redacted
}

func redactValue(key string, value any) any {
	switch cast := value.(type) {
	case string:
		if isSensitive(key) {
			return MaskValue(cast)
		}
		return cast
	case map[string]any:
		return Redact(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, redactValue(key, item))
		}
		return out
	default:
		return value
	}
}

func isSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
