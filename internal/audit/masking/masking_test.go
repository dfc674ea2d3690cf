package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskValue(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"   ", ""},
		{"abc", "****"},
		{"abcdef", "****cdef"},
		{"GB29NWBK60161331926819", "****6819"},
		{"tok_live_abc12345", "tok_live_****2345"},
		{"sk_x", "sk_****"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, MaskValue(tc.in), "input %q", tc.in)
	}
}

func TestRedactMasksOnlySensitiveKeys(t *testing.T) {
	out := Redact(map[string]any{
		"invoice_id":     "INV-2024-0001",
		"amount":         "512.00",
		"account_number": "000123456789",
		"IBAN":           "DE89370400440532013000",
		"attempts":       3,
		"lines": []any{
			map[string]any{"invoice_id": "INV-2024-0002", "token": "tok_abcd1234"},
		},
	})

	assert.Equal(t, "INV-2024-0001", out["invoice_id"])
	assert.Equal(t, "512.00", out["amount"])
	assert.Equal(t, "****6789", out["account_number"])
	assert.Equal(t, "****3000", out["IBAN"])
	assert.Equal(t, 3, out["attempts"])

	lines, ok := out["lines"].([]any)
	assert.True(t, ok)
	line, ok := lines[0].(map[string]any)
	assert.True(t, ok)
	assert.Equal(t, "INV-2024-0002", line["invoice_id"])
	assert.Equal(t, "tok_****1234", line["token"])
}

func TestRedactEmptyPayload(t *testing.T) {
	assert.Nil(t, Redact(nil))
	assert.Nil(t, Redact(map[string]any{}))
	assert.Nil(t, Redact(map[string]any{"  ": "dropped"}))
}
