package redact

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text untouched", "cycle 3 completed", "cycle 3 completed"},
		{"email", "contact awa@example.sn now", "contact [REDACTED_EMAIL] now"},
		{"international phone", "call +221771234567", "call [REDACTED_PHONE]"},
		{"local phone", "call 0771234567 today", "call [REDACTED_PHONE] today"},
		{"lightning invoice", "pay lnbc500u1pjqxyzqqqqqqqqqqqqqqqqqq", "pay [REDACTED_LIGHTNING_INVOICE]"},
		{"jwt", "bearer eyJhbGciOi.eyJzdWIi.c2lnbmF0dXJl", "bearer [REDACTED_JWT]"},
		{"uuid survives", "group 550e8400-e29b-41d4-a716-446655440000", "group 550e8400-e29b-41d4-a716-446655440000"},
		{"date survives", "ends 2026-10-15", "ends 2026-10-15"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, String(tt.in))
		})
	}
}

func TestMap(t *testing.T) {
	in := map[string]any{
		"user_id":       "u-1",
		"payout_target": "lnbc1000n1pabcdefghijklmnopqrstuvwxyz",
		"amount":        int64(50000),
		"note":          "reach me at awa@example.sn",
		"nested": map[string]any{
			"Password": "hunter2",
		},
	}

	out := Map(in)

	assert.Equal(t, "u-1", out["user_id"])
	assert.Equal(t, "[REDACTED_PAYOUT_TARGET]", out["payout_target"])
	assert.Equal(t, int64(50000), out["amount"])
	assert.Equal(t, "reach me at [REDACTED_EMAIL]", out["note"])
	assert.Equal(t, "[REDACTED_PASSWORD]", out["nested"].(map[string]any)["Password"])

	// input is left alone
	assert.Equal(t, "lnbc1000n1pabcdefghijklmnopqrstuvwxyz", in["payout_target"])
	assert.Nil(t, Map(nil))
}
