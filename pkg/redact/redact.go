// Package redact scrubs personally identifiable and secret data before it is
// logged or written to the audit trail.
//
// Two passes are applied:
//   - values stored under a sensitive key are replaced wholesale
//   - free text is scanned for phone numbers, e-mail addresses, Lightning
//     invoices, Bitcoin addresses and JWTs
package redact

import (
	"regexp"
	"strings"
)

var sensitiveKeys = map[string]bool{
	"phone":           true,
	"phone_number":    true,
	"email":           true,
	"email_address":   true,
	"mnemonic":        true,
	"seed":            true,
	"private_key":     true,
	"password":        true,
	"secret":          true,
	"token":           true,
	"payment_request": true,
	"payout_target":   true,
	"macaroon":        true,
	"api_key":         true,
	"jwt":             true,
	"authorization":   true,
	"signature":       true,
}

type pattern struct {
	name string
	re   *regexp.Regexp
}

// Order matters: invoices and JWTs are matched before the looser patterns.
var patterns = []pattern{
	{"lightning_invoice", regexp.MustCompile(`(?i)\bln(bc|tb|bcrt)[0-9a-z]{20,}\b`)},
	{"jwt", regexp.MustCompile(`eyJ[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*\.[A-Za-z0-9_-]*`)},
	{"bitcoin_address", regexp.MustCompile(`\b(bc1[a-z0-9]{25,59}|[13][a-km-zA-HJ-NP-Z1-9]{25,34})\b`)},
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"phone", regexp.MustCompile(`\+[1-9]\d{7,14}\b|\b(?:00221|0)7\d{8}\b`)},
}

// IsSensitiveKey reports whether values under key must never be recorded.
func IsSensitiveKey(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}

// Placeholder returns the replacement text used for key.
func Placeholder(key string) string {
	return "[REDACTED_" + strings.ToUpper(key) + "]"
}

// String scrubs PII patterns out of free text.
func String(s string) string {
	for _, p := range patterns {
		s = p.re.ReplaceAllString(s, Placeholder(p.name))
	}
	return s
}

// Value scrubs an arbitrary JSON-like value.
func Value(v any) any {
	switch t := v.(type) {
	case string:
		return String(t)
	case map[string]any:
		return Map(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Value(item)
		}
		return out
	case []string:
		out := make([]string, len(t))
		for i, item := range t {
			out[i] = String(item)
		}
		return out
	default:
		return v
	}
}

// Map returns a scrubbed copy of m. The input is not modified.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = Placeholder(k)
			continue
		}
		out[k] = Value(v)
	}
	return out
}
