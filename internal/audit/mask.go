package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// sensitiveFields are masked in every diff regardless of classification.
var sensitiveFields = map[string]bool{
	"password":      true,
	"password_hash": true,
	"ssn":           true,
	"credit_card":   true,
	"bank_account":  true,
	"api_key":       true,
	"token":         true,
	"token_hash":    true,
}

// Masker replaces raw values in diffs with stable, non-reversible tokens.
// The same value always yields the same token, so "this field changed to the
// same value twice" remains answerable without exposing the content.
type Masker struct {
	key []byte
}

// NewMasker derives the masking key from the integrity key material.
func NewMasker(key string) *Masker {
	return &Masker{key: []byte(key)}
}

// Token computes the stable mask token for one field value.
func (m *Masker) Token(field string, value any) string {
	mac := hmac.New(sha256.New, m.key)
	fmt.Fprintf(mac, "%s=%v", field, value)
	return "tok_" + hex.EncodeToString(mac.Sum(nil))[:16]
}

// MaskAll replaces every leaf value. Used for PHI-classified diffs.
func (m *Masker) MaskAll(values map[string]any) map[string]any {
	if len(values) == 0 {
		return values
	}
	out := make(map[string]any, len(values))
	for field, v := range values {
		if nested, ok := v.(map[string]any); ok {
			out[field] = m.MaskAll(nested)
			continue
		}
		out[field] = m.Token(field, v)
	}
	return out
}

// MaskSensitive replaces only the always-sensitive fields.
func (m *Masker) MaskSensitive(values map[string]any) map[string]any {
	if len(values) == 0 {
		return values
	}
	out := make(map[string]any, len(values))
	for field, v := range values {
		if nested, ok := v.(map[string]any); ok {
			out[field] = m.MaskSensitive(nested)
			continue
		}
		if sensitiveFields[field] {
			out[field] = m.Token(field, v)
			continue
		}
		out[field] = v
	}
	return out
}
