package audit

import (
	"errors"
	"testing"
	"time"
)

func sampleRecord() Record {
	return Record{
		ID:             "rec1",
		OrganizationID: "org1",
		ActorID:        "u1",
		Action:         ActionUpdate,
		ResourceType:   "client",
		ResourceID:     "c1",
		Classification: ClassPHI,
		PHIAccessed:    true,
		Success:        true,
		NewValues:      map[string]any{"diagnosis": "tok_abc", "room": 12},
		CreatedAt:      time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestChecksumComputeIsDeterministic(t *testing.T) {
	sum, err := NewChecksummer("integrity-key")
	if err != nil {
		t.Fatalf("checksummer: %v", err)
	}
	rec := sampleRecord()
	a := sum.Compute(rec)
	b := sum.Compute(rec)
	if a == "" || a != b {
		t.Fatalf("digest not deterministic: %q vs %q", a, b)
	}
}

func TestChecksumVerifyDetectsTamper(t *testing.T) {
	sum, err := NewChecksummer("integrity-key")
	if err != nil {
		t.Fatalf("checksummer: %v", err)
	}
	rec := sampleRecord()
	rec.Checksum = sum.Compute(rec)
	if err := sum.Verify(rec); err != nil {
		t.Fatalf("pristine record must verify: %v", err)
	}

	tampered := rec
	tampered.ActorID = "someone-else"
	if err := sum.Verify(tampered); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}

	tampered = rec
	tampered.NewValues = map[string]any{"diagnosis": "altered", "room": 12}
	if err := sum.Verify(tampered); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity for payload edit, got %v", err)
	}
}

func TestChecksumKeyDependence(t *testing.T) {
	a, _ := NewChecksummer("key-a")
	b, _ := NewChecksummer("key-b")
	rec := sampleRecord()
	if a.Compute(rec) == b.Compute(rec) {
		t.Fatal("digests under different keys must differ")
	}
	if _, err := NewChecksummer("  "); err == nil {
		t.Fatal("blank key must be rejected")
	}
}

func TestMaskerTokensAreStable(t *testing.T) {
	m := NewMasker("integrity-key")
	if m.Token("ssn", "123-45-6789") != m.Token("ssn", "123-45-6789") {
		t.Fatal("same field and value must yield the same token")
	}
	if m.Token("ssn", "123-45-6789") == m.Token("ssn", "987-65-4321") {
		t.Fatal("different values must yield different tokens")
	}
	if m.Token("ssn", "x") == m.Token("dob", "x") {
		t.Fatal("token must be field-bound")
	}
}

func TestMaskAllReplacesEveryLeaf(t *testing.T) {
	m := NewMasker("integrity-key")
	out := m.MaskAll(map[string]any{
		"diagnosis": "F32.1",
		"vitals":    map[string]any{"bp": "120/80"},
	})
	if out["diagnosis"] == "F32.1" {
		t.Fatal("top-level value left unmasked")
	}
	nested, ok := out["vitals"].(map[string]any)
	if !ok || nested["bp"] == "120/80" {
		t.Fatalf("nested value left unmasked: %v", out["vitals"])
	}
}

func TestMaskSensitiveOnlyTouchesSensitiveFields(t *testing.T) {
	m := NewMasker("integrity-key")
	out := m.MaskSensitive(map[string]any{
		"name":          "Sunrise Care",
		"password_hash": "$2a$10$abcdef",
		"nested":        map[string]any{"api_key": "sk-123", "note": "ok"},
	})
	if out["name"] != "Sunrise Care" {
		t.Fatalf("non-sensitive field altered: %v", out["name"])
	}
	if out["password_hash"] == "$2a$10$abcdef" {
		t.Fatal("password_hash left unmasked")
	}
	nested := out["nested"].(map[string]any)
	if nested["api_key"] == "sk-123" || nested["note"] != "ok" {
		t.Fatalf("nested masking wrong: %v", nested)
	}
}
