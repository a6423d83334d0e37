package compliance

import (
	"context"
	"testing"
	"time"

	"starline.org/internal/audit"
)

func failedLogin(orgID, actorID string, at time.Time) audit.Record {
	return audit.Record{
		OrganizationID: orgID,
		ActorID:        actorID,
		Action:         audit.ActionLogin,
		ResourceType:   "session",
		Classification: audit.ClassAdministrative,
		Success:        false,
		CreatedAt:      at,
	}
}

func phiRead(orgID, actorID string, at time.Time) audit.Record {
	return audit.Record{
		OrganizationID:  orgID,
		ActorID:         actorID,
		Action:          audit.ActionRead,
		ResourceType:    "client",
		Classification:  audit.ClassPHI,
		PHIAccessed:     true,
		ConsentVerified: true,
		Success:         true,
		CreatedAt:       at,
	}
}

func seedRecords(t *testing.T, store *audit.MemStore, recs []audit.Record) {
	t.Helper()
	for i := range recs {
		if err := store.Append(context.Background(), &recs[i]); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
}

func TestBruteForceRuleThreshold(t *testing.T) {
	store := audit.NewMemStore()
	rule := NewBruteForceRule(store)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var recs []audit.Record
	for i := 0; i < rule.Threshold-1; i++ {
		recs = append(recs, failedLogin("org1", "u1", now.Add(-time.Duration(i)*time.Minute)))
	}
	seedRecords(t, store, recs)

	det, err := rule.Evaluate(context.Background(), failedLogin("org1", "u1", now))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if det != nil {
		t.Fatalf("below threshold must not detect, got %+v", det)
	}

	seedRecords(t, store, []audit.Record{failedLogin("org1", "u1", now)})
	det, err = rule.Evaluate(context.Background(), failedLogin("org1", "u1", now))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if det == nil || det.Severity != SeverityHigh {
		t.Fatalf("expected high-severity detection, got %+v", det)
	}
}

func TestBruteForceRuleSkipsUnattributedFailures(t *testing.T) {
	store := audit.NewMemStore()
	rule := NewBruteForceRule(store)
	now := time.Now().UTC()

	// Five different people each mistyping once leave five anonymous
	// failures; none of them is a brute-force attempt.
	var recs []audit.Record
	for i := 0; i < rule.Threshold; i++ {
		recs = append(recs, failedLogin("", "", now.Add(-time.Duration(i)*time.Minute)))
	}
	seedRecords(t, store, recs)

	det, err := rule.Evaluate(context.Background(), failedLogin("", "", now))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if det != nil {
		t.Fatalf("unattributed failures must not detect, got %+v", det)
	}
}

func TestBruteForceRuleIgnoresSuccessesAndOtherActors(t *testing.T) {
	store := audit.NewMemStore()
	rule := NewBruteForceRule(store)
	now := time.Now().UTC()

	var recs []audit.Record
	for i := 0; i < rule.Threshold+2; i++ {
		recs = append(recs, failedLogin("org1", "other", now))
	}
	seedRecords(t, store, recs)

	ok := failedLogin("org1", "u1", now)
	ok.Success = true
	if det, _ := rule.Evaluate(context.Background(), ok); det != nil {
		t.Fatalf("successful login must never detect, got %+v", det)
	}
	if det, _ := rule.Evaluate(context.Background(), failedLogin("org1", "u1", now)); det != nil {
		t.Fatalf("other actors' failures must not count, got %+v", det)
	}
}

func TestAfterHoursPHIRuleBoundaries(t *testing.T) {
	rule := NewAfterHoursPHIRule()

	cases := []struct {
		hour   int
		detect bool
	}{
		{5, true},
		{6, false},
		{21, false},
		{22, true},
		{2, true},
	}
	for _, tc := range cases {
		rec := phiRead("org1", "u1", time.Date(2026, 3, 1, tc.hour, 30, 0, 0, time.UTC))
		det, err := rule.Evaluate(context.Background(), rec)
		if err != nil {
			t.Fatalf("hour %d: %v", tc.hour, err)
		}
		if (det != nil) != tc.detect {
			t.Fatalf("hour %d: detection = %v, want %v", tc.hour, det != nil, tc.detect)
		}
	}

	nonPHI := phiRead("org1", "u1", time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC))
	nonPHI.PHIAccessed = false
	if det, _ := rule.Evaluate(context.Background(), nonPHI); det != nil {
		t.Fatalf("non-PHI access must not detect, got %+v", det)
	}
}

func TestAfterHoursPHIRuleHonorsLocation(t *testing.T) {
	rule := NewAfterHoursPHIRule()
	rule.Location = time.FixedZone("UTC+5", 5*3600)

	// 01:30 UTC is 06:30 local, inside working hours.
	inside := phiRead("org1", "u1", time.Date(2026, 3, 1, 1, 30, 0, 0, time.UTC))
	if det, err := rule.Evaluate(context.Background(), inside); err != nil || det != nil {
		t.Fatalf("expected no detection at 06:30 local, got %+v err %v", det, err)
	}

	// 23:30 UTC is 04:30 local, outside.
	outside := phiRead("org1", "u1", time.Date(2026, 3, 1, 23, 30, 0, 0, time.UTC))
	det, err := rule.Evaluate(context.Background(), outside)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if det == nil {
		t.Fatal("expected detection at 04:30 local")
	}
}

func TestExcessivePHIRuleThreshold(t *testing.T) {
	store := audit.NewMemStore()
	rule := NewExcessivePHIRule(store)
	rule.Threshold = 3
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	seedRecords(t, store, []audit.Record{
		phiRead("org1", "u1", now.Add(-time.Minute)),
		phiRead("org1", "u1", now.Add(-2*time.Minute)),
		phiRead("org1", "u1", now.Add(-3*time.Minute)),
	})
	if det, _ := rule.Evaluate(context.Background(), phiRead("org1", "u1", now)); det != nil {
		t.Fatalf("at threshold must not detect, got %+v", det)
	}

	seedRecords(t, store, []audit.Record{phiRead("org1", "u1", now)})
	det, err := rule.Evaluate(context.Background(), phiRead("org1", "u1", now))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if det == nil {
		t.Fatal("above threshold must detect")
	}

	// Reads outside the window do not count.
	stale := audit.NewMemStore()
	staleRule := NewExcessivePHIRule(stale)
	staleRule.Threshold = 1
	seedRecords(t, stale, []audit.Record{
		phiRead("org1", "u1", now.Add(-2*time.Hour)),
		phiRead("org1", "u1", now.Add(-3*time.Hour)),
	})
	if det, _ := staleRule.Evaluate(context.Background(), phiRead("org1", "u1", now)); det != nil {
		t.Fatalf("stale reads must not count, got %+v", det)
	}
}

func TestConsentRule(t *testing.T) {
	rec := phiRead("org1", "u1", time.Now().UTC())
	rec.ConsentVerified = false
	det, err := ConsentRule{}.Evaluate(context.Background(), rec)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if det == nil || det.Severity != SeverityCritical {
		t.Fatalf("expected critical detection, got %+v", det)
	}

	rec.ConsentVerified = true
	if det, _ := (ConsentRule{}).Evaluate(context.Background(), rec); det != nil {
		t.Fatalf("verified consent must not detect, got %+v", det)
	}
}

func TestIntegrityRule(t *testing.T) {
	det, err := IntegrityRule{}.Evaluate(context.Background(), audit.Record{Action: audit.ActionBreachDetected})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if det == nil || det.Severity != SeverityCritical {
		t.Fatalf("expected critical detection, got %+v", det)
	}
	if det, _ := (IntegrityRule{}).Evaluate(context.Background(), audit.Record{Action: audit.ActionUpdate}); det != nil {
		t.Fatalf("ordinary actions must not detect, got %+v", det)
	}
}

func TestTenantMismatchRule(t *testing.T) {
	det, err := TenantMismatchRule{}.Evaluate(context.Background(), audit.Record{
		Action:       audit.ActionTenantMismatch,
		ResourceType: "user",
	})
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if det == nil || det.Severity != SeverityHigh {
		t.Fatalf("expected high-severity detection, got %+v", det)
	}
}
