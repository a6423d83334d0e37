package compliance

import (
	"context"
	"fmt"
	"time"

	"starline.org/internal/audit"
)

// Detection is a rule's verdict on one audit record.
type Detection struct {
	Rule     string
	Severity Severity
	Summary  string
	// Window suppresses duplicate violations for the same actor and rule
	// created within the window before the triggering record.
	Window time.Duration
}

// Rule inspects each audit record as it is written. Returning nil means
// the record is unremarkable.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, rec audit.Record) (*Detection, error)
}

// BruteForceRule flags repeated authentication failures from one actor.
type BruteForceRule struct {
	Audit     audit.Store
	Threshold int
	Window    time.Duration
}

func NewBruteForceRule(store audit.Store) *BruteForceRule {
	return &BruteForceRule{Audit: store, Threshold: 5, Window: 15 * time.Minute}
}

func (r *BruteForceRule) Name() string { return "brute_force_login" }

func (r *BruteForceRule) Evaluate(ctx context.Context, rec audit.Record) (*Detection, error) {
	if rec.Action != audit.ActionLogin || rec.Success {
		return nil, nil
	}
	// Failures that never matched an account cannot be counted per actor.
	if rec.ActorID == "" {
		return nil, nil
	}
	count, err := r.Audit.Count(ctx, audit.Filter{
		OrganizationID: rec.OrganizationID,
		ActorID:        rec.ActorID,
		Action:         audit.ActionLogin,
		FailuresOnly:   true,
		From:           rec.CreatedAt.Add(-r.Window),
		To:             rec.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	if count < r.Threshold {
		return nil, nil
	}
	return &Detection{
		Rule:     r.Name(),
		Severity: SeverityHigh,
		Summary:  fmt.Sprintf("%d failed login attempts within %s", count, r.Window),
		Window:   r.Window,
	}, nil
}

// AfterHoursPHIRule flags protected health information access outside
// working hours. Hours are evaluated in Location, UTC when unset;
// organizations do not carry their own timezone.
type AfterHoursPHIRule struct {
	StartHour int // inclusive
	EndHour   int // exclusive
	Location  *time.Location
}

func NewAfterHoursPHIRule() *AfterHoursPHIRule {
	return &AfterHoursPHIRule{StartHour: 6, EndHour: 22, Location: time.UTC}
}

func (r *AfterHoursPHIRule) Name() string { return "after_hours_phi_access" }

func (r *AfterHoursPHIRule) Evaluate(_ context.Context, rec audit.Record) (*Detection, error) {
	if !rec.PHIAccessed || !rec.Success {
		return nil, nil
	}
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := rec.CreatedAt.In(loc).Hour()
	if hour >= r.StartHour && hour < r.EndHour {
		return nil, nil
	}
	return &Detection{
		Rule:     r.Name(),
		Severity: SeverityMedium,
		Summary:  fmt.Sprintf("PHI resource %q accessed at %02d:00 (%s), outside working hours", rec.ResourceType, hour, loc),
		Window:   time.Hour,
	}, nil
}

// ExcessivePHIRule flags an actor reading an unusual volume of PHI.
type ExcessivePHIRule struct {
	Audit     audit.Store
	Threshold int
	Window    time.Duration
}

func NewExcessivePHIRule(store audit.Store) *ExcessivePHIRule {
	return &ExcessivePHIRule{Audit: store, Threshold: 50, Window: time.Hour}
}

func (r *ExcessivePHIRule) Name() string { return "excessive_phi_access" }

func (r *ExcessivePHIRule) Evaluate(ctx context.Context, rec audit.Record) (*Detection, error) {
	if !rec.PHIAccessed || rec.Action != audit.ActionRead {
		return nil, nil
	}
	count, err := r.Audit.Count(ctx, audit.Filter{
		OrganizationID: rec.OrganizationID,
		ActorID:        rec.ActorID,
		Action:         audit.ActionRead,
		PHIOnly:        true,
		From:           rec.CreatedAt.Add(-r.Window),
		To:             rec.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	if count <= r.Threshold {
		return nil, nil
	}
	return &Detection{
		Rule:     r.Name(),
		Severity: SeverityHigh,
		Summary:  fmt.Sprintf("%d PHI reads within %s", count, r.Window),
		Window:   r.Window,
	}, nil
}

// ConsentRule flags PHI access performed without verified consent.
type ConsentRule struct{}

func (ConsentRule) Name() string { return "phi_access_without_consent" }

func (ConsentRule) Evaluate(_ context.Context, rec audit.Record) (*Detection, error) {
	if !rec.PHIAccessed || !rec.Success || rec.ConsentVerified {
		return nil, nil
	}
	return &Detection{
		Rule:     "phi_access_without_consent",
		Severity: SeverityCritical,
		Summary:  fmt.Sprintf("PHI resource %q accessed without verified consent", rec.ResourceType),
		Window:   time.Hour,
	}, nil
}

// IntegrityRule escalates tamper detections surfaced by the audit recorder.
type IntegrityRule struct{}

func (IntegrityRule) Name() string { return "audit_integrity_breach" }

func (IntegrityRule) Evaluate(_ context.Context, rec audit.Record) (*Detection, error) {
	if rec.Action != audit.ActionBreachDetected {
		return nil, nil
	}
	return &Detection{
		Rule:     "audit_integrity_breach",
		Severity: SeverityCritical,
		Summary:  "audit record checksum mismatch detected",
		Window:   0,
	}, nil
}

// TenantMismatchRule flags attempts to reach across organization boundaries.
type TenantMismatchRule struct{}

func (TenantMismatchRule) Name() string { return "tenant_boundary_violation" }

func (TenantMismatchRule) Evaluate(_ context.Context, rec audit.Record) (*Detection, error) {
	if rec.Action != audit.ActionTenantMismatch {
		return nil, nil
	}
	return &Detection{
		Rule:     "tenant_boundary_violation",
		Severity: SeverityHigh,
		Summary:  fmt.Sprintf("cross-organization access attempt on %s", rec.ResourceType),
		Window:   15 * time.Minute,
	}, nil
}

// DefaultRules wires the standard rule set against an audit store.
func DefaultRules(store audit.Store) []Rule {
	return []Rule{
		NewBruteForceRule(store),
		NewAfterHoursPHIRule(),
		NewExcessivePHIRule(store),
		ConsentRule{},
		IntegrityRule{},
		TenantMismatchRule{},
	}
}
