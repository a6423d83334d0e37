package compliance

import (
	"context"
	"sync"
	"testing"
	"time"

	"starline.org/internal/audit"
	"starline.org/internal/notify"
)

type dispatcherStub struct {
	mu     sync.Mutex
	alerts []notify.Alert
	err    error
}

func (d *dispatcherStub) Dispatch(_ context.Context, a notify.Alert) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.alerts = append(d.alerts, a)
	return nil
}

func (d *dispatcherStub) sent() []notify.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]notify.Alert(nil), d.alerts...)
}

func TestEngineOpensViolationAndDispatches(t *testing.T) {
	store := NewMemStore()
	dispatcher := &dispatcherStub{}
	engine := NewEngine(store, []Rule{ConsentRule{}}, dispatcher)

	rec := audit.Record{
		ID:             "rec1",
		OrganizationID: "org1",
		ActorID:        "u1",
		Action:         audit.ActionRead,
		ResourceType:   "client",
		PHIAccessed:    true,
		Success:        true,
		CreatedAt:      time.Now().UTC(),
	}
	engine.Evaluate(context.Background(), rec)

	open, err := store.ListViolations(context.Background(), Filter{OrganizationID: "org1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected one violation, got %d", len(open))
	}
	v := open[0]
	if v.Rule != "phi_access_without_consent" || v.Status != StatusOpen || v.AuditRecordID != "rec1" {
		t.Fatalf("unexpected violation: %+v", v)
	}

	alerts := dispatcher.sent()
	if len(alerts) != 1 || alerts[0].ViolationID != v.ID {
		t.Fatalf("expected one alert for the violation, got %+v", alerts)
	}
}

func TestEngineDeduplicatesWithinWindow(t *testing.T) {
	store := NewMemStore()
	dispatcher := &dispatcherStub{}
	engine := NewEngine(store, []Rule{ConsentRule{}}, dispatcher)

	rec := audit.Record{
		ID:             "rec1",
		OrganizationID: "org1",
		ActorID:        "u1",
		ResourceType:   "client",
		PHIAccessed:    true,
		Success:        true,
		CreatedAt:      time.Now().UTC(),
	}
	engine.Evaluate(context.Background(), rec)
	rec.ID = "rec2"
	engine.Evaluate(context.Background(), rec)

	open, _ := store.ListViolations(context.Background(), Filter{OrganizationID: "org1"})
	if len(open) != 1 {
		t.Fatalf("duplicate within the window must be suppressed, got %d violations", len(open))
	}

	// A different actor is a separate violation.
	rec.ID = "rec3"
	rec.ActorID = "u2"
	engine.Evaluate(context.Background(), rec)
	open, _ = store.ListViolations(context.Background(), Filter{OrganizationID: "org1"})
	if len(open) != 2 {
		t.Fatalf("distinct actor must open its own violation, got %d", len(open))
	}
}

func TestEngineReopensAfterWindowExpires(t *testing.T) {
	store := NewMemStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	engine := NewEngine(store, []Rule{ConsentRule{}}, &dispatcherStub{},
		WithEngineClock(func() time.Time { return now }))

	rec := audit.Record{
		ID:             "rec1",
		OrganizationID: "org1",
		ActorID:        "u1",
		ResourceType:   "client",
		PHIAccessed:    true,
		Success:        true,
		CreatedAt:      now,
	}
	engine.Evaluate(context.Background(), rec)

	now = now.Add(2 * time.Hour)
	rec.ID = "rec2"
	rec.CreatedAt = now
	engine.Evaluate(context.Background(), rec)

	open, _ := store.ListViolations(context.Background(), Filter{OrganizationID: "org1"})
	if len(open) != 2 {
		t.Fatalf("expired window must allow a new violation, got %d", len(open))
	}
}

func TestEngineRuleErrorDoesNotStopOtherRules(t *testing.T) {
	store := NewMemStore()
	dispatcher := &dispatcherStub{}
	failing := &ruleStub{name: "broken", evalFn: func(context.Context, audit.Record) (*Detection, error) {
		return nil, context.DeadlineExceeded
	}}
	engine := NewEngine(store, []Rule{failing, ConsentRule{}}, dispatcher)

	engine.Evaluate(context.Background(), audit.Record{
		ID:             "rec1",
		OrganizationID: "org1",
		ActorID:        "u1",
		ResourceType:   "client",
		PHIAccessed:    true,
		Success:        true,
		CreatedAt:      time.Now().UTC(),
	})

	open, _ := store.ListViolations(context.Background(), Filter{OrganizationID: "org1"})
	if len(open) != 1 {
		t.Fatalf("later rules must still run after an error, got %d violations", len(open))
	}
}

func TestEngineConsumesStream(t *testing.T) {
	store := NewMemStore()
	dispatcher := &dispatcherStub{}
	engine := NewEngine(store, []Rule{IntegrityRule{}}, dispatcher)

	stream := audit.NewStream()
	engine.Start(stream)
	defer engine.Stop()

	stream.Publish(audit.Record{
		ID:             "rec1",
		OrganizationID: "org1",
		Action:         audit.ActionBreachDetected,
		ResourceType:   "audit_record",
		CreatedAt:      time.Now().UTC(),
	})

	deadline := time.After(time.Second)
	for {
		open, _ := store.ListViolations(context.Background(), Filter{Rule: "audit_integrity_breach"})
		if len(open) == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("engine did not open a violation from the stream")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

type ruleStub struct {
	name   string
	evalFn func(ctx context.Context, rec audit.Record) (*Detection, error)
}

func (r *ruleStub) Name() string { return r.name }

func (r *ruleStub) Evaluate(ctx context.Context, rec audit.Record) (*Detection, error) {
	return r.evalFn(ctx, rec)
}
