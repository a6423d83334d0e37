package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type failingStore struct {
	Store
	err error
}

func (f *failingStore) Append(context.Context, *Record) error { return f.err }

type settingsStub struct {
	settings Settings
}

func (s *settingsStub) OrganizationSettings(context.Context, string) (Settings, error) {
	return s.settings, nil
}

func (s *settingsStub) SaveSettings(context.Context, Settings) error { return nil }

func syncSettings(orgID string) *settingsStub {
	s := DefaultSettings(orgID)
	s.AsyncEnabled = false
	return &settingsStub{settings: s}
}

func newTestRecorder(t *testing.T, store Store, opts ...RecorderOption) *Recorder {
	t.Helper()
	rec, err := NewRecorder(store, nil, "integrity-key", opts...)
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	t.Cleanup(rec.Close)
	return rec
}

func TestRecordAfterCloseWritesSynchronously(t *testing.T) {
	store := NewMemStore()
	r := newTestRecorder(t, store)
	r.Close()

	// A late non-PHI entry must neither panic nor vanish; the write happens
	// inline because the background writer is gone.
	rec, err := r.Record(context.Background(), Entry{
		Action:       ActionLogin,
		ResourceType: "session",
		Success:      false,
	})
	if err != nil {
		t.Fatalf("record after close: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record")
	}
	n, err := store.Count(context.Background(), Filter{Action: ActionLogin, FailuresOnly: true})
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stored record, got %d", n)
	}
}

func TestRecordPHIWriteFailureIsFatal(t *testing.T) {
	store := &failingStore{err: errors.New("disk full")}
	r := newTestRecorder(t, store)

	_, err := r.Record(context.Background(), Entry{
		OrganizationID: "org1",
		ActorID:        "u1",
		Action:         ActionRead,
		ResourceType:   "client",
		ResourceID:     "c1",
		Success:        true,
	})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestRecordNonPHIFailureDoesNotPropagate(t *testing.T) {
	store := &failingStore{err: errors.New("disk full")}
	r := newTestRecorder(t, store, WithSettingsStore(&settingsStub{settings: DefaultSettings("org1")}))

	// Non-PHI entries ride the async queue; a store failure is retried in the
	// background and never reaches the caller.
	rec, err := r.Record(context.Background(), Entry{
		OrganizationID: "org1",
		Action:         ActionUpdate,
		ResourceType:   "role",
		Success:        true,
	})
	if err != nil {
		t.Fatalf("async write failure must not reach the caller: %v", err)
	}
	if rec == nil {
		t.Fatal("expected a record back")
	}
}

func TestRecordDerivesClassification(t *testing.T) {
	store := NewMemStore()
	r := newTestRecorder(t, store, WithSettingsStore(syncSettings("org1")))

	cases := []struct {
		resource string
		want     Classification
	}{
		{"client", ClassPHI},
		{"medication", ClassPHI},
		{"user", ClassPII},
		{"billing", ClassFinancial},
		{"role", ClassAdministrative},
		{"widget", ClassGeneral},
	}
	for _, tc := range cases {
		rec, err := r.Record(context.Background(), Entry{
			OrganizationID: "org1",
			Action:         ActionCreate,
			ResourceType:   tc.resource,
			Success:        true,
		})
		if err != nil {
			t.Fatalf("%s: %v", tc.resource, err)
		}
		if rec.Classification != tc.want {
			t.Fatalf("%s: classification = %s, want %s", tc.resource, rec.Classification, tc.want)
		}
		if (tc.want == ClassPHI) != rec.PHIAccessed {
			t.Fatalf("%s: phi_accessed = %v under %s", tc.resource, rec.PHIAccessed, rec.Classification)
		}
	}
}

func TestRecordSuppressesNonPHIReadsWhenDisabled(t *testing.T) {
	store := NewMemStore()
	settings := DefaultSettings("org1")
	settings.AsyncEnabled = false
	settings.LogReadOperations = false
	r := newTestRecorder(t, store, WithSettingsStore(&settingsStub{settings: settings}))

	rec, err := r.Record(context.Background(), Entry{
		OrganizationID: "org1",
		Action:         ActionRead,
		ResourceType:   "role",
		Success:        true,
	})
	if err != nil || rec != nil {
		t.Fatalf("suppressed read must return nil, nil; got %v, %v", rec, err)
	}

	// PHI reads are exempt from suppression.
	rec, err = r.Record(context.Background(), Entry{
		OrganizationID: "org1",
		Action:         ActionRead,
		ResourceType:   "client",
		Success:        true,
	})
	if err != nil {
		t.Fatalf("phi read: %v", err)
	}
	if rec == nil || rec.Classification != ClassPHI {
		t.Fatalf("phi read must always record, got %+v", rec)
	}
}

func TestRecordMasksPHIDiffs(t *testing.T) {
	store := NewMemStore()
	r := newTestRecorder(t, store, WithSettingsStore(syncSettings("org1")))

	rec, err := r.Record(context.Background(), Entry{
		OrganizationID: "org1",
		Action:         ActionUpdate,
		ResourceType:   "client",
		NewValues:      map[string]any{"diagnosis": "F32.1"},
		Success:        true,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	v, _ := rec.NewValues["diagnosis"].(string)
	if !strings.HasPrefix(v, "tok_") {
		t.Fatalf("phi diff value not masked: %v", rec.NewValues["diagnosis"])
	}

	// Administrative diffs keep plain values except always-sensitive fields.
	rec, err = r.Record(context.Background(), Entry{
		OrganizationID: "org1",
		Action:         ActionUpdate,
		ResourceType:   "user",
		NewValues:      map[string]any{"email": "a@b.c", "password_hash": "$2a$10$x"},
		Success:        true,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec.NewValues["email"] != "a@b.c" {
		t.Fatalf("plain field masked: %v", rec.NewValues["email"])
	}
	if v, _ := rec.NewValues["password_hash"].(string); !strings.HasPrefix(v, "tok_") {
		t.Fatalf("password_hash left unmasked: %v", rec.NewValues["password_hash"])
	}
}

func TestRecordChecksumCoversStoredPayload(t *testing.T) {
	store := NewMemStore()
	r := newTestRecorder(t, store, WithSettingsStore(syncSettings("org1")))

	rec, err := r.Record(context.Background(), Entry{
		OrganizationID: "org1",
		Action:         ActionCreate,
		ResourceType:   "client",
		NewValues:      map[string]any{"name": "Jordan"},
		Success:        true,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	stored, err := store.Get(context.Background(), rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	sum, _ := NewChecksummer("integrity-key")
	if err := sum.Verify(stored); err != nil {
		t.Fatalf("stored record must verify against its checksum: %v", err)
	}
}

func TestVerifyAppendsBreachRecord(t *testing.T) {
	store := NewMemStore()
	r := newTestRecorder(t, store, WithSettingsStore(syncSettings("org1")))

	rec, err := r.Record(context.Background(), Entry{
		OrganizationID: "org1",
		Action:         ActionUpdate,
		ResourceType:   "client",
		ResourceID:     "c1",
		Success:        true,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	if _, err := r.Verify(context.Background(), rec.ID); err != nil {
		t.Fatalf("untampered record must verify: %v", err)
	}

	if !store.Tamper(rec.ID, func(target *Record) { target.ActorID = "intruder" }) {
		t.Fatal("tamper hook missed the record")
	}

	got, err := r.Verify(context.Background(), rec.ID)
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	if got.ID != rec.ID {
		t.Fatalf("damaged record must be returned for forensics, got %s", got.ID)
	}

	breaches, err := store.Query(context.Background(), Filter{Action: ActionBreachDetected})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(breaches) != 1 {
		t.Fatalf("expected one BREACH_DETECTED record, got %d", len(breaches))
	}
	if breaches[0].ResourceID != rec.ID || breaches[0].Success {
		t.Fatalf("unexpected breach record: %+v", breaches[0])
	}
}

func TestRecordPublishesToStream(t *testing.T) {
	store := NewMemStore()
	stream := NewStream()
	rec, err := NewRecorder(store, stream, "integrity-key", WithSettingsStore(syncSettings("org1")))
	if err != nil {
		t.Fatalf("recorder: %v", err)
	}
	defer rec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := stream.Subscribe(ctx)

	written, err := rec.Record(context.Background(), Entry{
		OrganizationID: "org1",
		Action:         ActionLogin,
		ResourceType:   "session",
		Success:        false,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	select {
	case got := <-ch:
		if got.ID != written.ID {
			t.Fatalf("stream delivered %s, want %s", got.ID, written.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("stream delivery timed out")
	}
}

func TestSettingsRetentionFloor(t *testing.T) {
	s := DefaultSettings("org1")
	if err := s.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	s.RetentionDays = 365
	if err := s.Validate(); err == nil {
		t.Fatal("retention below the regulatory floor must be rejected")
	}
}
