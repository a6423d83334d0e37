package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"starline.org/internal/ids"
	"starline.org/internal/obs"
)

// ErrPersistence marks an audit write failure. Fatal for PHI-classified
// operations; logged and retried for everything else.
var ErrPersistence = errors.New("audit: persistence failure")

// Entry is the caller-facing input for one audit record.
type Entry struct {
	OrganizationID  string
	ActorID         string
	Action          Action
	ResourceType    string
	ResourceID      string
	OldValues       map[string]any
	NewValues       map[string]any
	Classification  Classification // empty: derived from ResourceType
	ConsentVerified bool
	Elevated        bool
	Success         bool
	ErrorMessage    string
	Meta            RequestMeta
}

// RequestMeta carries transport-level context for the record.
type RequestMeta struct {
	IPAddress      string
	UserAgent      string
	RequestID      string
	Endpoint       string
	Method         string
	ResponseStatus int
	Duration       time.Duration
}

// Recorder writes tamper-evident audit records.
//
// PHI-classified entries are persisted synchronously and a failure fails the
// caller, making PHI operations atomic with their audit trail. Other
// classifications go through a background writer whose failures are logged
// and retried but never propagate.
type Recorder struct {
	store    Store
	stream   *Stream
	sum      *Checksummer
	masker   *Masker
	settings *settingsLoader
	now      func() time.Time

	queue   chan Record
	wg      sync.WaitGroup
	closing chan struct{}
	once    sync.Once
}

// RecorderOption configures the Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock overrides the time source, for tests.
func WithRecorderClock(fn func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if fn != nil {
			r.now = fn
		}
	}
}

// WithSettingsStore wires per-organization audit policy.
func WithSettingsStore(s SettingsStore) RecorderOption {
	return func(r *Recorder) { r.settings = &settingsLoader{store: s} }
}

// NewRecorder builds a recorder and starts its async writer.
func NewRecorder(store Store, stream *Stream, integrityKey string, opts ...RecorderOption) (*Recorder, error) {
	sum, err := NewChecksummer(integrityKey)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		store:    store,
		stream:   stream,
		sum:      sum,
		masker:   NewMasker(integrityKey),
		settings: &settingsLoader{},
		now:      time.Now,
		queue:    make(chan Record, 256),
		closing:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.writeLoop()
	return r, nil
}

// Record persists an audit record for the entry. The returned record may be
// nil when policy suppresses the entry (non-PHI reads with read logging off).
//
// On cancellation after the write the record stays durable; callers append a
// separate completion or failure record instead of mutating this one.
func (r *Recorder) Record(ctx context.Context, e Entry) (*Record, error) {
	settings := r.settings.load(ctx, e.OrganizationID)

	classification := e.Classification
	if classification == "" {
		classification = ClassifyResource(e.ResourceType)
	}
	if e.Action == ActionRead && classification != ClassPHI && !settings.LogReadOperations {
		return nil, nil
	}

	rec := Record{
		ID:              ids.New(),
		OrganizationID:  e.OrganizationID,
		ActorID:         e.ActorID,
		Action:          e.Action,
		ResourceType:    e.ResourceType,
		ResourceID:      e.ResourceID,
		OldValues:       e.OldValues,
		NewValues:       e.NewValues,
		Classification:  classification,
		PHIAccessed:     classification == ClassPHI,
		ConsentVerified: e.ConsentVerified,
		Elevated:        e.Elevated,
		Success:         e.Success,
		ErrorMessage:    e.ErrorMessage,
		IPAddress:       e.Meta.IPAddress,
		UserAgent:       e.Meta.UserAgent,
		RequestID:       e.Meta.RequestID,
		Endpoint:        e.Meta.Endpoint,
		Method:          e.Meta.Method,
		ResponseStatus:  e.Meta.ResponseStatus,
		DurationMS:      e.Meta.Duration.Milliseconds(),
		CreatedAt:       r.now().UTC(),
	}

	if classification == ClassPHI && settings.MaskSensitiveData {
		rec.OldValues = r.masker.MaskAll(rec.OldValues)
		rec.NewValues = r.masker.MaskAll(rec.NewValues)
	} else {
		rec.OldValues = r.masker.MaskSensitive(rec.OldValues)
		rec.NewValues = r.masker.MaskSensitive(rec.NewValues)
	}

	// The checksum covers the masked payload actually written.
	rec.Checksum = r.sum.Compute(rec)

	if classification == ClassPHI || !settings.AsyncEnabled {
		if err := r.store.Append(ctx, &rec); err != nil {
			obs.ObserveAuditWriteFailure(string(classification))
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		r.published(rec)
		return &rec, nil
	}

	// After Close the writer is gone; write synchronously instead of
	// parking the record in a queue nobody drains.
	select {
	case <-r.closing:
		r.writeDirect(ctx, rec)
		return &rec, nil
	default:
	}

	select {
	case r.queue <- rec:
	default:
		// Queue saturated: degrade to a synchronous write rather than lose
		// the record.
		r.writeDirect(ctx, rec)
	}
	return &rec, nil
}

func (r *Recorder) writeDirect(ctx context.Context, rec Record) {
	if err := r.store.Append(ctx, &rec); err != nil {
		obs.ObserveAuditWriteFailure(string(rec.Classification))
		obs.LogEvent(map[string]any{
			"level": "error", "msg": "audit write failed", "record_id": rec.ID,
			"classification": string(rec.Classification), "error": err.Error(),
		})
		return
	}
	r.published(rec)
}

// Verify recomputes the checksum of a stored record. A mismatch raises
// ErrIntegrity and appends a BREACH_DETECTED record; the damaged row is left
// untouched for forensics.
func (r *Recorder) Verify(ctx context.Context, id string) (Record, error) {
	rec, err := r.store.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := r.sum.Verify(rec); err != nil {
		_, recordErr := r.Record(ctx, Entry{
			OrganizationID: rec.OrganizationID,
			Action:         ActionBreachDetected,
			ResourceType:   "audit_record",
			ResourceID:     rec.ID,
			Classification: ClassAdministrative,
			Success:        false,
			ErrorMessage:   "stored checksum does not match recomputed value",
		})
		if recordErr != nil {
			obs.LogEvent(map[string]any{
				"level": "error", "msg": "failed to record integrity breach",
				"record_id": rec.ID, "error": recordErr.Error(),
			})
		}
		return rec, err
	}
	return rec, nil
}

// Close drains the async queue and stops the writer. Records arriving after
// Close fall back to synchronous writes; the queue channel itself is never
// closed so a late Record cannot panic.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.closing) })
	r.wg.Wait()
}

func (r *Recorder) writeLoop() {
	defer r.wg.Done()
	for {
		select {
		case rec := <-r.queue:
			r.writeWithRetry(rec)
		case <-r.closing:
			for {
				select {
				case rec := <-r.queue:
					r.writeWithRetry(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeWithRetry(rec Record) {
	const maxAttempts = 3
	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// Detached context: a cancelled request must not lose its record.
		err := r.store.Append(context.Background(), &rec)
		if err == nil {
			r.published(rec)
			return
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	obs.ObserveAuditWriteFailure(string(rec.Classification))
	obs.LogEvent(map[string]any{
		"level": "error", "msg": "audit write failed after retries",
		"record_id": rec.ID, "classification": string(rec.Classification),
		"error": lastErr.Error(),
	})
}

func (r *Recorder) published(rec Record) {
	obs.ObserveAuditWrite(string(rec.Classification))
	if r.stream != nil {
		r.stream.Publish(rec)
	}
}
