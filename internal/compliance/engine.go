package compliance

import (
	"context"
	"sync"
	"time"

	"starline.org/internal/audit"
	"starline.org/internal/ids"
	"starline.org/internal/notify"
	"starline.org/internal/obs"
)

// Engine evaluates every audit record against the rule set and opens
// violations for detections. It consumes the recorder's broadcast stream,
// so detection never sits on the request path.
type Engine struct {
	store      Store
	rules      []Rule
	dispatcher notify.Dispatcher
	now        func() time.Time

	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// EngineOption adjusts engine construction.
type EngineOption func(*Engine)

func WithEngineClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(store Store, rules []Rule, dispatcher notify.Dispatcher, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		rules:      rules,
		dispatcher: dispatcher,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatcher == nil {
		e.dispatcher = notify.LogDispatcher{}
	}
	return e
}

// Start subscribes to the audit stream and evaluates records until Stop
// is called or the stream closes.
func (e *Engine) Start(stream *audit.Stream) {
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	records := stream.Subscribe(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for rec := range records {
			e.Evaluate(ctx, rec)
		}
	}()
}

// Stop unsubscribes and waits for in-flight evaluation to finish.
func (e *Engine) Stop() {
	e.once.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
	})
}

// Evaluate runs every rule against one record. Rule errors are logged and
// do not stop the remaining rules.
func (e *Engine) Evaluate(ctx context.Context, rec audit.Record) {
	for _, rule := range e.rules {
		det, err := rule.Evaluate(ctx, rec)
		if err != nil {
			obs.LogEvent(map[string]any{
				"event": "compliance_rule_error",
				"rule":  rule.Name(),
				"error": err.Error(),
			})
			continue
		}
		if det == nil {
			continue
		}
		if err := e.open(ctx, rec, *det); err != nil {
			obs.LogEvent(map[string]any{
				"event": "compliance_open_error",
				"rule":  det.Rule,
				"error": err.Error(),
			})
		}
	}
}

func (e *Engine) open(ctx context.Context, rec audit.Record, det Detection) error {
	if det.Window > 0 {
		dup, err := e.store.OpenViolationSince(ctx, rec.OrganizationID, det.Rule, rec.ActorID, e.now().Add(-det.Window))
		if err != nil {
			return err
		}
		if dup {
			return nil
		}
	}
	v := Violation{
		ID:             ids.New(),
		OrganizationID: rec.OrganizationID,
		Rule:           det.Rule,
		Severity:       det.Severity,
		Status:         StatusOpen,
		Summary:        det.Summary,
		ActorID:        rec.ActorID,
		ResourceType:   rec.ResourceType,
		AuditRecordID:  rec.ID,
		CreatedAt:      e.now().UTC(),
	}
	if err := e.store.CreateViolation(ctx, &v); err != nil {
		return err
	}
	obs.ObserveViolation(det.Rule, string(det.Severity))
	e.dispatch(ctx, v)
	return nil
}

// dispatch delivers the alert with bounded retry. A dead alert channel
// must not block detection, so failures end in a log line.
func (e *Engine) dispatch(ctx context.Context, v Violation) {
	alert := notify.Alert{
		ViolationID:    v.ID,
		OrganizationID: v.OrganizationID,
		Rule:           v.Rule,
		Severity:       string(v.Severity),
		Summary:        v.Summary,
		ActorID:        v.ActorID,
		ResourceType:   v.ResourceType,
	}
	backoff := 200 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if err := e.dispatcher.Dispatch(ctx, alert); err == nil {
			return
		} else if attempt == 2 {
			obs.LogEvent(map[string]any{
				"event":        "compliance_dispatch_failed",
				"violation_id": v.ID,
				"rule":         v.Rule,
				"error":        err.Error(),
			})
		}
	}
}
