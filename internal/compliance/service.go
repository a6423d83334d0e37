package compliance

import (
	"context"
	"strings"
	"time"
)

// Service exposes the violation remediation workflow.
type Service struct {
	store Store
	now   func() time.Time
}

type ServiceOption func(*Service)

func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...ServiceOption) *Service {
	s := &Service{store: store, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Get(ctx context.Context, id string) (Violation, error) {
	if strings.TrimSpace(id) == "" {
		return Violation{}, ErrInvalidInput
	}
	return s.store.GetViolation(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]Violation, error) {
	return s.store.ListViolations(ctx, f)
}

// Acknowledge marks an open violation as seen by an auditor.
func (s *Service) Acknowledge(ctx context.Context, id, actorID string) (Violation, error) {
	return s.transition(ctx, id, StatusAcknowledged, actorID, "")
}

// Resolve closes a violation. A resolution note is mandatory so the
// remediation trail survives the people who did the work.
func (s *Service) Resolve(ctx context.Context, id, actorID, note string) (Violation, error) {
	if strings.TrimSpace(note) == "" {
		return Violation{}, ErrNoteRequired
	}
	return s.transition(ctx, id, StatusResolved, actorID, note)
}

// MarkFalsePositive closes an open violation as a non-event.
func (s *Service) MarkFalsePositive(ctx context.Context, id, actorID, note string) (Violation, error) {
	return s.transition(ctx, id, StatusFalsePositive, actorID, note)
}

func (s *Service) transition(ctx context.Context, id string, to Status, actorID, note string) (Violation, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(actorID) == "" {
		return Violation{}, ErrInvalidInput
	}
	v, err := s.store.GetViolation(ctx, id)
	if err != nil {
		return Violation{}, err
	}
	if !v.CanTransition(to) {
		return Violation{}, ErrInvalidState
	}
	now := s.now().UTC()
	v.Status = to
	switch to {
	case StatusAcknowledged:
		v.AcknowledgedBy = actorID
		v.AcknowledgedAt = now
	case StatusResolved, StatusFalsePositive:
		v.ResolvedBy = actorID
		v.ResolvedAt = now
		v.ResolutionNote = note
	}
	if err := s.store.UpdateViolationStatus(ctx, v); err != nil {
		return Violation{}, err
	}
	return v, nil
}
