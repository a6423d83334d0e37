package compliance

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory Store for tests and development.
type MemStore struct {
	mu         sync.RWMutex
	violations map[string]Violation
}

func NewMemStore() *MemStore {
	return &MemStore{violations: make(map[string]Violation)}
}

func (m *MemStore) CreateViolation(_ context.Context, v *Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.violations[v.ID] = *v
	return nil
}

func (m *MemStore) GetViolation(_ context.Context, id string) (Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.violations[id]
	if !ok {
		return Violation{}, ErrNotFound
	}
	return v, nil
}

func (m *MemStore) ListViolations(_ context.Context, f Filter) ([]Violation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Violation
	for _, v := range m.violations {
		if f.OrganizationID != "" && v.OrganizationID != f.OrganizationID {
			continue
		}
		if f.Rule != "" && v.Rule != f.Rule {
			continue
		}
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		if f.Severity != "" && v.Severity != f.Severity {
			continue
		}
		if f.ActorID != "" && v.ActorID != f.ActorID {
			continue
		}
		if !f.From.IsZero() && v.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && v.CreatedAt.After(f.To) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) UpdateViolationStatus(_ context.Context, v Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.violations[v.ID]; !ok {
		return ErrNotFound
	}
	m.violations[v.ID] = v
	return nil
}

func (m *MemStore) OpenViolationSince(_ context.Context, organizationID, rule, actorID string, since time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.violations {
		if v.OrganizationID == organizationID && v.Rule == rule && v.ActorID == actorID &&
			v.Status == StatusOpen && !v.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}
