package audit

import (
	"context"
	"sort"
	"sync"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory append-only Store for tests and development.
type MemStore struct {
	mu      sync.RWMutex
	records []Record
	byID    map[string]int
}

func NewMemStore() *MemStore {
	return &MemStore{byID: make(map[string]int)}
}

func (m *MemStore) Append(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[rec.ID] = len(m.records)
	m.records = append(m.records, *rec)
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return m.records[idx], nil
}

func (m *MemStore) Query(_ context.Context, f Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Record
	for _, rec := range m.records {
		if matches(rec, f) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) Count(_ context.Context, f Filter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, rec := range m.records {
		if matches(rec, f) {
			count++
		}
	}
	return count, nil
}

// Tamper corrupts a stored record in place, bypassing the Store interface.
// Test hook for integrity verification; the SQL store has no analogue because
// the database trigger forbids it.
func (m *MemStore) Tamper(id string, mutate func(*Record)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.byID[id]
	if !ok {
		return false
	}
	mutate(&m.records[idx])
	return true
}

func matches(rec Record, f Filter) bool {
	if f.OrganizationID != "" && rec.OrganizationID != f.OrganizationID {
		return false
	}
	if f.ActorID != "" && rec.ActorID != f.ActorID {
		return false
	}
	if f.ResourceType != "" && rec.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && rec.ResourceID != f.ResourceID {
		return false
	}
	if f.Action != "" && rec.Action != f.Action {
		return false
	}
	if f.Classification != "" && rec.Classification != f.Classification {
		return false
	}
	if f.PHIOnly && !rec.PHIAccessed {
		return false
	}
	if f.FailuresOnly && rec.Success {
		return false
	}
	if !f.From.IsZero() && rec.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && rec.CreatedAt.After(f.To) {
		return false
	}
	return true
}
