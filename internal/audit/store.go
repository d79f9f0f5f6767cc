package audit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists audit entries and anomalies. Implementations never update or
// delete rows once appended.
type Store interface {
	AppendEntry(ctx context.Context, e *Entry) error
	ListEntries(ctx context.Context, f EntryFilter) ([]Entry, error)
	AppendAnomaly(ctx context.Context, a *Anomaly) error
	ListAnomalies(ctx context.Context, f AnomalyFilter) ([]Anomaly, error)
	CountEntries(ctx context.Context, since time.Time) (int, error)
	CountAnomalies(ctx context.Context, since time.Time) (map[Severity]int, error)
}

// InMemory is a process-local Store used when no database is configured.
type InMemory struct {
	mu        sync.RWMutex
	entries   []Entry
	anomalies []Anomaly
}

// NewInMemory constructs an empty store.
func NewInMemory() *InMemory {
	return &InMemory{}
}

func (m *InMemory) AppendEntry(_ context.Context, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	cp.Details = cloneMap(e.Details)
	m.entries = append(m.entries, cp)
	return nil
}

// ListEntries returns matching entries newest first.
func (m *InMemory) ListEntries(_ context.Context, f EntryFilter) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := NormalizeLimit(f.Limit)
	out := make([]Entry, 0, min(limit, len(m.entries)))
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.entries[i]
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.OperatorID != "" && e.OperatorID != f.OperatorID {
			continue
		}
		if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
			continue
		}
		e.Details = cloneMap(e.Details)
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (m *InMemory) AppendAnomaly(_ context.Context, a *Anomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.Context = cloneMap(a.Context)
	m.anomalies = append(m.anomalies, cp)
	return nil
}

// ListAnomalies returns matching anomalies newest first.
func (m *InMemory) ListAnomalies(_ context.Context, f AnomalyFilter) ([]Anomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	limit := NormalizeLimit(f.Limit)
	out := make([]Anomaly, 0, min(limit, len(m.anomalies)))
	for i := len(m.anomalies) - 1; i >= 0 && len(out) < limit; i-- {
		a := m.anomalies[i]
		if f.Severity != "" && a.Severity != f.Severity {
			continue
		}
		if f.Pattern != "" && a.Pattern != f.Pattern {
			continue
		}
		if !f.Since.IsZero() && a.CreatedAt.Before(f.Since) {
			continue
		}
		a.Context = cloneMap(a.Context)
		out = append(out, a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *InMemory) CountEntries(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *InMemory) CountAnomalies(_ context.Context, since time.Time) (map[Severity]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Severity]int)
	for _, a := range m.anomalies {
		if !a.CreatedAt.Before(since) {
			out[a.Severity]++
		}
	}
	return out, nil
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.After(entries[j].CreatedAt) })
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
