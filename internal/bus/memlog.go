package bus

import (
	"context"
	"slices"
	"sync"
)

// MemoryLog is an in-process EventLog. It backs tests and buses built
// without a store; nothing survives a restart.
type MemoryLog struct {
	mu       sync.Mutex
	events   []Event
	byID     map[string]int
	replayed map[string]bool
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byID: make(map[string]int), replayed: make(map[string]bool)}
}

func (m *MemoryLog) AppendEvent(_ context.Context, ev Event) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[ev.ID]; ok {
		return false, nil
	}
	m.byID[ev.ID] = len(m.events)
	m.events = append(m.events, ev)
	return true, nil
}

func (m *MemoryLog) ListEvents(_ context.Context, f Filter) ([]Event, error) {
	f = f.Normalized()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0)
	for _, ev := range m.events {
		if len(f.Topics) > 0 && !slices.Contains(f.Topics, ev.Topic) {
			continue
		}
		if !f.Since.IsZero() && ev.TS.Before(f.Since) {
			continue
		}
		ev.Replayed = m.replayed[ev.ID]
		out = append(out, ev)
	}
	slices.SortStableFunc(out, func(a, b Event) int { return a.TS.Compare(b.TS) })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryLog) MarkReplayed(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, id := range ids {
		if _, ok := m.byID[id]; !ok || m.replayed[id] {
			continue
		}
		m.replayed[id] = true
		n++
	}
	return n, nil
}
