package tui

import (
	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
)

// EventFeed keeps the most recent events, oldest first.
type EventFeed struct {
	items    []bus.Event
	maxItems int
	counts   map[bus.Topic]int
}

func NewEventFeed(maxItems int) *EventFeed {
	if maxItems <= 0 {
		maxItems = 200
	}
	return &EventFeed{maxItems: maxItems, counts: make(map[bus.Topic]int)}
}

func (f *EventFeed) Add(ev bus.Event) {
	f.items = append(f.items, ev)
	if len(f.items) > f.maxItems {
		f.items = f.items[len(f.items)-f.maxItems:]
	}
	f.counts[ev.Topic]++
}

func (f *EventFeed) Len() int { return len(f.items) }

// Count is the number of events seen on topic since the last Clear,
// including ones already evicted.
func (f *EventFeed) Count(topic bus.Topic) int { return f.counts[topic] }

func (f *EventFeed) Clear() {
	f.items = nil
	f.counts = make(map[bus.Topic]int)
}

// Tail returns up to n of the newest events that pass keep.
func (f *EventFeed) Tail(n int, keep func(bus.Event) bool) []bus.Event {
	var out []bus.Event
	for i := len(f.items) - 1; i >= 0 && len(out) < n; i-- {
		if keep == nil || keep(f.items[i]) {
			out = append(out, f.items[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
