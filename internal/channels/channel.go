// Package channels forwards operator-relevant fabric events to messaging
// platforms.
package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
)

// Channel delivers one notification to a messaging platform.
type Channel interface {
	// Name returns the unique name of the channel (e.g., "telegram").
	Name() string
	Notify(ctx context.Context, ev bus.Event) error
}

// DefaultTypes are the event types forwarded when none are configured.
var DefaultTypes = []string{bus.TypeWatchdogAlert, bus.TypeGovernorDenied, bus.TypeRailJobError}

// Streamer is the part of the bus a Forwarder reads from.
type Streamer interface {
	Stream(topics []bus.Topic, buffer int) *bus.Subscription
}

// Forwarder drains a bus subscription into a channel on its own goroutine,
// so a slow platform never blocks publishers. Events that overflow the
// buffer are dropped and counted by the subscription.
type Forwarder struct {
	ch     Channel
	types  map[string]struct{}
	logger *slog.Logger
	sub    *bus.Subscription
	wg     sync.WaitGroup
}

func NewForwarder(ch Channel, types []string, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}
	if len(types) == 0 {
		types = DefaultTypes
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return &Forwarder{ch: ch, types: set, logger: logger.With("component", "channels", "channel", ch.Name())}
}

// Start subscribes to all topics and forwards matching events until ctx
// ends or Stop is called.
func (f *Forwarder) Start(ctx context.Context, b Streamer) {
	f.sub = b.Stream(nil, 64)
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.sub.Ch():
				if !ok {
					return
				}
				if _, want := f.types[ev.Type]; !want {
					continue
				}
				if err := f.ch.Notify(ctx, ev); err != nil {
					f.logger.Warn("notification failed", "event_id", ev.ID, "type", ev.Type, "error", err)
				}
			}
		}
	}()
}

// Stop closes the subscription and waits for the in-flight notification.
func (f *Forwarder) Stop() {
	if f.sub != nil {
		f.sub.Close()
	}
	f.wg.Wait()
	if f.sub != nil && f.sub.Dropped() > 0 {
		f.logger.Warn("notifications dropped", "count", f.sub.Dropped())
	}
}
