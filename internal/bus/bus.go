// Package bus implements StarBridge, the fabric's topic event bus. Every
// accepted event is written to a durable log before it is delivered, and
// external ingress is authenticated with an HMAC signature.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/BrandonDucar/dream-net-sub003/internal/otel"
)

const defaultBufferSize = 100

// EventLog is the durable store behind the bus.
type EventLog interface {
	// AppendEvent stores ev and reports whether it was new. A duplicate id
	// returns false without error.
	AppendEvent(ctx context.Context, ev Event) (bool, error)
	ListEvents(ctx context.Context, f Filter) ([]Event, error)
	// MarkReplayed flags events as replayed, touching only rows not already
	// flagged, and returns how many changed.
	MarkReplayed(ctx context.Context, ids []string) (int64, error)
}

// Handler receives delivered events. A returned error is logged and does not
// affect other subscribers. Handlers that publish must pass on the ctx they
// were given; such nested events are delivered after the handler returns.
type Handler func(ctx context.Context, ev Event) error

// RejectFunc is told about ingress rejections.
type RejectFunc func(ctx context.Context, reason string, err error)

// Config configures a Bus.
type Config struct {
	Log    EventLog
	Secret []byte
	// UnsignedTopics may be published externally without a signature.
	// Defaults to System only.
	UnsignedTopics []Topic
	Logger         *slog.Logger
	Metrics        *otel.Metrics
	OnReject       RejectFunc
	Tracer         trace.Tracer
	Now            func() time.Time
}

type subscriber struct {
	id      int
	topics  map[Topic]struct{}
	handler Handler
}

func (s *subscriber) matches(t Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

type delivery struct {
	ctx  context.Context
	ev   Event
	done chan struct{}
}

// deliveringKey marks contexts handed to handlers by a draining bus.
type deliveringKey struct{}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published   int64 `json:"published"`
	Duplicates  int64 `json:"duplicates"`
	Rejected    int64 `json:"rejected"`
	Subscribers int   `json:"subscribers"`
}

// Bus is the StarBridge event bus.
type Bus struct {
	log      EventLog
	secret   []byte
	unsigned map[Topic]struct{}
	logger   *slog.Logger
	metrics  *otel.Metrics
	onReject RejectFunc
	tracer   trace.Tracer
	now      func() time.Time

	// pubMu orders persistence and enqueueing so delivery order matches log order.
	pubMu  sync.Mutex
	lastTS time.Time

	mu       sync.Mutex
	subs     map[int]*subscriber
	nextID   int
	queue    []delivery
	draining bool

	published  atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
}

// New creates a Bus. A nil Log falls back to an in-memory log.
func New(cfg Config) *Bus {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "starbridge")
	log := cfg.Log
	if log == nil {
		log = NewMemoryLog()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	unsignedTopics := cfg.UnsignedTopics
	if unsignedTopics == nil {
		unsignedTopics = []Topic{TopicSystem}
	}
	unsigned := make(map[Topic]struct{}, len(unsignedTopics))
	for _, t := range unsignedTopics {
		unsigned[t] = struct{}{}
	}
	return &Bus{
		log:      log,
		secret:   cfg.Secret,
		unsigned: unsigned,
		logger:   logger,
		metrics:  cfg.Metrics,
		onReject: cfg.OnReject,
		tracer:   otel.TracerOrNoop(cfg.Tracer),
		now:      now,
		subs:     make(map[int]*subscriber),
	}
}

// SigningEnabled reports whether external ingress requires signatures.
func (b *Bus) SigningEnabled() bool {
	return len(b.secret) > 0
}

// PublishInternal validates, persists and delivers an event from inside the
// process. It returns once every subscriber has seen the event, unless it is
// called from a handler, in which case delivery follows the handler. A
// duplicate id is absorbed: the stored copy wins and nothing is delivered.
func (b *Bus) PublishInternal(ctx context.Context, ev Event) (Event, error) {
	ctx, span := otel.StartSpan(ctx, b.tracer, "starbridge.publish",
		otel.AttrTopic.String(string(ev.Topic)),
		otel.AttrEventType.String(ev.Type),
	)
	defer span.End()

	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	ev.Replayed = false

	b.pubMu.Lock()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TS.IsZero() {
		ev.TS = b.nextTS()
	}
	inserted, err := b.log.AppendEvent(ctx, ev)
	if err != nil {
		b.pubMu.Unlock()
		return Event{}, fmt.Errorf("persist event %s: %w", ev.ID, err)
	}
	if !inserted {
		b.pubMu.Unlock()
		b.duplicates.Add(1)
		b.metrics.RecordDuplicate(ctx, string(ev.Topic))
		b.logger.Debug("duplicate event absorbed", "event_id", ev.ID, "topic", ev.Topic)
		return ev, nil
	}
	span.SetAttributes(otel.AttrEventID.String(ev.ID))
	d := delivery{ctx: context.WithoutCancel(ctx), ev: ev, done: make(chan struct{})}
	b.mu.Lock()
	b.queue = append(b.queue, d)
	b.mu.Unlock()
	b.pubMu.Unlock()

	b.published.Add(1)
	b.metrics.RecordPublished(ctx, string(ev.Topic), ev.Type)
	if owner, _ := ctx.Value(deliveringKey{}).(*Bus); owner == b {
		return ev, nil
	}
	b.drain()
	// Another goroutine may hold the drain; it delivers our event in order.
	<-d.done
	return ev, nil
}

// PublishExternal authenticates and publishes a raw ingress body. Topics in
// the unsigned allow-list skip the signature check, as does a bus without a
// secret.
func (b *Bus) PublishExternal(ctx context.Context, raw []byte, signature string) (Event, error) {
	ev, err := ParseExternal(raw)
	if err != nil {
		b.reject(ctx, "validation", err)
		return Event{}, err
	}
	if _, exempt := b.unsigned[ev.Topic]; !exempt && b.SigningEnabled() {
		if !VerifySignature(b.secret, raw, signature) {
			err := fmt.Errorf("%w: topic %s", ErrSignature, ev.Topic)
			b.reject(ctx, "signature", err)
			return Event{}, err
		}
	}
	return b.PublishInternal(ctx, ev)
}

func (b *Bus) reject(ctx context.Context, reason string, err error) {
	b.rejected.Add(1)
	b.metrics.RecordRejected(ctx, reason)
	b.logger.Warn("ingress rejected", "reason", reason, "error", err)
	if b.onReject != nil {
		b.onReject(ctx, reason, err)
	}
}

// nextTS returns a strictly increasing timestamp. Caller holds pubMu.
func (b *Bus) nextTS() time.Time {
	ts := b.now().UTC()
	if !ts.After(b.lastTS) {
		ts = b.lastTS.Add(time.Nanosecond)
	}
	b.lastTS = ts
	return ts
}

// drain delivers queued events in order and closes each delivery's done
// channel once all its subscribers have run. Only one goroutine drains at a
// time; publishes made by handlers are queued and delivered after the
// handler returns.
func (b *Bus) drain() {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	for len(b.queue) > 0 {
		d := b.queue[0]
		b.queue[0] = delivery{}
		b.queue = b.queue[1:]
		targets := b.matching(d.ev.Topic)
		b.mu.Unlock()
		hctx := context.WithValue(d.ctx, deliveringKey{}, b)
		for _, s := range targets {
			b.invoke(hctx, s, d.ev)
		}
		close(d.done)
		b.mu.Lock()
	}
	b.queue = nil
	b.draining = false
	b.mu.Unlock()
}

// matching returns subscribers for topic in registration order. Caller holds mu.
func (b *Bus) matching(topic Topic) []*subscriber {
	out := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(topic) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b *subscriber) int { return a.id - b.id })
	return out
}

func (b *Bus) invoke(ctx context.Context, s *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"subscriber", s.id, "event_id", ev.ID, "type", ev.Type,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	if err := s.handler(ctx, ev); err != nil {
		b.logger.Error("subscriber failed", "subscriber", s.id, "event_id", ev.ID, "type", ev.Type, "error", err)
	}
}

// Subscribe registers handler for the given topics; no topics means all.
// The returned function unsubscribes and may be called more than once.
func (b *Bus) Subscribe(topics []Topic, handler Handler) func() {
	set := make(map[Topic]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	b.mu.Lock()
	b.nextID++
	s := &subscriber{id: b.nextID, topics: set, handler: handler}
	b.subs[s.id] = s
	b.mu.Unlock()
	b.metrics.AddSubscribers(context.Background(), 1)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s.id)
			b.mu.Unlock()
			b.metrics.AddSubscribers(context.Background(), -1)
		})
	}
}

// Subscription is a channel-backed subscription for streaming consumers.
// Delivery never blocks the bus: when the buffer is full the event is dropped
// for this subscriber and counted.
type Subscription struct {
	ch          chan Event
	mu          sync.Mutex
	closed      bool
	dropped     atomic.Int64
	unsubscribe func()
}

// Ch returns the channel to receive events on. It is closed by Close.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Dropped returns how many events were lost to a full buffer.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close unsubscribes and closes the channel. Safe to call repeatedly.
func (s *Subscription) Close() {
	s.unsubscribe()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) offer(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Stream opens a channel subscription. A buffer <= 0 uses the default of 100.
func (b *Bus) Stream(topics []Topic, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBufferSize
	}
	sub := &Subscription{ch: make(chan Event, buffer)}
	sub.unsubscribe = b.Subscribe(topics, func(ctx context.Context, ev Event) error {
		if !sub.offer(ev) {
			b.metrics.RecordDrop(ctx, string(ev.Topic))
		}
		return nil
	})
	return sub
}

// FetchEvents reads the durable log in ascending ts order.
func (b *Bus) FetchEvents(ctx context.Context, f Filter) ([]Event, error) {
	events, err := b.log.ListEvents(ctx, f.Normalized())
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}
	return events, nil
}

// Replay fetches historical events for a new stream consumer. The returned
// events are tagged Replayed and flagged as replayed in the log the first
// time they are replayed.
func (b *Bus) Replay(ctx context.Context, f Filter) ([]Event, error) {
	events, err := b.FetchEvents(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return events, nil
	}
	ids := make([]string, len(events))
	for i := range events {
		ids[i] = events[i].ID
		events[i].Replayed = true
	}
	marked, err := b.log.MarkReplayed(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("mark replayed: %w", err)
	}
	b.logger.Debug("replay served", "events", len(events), "newly_marked", marked)
	return events, nil
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	return Stats{
		Published:   b.published.Load(),
		Duplicates:  b.duplicates.Load(),
		Rejected:    b.rejected.Load(),
		Subscribers: n,
	}
}
