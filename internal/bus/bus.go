// Package bus is the in-process event bus that wires the orchestration
// components together. Topics are dotted strings; subscribers register with
// a glob pattern where "*" matches exactly one segment and a bare "*"
// matches everything.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	// subscriberQueueSize bounds each async subscriber's queue. Overflow
	// drops the oldest queued event and emits TopicOverflow.
	subscriberQueueSize = 1024

	// historySize bounds the replayable event history.
	historySize = 10000
)

// Event is an immutable record published on the bus.
type Event struct {
	Topic     string
	Payload   interface{}
	Timestamp time.Time
}

// Handler consumes one event. Sync handlers run inline on the publisher's
// goroutine and must not block; async handlers run on the subscriber's own
// goroutine.
type Handler func(Event)

type subMode int

const (
	modeChannel subMode = iota
	modeAsyncFunc
	modeSyncFunc
)

// Subscription represents an active subscription.
type Subscription struct {
	id       int
	pattern  string
	segments []string
	matchAll bool
	mode     subMode
	handler  Handler

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Event
	dropped int64
	closed  bool

	out  chan Event
	quit chan struct{}
	done chan struct{}
}

// Ch returns the channel to receive events on. Only valid for channel
// subscriptions created with Subscribe.
func (s *Subscription) Ch() <-chan Event {
	return s.out
}

// Dropped returns how many events this subscription has dropped to overflow.
func (s *Subscription) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// enqueue appends an event to the subscription queue, dropping the oldest
// entry when full. Returns true when an event was dropped.
func (s *Subscription) enqueue(e Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	overflowed := false
	if len(s.queue) >= subscriberQueueSize {
		s.queue = s.queue[1:]
		s.dropped++
		overflowed = true
	}
	s.queue = append(s.queue, e)
	s.cond.Signal()
	return overflowed
}

// pump drains the queue onto the channel or handler until the subscription
// closes. One goroutine per async subscription keeps per-publisher delivery
// order intact.
func (s *Subscription) pump() {
	defer close(s.done)
	if s.mode == modeChannel {
		defer close(s.out)
	}
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		switch s.mode {
		case modeChannel:
			// A consumer that stopped reading must not wedge close().
			select {
			case s.out <- e:
			case <-s.quit:
				return
			}
		case modeAsyncFunc:
			s.handler(e)
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	s.cond.Broadcast()
	s.mu.Unlock()
	close(s.quit)
	if s.mode != modeSyncFunc {
		<-s.done
	}
}

func (s *Subscription) matches(topic string) bool {
	if s.matchAll {
		return true
	}
	parts := strings.Split(topic, ".")
	if len(parts) != len(s.segments) {
		return false
	}
	for i, seg := range s.segments {
		if seg != "*" && seg != parts[i] {
			return false
		}
	}
	return true
}

// SubOption customizes a subscription.
type SubOption func(*subOptions)

type subOptions struct {
	replay bool
}

// WithReplay delivers the retained history (oldest first) to the new
// subscriber before any live events.
func WithReplay() SubOption {
	return func(o *subOptions) { o.replay = true }
}

// Bus is the process-wide publish/subscribe hub. Its history buffer is the
// only state scoped wider than a single subscription.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool
	logger *slog.Logger

	historyMu sync.Mutex
	history   []Event
}

// New creates a Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a Bus with an optional logger for overflow warnings.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe registers a channel-based async subscription for topics matching
// pattern. A slow consumer only ever loses its own oldest events.
func (b *Bus) Subscribe(pattern string, opts ...SubOption) *Subscription {
	return b.subscribe(pattern, modeChannel, nil, opts)
}

// SubscribeFunc registers an async subscription whose handler runs on a
// dedicated goroutine.
func (b *Bus) SubscribeFunc(pattern string, fn Handler, opts ...SubOption) *Subscription {
	return b.subscribe(pattern, modeAsyncFunc, fn, opts)
}

// SubscribeSync registers a handler invoked inline during Publish. The
// handler must be non-blocking; it runs on every publisher's goroutine.
func (b *Bus) SubscribeSync(pattern string, fn Handler) *Subscription {
	return b.subscribe(pattern, modeSyncFunc, fn, nil)
}

func (b *Bus) subscribe(pattern string, mode subMode, fn Handler, opts []SubOption) *Subscription {
	var options subOptions
	for _, opt := range opts {
		opt(&options)
	}

	sub := &Subscription{
		pattern:  pattern,
		segments: strings.Split(pattern, "."),
		matchAll: pattern == "*",
		mode:     mode,
		handler:  fn,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	sub.cond = sync.NewCond(&sub.mu)
	if mode == modeChannel {
		sub.out = make(chan Event)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closed = true
		if mode == modeChannel {
			close(sub.out)
		}
		close(sub.done)
		return sub
	}
	b.nextID++
	sub.id = b.nextID
	if options.replay {
		b.historyMu.Lock()
		for _, e := range b.history {
			if sub.matches(e.Topic) {
				sub.queue = append(sub.queue, e)
			}
		}
		b.historyMu.Unlock()
	}
	b.subs[sub.id] = sub
	b.mu.Unlock()

	if mode != modeSyncFunc {
		go sub.pump()
	}
	return sub
}

// Unsubscribe removes a subscription; for channel subscriptions the channel
// is closed after in-queue events are delivered or discarded.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Publish delivers an event to all matching subscribers. Sync handlers run
// inline; async subscribers are enqueued without back-pressure beyond their
// bounded queue.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}

	b.historyMu.Lock()
	if len(b.history) >= historySize {
		b.history = b.history[1:]
	}
	b.history = append(b.history, event)
	b.historyMu.Unlock()

	var overflowed []*Subscription

	b.mu.RLock()
	for _, sub := range b.subs {
		if !sub.matches(topic) {
			continue
		}
		switch sub.mode {
		case modeSyncFunc:
			sub.handler(event)
		default:
			if sub.enqueue(event) {
				overflowed = append(overflowed, sub)
			}
		}
	}
	b.mu.RUnlock()

	// Overflow notices are published outside the subscriber scan, and never
	// for the overflow topic itself.
	if topic != TopicOverflow {
		for _, sub := range overflowed {
			if b.logger != nil {
				b.logger.Warn("event subscriber overflow",
					slog.String("pattern", sub.pattern),
					slog.String("topic", topic),
					slog.Int64("dropped", sub.Dropped()),
				)
			}
			b.Publish(TopicOverflow, OverflowEvent{
				Pattern:      sub.pattern,
				DroppedTopic: topic,
				Dropped:      sub.Dropped(),
			})
		}
	}
}

// History returns up to limit retained events matching pattern, oldest
// first. limit <= 0 returns everything retained.
func (b *Bus) History(pattern string, limit int) []Event {
	probe := &Subscription{
		segments: strings.Split(pattern, "."),
		matchAll: pattern == "*",
	}
	b.historyMu.Lock()
	defer b.historyMu.Unlock()
	var out []Event
	for _, e := range b.history {
		if probe.matches(e.Topic) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts the bus down, closing every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[int]*Subscription{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
