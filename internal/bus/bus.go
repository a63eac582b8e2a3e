// Package bus implements the typed event bus: durable publish with
// at-least-once delivery to topic-pattern subscribers, per-source FIFO
// ordering, exponential-backoff retries and a dead-letter table.
package bus

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"autoforge/internal/config"
	"autoforge/internal/logging"
	"autoforge/internal/store"
	"autoforge/internal/types"

	"github.com/google/uuid"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("event bus closed")

// Handler consumes one event. A non-nil error triggers redelivery.
type Handler func(e types.Event) error

type subscription struct {
	name    string
	pattern string
	handler Handler
}

// Bus is the process-wide event bus. Every published event is persisted
// before delivery; delivery order is FIFO per event source.
type Bus struct {
	mu      sync.Mutex
	store   *store.Store
	cfg     config.BusConfig
	subs    []subscription
	sources map[string]chan types.Event
	wg      sync.WaitGroup
	pubWG   sync.WaitGroup // publishes holding a queue reference
	closed  bool
}

// New creates a bus backed by the given store.
func New(st *store.Store, cfg config.BusConfig) *Bus {
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 5
	}
	if cfg.RetryBackoffBase <= 0 {
		cfg.RetryBackoffBase = 100 * time.Millisecond
	}
	return &Bus{
		store:   st,
		cfg:     cfg,
		sources: make(map[string]chan types.Event),
	}
}

// Subscribe registers a handler for a topic pattern (e.g. "task.*").
// Handlers for one source are invoked sequentially in publish order.
func (b *Bus) Subscribe(name, pattern string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subs = append(b.subs, subscription{name: name, pattern: pattern, handler: h})
	logging.EventsDebug("Subscriber registered: %s on %s", name, pattern)
}

// Publish persists the event and queues it for delivery. Publishing the
// same event id twice is a no-op (idempotent by event id). Missing id and
// timestamp are filled in.
func (b *Bus) Publish(e types.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Source == "" {
		e.Source = "core"
	}

	inserted, err := b.store.AppendEvent(&e)
	if err != nil {
		return fmt.Errorf("failed to persist event %s: %w", e.Type, err)
	}
	if !inserted {
		logging.EventsDebug("Duplicate publish ignored: %s (%s)", e.ID, e.Type)
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	ch := b.sourceQueue(e.Source)
	b.pubWG.Add(1)
	b.mu.Unlock()

	ch <- e
	b.pubWG.Done()
	return nil
}

// sourceQueue returns (creating if needed) the FIFO delivery queue for a
// source. Caller must hold b.mu.
func (b *Bus) sourceQueue(source string) chan types.Event {
	if ch, ok := b.sources[source]; ok {
		return ch
	}
	ch := make(chan types.Event, 256)
	b.sources[source] = ch
	b.wg.Add(1)
	go b.dispatch(source, ch)
	return ch
}

// dispatch delivers events for one source in order.
func (b *Bus) dispatch(source string, ch chan types.Event) {
	defer b.wg.Done()
	for e := range ch {
		b.mu.Lock()
		subs := make([]subscription, len(b.subs))
		copy(subs, b.subs)
		b.mu.Unlock()

		for _, sub := range subs {
			if !MatchTopic(sub.pattern, e.Type) {
				continue
			}
			b.deliver(sub, e)
		}
	}
	logging.EventsDebug("Dispatch loop for source %s drained", source)
}

// deliver invokes one handler with exponential-backoff retries; exhausted
// deliveries land in the dead-letter table.
func (b *Bus) deliver(sub subscription, e types.Event) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxDeliveryAttempts; attempt++ {
		if lastErr = sub.handler(e); lastErr == nil {
			return
		}
		logging.EventsDebug("Delivery attempt %d/%d failed for %s -> %s: %v",
			attempt, b.cfg.MaxDeliveryAttempts, e.Type, sub.name, lastErr)
		if attempt < b.cfg.MaxDeliveryAttempts {
			time.Sleep(b.cfg.RetryBackoffBase * (1 << (attempt - 1)))
		}
	}
	if err := b.store.DeadLetterEvent(e.ID, sub.name, b.cfg.MaxDeliveryAttempts, lastErr.Error()); err != nil {
		logging.Get(logging.CategoryEvents).Error("Failed to dead-letter %s: %v", e.ID, err)
	}
}

// Close stops delivery after draining the queues. Publishes that won a
// queue reference before the close flag flipped finish their send first;
// everyone after gets ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.pubWG.Wait()

	b.mu.Lock()
	for _, ch := range b.sources {
		close(ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
	logging.Events("Event bus closed")
}

// MatchTopic matches a dotted event type against a pattern. "*" matches
// exactly one segment; a trailing "*" matches any remainder, so "task.*"
// matches "task.started" and "alert.*" matches "alert.stuck_task".
func MatchTopic(pattern, eventType string) bool {
	if pattern == "*" || pattern == eventType {
		return true
	}
	ps := strings.Split(pattern, ".")
	es := strings.Split(eventType, ".")

	for i, p := range ps {
		if p == "*" && i == len(ps)-1 {
			return len(es) >= i
		}
		if i >= len(es) {
			return false
		}
		if p != "*" && p != es[i] {
			return false
		}
	}
	return len(ps) == len(es)
}
