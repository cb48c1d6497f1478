// Package bus is the in-process event distribution layer. Subscribers
// register against the closed event type set, either exactly or by prefix
// wildcard ("MARKET_*"). Publishing never blocks: each subscriber owns a
// bounded FIFO queue and a slow subscriber only loses its own events.
package bus

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/domain"
)

// DropPolicy picks which event loses when a subscriber queue is full.
type DropPolicy string

const (
	// DropNewest rejects the incoming event and keeps the queue intact.
	DropNewest DropPolicy = "drop_newest"
	// DropOldest evicts the queue head to make room for the incoming event.
	DropOldest DropPolicy = "drop_oldest"
)

// Handler consumes one event on the subscriber's dispatcher goroutine.
type Handler func(domain.Event)

// Config tunes queue bounds and the handler quarantine threshold.
type Config struct {
	QueueSize       int        `yaml:"queue_size"`
	DropPolicy      DropPolicy `yaml:"drop_policy"`
	QuarantineAfter int        `yaml:"quarantine_after"`
}

// DefaultConfig returns the bus defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:       256,
		DropPolicy:      DropNewest,
		QuarantineAfter: 3,
	}
}

// Stats is a point-in-time read of bus counters.
type Stats struct {
	SubscribersCount int    `json:"subscribers_count"`
	EventsPublished  uint64 `json:"events_published"`
	EventsDelivered  uint64 `json:"events_delivered"`
	FailedDeliveries uint64 `json:"failed_deliveries"`
	Quarantined      int    `json:"quarantined_subscribers"`
}

// Subscription is the handle returned by Subscribe, used for removal.
type Subscription struct {
	id      uint64
	pattern string
	prefix  string // set for wildcard registrations
	exact   domain.EventType
	queue   chan domain.Event
	handler Handler

	quarantined       atomic.Bool
	consecutivePanics int
}

// Pattern returns the pattern this subscription was registered with.
func (s *Subscription) Pattern() string { return s.pattern }

func (s *Subscription) matches(t domain.EventType) bool {
	if s.prefix != "" {
		return strings.HasPrefix(string(t), s.prefix)
	}
	return s.exact == t
}

// Bus routes events to subscribers. One dispatcher goroutine per handler
// subscription; channel subscriptions are consumed by their owners.
type Bus struct {
	cfg Config

	mu        sync.RWMutex
	exact     map[domain.EventType][]*Subscription
	wildcards []*Subscription
	closed    bool

	nextID    atomic.Uint64
	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	wg sync.WaitGroup
}

// New creates an event bus.
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.QuarantineAfter <= 0 {
		cfg.QuarantineAfter = DefaultConfig().QuarantineAfter
	}
	if cfg.DropPolicy != DropOldest {
		cfg.DropPolicy = DropNewest
	}
	return &Bus{
		cfg:   cfg,
		exact: make(map[domain.EventType][]*Subscription),
	}
}

// Subscribe registers a handler for an exact event type or a prefix
// wildcard. Patterns outside the closed event type set are rejected.
func (b *Bus) Subscribe(pattern string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("bus: nil handler for pattern %q", pattern)
	}
	sub, err := b.register(pattern, handler, b.cfg.QueueSize)
	if err != nil {
		return nil, err
	}

	b.wg.Add(1)
	go b.dispatch(sub)
	return sub, nil
}

// SubscribeChan registers a channel subscription. The returned channel
// receives matching events until Unsubscribe; it is closed on removal.
// Channel subscribers may size their own queue; buffer <= 0 uses the bus
// default.
func (b *Bus) SubscribeChan(pattern string, buffer int) (*Subscription, <-chan domain.Event, error) {
	if buffer <= 0 {
		buffer = b.cfg.QueueSize
	}
	sub, err := b.register(pattern, nil, buffer)
	if err != nil {
		return nil, nil, err
	}
	return sub, sub.queue, nil
}

func (b *Bus) register(pattern string, handler Handler, queueSize int) (*Subscription, error) {
	sub := &Subscription{
		id:      b.nextID.Add(1),
		pattern: pattern,
		handler: handler,
		queue:   make(chan domain.Event, queueSize),
	}

	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		if !prefixMatchesKnown(prefix) {
			return nil, fmt.Errorf("bus: wildcard %q matches no known event type", pattern)
		}
		sub.prefix = prefix
	} else {
		t := domain.EventType(pattern)
		if !t.Valid() {
			return nil, fmt.Errorf("bus: unknown event type %q", pattern)
		}
		sub.exact = t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus: closed")
	}
	if sub.prefix != "" {
		b.wildcards = append(b.wildcards, sub)
	} else {
		b.exact[sub.exact] = append(b.exact[sub.exact], sub)
	}
	return sub, nil
}

func prefixMatchesKnown(prefix string) bool {
	for _, t := range domain.EventTypes() {
		if strings.HasPrefix(string(t), prefix) {
			return true
		}
	}
	return false
}

// Unsubscribe removes a subscription and closes its queue. Safe to call
// once; concurrent publishes are excluded while the registry is edited.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	removed := false
	if sub.prefix != "" {
		for i, w := range b.wildcards {
			if w.id == sub.id {
				b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
				removed = true
				break
			}
		}
	} else {
		subs := b.exact[sub.exact]
		for i, e := range subs {
			if e.id == sub.id {
				b.exact[sub.exact] = append(subs[:i], subs[i+1:]...)
				removed = true
				break
			}
		}
	}
	b.mu.Unlock()

	if removed {
		close(sub.queue)
	}
}

// Publish delivers the event to every matching subscriber's queue without
// blocking. Full queues lose exactly one event per the drop policy, counted
// as a failed delivery. The return value is the number of queues the event
// reached.
func (b *Bus) Publish(event domain.Event) int {
	if !event.Type.Valid() {
		log.Error().Str("type", string(event.Type)).Msg("bus: refusing to publish unknown event type")
		b.dropped.Add(1)
		return 0
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	b.published.Add(1)

	count := 0
	for _, sub := range b.exact[event.Type] {
		if b.enqueue(sub, event) {
			count++
		}
	}
	for _, sub := range b.wildcards {
		if sub.matches(event.Type) && b.enqueue(sub, event) {
			count++
		}
	}
	return count
}

func (b *Bus) enqueue(sub *Subscription, event domain.Event) bool {
	if sub.quarantined.Load() {
		b.dropped.Add(1)
		return false
	}

	select {
	case sub.queue <- event:
		b.delivered.Add(1)
		return true
	default:
	}

	if b.cfg.DropPolicy == DropOldest {
		select {
		case evicted := <-sub.queue:
			b.dropped.Add(1)
			log.Debug().Str("pattern", sub.pattern).Str("evicted", string(evicted.Type)).
				Msg("bus: queue full, evicted oldest")
		default:
		}
		select {
		case sub.queue <- event:
			b.delivered.Add(1)
			return true
		default:
		}
	}

	b.dropped.Add(1)
	log.Debug().Str("pattern", sub.pattern).Str("type", string(event.Type)).
		Msg("bus: queue full, event dropped")
	return false
}

// dispatch drains one handler subscription. Handler panics are contained
// here; after QuarantineAfter consecutive panics the subscriber stops
// receiving events and its backlog is discarded.
func (b *Bus) dispatch(sub *Subscription) {
	defer b.wg.Done()

	for event := range sub.queue {
		if sub.quarantined.Load() {
			b.dropped.Add(1)
			continue
		}
		if b.runHandler(sub, event) {
			sub.consecutivePanics = 0
			continue
		}

		sub.consecutivePanics++
		b.dropped.Add(1)
		if sub.consecutivePanics >= b.cfg.QuarantineAfter {
			sub.quarantined.Store(true)
			log.Error().Str("pattern", sub.pattern).Int("panics", sub.consecutivePanics).
				Msg("bus: subscriber quarantined after repeated handler panics")
		}
	}
}

func (b *Bus) runHandler(sub *Subscription, event domain.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("pattern", sub.pattern).Str("type", string(event.Type)).
				Interface("panic", r).Msg("bus: handler panicked, event dead-lettered")
			ok = false
		}
	}()
	sub.handler(event)
	return true
}

// Metrics returns current bus counters.
func (b *Bus) Metrics() Stats {
	b.mu.RLock()
	subs := len(b.wildcards)
	quarantined := 0
	for _, w := range b.wildcards {
		if w.quarantined.Load() {
			quarantined++
		}
	}
	for _, list := range b.exact {
		subs += len(list)
		for _, s := range list {
			if s.quarantined.Load() {
				quarantined++
			}
		}
	}
	b.mu.RUnlock()

	return Stats{
		SubscribersCount: subs,
		EventsPublished:  b.published.Load(),
		EventsDelivered:  b.delivered.Load(),
		FailedDeliveries: b.dropped.Load(),
		Quarantined:      quarantined,
	}
}

// Close tears the bus down: publishers are refused, queues are closed, and
// all dispatcher goroutines drain their backlog before Close returns.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Subscription
	all = append(all, b.wildcards...)
	for _, list := range b.exact {
		all = append(all, list...)
	}
	b.wildcards = nil
	b.exact = make(map[domain.EventType][]*Subscription)
	b.mu.Unlock()

	for _, sub := range all {
		close(sub.queue)
	}
	b.wg.Wait()
}
