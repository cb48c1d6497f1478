// Package bridge republishes pipeline events to an AMQP topic exchange so
// downstream consumers outside this process (risk, pricing, audit) can tap
// the same feed the WebSocket clients see. The bridge is optional: without
// a broker URL it stays inert.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/streadway/amqp"

	"github.com/propstream/propstream/internal/bus"
	"github.com/propstream/propstream/internal/domain"
)

// Config controls the AMQP egress.
type Config struct {
	// URL is the broker address (amqp://...). Empty disables the bridge.
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	// Patterns are the bus subscriptions to republish.
	Patterns  []string      `yaml:"patterns"`
	QueueSize int           `yaml:"queue_size"`
	Heartbeat time.Duration `yaml:"heartbeat"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// DefaultConfig returns the bridge defaults. URL stays empty; deployments
// opt in through configuration.
func DefaultConfig() Config {
	return Config{
		Exchange:       "propstream.events",
		Patterns:       []string{"MARKET_*", "SETTLEMENT_*"},
		QueueSize:      256,
		Heartbeat:      60 * time.Second,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		BackoffFactor:  2.0,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Exchange == "" {
		c.Exchange = d.Exchange
	}
	if len(c.Patterns) == 0 {
		c.Patterns = d.Patterns
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = d.BackoffFactor
	}
	return c
}

// Stats is the bridge's contribution to the status document.
type Stats struct {
	Enabled    bool   `json:"enabled"`
	Connected  bool   `json:"connected"`
	Published  uint64 `json:"published"`
	Failed     uint64 `json:"failed"`
	Reconnects uint64 `json:"reconnects"`
}

// envelope is the wire frame published to the exchange. It matches the
// gateway's WebSocket envelope so consumers share one decoder.
type envelope struct {
	Type          string `json:"type"`
	Timestamp     string `json:"timestamp"`
	Payload       any    `json:"payload"`
	Version       string `json:"version"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func envelopeFor(ev domain.Event) envelope {
	return envelope{
		Type:          string(ev.Type),
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:       ev.Payload,
		Version:       "1.0",
		CorrelationID: ev.CorrelationID,
	}
}

// Bridge forwards matching bus events to AMQP. One publisher goroutine owns
// the channel; amqp channels are not safe for concurrent publishing.
type Bridge struct {
	cfg Config
	bus *bus.Bus

	subs   []*bus.Subscription
	events chan domain.Event

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel

	started    atomic.Bool
	connected  atomic.Bool
	published  atomic.Uint64
	failed     atomic.Uint64
	reconnects atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	stopped  chan struct{}
}

// New creates a bridge. Call Start to begin forwarding.
func New(cfg Config, b *bus.Bus) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		cfg:     cfg,
		bus:     b,
		events:  make(chan domain.Event, cfg.QueueSize),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Enabled reports whether a broker URL is configured.
func (b *Bridge) Enabled() bool {
	return b.cfg.URL != ""
}

// Start subscribes to the configured patterns and launches the publisher.
// A disabled bridge returns immediately without touching the bus.
func (b *Bridge) Start(ctx context.Context) error {
	b.started.Store(true)
	if !b.Enabled() {
		log.Info().Msg("AMQP bridge disabled (no broker URL)")
		close(b.stopped)
		return nil
	}

	for _, pattern := range b.cfg.Patterns {
		sub, ch, err := b.bus.SubscribeChan(pattern, b.cfg.QueueSize)
		if err != nil {
			b.unsubscribeAll()
			close(b.stopped)
			return fmt.Errorf("bridge: subscribe %q: %w", pattern, err)
		}
		b.subs = append(b.subs, sub)
		go b.forward(ch)
	}

	log.Info().
		Str("exchange", b.cfg.Exchange).
		Strs("patterns", b.cfg.Patterns).
		Msg("AMQP bridge starting")

	go b.run(ctx)
	return nil
}

// Stop shuts the publisher down and closes the broker connection. It blocks
// until the publisher goroutine exits. Calling Stop on a bridge that was
// never started is a no-op.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() { close(b.stop) })
	if b.started.Load() {
		<-b.stopped
	}
	b.unsubscribeAll()
}

// Stats returns the current counters.
func (b *Bridge) Stats() Stats {
	return Stats{
		Enabled:    b.Enabled(),
		Connected:  b.connected.Load(),
		Published:  b.published.Load(),
		Failed:     b.failed.Load(),
		Reconnects: b.reconnects.Load(),
	}
}

func (b *Bridge) unsubscribeAll() {
	for _, sub := range b.subs {
		b.bus.Unsubscribe(sub)
	}
	b.subs = nil
}

// forward funnels one subscription into the publisher queue. Drops count as
// failures; the publisher must never push back into the bus.
func (b *Bridge) forward(ch <-chan domain.Event) {
	for ev := range ch {
		select {
		case b.events <- ev:
		default:
			b.failed.Add(1)
		}
	}
}

// run is the publisher loop: keep a connection alive, publish queued
// events, reconnect with backoff on any failure.
func (b *Bridge) run(ctx context.Context) {
	defer func() {
		b.closeConn()
		close(b.stopped)
	}()

	var notify chan *amqp.Error
	for {
		if !b.connected.Load() {
			var err error
			notify, err = b.connectWithBackoff(ctx)
			if err != nil {
				return // cancelled while connecting
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-b.stop:
			return
		case closeErr := <-notify:
			if closeErr != nil {
				log.Warn().Err(closeErr).Msg("AMQP connection lost")
			}
			b.connected.Store(false)
		case ev := <-b.events:
			if err := b.publish(ev); err != nil {
				b.failed.Add(1)
				b.connected.Store(false)
				log.Warn().Err(err).Str("type", string(ev.Type)).Msg("AMQP publish failed")
			} else {
				b.published.Add(1)
			}
		}
	}
}

// connectWithBackoff dials until it succeeds or the bridge is stopped.
func (b *Bridge) connectWithBackoff(ctx context.Context) (chan *amqp.Error, error) {
	delay := b.cfg.InitialBackoff
	for attempt := 1; ; attempt++ {
		notify, err := b.connect()
		if err == nil {
			if attempt > 1 {
				b.reconnects.Add(1)
			}
			return notify, nil
		}

		log.Warn().Err(err).
			Int("attempt", attempt).
			Dur("retry_in", delay).
			Msg("AMQP connect failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.stop:
			return nil, fmt.Errorf("bridge stopped")
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * b.cfg.BackoffFactor)
		if delay > b.cfg.MaxBackoff {
			delay = b.cfg.MaxBackoff
		}
	}
}

func (b *Bridge) connect() (chan *amqp.Error, error) {
	b.closeConn()

	conn, err := amqp.DialConfig(b.cfg.URL, amqp.Config{
		Heartbeat: b.cfg.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: %w", err)
	}

	if err := channel.ExchangeDeclare(
		b.cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("exchange declare: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.channel = channel
	b.mu.Unlock()
	b.connected.Store(true)

	log.Info().Str("exchange", b.cfg.Exchange).Msg("AMQP bridge connected")
	return conn.NotifyClose(make(chan *amqp.Error, 1)), nil
}

func (b *Bridge) closeConn() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.channel != nil {
		b.channel.Close()
		b.channel = nil
	}
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.connected.Store(false)
}

// publish sends one event with its type as the routing key.
func (b *Bridge) publish(ev domain.Event) error {
	body, err := json.Marshal(envelopeFor(ev))
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	b.mu.Lock()
	channel := b.channel
	b.mu.Unlock()
	if channel == nil {
		return fmt.Errorf("not connected")
	}

	return channel.Publish(
		b.cfg.Exchange,
		string(ev.Type), // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			Timestamp:     ev.Timestamp,
			CorrelationId: ev.CorrelationID,
			DeliveryMode:  amqp.Persistent,
		},
	)
}
