package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/bus"
	"github.com/propstream/propstream/internal/domain"
)

// WSConfig tunes per-client WebSocket behavior.
type WSConfig struct {
	// SendBuffer is the per-client outbound queue. A full queue drops new
	// envelopes rather than blocking the bus.
	SendBuffer   int           `yaml:"send_buffer"`
	PingInterval time.Duration `yaml:"ping_interval"`
	PongWait     time.Duration `yaml:"pong_wait"`
	WriteWait    time.Duration `yaml:"write_wait"`
	ReadLimit    int64         `yaml:"read_limit"`
}

// DefaultWSConfig returns the default WebSocket tuning.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		SendBuffer:   64,
		PingInterval: 30 * time.Second,
		PongWait:     60 * time.Second,
		WriteWait:    10 * time.Second,
		ReadLimit:    4096,
	}
}

func (c WSConfig) withDefaults() WSConfig {
	d := DefaultWSConfig()
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	return c
}

// HubStats is the hub's contribution to the status document.
type HubStats struct {
	Clients int `json:"clients"`
}

// Hub accepts WebSocket clients and fans bus events out to them. Each
// client carries its own bus subscriptions, so a slow client only ever
// loses its own messages.
type Hub struct {
	cfg      WSConfig
	bus      *bus.Bus
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

func newHub(cfg WSConfig, b *bus.Bus, m *Metrics) *Hub {
	return &Hub{
		cfg:     cfg.withDefaults(),
		bus:     b,
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// wsClient is one connected WebSocket consumer.
type wsClient struct {
	id     string
	userID string
	conn   *websocket.Conn
	hub    *Hub

	send chan Envelope
	done chan struct{}

	mu   sync.Mutex
	subs []*bus.Subscription

	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Handle upgrades the request and runs the client until it disconnects.
// client_id is required; user_id and a comma-separated subscriptions list
// of event patterns are optional. Without patterns the client receives
// every event.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		h.metrics.WSRejectedTotal.Inc()
		writeError(w, http.StatusBadRequest, "client_id query parameter is required")
		return
	}

	patterns := splitPatterns(r.URL.Query().Get("subscriptions"))
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade wrote the HTTP error already.
		h.metrics.WSRejectedTotal.Inc()
		log.Warn().Err(err).Str("client_id", clientID).Msg("WebSocket upgrade failed")
		return
	}

	c := &wsClient{
		id:     clientID,
		userID: r.URL.Query().Get("user_id"),
		conn:   conn,
		hub:    h,
		send:   make(chan Envelope, h.cfg.SendBuffer),
		done:   make(chan struct{}),
	}

	var accepted []string
	var rejected []Envelope
	for _, pattern := range patterns {
		sub, ch, err := h.bus.SubscribeChan(pattern, h.cfg.SendBuffer)
		if err != nil {
			env := newEnvelope(TypeError, errorPayload{
				Error: fmt.Sprintf("invalid subscription %q: %v", pattern, err),
			})
			rejected = append(rejected, env)
			continue
		}
		c.subs = append(c.subs, sub)
		accepted = append(accepted, pattern)
		go c.forward(ch)
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.metrics.WSClients.Inc()

	log.Info().
		Str("client_id", clientID).
		Strs("subscriptions", accepted).
		Msg("WebSocket client connected")

	connect := newEnvelope(TypeConnect, connectPayload{
		ClientID:      clientID,
		UserID:        c.userID,
		Subscriptions: accepted,
		ServerTime:    time.Now().UTC().Format(time.RFC3339Nano),
	})
	c.enqueue(connect)
	for _, env := range rejected {
		c.enqueue(env)
	}

	go c.writePump()
	go c.readPump()
}

// Shutdown disconnects every client.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.remove(c)
	}
}

// Stats returns the current hub view.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{Clients: len(h.clients)}
}

// remove unregisters a client, tears down its subscriptions and closes the
// connection. Safe to call more than once.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, registered := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !registered {
		return
	}
	h.metrics.WSClients.Dec()

	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		h.bus.Unsubscribe(sub)
	}

	c.closeOnce.Do(func() { close(c.done) })
	c.conn.Close()

	log.Info().
		Str("client_id", c.id).
		Uint64("dropped", c.dropped.Load()).
		Msg("WebSocket client disconnected")
}

// forward pumps one bus subscription into the client's send queue. It
// exits when the bus closes the channel on Unsubscribe.
func (c *wsClient) forward(ch <-chan domain.Event) {
	for ev := range ch {
		c.enqueue(envelopeFromEvent(ev))
	}
}

// enqueue offers an envelope to the send queue, dropping it if the client
// is too slow to keep up.
func (c *wsClient) enqueue(env Envelope) {
	if env.ClientID == "" {
		env.ClientID = c.id
	}
	select {
	case c.send <- env:
	default:
		c.dropped.Add(1)
		c.hub.metrics.WSDroppedTotal.Inc()
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteJSON(env); err != nil {
				return
			}
			c.hub.metrics.WSSentTotal.WithLabelValues(env.Type).Inc()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"))
			return
		}
	}
}

func (c *wsClient) readPump() {
	defer c.hub.remove(c)

	c.conn.SetReadLimit(c.hub.cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("client_id", c.id).Msg("WebSocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
		c.handleMessage(data)
	}
}

// handleMessage processes one inbound frame. Heartbeats echo back with the
// sender's correlation_id; subscribe/unsubscribe adjust the client's bus
// registrations; anything else earns an error envelope.
func (c *wsClient) handleMessage(data []byte) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.enqueue(newEnvelope(TypeError, errorPayload{Error: "malformed message: expected a JSON envelope"}))
		return
	}

	switch msg.Type {
	case TypeHeartbeat:
		env := newEnvelope(TypeHeartbeat, map[string]string{
			"server_time": time.Now().UTC().Format(time.RFC3339Nano),
		})
		env.CorrelationID = msg.CorrelationID
		c.enqueue(env)

	case TypeSubscribe:
		pattern, err := decodePattern(msg.Payload)
		if err != nil {
			c.reply(TypeError, errorPayload{Error: err.Error()}, msg.CorrelationID)
			return
		}
		sub, ch, err := c.hub.bus.SubscribeChan(pattern, c.hub.cfg.SendBuffer)
		if err != nil {
			c.reply(TypeError, errorPayload{Error: err.Error()}, msg.CorrelationID)
			return
		}
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
		go c.forward(ch)
		c.reply(TypeSubscribed, subscribePayload{Pattern: pattern}, msg.CorrelationID)

	case TypeUnsubscribe:
		pattern, err := decodePattern(msg.Payload)
		if err != nil {
			c.reply(TypeError, errorPayload{Error: err.Error()}, msg.CorrelationID)
			return
		}
		if c.dropSubscription(pattern) {
			c.reply(TypeUnsubscribed, subscribePayload{Pattern: pattern}, msg.CorrelationID)
		} else {
			c.reply(TypeError, errorPayload{Error: fmt.Sprintf("not subscribed to %q", pattern)}, msg.CorrelationID)
		}

	default:
		c.reply(TypeError, errorPayload{Error: fmt.Sprintf("unknown message type %q", msg.Type)}, msg.CorrelationID)
	}
}

func (c *wsClient) reply(typ string, payload any, correlationID string) {
	env := newEnvelope(typ, payload)
	env.CorrelationID = correlationID
	c.enqueue(env)
}

// dropSubscription removes the first subscription matching pattern and
// unsubscribes it from the bus.
func (c *wsClient) dropSubscription(pattern string) bool {
	c.mu.Lock()
	var found *bus.Subscription
	for i, sub := range c.subs {
		if sub.Pattern() == pattern {
			found = sub
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if found == nil {
		return false
	}
	c.hub.bus.Unsubscribe(found)
	return true
}

func decodePattern(raw json.RawMessage) (string, error) {
	var p subscribePayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", fmt.Errorf("invalid payload: %w", err)
		}
	}
	if p.Pattern == "" {
		return "", fmt.Errorf("payload.pattern is required")
	}
	return p.Pattern, nil
}

func splitPatterns(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(csv, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
