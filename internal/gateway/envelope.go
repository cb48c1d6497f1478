package gateway

import (
	"encoding/json"
	"time"

	"github.com/propstream/propstream/internal/domain"
)

// Wire version stamped on every outbound envelope. Clients reject
// envelopes from a future major version, so bump deliberately.
const EnvelopeVersion = "1.0"

// Control envelope types. Pipeline events travel under their own event
// type string (MARKET_NEW, SETTLEMENT_COMPLETED, ...).
const (
	TypeConnect      = "connect"
	TypeHeartbeat    = "heartbeat"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

// Envelope is the JSON frame sent to WebSocket clients. Timestamp is
// ISO-8601 UTC. CorrelationID carries through from the originating event,
// or mirrors the client's own correlation_id on heartbeat echoes.
type Envelope struct {
	Type          string `json:"type"`
	Timestamp     string `json:"timestamp"`
	Payload       any    `json:"payload"`
	Version       string `json:"version"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
}

func newEnvelope(typ string, payload any) Envelope {
	return Envelope{
		Type:      typ,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
		Version:   EnvelopeVersion,
	}
}

// envelopeFromEvent converts a bus event into its wire form. The event's
// own timestamp is kept so consumers see pipeline time, not send time.
func envelopeFromEvent(ev domain.Event) Envelope {
	return Envelope{
		Type:          string(ev.Type),
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:       ev.Payload,
		Version:       EnvelopeVersion,
		CorrelationID: ev.CorrelationID,
	}
}

// clientMessage is the inbound frame shape. Payload stays raw until the
// type switch knows what to decode it into.
type clientMessage struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// subscribePayload is the payload for subscribe/unsubscribe control
// messages.
type subscribePayload struct {
	Pattern string `json:"pattern"`
}

type errorPayload struct {
	Error string `json:"error"`
}

type connectPayload struct {
	ClientID      string   `json:"client_id"`
	UserID        string   `json:"user_id,omitempty"`
	Subscriptions []string `json:"subscriptions"`
	ServerTime    string   `json:"server_time"`
}
