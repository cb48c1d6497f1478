package domain

import "time"

// EventType identifies one kind of pipeline event. The set is closed:
// subscriptions are validated against it and dispatch never parses type
// strings beyond a prefix comparison for wildcard registrations.
type EventType string

const (
	EventMarketNew          EventType = "MARKET_NEW"
	EventMarketLineChange   EventType = "MARKET_LINE_CHANGE"
	EventMarketRemoved      EventType = "MARKET_REMOVED"
	EventMarketCycleSummary EventType = "MARKET_CYCLE_SUMMARY"

	EventValuationUpdated EventType = "VALUATION_UPDATED"

	EventSettlementInitiated EventType = "SETTLEMENT_INITIATED"
	EventSettlementCompleted EventType = "SETTLEMENT_COMPLETED"
	EventSettlementDisputed  EventType = "SETTLEMENT_DISPUTED"
	EventSettlementResolved  EventType = "SETTLEMENT_RESOLVED"
	EventSettlementArchived  EventType = "SETTLEMENT_ARCHIVED"

	EventProviderCircuitOpen   EventType = "PROVIDER_CIRCUIT_OPEN"
	EventProviderCircuitClosed EventType = "PROVIDER_CIRCUIT_CLOSED"
)

// EventTypes returns the closed set of known event types.
func EventTypes() []EventType {
	return []EventType{
		EventMarketNew,
		EventMarketLineChange,
		EventMarketRemoved,
		EventMarketCycleSummary,
		EventValuationUpdated,
		EventSettlementInitiated,
		EventSettlementCompleted,
		EventSettlementDisputed,
		EventSettlementResolved,
		EventSettlementArchived,
		EventProviderCircuitOpen,
		EventProviderCircuitClosed,
	}
}

// Valid reports whether t is a member of the closed event type set.
func (t EventType) Valid() bool {
	for _, known := range EventTypes() {
		if t == known {
			return true
		}
	}
	return false
}

// Event is the unit of distribution on the bus and over the gateway.
type Event struct {
	Type          EventType `json:"type"`
	Payload       any       `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, payload any) Event {
	return Event{Type: t, Payload: payload, Timestamp: time.Now().UTC()}
}

// MarketNewPayload accompanies EventMarketNew.
type MarketNewPayload struct {
	Provider string `json:"provider"`
	Quote    Quote  `json:"quote"`
}

// LineChangePayload accompanies EventMarketLineChange. It carries both the
// superseded and the current capture so consumers never need a second read.
type LineChangePayload struct {
	Provider string  `json:"provider"`
	PropID   string  `json:"prop_id"`
	Old      Quote   `json:"old"`
	New      Quote   `json:"new"`
	Delta    float64 `json:"line_delta"`
}

// MarketRemovedPayload accompanies EventMarketRemoved.
type MarketRemovedPayload struct {
	Provider string `json:"provider"`
	PropID   string `json:"prop_id"`
	Last     Quote  `json:"last"`
}

// CycleSummaryPayload accompanies EventMarketCycleSummary after every
// streamer cycle.
type CycleSummaryPayload struct {
	Cycle             uint64        `json:"cycle"`
	Duration          time.Duration `json:"duration_ns"`
	ProvidersOK       int           `json:"providers_ok"`
	ProvidersSkipped  int           `json:"providers_skipped"`
	ProvidersFailed   int           `json:"providers_failed"`
	NewMarkets        int           `json:"new_markets"`
	LineChanges       int           `json:"line_changes"`
	RemovedMarkets    int           `json:"removed_markets"`
	QuotesSeen        int           `json:"quotes_seen"`
	StartedAt         time.Time     `json:"started_at"`
}

// CircuitEventPayload accompanies the provider circuit open/close events.
type CircuitEventPayload struct {
	Provider            string `json:"provider"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	State               string `json:"state"`
	RetryAfterSeconds   int64  `json:"retry_after_seconds,omitempty"`
}

// SettlementEventPayload accompanies all SETTLEMENT_* events.
type SettlementEventPayload struct {
	PropID       string           `json:"prop_id"`
	SettlementID string           `json:"settlement_id"`
	Status       SettlementStatus `json:"status"`
	Outcome      Outcome          `json:"outcome,omitempty"`
	Confidence   Confidence       `json:"confidence,omitempty"`
	Source       SettlementSource `json:"source,omitempty"`
	ArchivedN    int              `json:"archived_count,omitempty"`
}

// ValuationPayload accompanies EventValuationUpdated; the valuation object
// itself is opaque to the pipeline.
type ValuationPayload struct {
	PropID    string `json:"prop_id"`
	Valuation any    `json:"valuation"`
}
