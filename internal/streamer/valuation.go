package streamer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/bus"
	"github.com/propstream/propstream/internal/domain"
)

// Valuer is the external valuation computation triggered by line movement.
// The pipeline treats the returned valuation as opaque.
type Valuer interface {
	Valuate(ctx context.Context, propID string, old, current domain.Quote) (any, error)
}

// ValuerFunc adapts a function to the Valuer interface.
type ValuerFunc func(ctx context.Context, propID string, old, current domain.Quote) (any, error)

// Valuate calls f.
func (f ValuerFunc) Valuate(ctx context.Context, propID string, old, current domain.Quote) (any, error) {
	return f(ctx, propID, old, current)
}

// AttachValuer subscribes the valuation trigger to line changes: every
// MARKET_LINE_CHANGE runs the valuer and, on success, publishes a
// VALUATION_UPDATED event. Valuation errors are logged and swallowed; a
// broken model must not disturb market distribution.
func AttachValuer(b *bus.Bus, v Valuer, timeout time.Duration) (*bus.Subscription, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return b.Subscribe(string(domain.EventMarketLineChange), func(ev domain.Event) {
		change, ok := ev.Payload.(domain.LineChangePayload)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		valuation, err := v.Valuate(ctx, change.PropID, change.Old, change.New)
		if err != nil {
			log.Warn().Str("prop_id", change.PropID).Err(err).Msg("valuation failed")
			return
		}

		b.Publish(domain.NewEvent(domain.EventValuationUpdated, domain.ValuationPayload{
			PropID:    change.PropID,
			Valuation: valuation,
		}))
	})
}
