// Package provider defines the upstream fetch contract consumed by the
// market streamer, the distinguishable failure kinds the resilience layer
// classifies, and the bundled offline clients used for local runs and tests.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/propstream/propstream/internal/domain"
)

// Client fetches the current quote board for a sport from one upstream
// source. "No markets right now" is an empty slice, never an error.
type Client interface {
	Name() string
	FetchQuotes(ctx context.Context, sport string) ([]domain.Quote, error)
}

// TimeoutError reports a fetch that exceeded its deadline.
type TimeoutError struct {
	Provider string
	Elapsed  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("provider %s: fetch timed out after %s", e.Provider, e.Elapsed)
}

// UnavailableError reports a provider that cannot serve calls right now,
// including calls denied because the provider's circuit is open.
type UnavailableError struct {
	Provider   string
	Reason     string
	RetryAfter time.Duration
}

func (e *UnavailableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("provider %s: unavailable (%s), retry after %s",
			e.Provider, e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("provider %s: unavailable (%s)", e.Provider, e.Reason)
}

// IsTimeout reports whether err is a provider fetch timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsUnavailable reports whether err marks the provider as unavailable.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
