package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/provider"
)

// ErrDenied marks calls the circuit or operator flag refused before the
// provider was ever invoked. Callers treat these as skips, not failures.
var ErrDenied = errors.New("resilience: call denied")

// Call runs fn against the named provider with circuit gating, a bounded
// per-attempt timeout, and a small number of backed-off retries. Exactly one
// success or failure is reported to the circuit per Call, after the retry
// budget is spent. A denied call returns UnavailableError without invoking
// fn at all.
func (m *Manager) Call(ctx context.Context, name string, fn func(context.Context) error) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	enabled := p.enabled
	cfg := p.cfg
	p.mu.Unlock()

	if !enabled {
		return fmt.Errorf("%w: %w", ErrDenied,
			&provider.UnavailableError{Provider: name, Reason: "disabled by operator"})
	}

	allowed, retryAfter := m.AllowCall(name)
	if !allowed {
		return fmt.Errorf("%w: %w", ErrDenied, &provider.UnavailableError{
			Provider:   name,
			Reason:     "circuit open",
			RetryAfter: retryAfter,
		})
	}

	var lastErr error
	attempts := 1 + cfg.MaxRetries
	start := time.Now()

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepBackoff(ctx, cfg.RetryBackoff, attempt); err != nil {
				m.releaseProbe(name)
				return err
			}
		}

		attemptStart := time.Now()
		lastErr = m.boundedAttempt(ctx, name, cfg.CallTimeout, fn)
		if lastErr == nil {
			m.RecordSuccess(name, time.Since(attemptStart))
			return nil
		}

		if errors.Is(lastErr, context.Canceled) || ctx.Err() != nil {
			// Shutdown, not a provider fault. Release any probe slot and
			// leave the circuit untouched.
			m.releaseProbe(name)
			return context.Canceled
		}

		log.Debug().Str("provider", name).Int("attempt", attempt+1).
			Err(lastErr).Msg("provider fetch attempt failed")
	}

	log.Warn().Str("provider", name).Dur("elapsed", time.Since(start)).
		Err(lastErr).Msg("provider call failed after retries")
	m.RecordFailure(name, lastErr)
	return lastErr
}

func (m *Manager) releaseProbe(name string) {
	p, err := m.get(name)
	if err != nil {
		return
	}
	p.mu.Lock()
	p.probeInFlight = false
	p.mu.Unlock()
}

// boundedAttempt runs one attempt under the per-call timeout. A fn that
// ignores its context cannot stall the caller: the select abandons it at the
// deadline and classifies the attempt as a timeout.
func (m *Manager) boundedAttempt(ctx context.Context, name string, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			return &provider.TimeoutError{Provider: name, Elapsed: timeout}
		}
		return err
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &provider.TimeoutError{Provider: name, Elapsed: timeout}
		}
		return context.Canceled
	}
}

// sleepBackoff waits base·2^(attempt-1) plus jitter, or returns early when
// ctx is cancelled.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	backoff := base << (attempt - 1)
	var jitter time.Duration
	if half := int64(base / 2); half > 0 {
		jitter = time.Duration(rand.Int63n(half))
	}
	select {
	case <-time.After(backoff + jitter):
		return nil
	case <-ctx.Done():
		return context.Canceled
	}
}
