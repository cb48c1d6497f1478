// Package streamer runs the fetch→diff→publish cycle. Each cycle fans out
// across enabled providers with bounded concurrency, diffs every provider's
// board against its previous snapshot, and turns movement into typed events.
// A failing provider only dents its own circuit; the cycle always completes
// for everyone else.
package streamer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/bus"
	"github.com/propstream/propstream/internal/domain"
	"github.com/propstream/propstream/internal/provider"
	"github.com/propstream/propstream/internal/resilience"
)

// Config tunes the cycle loop.
type Config struct {
	Interval               time.Duration `yaml:"interval"`
	MaxConcurrentProviders int           `yaml:"max_concurrent_providers"`
	Sport                  string        `yaml:"sport"`
}

// DefaultConfig returns the streamer defaults.
func DefaultConfig() Config {
	return Config{
		Interval:               15 * time.Second,
		MaxConcurrentProviders: 4,
		Sport:                  "nba",
	}
}

// Streamer orchestrates provider fetch cycles.
type Streamer struct {
	cfg Config
	res *resilience.Manager
	bus *bus.Bus

	mu        sync.RWMutex
	clients   map[string]provider.Client
	snapshots map[string]map[string]domain.Quote

	cycleMu     sync.Mutex // serializes whole cycles
	cycleNum    atomic.Uint64
	lastSummary atomic.Pointer[domain.CycleSummaryPayload]

	stopped chan struct{}
}

// New creates a streamer over the given resilience manager and bus.
func New(cfg Config, res *resilience.Manager, b *bus.Bus) *Streamer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.MaxConcurrentProviders <= 0 {
		cfg.MaxConcurrentProviders = DefaultConfig().MaxConcurrentProviders
	}
	return &Streamer{
		cfg:       cfg,
		res:       res,
		bus:       b,
		clients:   make(map[string]provider.Client),
		snapshots: make(map[string]map[string]domain.Quote),
		stopped:   make(chan struct{}),
	}
}

// AddProvider wires a client into the cycle and registers it with the
// resilience manager.
func (s *Streamer) AddProvider(client provider.Client, sports []string) {
	s.mu.Lock()
	s.clients[client.Name()] = client
	s.mu.Unlock()
	s.res.Register(client.Name(), sports)
}

// Run executes cycles until ctx is cancelled. Cancellation stops scheduling
// new cycles; the in-flight cycle finishes before Run returns.
func (s *Streamer) Run(ctx context.Context) {
	defer close(s.stopped)

	log.Info().Dur("interval", s.cfg.Interval).
		Int("max_concurrent", s.cfg.MaxConcurrentProviders).
		Msg("streamer started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.RunCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("streamer stopping")
			return
		case <-ticker.C:
			s.RunCycle(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (s *Streamer) Done() <-chan struct{} { return s.stopped }

// LastSummary returns the most recent cycle summary, or nil before the
// first cycle completes.
func (s *Streamer) LastSummary() *domain.CycleSummaryPayload {
	return s.lastSummary.Load()
}

type providerOutcome struct {
	events  []domain.Event
	quotes  int
	skipped bool
	failed  bool
}

// RunCycle executes one full cycle and returns its summary. Cycles are
// serialized: a manual trigger overlapping the loop waits its turn.
func (s *Streamer) RunCycle(ctx context.Context) domain.CycleSummaryPayload {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	start := time.Now()
	summary := domain.CycleSummaryPayload{
		Cycle:     s.cycleNum.Add(1),
		StartedAt: start.UTC(),
	}

	s.mu.RLock()
	names := make([]string, 0, len(s.clients))
	for name := range s.clients {
		names = append(names, name)
	}
	s.mu.RUnlock()

	sem := make(chan struct{}, s.cfg.MaxConcurrentProviders)
	results := make(chan providerOutcome, len(names))
	var wg sync.WaitGroup

	for _, name := range names {
		if !s.res.Enabled(name) {
			results <- providerOutcome{skipped: true}
			continue
		}

		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results <- providerOutcome{skipped: true}
				return
			}
			results <- s.processProvider(ctx, name)
		}(name)
	}

	wg.Wait()
	close(results)

	for out := range results {
		switch {
		case out.skipped:
			summary.ProvidersSkipped++
		case out.failed:
			summary.ProvidersFailed++
		default:
			summary.ProvidersOK++
		}
		summary.QuotesSeen += out.quotes
		for _, ev := range out.events {
			switch ev.Type {
			case domain.EventMarketNew:
				summary.NewMarkets++
			case domain.EventMarketLineChange:
				summary.LineChanges++
			case domain.EventMarketRemoved:
				summary.RemovedMarkets++
			}
			s.bus.Publish(ev)
		}
	}

	summary.Duration = time.Since(start)
	s.lastSummary.Store(&summary)
	s.bus.Publish(domain.NewEvent(domain.EventMarketCycleSummary, summary))

	log.Info().Uint64("cycle", summary.Cycle).
		Dur("duration", summary.Duration).
		Int("ok", summary.ProvidersOK).
		Int("skipped", summary.ProvidersSkipped).
		Int("failed", summary.ProvidersFailed).
		Int("new", summary.NewMarkets).
		Int("changes", summary.LineChanges).
		Int("removed", summary.RemovedMarkets).
		Msg("cycle complete")

	return summary
}

// processProvider fetches one provider's board through the resilience
// manager and diffs it against the previous snapshot. The snapshot swap and
// diff happen together, so no consumer ever sees a half-updated board.
func (s *Streamer) processProvider(ctx context.Context, name string) providerOutcome {
	s.mu.RLock()
	client := s.clients[name]
	s.mu.RUnlock()

	var quotes []domain.Quote
	err := s.res.Call(ctx, name, func(callCtx context.Context) error {
		var ferr error
		quotes, ferr = client.FetchQuotes(callCtx, s.cfg.Sport)
		return ferr
	})
	if err != nil {
		if errors.Is(err, resilience.ErrDenied) || errors.Is(err, context.Canceled) {
			return providerOutcome{skipped: true}
		}
		log.Warn().Str("provider", name).Err(err).Msg("provider cycle failed")
		return providerOutcome{failed: true}
	}

	board := make(map[string]domain.Quote, len(quotes))
	for _, q := range quotes {
		board[q.PropID] = q
	}

	s.mu.Lock()
	previous := s.snapshots[name]
	s.snapshots[name] = board
	s.mu.Unlock()

	return providerOutcome{
		events: diffBoards(name, previous, board),
		quotes: len(quotes),
	}
}

// diffBoards classifies movement between two immutable snapshots. Exactly
// one event per prop per cycle: new, one line change carrying old and new,
// or removed.
func diffBoards(providerName string, previous, current map[string]domain.Quote) []domain.Event {
	var events []domain.Event

	for propID, q := range current {
		old, existed := previous[propID]
		switch {
		case !existed:
			events = append(events, domain.NewEvent(domain.EventMarketNew, domain.MarketNewPayload{
				Provider: providerName,
				Quote:    q,
			}))
		case !old.SameMarket(q):
			events = append(events, domain.NewEvent(domain.EventMarketLineChange, domain.LineChangePayload{
				Provider: providerName,
				PropID:   propID,
				Old:      old,
				New:      q,
				Delta:    q.Line - old.Line,
			}))
		}
	}

	for propID, old := range previous {
		if _, still := current[propID]; !still {
			events = append(events, domain.NewEvent(domain.EventMarketRemoved, domain.MarketRemovedPayload{
				Provider: providerName,
				PropID:   propID,
				Last:     old,
			}))
		}
	}

	return events
}
