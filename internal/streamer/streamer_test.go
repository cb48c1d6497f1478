package streamer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/propstream/propstream/internal/bus"
	"github.com/propstream/propstream/internal/domain"
	"github.com/propstream/propstream/internal/provider"
	"github.com/propstream/propstream/internal/resilience"
)

// scriptedClient serves whatever board the test loads next, or fails.
type scriptedClient struct {
	name string

	mu      sync.Mutex
	board   []domain.Quote
	err     error
	fetches atomic.Int32
}

func (c *scriptedClient) Name() string { return c.name }

func (c *scriptedClient) FetchQuotes(ctx context.Context, sport string) ([]domain.Quote, error) {
	c.fetches.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make([]domain.Quote, len(c.board))
	copy(out, c.board)
	return out, nil
}

func (c *scriptedClient) load(board []domain.Quote) {
	c.mu.Lock()
	c.board = board
	c.mu.Unlock()
}

func (c *scriptedClient) fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

func quote(propID string, line float64, over int) domain.Quote {
	return domain.Quote{
		PropID:     propID,
		Sportsbook: "testbook",
		Sport:      "nba",
		Line:       line,
		OverOdds:   over,
		UnderOdds:  -110,
		CapturedAt: time.Now().UTC(),
	}
}

func testResilience() *resilience.Manager {
	return resilience.NewManager(resilience.Config{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		CallTimeout:      200 * time.Millisecond,
		MaxRetries:       0,
		RetryBackoff:     time.Millisecond,
	})
}

type eventSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *eventSink) add(ev domain.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) byType(t domain.EventType) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Event
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func collectMarketEvents(t *testing.T, b *bus.Bus) *eventSink {
	t.Helper()
	sink := &eventSink{}
	if _, err := b.Subscribe("MARKET_*", sink.add); err != nil {
		t.Fatal(err)
	}
	return sink
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCycleDiffClassification(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	res := testResilience()
	s := New(Config{Interval: time.Hour, MaxConcurrentProviders: 2, Sport: "nba"}, res, b)

	client := &scriptedClient{name: "testbook"}
	s.AddProvider(client, []string{"nba"})
	sink := collectMarketEvents(t, b)

	// Cycle 1: empty → two props, both new.
	client.load([]domain.Quote{quote("g1:curry:points", 28.5, -110), quote("g1:lebron:points", 24.5, -115)})
	sum := s.RunCycle(context.Background())
	if sum.NewMarkets != 2 || sum.LineChanges != 0 || sum.RemovedMarkets != 0 {
		t.Fatalf("cycle 1 = %+v, want 2 new", sum)
	}

	// Cycle 2: one line moves, one unchanged, one vanishes, one appears.
	client.load([]domain.Quote{quote("g1:curry:points", 29.5, -110), quote("g1:tatum:points", 26.5, -110)})
	sum = s.RunCycle(context.Background())
	if sum.NewMarkets != 1 {
		t.Errorf("cycle 2 new = %d, want 1", sum.NewMarkets)
	}
	if sum.LineChanges != 1 {
		t.Errorf("cycle 2 changes = %d, want 1", sum.LineChanges)
	}
	if sum.RemovedMarkets != 1 {
		t.Errorf("cycle 2 removed = %d, want 1", sum.RemovedMarkets)
	}

	waitFor(t, func() bool { return len(sink.byType(domain.EventMarketLineChange)) == 1 })

	change := sink.byType(domain.EventMarketLineChange)[0].Payload.(domain.LineChangePayload)
	if change.Old.Line != 28.5 || change.New.Line != 29.5 {
		t.Errorf("line change carries old=%v new=%v, want 28.5→29.5", change.Old.Line, change.New.Line)
	}
	if change.Delta != 1.0 {
		t.Errorf("line delta = %v, want 1.0", change.Delta)
	}
}

func TestUnchangedBoardEmitsNothing(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	s := New(Config{Interval: time.Hour, MaxConcurrentProviders: 2}, testResilience(), b)

	client := &scriptedClient{name: "testbook"}
	s.AddProvider(client, []string{"nba"})

	board := []domain.Quote{quote("g1:curry:points", 28.5, -110)}
	client.load(board)
	s.RunCycle(context.Background())

	// Same line/odds, fresh capture time.
	client.load([]domain.Quote{quote("g1:curry:points", 28.5, -110)})
	sum := s.RunCycle(context.Background())

	if sum.NewMarkets+sum.LineChanges+sum.RemovedMarkets != 0 {
		t.Errorf("unchanged board produced events: %+v", sum)
	}
}

func TestOneChangedFieldEmitsExactlyOneLineChange(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	s := New(Config{Interval: time.Hour, MaxConcurrentProviders: 2}, testResilience(), b)

	client := &scriptedClient{name: "testbook"}
	s.AddProvider(client, []string{"nba"})
	sink := collectMarketEvents(t, b)

	client.load([]domain.Quote{quote("g1:curry:points", 28.5, -110)})
	s.RunCycle(context.Background())

	// Line AND both odds move: still one event for the prop.
	moved := quote("g1:curry:points", 29.5, -125)
	moved.UnderOdds = -105
	client.load([]domain.Quote{moved})
	sum := s.RunCycle(context.Background())

	if sum.LineChanges != 1 {
		t.Fatalf("line changes = %d, want exactly 1", sum.LineChanges)
	}
	waitFor(t, func() bool { return len(sink.byType(domain.EventMarketLineChange)) == 1 })
}

func TestProviderFailureIsolation(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	res := testResilience()
	s := New(Config{Interval: time.Hour, MaxConcurrentProviders: 2}, res, b)

	bad := &scriptedClient{name: "flaky"}
	bad.fail(&provider.UnavailableError{Provider: "flaky", Reason: "503"})
	good := &scriptedClient{name: "steady"}
	good.load([]domain.Quote{quote("g1:curry:points", 28.5, -110)})

	s.AddProvider(bad, []string{"nba"})
	s.AddProvider(good, []string{"nba"})

	// Threshold 3: three failing cycles open flaky's circuit.
	for i := 0; i < 3; i++ {
		sum := s.RunCycle(context.Background())
		if sum.ProvidersFailed != 1 || sum.ProvidersOK != 1 {
			t.Fatalf("cycle %d = %+v, want 1 failed + 1 ok", i+1, sum)
		}
	}

	snap, _ := res.State("flaky")
	if snap.CircuitState != "OPEN" {
		t.Fatalf("flaky circuit = %s, want OPEN", snap.CircuitState)
	}

	// Cycle 4: flaky is skipped without a network call; steady unaffected.
	before := bad.fetches.Load()
	sum := s.RunCycle(context.Background())
	if bad.fetches.Load() != before {
		t.Error("open circuit still produced a fetch")
	}
	if sum.ProvidersSkipped != 1 || sum.ProvidersOK != 1 {
		t.Errorf("cycle 4 = %+v, want 1 skipped + 1 ok", sum)
	}
}

func TestDisabledProviderSkipped(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	res := testResilience()
	s := New(Config{Interval: time.Hour, MaxConcurrentProviders: 2}, res, b)

	client := &scriptedClient{name: "testbook"}
	client.load([]domain.Quote{quote("g1:curry:points", 28.5, -110)})
	s.AddProvider(client, []string{"nba"})

	if err := res.SetEnabled("testbook", false); err != nil {
		t.Fatal(err)
	}

	sum := s.RunCycle(context.Background())
	if sum.ProvidersSkipped != 1 {
		t.Errorf("summary = %+v, want 1 skipped", sum)
	}
	if client.fetches.Load() != 0 {
		t.Error("disabled provider was fetched")
	}
}

func TestCycleSummaryPublished(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	s := New(Config{Interval: time.Hour, MaxConcurrentProviders: 2}, testResilience(), b)

	client := &scriptedClient{name: "testbook"}
	client.load([]domain.Quote{quote("g1:curry:points", 28.5, -110)})
	s.AddProvider(client, []string{"nba"})

	var summaries atomic.Int32
	if _, err := b.Subscribe(string(domain.EventMarketCycleSummary), func(ev domain.Event) {
		sum := ev.Payload.(domain.CycleSummaryPayload)
		if sum.Cycle == 0 || sum.QuotesSeen != 1 {
			t.Errorf("summary payload = %+v", sum)
		}
		summaries.Add(1)
	}); err != nil {
		t.Fatal(err)
	}

	s.RunCycle(context.Background())
	waitFor(t, func() bool { return summaries.Load() == 1 })

	if s.LastSummary() == nil {
		t.Error("LastSummary nil after a completed cycle")
	}
}

func TestGracefulShutdownFinishesInFlightCycle(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()

	res := resilience.NewManager(resilience.Config{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		CallTimeout:      2 * time.Second,
		MaxRetries:       0,
		RetryBackoff:     time.Millisecond,
	})
	s := New(Config{Interval: 5 * time.Millisecond, MaxConcurrentProviders: 1}, res, b)

	slow := &scriptedClient{name: "slowbook"}
	slow.load([]domain.Quote{quote("g1:curry:points", 28.5, -110)})
	s.AddProvider(slow, []string{"nba"})

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)

	waitFor(t, func() bool { return slow.fetches.Load() >= 1 })
	cancel()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("streamer did not stop after cancellation")
	}

	// No new cycles after stop.
	count := slow.fetches.Load()
	time.Sleep(30 * time.Millisecond)
	if slow.fetches.Load() != count {
		t.Error("cycles continued after shutdown")
	}
}

func TestValuationTrigger(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	s := New(Config{Interval: time.Hour, MaxConcurrentProviders: 2}, testResilience(), b)

	client := &scriptedClient{name: "testbook"}
	s.AddProvider(client, []string{"nba"})

	var valuations atomic.Int32
	if _, err := b.Subscribe(string(domain.EventValuationUpdated), func(ev domain.Event) {
		p := ev.Payload.(domain.ValuationPayload)
		if p.PropID != "g1:curry:points" {
			t.Errorf("valuation for %s", p.PropID)
		}
		valuations.Add(1)
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := AttachValuer(b, ValuerFunc(
		func(_ context.Context, propID string, old, current domain.Quote) (any, error) {
			return map[string]float64{"edge": current.Line - old.Line}, nil
		}), time.Second); err != nil {
		t.Fatal(err)
	}

	client.load([]domain.Quote{quote("g1:curry:points", 28.5, -110)})
	s.RunCycle(context.Background())
	client.load([]domain.Quote{quote("g1:curry:points", 29.5, -110)})
	s.RunCycle(context.Background())

	waitFor(t, func() bool { return valuations.Load() == 1 })
}

func TestValuerErrorDoesNotBreakPipeline(t *testing.T) {
	b := bus.New(bus.DefaultConfig())
	defer b.Close()
	s := New(Config{Interval: time.Hour, MaxConcurrentProviders: 2}, testResilience(), b)

	client := &scriptedClient{name: "testbook"}
	s.AddProvider(client, []string{"nba"})

	if _, err := AttachValuer(b, ValuerFunc(
		func(context.Context, string, domain.Quote, domain.Quote) (any, error) {
			return nil, errors.New("model offline")
		}), time.Second); err != nil {
		t.Fatal(err)
	}

	client.load([]domain.Quote{quote("g1:curry:points", 28.5, -110)})
	s.RunCycle(context.Background())
	client.load([]domain.Quote{quote("g1:curry:points", 29.5, -110)})
	sum := s.RunCycle(context.Background())

	if sum.LineChanges != 1 {
		t.Errorf("line change lost to valuer failure: %+v", sum)
	}
}
