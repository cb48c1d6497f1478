package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/propstream/propstream/internal/domain"
	"github.com/propstream/propstream/internal/provider"
)

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         50 * time.Millisecond,
		CooldownMult:     1.0,
		MaxCooldown:      time.Second,
		CallTimeout:      100 * time.Millisecond,
		MaxRetries:       0,
		RetryBackoff:     5 * time.Millisecond,
		LatencySamples:   10,
	}
}

func TestCircuitOpensAtThreshold(t *testing.T) {
	m := NewManager(testConfig())
	m.Register("draftkings", []string{"nba"})

	bang := errors.New("boom")
	for i := 1; i <= 2; i++ {
		m.RecordFailure("draftkings", bang)
		snap, _ := m.State("draftkings")
		if snap.CircuitState != "CLOSED" {
			t.Fatalf("after %d failures state = %s, want CLOSED", i, snap.CircuitState)
		}
	}

	m.RecordFailure("draftkings", bang)
	snap, _ := m.State("draftkings")
	if snap.CircuitState != "OPEN" {
		t.Fatalf("after threshold state = %s, want OPEN", snap.CircuitState)
	}
	if snap.ConsecutiveFailures != 3 {
		t.Errorf("consecutive failures = %d, want 3", snap.ConsecutiveFailures)
	}

	allowed, retryAfter := m.AllowCall("draftkings")
	if allowed {
		t.Error("open circuit allowed a call before cooldown")
	}
	if retryAfter <= 0 || retryAfter > 50*time.Millisecond {
		t.Errorf("retry_after = %s, want within (0, 50ms]", retryAfter)
	}
}

func TestCircuitHalfOpenProbe(t *testing.T) {
	m := NewManager(testConfig())
	m.Register("fanduel", []string{"nba"})

	for i := 0; i < 3; i++ {
		m.RecordFailure("fanduel", errors.New("boom"))
	}

	time.Sleep(60 * time.Millisecond)

	allowed, _ := m.AllowCall("fanduel")
	if !allowed {
		t.Fatal("cooldown elapsed but probe denied")
	}
	snap, _ := m.State("fanduel")
	if snap.CircuitState != "HALF_OPEN" {
		t.Fatalf("state after cooldown = %s, want HALF_OPEN", snap.CircuitState)
	}

	// Only one probe at a time.
	if again, _ := m.AllowCall("fanduel"); again {
		t.Error("second probe allowed while first in flight")
	}

	m.RecordSuccess("fanduel", 20*time.Millisecond)
	snap, _ = m.State("fanduel")
	if snap.CircuitState != "CLOSED" {
		t.Fatalf("state after successful probe = %s, want CLOSED", snap.CircuitState)
	}
	if !snap.Healthy {
		t.Error("closed circuit should report healthy")
	}
}

func TestCircuitFailedProbeReopens(t *testing.T) {
	m := NewManager(testConfig())
	m.Register("caesars", []string{"nba"})

	for i := 0; i < 3; i++ {
		m.RecordFailure("caesars", errors.New("boom"))
	}
	time.Sleep(60 * time.Millisecond)

	if allowed, _ := m.AllowCall("caesars"); !allowed {
		t.Fatal("probe denied after cooldown")
	}
	m.RecordFailure("caesars", errors.New("still down"))

	snap, _ := m.State("caesars")
	if snap.CircuitState != "OPEN" {
		t.Fatalf("state after failed probe = %s, want OPEN", snap.CircuitState)
	}
	if allowed, _ := m.AllowCall("caesars"); allowed {
		t.Error("reopened circuit allowed a call immediately")
	}
}

func TestProviderIsolation(t *testing.T) {
	m := NewManager(testConfig())
	m.Register("draftkings", []string{"nba"})
	m.Register("fanduel", []string{"nba"})

	for i := 0; i < 5; i++ {
		m.RecordFailure("draftkings", errors.New("boom"))
	}

	if m.IsHealthy("draftkings") {
		t.Error("draftkings should be unhealthy")
	}
	if !m.IsHealthy("fanduel") {
		t.Error("fanduel state was affected by draftkings failures")
	}
	if allowed, _ := m.AllowCall("fanduel"); !allowed {
		t.Error("healthy provider denied")
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	m := NewManager(testConfig())
	m.Register("draftkings", []string{"nba"})

	m.RecordFailure("draftkings", errors.New("boom"))
	m.RecordFailure("draftkings", errors.New("boom"))
	m.RecordSuccess("draftkings", 15*time.Millisecond)
	m.RecordFailure("draftkings", errors.New("boom"))
	m.RecordFailure("draftkings", errors.New("boom"))

	snap, _ := m.State("draftkings")
	if snap.CircuitState != "CLOSED" {
		t.Errorf("interleaved success should keep circuit CLOSED, got %s", snap.CircuitState)
	}
	if snap.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d, want 2", snap.ConsecutiveFailures)
	}
}

func TestLatencyRollup(t *testing.T) {
	m := NewManager(testConfig())
	m.Register("draftkings", []string{"nba"})

	for _, ms := range []time.Duration{10, 20, 30} {
		m.RecordSuccess("draftkings", ms*time.Millisecond)
	}

	snap, _ := m.State("draftkings")
	if snap.AvgLatencyMS != 20 {
		t.Errorf("avg latency = %v, want 20", snap.AvgLatencyMS)
	}
	if snap.P95LatencyMS != 30 {
		t.Errorf("p95 latency = %v, want 30", snap.P95LatencyMS)
	}
	if snap.SuccessRate != 1.0 {
		t.Errorf("success rate = %v, want 1.0", snap.SuccessRate)
	}
}

func TestCallDeniedWithoutInvocation(t *testing.T) {
	m := NewManager(testConfig())
	m.Register("draftkings", []string{"nba"})

	for i := 0; i < 3; i++ {
		m.RecordFailure("draftkings", errors.New("boom"))
	}

	var invoked atomic.Int32
	err := m.Call(context.Background(), "draftkings", func(context.Context) error {
		invoked.Add(1)
		return nil
	})

	if !provider.IsUnavailable(err) {
		t.Fatalf("denied call error = %v, want UnavailableError", err)
	}
	if invoked.Load() != 0 {
		t.Error("fetch was invoked while circuit open")
	}

	var ue *provider.UnavailableError
	errors.As(err, &ue)
	if ue.RetryAfter <= 0 {
		t.Error("denial must carry a retry-after hint")
	}
}

func TestCallRetriesThenReportsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	m := NewManager(cfg)
	m.Register("draftkings", []string{"nba"})

	var calls atomic.Int32
	err := m.Call(context.Background(), "draftkings", func(context.Context) error {
		calls.Add(1)
		return &provider.UnavailableError{Provider: "draftkings", Reason: "503"}
	})

	if err == nil {
		t.Fatal("expected failure")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3 (1 + 2 retries)", got)
	}

	snap, _ := m.State("draftkings")
	if snap.ConsecutiveFailures != 1 {
		t.Errorf("retry burst recorded %d failures, want exactly 1", snap.ConsecutiveFailures)
	}
}

func TestCallTimeoutClassification(t *testing.T) {
	cfg := testConfig()
	cfg.CallTimeout = 30 * time.Millisecond
	m := NewManager(cfg)
	m.Register("slowbook", []string{"nba"})

	err := m.Call(context.Background(), "slowbook", func(ctx context.Context) error {
		select {
		case <-time.After(200 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if !provider.IsTimeout(err) {
		t.Fatalf("slow fetch error = %v, want TimeoutError", err)
	}
}

func TestCallDisabledProvider(t *testing.T) {
	m := NewManager(testConfig())
	m.Register("draftkings", []string{"nba"})
	if err := m.SetEnabled("draftkings", false); err != nil {
		t.Fatal(err)
	}

	err := m.Call(context.Background(), "draftkings", func(context.Context) error { return nil })
	if !provider.IsUnavailable(err) {
		t.Fatalf("disabled provider error = %v, want UnavailableError", err)
	}
}

func TestCircuitEventsPublished(t *testing.T) {
	m := NewManager(testConfig())

	var events []domain.Event
	m.SetPublisher(func(ev domain.Event) { events = append(events, ev) })
	m.Register("draftkings", []string{"nba"})

	for i := 0; i < 3; i++ {
		m.RecordFailure("draftkings", errors.New("boom"))
	}
	time.Sleep(60 * time.Millisecond)
	m.AllowCall("draftkings")
	m.RecordSuccess("draftkings", 10*time.Millisecond)

	if len(events) != 2 {
		t.Fatalf("published %d events, want 2 (open + close)", len(events))
	}
	if events[0].Type != domain.EventProviderCircuitOpen {
		t.Errorf("first event = %s, want PROVIDER_CIRCUIT_OPEN", events[0].Type)
	}
	if events[1].Type != domain.EventProviderCircuitClosed {
		t.Errorf("second event = %s, want PROVIDER_CIRCUIT_CLOSED", events[1].Type)
	}
}
