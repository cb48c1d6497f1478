package admission

import (
	"errors"
	"testing"
	"time"
)

func testGuardConfig(capacity int) GuardConfig {
	return GuardConfig{
		Capacity:        capacity,
		WarningFrac:     0.70,
		CriticalFrac:    0.90,
		RetryHint:       time.Second,
		BreakerFailures: 3,
		BreakerCooldown: 50 * time.Millisecond,
	}
}

// fill admits n requests at the given priority or fails the test.
func fill(t *testing.T, g *Guard, p Priority, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := g.Admit(p); err != nil {
			t.Fatalf("fill %d/%d: %v", i+1, n, err)
		}
	}
}

func TestGuardAdmitsEverythingBelowWarning(t *testing.T) {
	g := NewGuard(testGuardConfig(10))
	fill(t, g, PriorityLow, 6) // 60%

	for _, p := range []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical} {
		if err := g.Admit(p); err != nil {
			t.Errorf("%s rejected below warning threshold: %v", p, err)
		}
		g.Done(p)
	}
}

func TestGuardShedsLowBetweenWarningAndCritical(t *testing.T) {
	g := NewGuard(testGuardConfig(10))
	fill(t, g, PriorityMedium, 8) // 80%

	err := g.Admit(PriorityLow)
	if !IsOverflow(err) {
		t.Fatalf("LOW at 80%% err = %v, want OverflowError", err)
	}
	var oe *OverflowError
	if errors.As(err, &oe) {
		if oe.RetryAfter <= 0 {
			t.Error("overflow missing retry hint")
		}
		if oe.Priority != PriorityLow {
			t.Errorf("overflow priority = %s, want LOW", oe.Priority)
		}
	}

	if err := g.Admit(PriorityMedium); err != nil {
		t.Errorf("MEDIUM rejected at 80%%: %v", err)
	}
	if err := g.Admit(PriorityHigh); err != nil {
		t.Errorf("HIGH rejected at 80%%: %v", err)
	}
}

func TestGuardShedsMediumAboveCritical(t *testing.T) {
	g := NewGuard(testGuardConfig(20))
	fill(t, g, PriorityHigh, 18) // 90%

	if err := g.Admit(PriorityLow); !IsOverflow(err) {
		t.Errorf("LOW above critical err = %v, want OverflowError", err)
	}
	if err := g.Admit(PriorityMedium); !IsOverflow(err) {
		t.Errorf("MEDIUM above critical err = %v, want OverflowError", err)
	}
	if err := g.Admit(PriorityHigh); err != nil {
		t.Errorf("HIGH rejected above critical: %v", err)
	}
	if err := g.Admit(PriorityCritical); err != nil {
		t.Errorf("CRITICAL rejected above critical: %v", err)
	}
}

func TestGuardRejectsAllAtCapacity(t *testing.T) {
	g := NewGuard(testGuardConfig(10))
	fill(t, g, PriorityCritical, 10) // 100%

	err := g.Admit(PriorityCritical)
	if !IsOverflow(err) {
		t.Fatalf("CRITICAL at capacity err = %v, want OverflowError", err)
	}
	var oe *OverflowError
	if errors.As(err, &oe) && oe.Reason != "at capacity" {
		t.Errorf("overflow reason = %q, want at capacity", oe.Reason)
	}
}

func TestGuardDoneRestoresHeadroom(t *testing.T) {
	g := NewGuard(testGuardConfig(10))
	fill(t, g, PriorityLow, 6) // 60%
	fill(t, g, PriorityMedium, 2)

	// 80%: LOW sheds.
	if err := g.Admit(PriorityLow); !IsOverflow(err) {
		t.Fatalf("LOW at 80%% err = %v, want OverflowError", err)
	}

	// Draining below the warning threshold re-admits LOW.
	g.Done(PriorityMedium)
	g.Done(PriorityMedium)
	if err := g.Admit(PriorityLow); err != nil {
		t.Errorf("LOW rejected after drain to 60%%: %v", err)
	}
}

func TestGuardBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	g := NewGuard(testGuardConfig(100))
	boom := errors.New("downstream boom")

	for i := 0; i < 3; i++ {
		if err := g.Execute(PriorityHigh, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("execute %d err = %v, want boom", i+1, err)
		}
	}

	// Breaker is now open: work is rejected before running.
	ran := false
	err := g.Execute(PriorityHigh, func() error { ran = true; return nil })
	if !IsOverflow(err) {
		t.Fatalf("execute with open breaker err = %v, want OverflowError", err)
	}
	if ran {
		t.Fatal("guarded fn ran while breaker open")
	}
	var oe *OverflowError
	if errors.As(err, &oe) && oe.Reason != "circuit open" {
		t.Errorf("overflow reason = %q, want circuit open", oe.Reason)
	}

	// Plain admissions also fail fast while open.
	if err := g.Admit(PriorityCritical); !IsOverflow(err) {
		t.Errorf("admit with open breaker err = %v, want OverflowError", err)
	}

	// After the cooldown a successful probe closes it again.
	time.Sleep(60 * time.Millisecond)
	if err := g.Execute(PriorityHigh, func() error { return nil }); err != nil {
		t.Fatalf("execute after cooldown: %v", err)
	}
	if err := g.Execute(PriorityLow, func() error { return nil }); err != nil {
		t.Errorf("execute after recovery: %v", err)
	}
}

func TestGuardBreakerIgnoresShedRequests(t *testing.T) {
	g := NewGuard(testGuardConfig(10))
	fill(t, g, PriorityHigh, 10)

	// Depth rejections must not count as breaker failures.
	for i := 0; i < 5; i++ {
		if err := g.Execute(PriorityCritical, func() error { return nil }); !IsOverflow(err) {
			t.Fatalf("execute at capacity err = %v, want OverflowError", err)
		}
	}
	if st := g.Stats(); st.BreakerState != "closed" {
		t.Errorf("breaker state = %s, want closed after shed-only traffic", st.BreakerState)
	}
}

func TestGuardStats(t *testing.T) {
	g := NewGuard(testGuardConfig(10))
	fill(t, g, PriorityLow, 2)
	fill(t, g, PriorityHigh, 3)
	g.Done(PriorityLow)

	st := g.Stats()
	if st.Depth != 4 {
		t.Errorf("depth = %d, want 4", st.Depth)
	}
	if st.DepthByClass["LOW"] != 1 || st.DepthByClass["HIGH"] != 3 {
		t.Errorf("depth by class = %v", st.DepthByClass)
	}
	if st.Admitted != 5 {
		t.Errorf("admitted = %d, want 5", st.Admitted)
	}
	if st.Capacity != 10 {
		t.Errorf("capacity = %d, want 10", st.Capacity)
	}
}

func TestParsePriority(t *testing.T) {
	cases := map[string]Priority{
		"LOW":      PriorityLow,
		"low":      PriorityLow,
		"HIGH":     PriorityHigh,
		"CRITICAL": PriorityCritical,
		"MEDIUM":   PriorityMedium,
		"":         PriorityMedium,
		"garbage":  PriorityMedium,
	}
	for in, want := range cases {
		if got := ParsePriority(in); got != want {
			t.Errorf("ParsePriority(%q) = %s, want %s", in, got, want)
		}
	}
}
