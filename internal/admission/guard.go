package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Priority classes a request for load shedding. Higher priorities survive
// deeper backlogs.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "LOW",
	PriorityMedium:   "MEDIUM",
	PriorityHigh:     "HIGH",
	PriorityCritical: "CRITICAL",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// ParsePriority maps a header or config value onto a priority class,
// defaulting to MEDIUM.
func ParsePriority(s string) Priority {
	switch s {
	case "LOW", "low":
		return PriorityLow
	case "HIGH", "high":
		return PriorityHigh
	case "CRITICAL", "critical":
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// OverflowError is the fail-fast rejection from the queue guard. It always
// carries a retry hint.
type OverflowError struct {
	Priority   Priority
	Depth      int
	Capacity   int
	RetryAfter time.Duration
	Reason     string
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("queue overflow: %s request shed at depth %d/%d (%s), retry after %s",
		e.Priority, e.Depth, e.Capacity, e.Reason, e.RetryAfter)
}

// IsOverflow reports whether err is a queue guard rejection.
func IsOverflow(err error) bool {
	var oe *OverflowError
	return errors.As(err, &oe)
}

// GuardConfig tunes the queue guard.
type GuardConfig struct {
	// Capacity is the absolute in-flight ceiling; beyond it even CRITICAL
	// requests are rejected.
	Capacity int `yaml:"capacity"`
	// WarningFrac is the depth fraction above which LOW requests shed.
	WarningFrac float64 `yaml:"warning_frac"`
	// CriticalFrac is the depth fraction above which LOW and MEDIUM shed.
	CriticalFrac float64 `yaml:"critical_frac"`
	// RetryHint is the backoff carried on depth-based rejections.
	RetryHint time.Duration `yaml:"retry_hint"`
	// BreakerFailures is the consecutive guarded-execution failure count
	// that opens the guard's circuit breaker.
	BreakerFailures uint32 `yaml:"breaker_failures"`
	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DefaultGuardConfig returns production defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Capacity:        1000,
		WarningFrac:     0.70,
		CriticalFrac:    0.90,
		RetryHint:       time.Second,
		BreakerFailures: 10,
		BreakerCooldown: 60 * time.Second,
	}
}

func (c GuardConfig) withDefaults() GuardConfig {
	def := DefaultGuardConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.WarningFrac <= 0 || c.WarningFrac >= 1 {
		c.WarningFrac = def.WarningFrac
	}
	if c.CriticalFrac <= 0 || c.CriticalFrac >= 1 {
		c.CriticalFrac = def.CriticalFrac
	}
	if c.RetryHint <= 0 {
		c.RetryHint = def.RetryHint
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = def.BreakerFailures
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = def.BreakerCooldown
	}
	return c
}

// GuardStats is a point-in-time guard snapshot.
type GuardStats struct {
	Depth        int            `json:"depth"`
	Capacity     int            `json:"capacity"`
	DepthByClass map[string]int `json:"depth_by_class"`
	Admitted     int64          `json:"admitted"`
	Shed         int64          `json:"shed"`
	BreakerState string         `json:"breaker_state"`
}

// Guard sheds load by priority as the in-flight backlog grows: below the
// warning threshold everything admits; between warning and critical LOW
// sheds; above critical only HIGH and CRITICAL admit; at absolute capacity
// everything is rejected. Its circuit breaker is independent of the provider
// circuits: consecutive guarded-execution failures open it and all admissions
// fail fast until the cooldown passes.
type Guard struct {
	cfg GuardConfig

	mu       sync.Mutex
	depth    map[Priority]int
	total    int
	admitted int64
	shed     int64

	breaker *gobreaker.CircuitBreaker
}

// NewGuard creates a queue guard.
func NewGuard(cfg GuardConfig) *Guard {
	cfg = cfg.withDefaults()
	g := &Guard{
		cfg:   cfg,
		depth: make(map[Priority]int, 4),
	}

	settings := gobreaker.Settings{
		Name:    "queue-guard",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("queue guard breaker state change")
		},
	}
	g.breaker = gobreaker.NewCircuitBreaker(settings)
	return g
}

// Admit reserves a queue slot for a request, or rejects it with an
// OverflowError. Every successful Admit must be paired with Done.
func (g *Guard) Admit(p Priority) error {
	if g.breaker.State() == gobreaker.StateOpen {
		g.mu.Lock()
		g.shed++
		depth := g.total
		g.mu.Unlock()
		return &OverflowError{
			Priority:   p,
			Depth:      depth,
			Capacity:   g.cfg.Capacity,
			RetryAfter: g.cfg.BreakerCooldown,
			Reason:     "circuit open",
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if reason := g.shedReasonLocked(p); reason != "" {
		g.shed++
		return &OverflowError{
			Priority:   p,
			Depth:      g.total,
			Capacity:   g.cfg.Capacity,
			RetryAfter: g.cfg.RetryHint,
			Reason:     reason,
		}
	}

	g.depth[p]++
	g.total++
	g.admitted++
	return nil
}

// shedReasonLocked applies the threshold ladder to the current depth.
func (g *Guard) shedReasonLocked(p Priority) string {
	if g.total >= g.cfg.Capacity {
		return "at capacity"
	}
	frac := float64(g.total) / float64(g.cfg.Capacity)
	if frac >= g.cfg.CriticalFrac && p < PriorityHigh {
		return "critical backlog"
	}
	if frac >= g.cfg.WarningFrac && p < PriorityMedium {
		return "warning backlog"
	}
	return ""
}

// Done releases a slot reserved by Admit.
func (g *Guard) Done(p Priority) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depth[p] > 0 {
		g.depth[p]--
		g.total--
	}
}

// Execute runs fn under both the depth guard and the circuit breaker: a shed
// or an open breaker rejects before fn runs, and fn's failures feed the
// breaker's consecutive-failure count.
func (g *Guard) Execute(p Priority, fn func() error) error {
	if err := g.Admit(p); err != nil {
		return err
	}
	defer g.Done(p)

	_, err := g.breaker.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		g.mu.Lock()
		g.shed++
		depth := g.total
		g.mu.Unlock()
		return &OverflowError{
			Priority:   p,
			Depth:      depth,
			Capacity:   g.cfg.Capacity,
			RetryAfter: g.cfg.BreakerCooldown,
			Reason:     "circuit open",
		}
	}
	return err
}

// Stats returns a snapshot of depth and shed counters.
func (g *Guard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	byClass := make(map[string]int, len(g.depth))
	for p, d := range g.depth {
		byClass[p.String()] = d
	}
	return GuardStats{
		Depth:        g.total,
		Capacity:     g.cfg.Capacity,
		DepthByClass: byClass,
		Admitted:     g.admitted,
		Shed:         g.shed,
		BreakerState: g.breaker.State().String(),
	}
}
