// Package resilience owns per-provider health and circuit state. Every
// upstream fetch goes through Manager.Call, which bounds the call, retries
// transient failures, and feeds the outcome back into that provider's
// circuit. One provider's failures never touch another provider's state.
package resilience

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/domain"
)

// CircuitState represents the state of a provider's circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows all requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen blocks requests until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen allows a single probe to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "CLOSED"
	case CircuitOpen:
		return "OPEN"
	case CircuitHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the circuit and call-bounding knobs. Zero fields fall back
// to defaults at registration time.
type Config struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
	CooldownMult     float64       `yaml:"cooldown_mult"`
	MaxCooldown      time.Duration `yaml:"max_cooldown"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	LatencySamples   int           `yaml:"latency_samples"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		CooldownMult:     2.0,
		MaxCooldown:      5 * time.Minute,
		CallTimeout:      10 * time.Second,
		MaxRetries:       2,
		RetryBackoff:     time.Second,
		LatencySamples:   50,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.CooldownMult < 1 {
		c.CooldownMult = d.CooldownMult
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = d.RetryBackoff
	}
	if c.LatencySamples <= 0 {
		c.LatencySamples = d.LatencySamples
	}
	return c
}

// Snapshot is a point-in-time read of one provider's health.
type Snapshot struct {
	Provider            string    `json:"provider"`
	Sports              []string  `json:"sports,omitempty"`
	Enabled             bool      `json:"enabled"`
	Healthy             bool      `json:"healthy"`
	CircuitState        string    `json:"circuit_state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	AvgLatencyMS        float64   `json:"avg_latency_ms"`
	P95LatencyMS        float64   `json:"p95_latency_ms"`
	SuccessRate         float64   `json:"success_rate_5m"`
	TotalCalls          uint64    `json:"total_calls"`
	TotalFailures       uint64    `json:"total_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	NextRetryAt         time.Time `json:"next_retry_at,omitempty"`
}

type callResult struct {
	at time.Time
	ok bool
}

type providerState struct {
	mu sync.Mutex

	name    string
	sports  []string
	enabled bool
	cfg     Config

	state               CircuitState
	consecutiveFailures int
	openCount           int
	probeInFlight       bool

	lastSuccessAt time.Time
	lastFailureAt time.Time
	nextRetryAt   time.Time

	latencies []float64
	latIdx    int
	latFull   bool

	results []callResult
	resIdx  int
	resFull bool

	totalCalls    uint64
	totalFailures uint64
}

// Publisher receives circuit transition events. The bus's Publish satisfies
// it via a small adapter in the wiring layer.
type Publisher func(domain.Event)

// Manager tracks circuit and health state for every registered provider.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]*providerState
	cfg       Config
	publish   Publisher
}

// NewManager creates a resilience manager with the given default config.
func NewManager(cfg Config) *Manager {
	return &Manager{
		providers: make(map[string]*providerState),
		cfg:       cfg.withDefaults(),
	}
}

// SetPublisher wires circuit transition events to the bus. Must be called
// before the manager starts taking traffic.
func (m *Manager) SetPublisher(p Publisher) {
	m.publish = p
}

func (m *Manager) emit(ev domain.Event) {
	if m.publish != nil {
		m.publish(ev)
	}
}

// Register adds a provider. Registration is idempotent; providers are never
// removed, only disabled.
func (m *Manager) Register(name string, sports []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.providers[name]; exists {
		return
	}
	cfg := m.cfg
	m.providers[name] = &providerState{
		name:      name,
		sports:    sports,
		enabled:   true,
		cfg:       cfg,
		state:     CircuitClosed,
		latencies: make([]float64, cfg.LatencySamples),
		results:   make([]callResult, 100),
	}
	log.Info().Str("provider", name).Strs("sports", sports).Msg("provider registered")
}

func (m *Manager) get(name string) (*providerState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.providers[name]
	if !ok {
		return nil, fmt.Errorf("provider %s not registered", name)
	}
	return p, nil
}

// SetEnabled flips the operator enable flag for a provider.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	p, err := m.get(name)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.enabled = enabled
	p.mu.Unlock()

	log.Info().Str("provider", name).Bool("enabled", enabled).Msg("provider toggled")
	return nil
}

// Enabled reports the operator flag; unknown providers are disabled.
func (m *Manager) Enabled(name string) bool {
	p, err := m.get(name)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// Providers lists all registered provider names.
func (m *Manager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RecordSuccess resets the failure streak, folds the latency sample in, and
// closes a half-open circuit.
func (m *Manager) RecordSuccess(name string, latency time.Duration) {
	p, err := m.get(name)
	if err != nil {
		return
	}

	p.mu.Lock()
	p.consecutiveFailures = 0
	p.lastSuccessAt = time.Now()
	p.totalCalls++
	p.probeInFlight = false
	p.recordLatency(float64(latency.Milliseconds()))
	p.recordResult(true)

	closed := false
	if p.state == CircuitHalfOpen {
		p.state = CircuitClosed
		p.openCount = 0
		p.nextRetryAt = time.Time{}
		closed = true
	}
	p.mu.Unlock()

	if closed {
		log.Info().Str("provider", name).Msg("circuit closed after successful probe")
		m.emit(domain.NewEvent(domain.EventProviderCircuitClosed, domain.CircuitEventPayload{
			Provider: name,
			State:    CircuitClosed.String(),
		}))
	}
}

// RecordFailure bumps the failure streak and opens the circuit at the
// configured threshold. A failed half-open probe reopens immediately with a
// grown cooldown.
func (m *Manager) RecordFailure(name string, err error) {
	p, perr := m.get(name)
	if perr != nil {
		return
	}

	p.mu.Lock()
	p.consecutiveFailures++
	p.lastFailureAt = time.Now()
	p.totalCalls++
	p.totalFailures++
	p.probeInFlight = false
	p.recordResult(false)

	opened := false
	var retryAfter time.Duration
	switch p.state {
	case CircuitClosed:
		if p.consecutiveFailures >= p.cfg.FailureThreshold {
			opened = true
		}
	case CircuitHalfOpen:
		opened = true
	}
	if opened {
		p.state = CircuitOpen
		p.openCount++
		retryAfter = p.cooldownLocked()
		p.nextRetryAt = p.lastFailureAt.Add(retryAfter)
	}
	failures := p.consecutiveFailures
	p.mu.Unlock()

	if opened {
		log.Warn().Str("provider", name).Int("consecutive_failures", failures).
			Dur("retry_after", retryAfter).Err(err).Msg("circuit opened")
		m.emit(domain.NewEvent(domain.EventProviderCircuitOpen, domain.CircuitEventPayload{
			Provider:            name,
			ConsecutiveFailures: failures,
			State:               CircuitOpen.String(),
			RetryAfterSeconds:   int64(retryAfter.Seconds()),
		}))
	}
}

// cooldownLocked grows the open-circuit cooldown exponentially with each
// reopen, capped at MaxCooldown. Caller holds p.mu.
func (p *providerState) cooldownLocked() time.Duration {
	mult := math.Pow(p.cfg.CooldownMult, float64(p.openCount-1))
	d := time.Duration(float64(p.cfg.Cooldown) * mult)
	if d > p.cfg.MaxCooldown {
		d = p.cfg.MaxCooldown
	}
	return d
}

// AllowCall decides whether a call to the provider may proceed. CLOSED
// always allows. OPEN denies until the cooldown elapses, then promotes to
// HALF_OPEN and admits exactly one probe; a second caller during the probe
// is denied.
func (m *Manager) AllowCall(name string) (bool, time.Duration) {
	p, err := m.get(name)
	if err != nil {
		return false, 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case CircuitClosed:
		return true, 0
	case CircuitOpen:
		remaining := time.Until(p.nextRetryAt)
		if remaining > 0 {
			return false, remaining
		}
		p.state = CircuitHalfOpen
		p.probeInFlight = true
		log.Info().Str("provider", name).Msg("circuit half-open, probing")
		return true, 0
	case CircuitHalfOpen:
		if p.probeInFlight {
			// Probe resolves within one call timeout.
			return false, p.cfg.CallTimeout
		}
		p.probeInFlight = true
		return true, 0
	default:
		return false, 0
	}
}

// State returns a snapshot for one provider.
func (m *Manager) State(name string) (Snapshot, error) {
	p, err := m.get(name)
	if err != nil {
		return Snapshot{}, err
	}
	return p.snapshot(), nil
}

// SnapshotAll returns snapshots for every registered provider.
func (m *Manager) SnapshotAll() map[string]Snapshot {
	m.mu.RLock()
	states := make([]*providerState, 0, len(m.providers))
	for _, p := range m.providers {
		states = append(states, p)
	}
	m.mu.RUnlock()

	out := make(map[string]Snapshot, len(states))
	for _, p := range states {
		snap := p.snapshot()
		out[snap.Provider] = snap
	}
	return out
}

// IsHealthy reports whether the provider's circuit is closed.
func (m *Manager) IsHealthy(name string) bool {
	p, err := m.get(name)
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == CircuitClosed
}

func (p *providerState) snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Snapshot{
		Provider:            p.name,
		Sports:              p.sports,
		Enabled:             p.enabled,
		Healthy:             p.state == CircuitClosed,
		CircuitState:        p.state.String(),
		ConsecutiveFailures: p.consecutiveFailures,
		AvgLatencyMS:        p.avgLatencyLocked(),
		P95LatencyMS:        p.p95LatencyLocked(),
		SuccessRate:         p.successRateLocked(5 * time.Minute),
		TotalCalls:          p.totalCalls,
		TotalFailures:       p.totalFailures,
		LastSuccessAt:       p.lastSuccessAt,
		LastFailureAt:       p.lastFailureAt,
		NextRetryAt:         p.nextRetryAt,
	}
}

func (p *providerState) recordLatency(ms float64) {
	p.latencies[p.latIdx] = ms
	p.latIdx = (p.latIdx + 1) % len(p.latencies)
	if p.latIdx == 0 {
		p.latFull = true
	}
}

func (p *providerState) recordResult(ok bool) {
	p.results[p.resIdx] = callResult{at: time.Now(), ok: ok}
	p.resIdx = (p.resIdx + 1) % len(p.results)
	if p.resIdx == 0 {
		p.resFull = true
	}
}

func (p *providerState) latencyWindowLocked() []float64 {
	n := p.latIdx
	if p.latFull {
		n = len(p.latencies)
	}
	return p.latencies[:n]
}

func (p *providerState) avgLatencyLocked() float64 {
	window := p.latencyWindowLocked()
	if len(window) == 0 {
		return 0
	}
	var sum float64
	for _, v := range window {
		sum += v
	}
	return sum / float64(len(window))
}

func (p *providerState) p95LatencyLocked() float64 {
	window := p.latencyWindowLocked()
	if len(window) == 0 {
		return 0
	}
	sorted := make([]float64, len(window))
	copy(sorted, window)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.95*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	return sorted[idx]
}

func (p *providerState) successRateLocked(window time.Duration) float64 {
	n := p.resIdx
	if p.resFull {
		n = len(p.results)
	}
	cutoff := time.Now().Add(-window)
	var total, ok int
	for _, r := range p.results[:n] {
		if r.at.Before(cutoff) {
			continue
		}
		total++
		if r.ok {
			ok++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(ok) / float64(total)
}
