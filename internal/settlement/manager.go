// Package settlement advances props through their settlement lifecycle:
// initiation, outcome calculation, disputes, resolution, and archival.
// Every mutating operation for a prop is serialized against the others via a
// per-prop lock, so automatic settlement and manual dispute handling cannot
// race. Settlement attempts are append-only; the latest attempt for a prop is
// its current settlement.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/domain"
)

// ErrNotFound is returned when a settlement or prop has no record.
var ErrNotFound = errors.New("settlement not found")

// ErrDisputesDisabled is returned by CreateDispute when dispute handling is
// switched off in config.
var ErrDisputesDisabled = errors.New("dispute creation disabled")

// ConflictError reports an illegal lifecycle transition, such as initiating a
// second settlement while one is in progress.
type ConflictError struct {
	Op      string
	PropID  string
	Current string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("settlement conflict: cannot %s prop %s in state %s", e.Op, e.PropID, e.Current)
}

// IsConflict reports whether err is a lifecycle conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Config controls settlement behavior.
type Config struct {
	// ConfidenceThreshold is the minimum source reliability required for
	// automatic settlement. Attempts below it are routed to manual review
	// instead of being settled.
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	// DisputesEnabled gates CreateDispute.
	DisputesEnabled bool `yaml:"disputes_enabled"`
	// Sweep schedules automatic archival of aged settled records.
	Sweep SweepConfig `yaml:"sweep"`
}

// DefaultConfig returns production defaults. The threshold admits all three
// known sources (automated rules settle with LOW confidence); only unknown
// sources fall through to manual review.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold: 0.60,
		DisputesEnabled:     true,
		Sweep:               DefaultSweepConfig(),
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Initiated        int `json:"initiated"`
	Settled          int `json:"settled"`
	ManualReviews    int `json:"manual_reviews"`
	DisputesCreated  int `json:"disputes_created"`
	DisputesResolved int `json:"disputes_resolved"`
	Archived         int `json:"archived"`
	Conflicts        int `json:"conflicts"`
	ActiveCount      int `json:"active_count"`
}

// InitiateRequest carries the outcome data for a new settlement attempt.
type InitiateRequest struct {
	ActualValue float64                 `json:"actual_value"`
	Line        float64                 `json:"line"`
	Side        domain.Side             `json:"side"`
	Source      domain.SettlementSource `json:"source"`
	Actor       string                  `json:"actor,omitempty"`
}

// DisputeRequest opens a dispute against a settlement.
type DisputeRequest struct {
	Reason         string `json:"reason"`
	DisputingParty string `json:"disputing_party"`
	Evidence       string `json:"evidence,omitempty"`
}

// ResolveRequest closes a dispute with a final outcome.
type ResolveRequest struct {
	Resolution domain.Outcome `json:"resolution"`
	Resolver   string         `json:"resolver"`
	Notes      string         `json:"notes,omitempty"`
}

// Publisher receives settlement lifecycle events. The bus's Publish satisfies
// it.
type Publisher func(domain.Event)

// Sink receives settlements leaving the active working set during archival.
// The Postgres archive repo satisfies it; a nil sink keeps archival
// memory-only.
type Sink interface {
	Archive(ctx context.Context, s *domain.Settlement) error
}

// Manager owns all settlement records. External callers mutate settlement
// state only through its operations.
//
// Locking discipline: the per-prop lock serializes the whole check-then-act
// transition for one prop; mu guards the registry maps and every settlement
// field write, so readers under mu.RLock never observe a half-applied
// transition.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	locks    map[string]*sync.Mutex          // per-prop transition locks
	history  map[string][]*domain.Settlement // append-only, per prop
	active   map[string]*domain.Settlement   // settlementID -> working-set record
	archived map[string]bool                 // prop terminal flags
	stats    Stats

	publish Publisher
	sink    Sink
}

// NewManager creates a settlement manager with the given config.
func NewManager(cfg Config) *Manager {
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfig().ConfidenceThreshold
	}
	return &Manager{
		cfg:      cfg,
		locks:    make(map[string]*sync.Mutex),
		history:  make(map[string][]*domain.Settlement),
		active:   make(map[string]*domain.Settlement),
		archived: make(map[string]bool),
	}
}

// SetPublisher wires lifecycle events to the bus. Must be called before the
// manager handles traffic.
func (m *Manager) SetPublisher(p Publisher) {
	m.publish = p
}

// SetSink attaches an archive sink. Must be called before archival runs.
func (m *Manager) SetSink(s Sink) {
	m.sink = s
}

func (m *Manager) emit(t domain.EventType, p domain.SettlementEventPayload) {
	if m.publish == nil {
		return
	}
	m.publish(domain.NewEvent(t, p))
}

func payloadOf(s *domain.Settlement) domain.SettlementEventPayload {
	return domain.SettlementEventPayload{
		PropID:       s.PropID,
		SettlementID: s.SettlementID,
		Status:       s.Status,
		Outcome:      s.Outcome,
		Confidence:   s.Confidence,
		Source:       s.Source,
	}
}

// propLock returns the transition lock for a prop, creating it on first use.
func (m *Manager) propLock(propID string) *sync.Mutex {
	m.mu.RLock()
	l, ok := m.locks[propID]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[propID]; ok {
		return l
	}
	l = &sync.Mutex{}
	m.locks[propID] = l
	return l
}

func audit(s *domain.Settlement, action, actor, details string) {
	if actor == "" {
		actor = "system"
	}
	s.Audit = append(s.Audit, domain.AuditEntry{
		At:      time.Now().UTC(),
		Action:  action,
		Actor:   actor,
		Details: details,
	})
}

// Initiate opens a new settlement attempt for a prop. It fails with a
// ConflictError when the prop is archived or when another attempt is already
// IN_PROGRESS or DISPUTED. A prior SETTLED attempt does not block: upstream
// delivery is at-least-once and corrective re-settlement must stay possible.
func (m *Manager) Initiate(ctx context.Context, propID string, req InitiateRequest) (*domain.Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if propID == "" {
		return nil, fmt.Errorf("prop id required")
	}

	lock := m.propLock(propID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if m.archived[propID] {
		m.stats.Conflicts++
		m.mu.Unlock()
		return nil, &ConflictError{Op: "initiate", PropID: propID, Current: string(domain.PropArchived)}
	}
	if prior := m.latestLocked(propID); prior != nil {
		if prior.Status == domain.SettlementInProgress || prior.Status == domain.SettlementDisputed {
			m.stats.Conflicts++
			m.mu.Unlock()
			return nil, &ConflictError{Op: "initiate", PropID: propID, Current: string(prior.Status)}
		}
	}

	s := &domain.Settlement{
		SettlementID: uuid.New().String(),
		PropID:       propID,
		Status:       domain.SettlementInProgress,
		Source:       req.Source,
		ActualValue:  req.ActualValue,
		Line:         req.Line,
		Side:         req.Side,
		CreatedAt:    time.Now().UTC(),
	}
	audit(s, "initiated", req.Actor, fmt.Sprintf("source=%s actual=%.2f line=%.2f side=%s", req.Source, req.ActualValue, req.Line, req.Side))

	m.history[propID] = append(m.history[propID], s)
	m.active[s.SettlementID] = s
	m.stats.Initiated++
	out := copyOf(s)
	pay := payloadOf(s)
	m.mu.Unlock()

	log.Info().Str("prop_id", propID).Str("settlement_id", s.SettlementID).
		Str("source", string(req.Source)).Msg("settlement initiated")
	m.emit(domain.EventSettlementInitiated, pay)

	return out, nil
}

// Process evaluates an initiated settlement: it derives confidence from the
// primary source, settles the outcome side-aware against the line, and
// finalizes the record. Attempts whose source reliability falls below the
// confidence threshold are parked in REQUIRES_MANUAL_REVIEW instead.
// Processing an already-SETTLED settlement is an idempotent no-op returning
// true, tolerating at-least-once event delivery.
func (m *Manager) Process(ctx context.Context, settlementID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	s, ok := m.active[settlementID]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("process %s: %w", settlementID, ErrNotFound)
	}

	lock := m.propLock(s.PropID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	switch s.Status {
	case domain.SettlementSettled:
		m.mu.Unlock()
		return true, nil
	case domain.SettlementDisputed:
		m.stats.Conflicts++
		cur := string(s.Status)
		m.mu.Unlock()
		return false, &ConflictError{Op: "process", PropID: s.PropID, Current: cur}
	}

	score := s.Source.Reliability()
	s.Confidence = domain.ConfidenceFromScore(score)

	if score < m.cfg.ConfidenceThreshold {
		s.Status = domain.SettlementManualReview
		audit(s, "queued_for_manual_review", "", fmt.Sprintf("reliability=%.2f threshold=%.2f", score, m.cfg.ConfidenceThreshold))
		m.stats.ManualReviews++
		m.mu.Unlock()

		log.Info().Str("prop_id", s.PropID).Str("settlement_id", s.SettlementID).
			Float64("reliability", score).Msg("settlement queued for manual review")
		return true, nil
	}

	if s.Side != domain.SideOver && s.Side != domain.SideUnder {
		s.Outcome = domain.OutcomeVoid
	} else {
		s.Outcome = domain.SettleOutcome(s.ActualValue, s.Line, s.Side)
	}
	s.Status = domain.SettlementSettled
	s.SettledAt = time.Now().UTC()
	audit(s, "settled", "", fmt.Sprintf("outcome=%s confidence=%s", s.Outcome, s.Confidence))
	m.stats.Settled++
	pay := payloadOf(s)
	m.mu.Unlock()

	log.Info().Str("prop_id", s.PropID).Str("settlement_id", s.SettlementID).
		Str("outcome", string(pay.Outcome)).Str("confidence", string(pay.Confidence)).
		Msg("settlement completed")
	m.emit(domain.EventSettlementCompleted, pay)

	return true, nil
}

// CreateDispute contests a settlement. Allowed only while the settlement is
// SETTLED or IN_PROGRESS.
func (m *Manager) CreateDispute(ctx context.Context, settlementID string, req DisputeRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !m.cfg.DisputesEnabled {
		return false, ErrDisputesDisabled
	}

	m.mu.RLock()
	s, ok := m.active[settlementID]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("dispute %s: %w", settlementID, ErrNotFound)
	}

	lock := m.propLock(s.PropID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if s.Status != domain.SettlementSettled && s.Status != domain.SettlementInProgress {
		m.stats.Conflicts++
		cur := string(s.Status)
		m.mu.Unlock()
		return false, &ConflictError{Op: "dispute", PropID: s.PropID, Current: cur}
	}

	s.Status = domain.SettlementDisputed
	s.Dispute = &domain.DisputeRecord{
		Reason:         req.Reason,
		DisputingParty: req.DisputingParty,
		Evidence:       req.Evidence,
		CreatedAt:      time.Now().UTC(),
	}
	audit(s, "dispute_created", req.DisputingParty, req.Reason)
	m.stats.DisputesCreated++
	pay := payloadOf(s)
	m.mu.Unlock()

	log.Warn().Str("prop_id", s.PropID).Str("settlement_id", s.SettlementID).
		Str("disputing_party", req.DisputingParty).Msg("settlement disputed")
	m.emit(domain.EventSettlementDisputed, pay)

	return true, nil
}

// ResolveDispute closes a dispute with the resolver's final outcome. Allowed
// only from DISPUTED.
func (m *Manager) ResolveDispute(ctx context.Context, settlementID string, req ResolveRequest) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.RLock()
	s, ok := m.active[settlementID]
	m.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("resolve %s: %w", settlementID, ErrNotFound)
	}

	lock := m.propLock(s.PropID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if s.Status != domain.SettlementDisputed {
		m.stats.Conflicts++
		cur := string(s.Status)
		m.mu.Unlock()
		return false, &ConflictError{Op: "resolve", PropID: s.PropID, Current: cur}
	}

	now := time.Now().UTC()
	s.Outcome = req.Resolution
	s.Status = domain.SettlementSettled
	s.SettledAt = now
	if s.Dispute != nil {
		s.Dispute.Resolution = req.Resolution
		s.Dispute.Resolver = req.Resolver
		s.Dispute.Notes = req.Notes
		s.Dispute.ResolvedAt = now
	}
	audit(s, "dispute_resolved", req.Resolver, fmt.Sprintf("resolution=%s %s", req.Resolution, req.Notes))
	m.stats.DisputesResolved++
	pay := payloadOf(s)
	m.mu.Unlock()

	log.Info().Str("prop_id", s.PropID).Str("settlement_id", s.SettlementID).
		Str("resolution", string(req.Resolution)).Str("resolver", req.Resolver).
		Msg("dispute resolved")
	m.emit(domain.EventSettlementResolved, pay)

	return true, nil
}

// Archive removes SETTLED settlements older than the cutoff from the active
// working set, handing each to the sink when one is attached. A prop whose
// latest attempt is archived becomes terminal: no further settlement can be
// initiated for it. History is retained for status reads.
func (m *Manager) Archive(ctx context.Context, cutoffDays int) (int, error) {
	if cutoffDays <= 0 {
		return 0, fmt.Errorf("cutoff days must be positive, got %d", cutoffDays)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -cutoffDays)

	m.mu.RLock()
	candidates := make([]*domain.Settlement, 0, len(m.active))
	for _, s := range m.active {
		candidates = append(candidates, s)
	}
	m.mu.RUnlock()

	archived := 0
	var lastPay domain.SettlementEventPayload
	for _, s := range candidates {
		if err := ctx.Err(); err != nil {
			return archived, err
		}

		lock := m.propLock(s.PropID)
		lock.Lock()

		m.mu.RLock()
		eligible := s.Status == domain.SettlementSettled && s.CreatedAt.Before(cutoff)
		snapshot := copyOf(s)
		m.mu.RUnlock()
		if !eligible {
			lock.Unlock()
			continue
		}

		if m.sink != nil {
			if err := m.sink.Archive(ctx, snapshot); err != nil {
				lock.Unlock()
				return archived, fmt.Errorf("archive sink: %w", err)
			}
		}

		m.mu.Lock()
		audit(s, "archived", "", fmt.Sprintf("cutoff_days=%d", cutoffDays))
		delete(m.active, s.SettlementID)
		if latest := m.latestLocked(s.PropID); latest != nil && latest.SettlementID == s.SettlementID {
			m.archived[s.PropID] = true
		}
		m.stats.Archived++
		lastPay = payloadOf(s)
		m.mu.Unlock()
		lock.Unlock()

		archived++
		log.Debug().Str("prop_id", s.PropID).Str("settlement_id", s.SettlementID).Msg("settlement archived")
	}

	if archived > 0 {
		lastPay.ArchivedN = archived
		log.Info().Int("archived", archived).Int("cutoff_days", cutoffDays).Msg("archive pass complete")
		m.emit(domain.EventSettlementArchived, lastPay)
	}
	return archived, nil
}

// Status returns the latest settlement attempt for a prop, or nil when the
// prop has never entered settlement.
func (m *Manager) Status(ctx context.Context, propID string) (*domain.Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.latestLocked(propID)
	if s == nil {
		return nil, nil
	}
	return copyOf(s), nil
}

// LifecycleOf derives the prop's lifecycle state from its settlement history.
func (m *Manager) LifecycleOf(propID string) domain.LifecycleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.archived[propID] {
		return domain.PropArchived
	}
	return domain.Lifecycle(m.latestLocked(propID))
}

// History returns all settlement attempts for a prop, oldest first.
func (m *Manager) History(ctx context.Context, propID string) ([]*domain.Settlement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.history[propID]
	out := make([]*domain.Settlement, len(entries))
	for i, s := range entries {
		out[i] = copyOf(s)
	}
	return out, nil
}

// Stats returns a counter snapshot.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.stats
	st.ActiveCount = len(m.active)
	return st
}

// latestLocked returns the newest attempt for a prop. Callers hold m.mu.
func (m *Manager) latestLocked(propID string) *domain.Settlement {
	entries := m.history[propID]
	if len(entries) == 0 {
		return nil
	}
	return entries[len(entries)-1]
}

// copyOf returns a detached copy so callers cannot mutate manager state.
// Callers hold m.mu (any mode) or exclusive ownership of s.
func copyOf(s *domain.Settlement) *domain.Settlement {
	cp := *s
	if s.Dispute != nil {
		d := *s.Dispute
		cp.Dispute = &d
	}
	cp.Audit = append([]domain.AuditEntry(nil), s.Audit...)
	return &cp
}
