package domain

import "time"

// SettlementStatus is the state of one settlement attempt.
type SettlementStatus string

const (
	SettlementPending      SettlementStatus = "PENDING"
	SettlementInProgress   SettlementStatus = "IN_PROGRESS"
	SettlementSettled      SettlementStatus = "SETTLED"
	SettlementDisputed     SettlementStatus = "DISPUTED"
	SettlementManualReview SettlementStatus = "REQUIRES_MANUAL_REVIEW"
)

// Outcome is the final result of a settled prop. Empty until settled.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLose Outcome = "LOSE"
	OutcomePush Outcome = "PUSH"
	OutcomeVoid Outcome = "VOID"
)

// Confidence grades how trustworthy a settlement's outcome is, derived from
// the reliability of its primary source.
type Confidence string

const (
	ConfidenceHigh      Confidence = "HIGH"
	ConfidenceMedium    Confidence = "MEDIUM"
	ConfidenceLow       Confidence = "LOW"
	ConfidenceUncertain Confidence = "UNCERTAIN"
)

// SettlementSource identifies where outcome data came from.
type SettlementSource string

const (
	SourceLiveEvent     SettlementSource = "LIVE_EVENT"
	SourceAPIFeed       SettlementSource = "API_FEED"
	SourceAutomatedRule SettlementSource = "AUTOMATED_RULE"
)

// Reliability returns the trust score for a source. Live event data beats
// API feeds, which beat automated rules.
func (s SettlementSource) Reliability() float64 {
	switch s {
	case SourceLiveEvent:
		return 0.95
	case SourceAPIFeed:
		return 0.80
	case SourceAutomatedRule:
		return 0.60
	default:
		return 0.0
	}
}

// ConfidenceFromScore maps a reliability score onto a confidence grade.
func ConfidenceFromScore(score float64) Confidence {
	switch {
	case score >= 0.95:
		return ConfidenceHigh
	case score >= 0.80:
		return ConfidenceMedium
	case score >= 0.60:
		return ConfidenceLow
	default:
		return ConfidenceUncertain
	}
}

// Side is the side of the line a bet was taken on.
type Side string

const (
	SideOver  Side = "OVER"
	SideUnder Side = "UNDER"
)

// SettleOutcome computes the outcome for a side given the actual result and
// the line. A result exactly on the line is a push regardless of side.
func SettleOutcome(actual, line float64, side Side) Outcome {
	if actual == line {
		return OutcomePush
	}
	over := actual > line
	if (over && side == SideOver) || (!over && side == SideUnder) {
		return OutcomeWin
	}
	return OutcomeLose
}

// DisputeRecord captures an open or resolved dispute on a settlement.
type DisputeRecord struct {
	Reason         string    `json:"reason"`
	DisputingParty string    `json:"disputing_party"`
	Evidence       string    `json:"evidence,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Resolution     Outcome   `json:"resolution,omitempty"`
	Resolver       string    `json:"resolver,omitempty"`
	Notes          string    `json:"notes,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitempty"`
}

// AuditEntry records one transition in a settlement's history.
type AuditEntry struct {
	At      time.Time `json:"at"`
	Action  string    `json:"action"`
	Actor   string    `json:"actor"`
	Details string    `json:"details,omitempty"`
}

// Settlement is one attempt to settle a prop. Attempts are append-only; the
// latest attempt for a prop is its current settlement.
type Settlement struct {
	SettlementID string           `json:"settlement_id"`
	PropID       string           `json:"prop_id"`
	Status       SettlementStatus `json:"status"`
	Confidence   Confidence       `json:"confidence,omitempty"`
	Outcome      Outcome          `json:"outcome,omitempty"`
	Source       SettlementSource `json:"primary_source"`
	ActualValue  float64          `json:"actual_value"`
	Line         float64          `json:"line"`
	Side         Side             `json:"side"`
	CreatedAt    time.Time        `json:"created_at"`
	SettledAt    time.Time        `json:"settled_at,omitempty"`
	Dispute      *DisputeRecord   `json:"dispute,omitempty"`
	Audit        []AuditEntry     `json:"audit,omitempty"`
}

// LifecycleState is the derived view of where a prop sits in its lifecycle.
type LifecycleState string

const (
	PropActive   LifecycleState = "ACTIVE"
	PropSettling LifecycleState = "SETTLING"
	PropSettled  LifecycleState = "SETTLED"
	PropDisputed LifecycleState = "DISPUTED"
	PropArchived LifecycleState = "ARCHIVED"
)

// Lifecycle derives the lifecycle state from a settlement attempt, or
// PropActive when no attempt exists yet.
func Lifecycle(s *Settlement) LifecycleState {
	if s == nil {
		return PropActive
	}
	switch s.Status {
	case SettlementInProgress, SettlementPending, SettlementManualReview:
		return PropSettling
	case SettlementSettled:
		return PropSettled
	case SettlementDisputed:
		return PropDisputed
	default:
		return PropActive
	}
}
