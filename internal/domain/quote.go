package domain

import (
	"fmt"
	"math"
	"time"
)

// Quote is a single captured market snapshot for one prop at one sportsbook.
// Quotes are immutable once captured; newer captures supersede older ones.
type Quote struct {
	PropID       string    `json:"prop_id"`
	Sportsbook   string    `json:"sportsbook"`
	Sport        string    `json:"sport"`
	Player       string    `json:"player"`
	StatType     string    `json:"stat_type"`
	Line         float64   `json:"line"`
	OverOdds     int       `json:"over_odds"`
	UnderOdds    int       `json:"under_odds"`
	OverDecimal  float64   `json:"over_decimal"`
	UnderDecimal float64   `json:"under_decimal"`
	OverImplied  float64   `json:"over_implied"`
	UnderImplied float64   `json:"under_implied"`
	CapturedAt   time.Time `json:"captured_at"`
}

// MakePropID builds the composite prop key from its identifying parts.
func MakePropID(gameID, player, statType string) string {
	return fmt.Sprintf("%s:%s:%s", gameID, player, statType)
}

// SameMarket reports whether two quotes carry identical line and odds,
// i.e. no market movement between the two captures.
func (q Quote) SameMarket(other Quote) bool {
	return q.Line == other.Line &&
		q.OverOdds == other.OverOdds &&
		q.UnderOdds == other.UnderOdds
}

// DecimalFromAmerican converts american odds to decimal odds.
func DecimalFromAmerican(odds int) float64 {
	if odds == 0 {
		return 0
	}
	if odds > 0 {
		return 1 + float64(odds)/100
	}
	return 1 + 100/math.Abs(float64(odds))
}

// ImpliedFromDecimal returns the raw implied probability of decimal odds.
func ImpliedFromDecimal(decimal float64) float64 {
	if decimal <= 0 {
		return 0
	}
	return 1 / decimal
}

// NoVig removes the bookmaker margin from a two-way implied pair so the
// probabilities sum to one.
func NoVig(overImplied, underImplied float64) (float64, float64) {
	total := overImplied + underImplied
	if total <= 0 {
		return 0, 0
	}
	return overImplied / total, underImplied / total
}
