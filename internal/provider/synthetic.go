package provider

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/propstream/propstream/internal/domain"
)

// SyntheticClient generates a random-walking quote board. Lines drift, props
// appear and disappear, and a configurable slice of fetches fail, which makes
// it useful for demoing circuit behavior without a real upstream.
type SyntheticClient struct {
	name     string
	sport    string
	failRate float64
	latency  time.Duration

	mu    sync.Mutex
	rng   *rand.Rand
	board map[string]domain.Quote
}

// NewSyntheticClient seeds a deterministic synthetic provider. failRate is
// the fraction of fetches that return an UnavailableError.
func NewSyntheticClient(name, sport string, seed int64, failRate float64, latency time.Duration) *SyntheticClient {
	c := &SyntheticClient{
		name:     name,
		sport:    sport,
		failRate: failRate,
		latency:  latency,
		rng:      rand.New(rand.NewSource(seed)),
		board:    make(map[string]domain.Quote),
	}
	c.seedBoard()
	return c
}

func (c *SyntheticClient) Name() string { return c.name }

func (c *SyntheticClient) seedBoard() {
	players := []string{"j.allen", "l.james", "s.curry", "n.jokic", "j.tatum", "l.doncic"}
	stats := []string{"points", "rebounds", "assists"}
	for _, p := range players {
		for _, s := range stats {
			gameID := fmt.Sprintf("game-%d", c.rng.Intn(4)+1)
			propID := domain.MakePropID(gameID, p, s)
			c.board[propID] = c.quote(propID, p, s, 10+c.rng.Float64()*25)
		}
	}
}

func (c *SyntheticClient) quote(propID, player, stat string, line float64) domain.Quote {
	over := -120 + c.rng.Intn(25)
	under := -120 + c.rng.Intn(25)
	overDec := domain.DecimalFromAmerican(over)
	underDec := domain.DecimalFromAmerican(under)
	overImp, underImp := domain.NoVig(
		domain.ImpliedFromDecimal(overDec),
		domain.ImpliedFromDecimal(underDec),
	)
	return domain.Quote{
		PropID:       propID,
		Sportsbook:   c.name,
		Sport:        c.sport,
		Player:       player,
		StatType:     stat,
		Line:         line,
		OverOdds:     over,
		UnderOdds:    under,
		OverDecimal:  overDec,
		UnderDecimal: underDec,
		OverImplied:  overImp,
		UnderImplied: underImp,
	}
}

// FetchQuotes advances the random walk one step and returns the new board.
func (c *SyntheticClient) FetchQuotes(ctx context.Context, sport string) ([]domain.Quote, error) {
	if c.latency > 0 {
		select {
		case <-time.After(c.latency):
		case <-ctx.Done():
			return nil, &TimeoutError{Provider: c.name, Elapsed: c.latency}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rng.Float64() < c.failRate {
		return nil, &UnavailableError{Provider: c.name, Reason: "synthetic outage"}
	}
	if sport != "" && sport != c.sport {
		return []domain.Quote{}, nil
	}

	now := time.Now().UTC()
	out := make([]domain.Quote, 0, len(c.board))
	for propID, q := range c.board {
		switch roll := c.rng.Float64(); {
		case roll < 0.05:
			// Market taken off the board.
			delete(c.board, propID)
			continue
		case roll < 0.30:
			moved := c.quote(propID, q.Player, q.StatType, q.Line+0.5*float64(c.rng.Intn(3)-1))
			c.board[propID] = moved
			q = moved
		}
		q.CapturedAt = now
		out = append(out, q)
	}
	return out, nil
}
