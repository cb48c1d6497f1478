package provider

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/propstream/propstream/internal/domain"
)

// boardQuote is the wire shape of one quote: YAML in fixture files, JSON from
// sportsbook HTTP APIs.
type boardQuote struct {
	GameID    string  `yaml:"game_id" json:"game_id"`
	Player    string  `yaml:"player" json:"player"`
	StatType  string  `yaml:"stat_type" json:"stat_type"`
	Sport     string  `yaml:"sport" json:"sport"`
	Line      float64 `yaml:"line" json:"line"`
	OverOdds  int     `yaml:"over_odds" json:"over_odds"`
	UnderOdds int     `yaml:"under_odds" json:"under_odds"`
}

type quoteBoard struct {
	Sportsbook string       `yaml:"sportsbook" json:"sportsbook"`
	Quotes     []boardQuote `yaml:"quotes" json:"quotes"`
}

// FixtureClient serves quotes from a YAML fixture file. It backs offline
// runs and integration tests; the file can be rewritten between cycles to
// simulate market movement.
type FixtureClient struct {
	name string
	path string

	mu     sync.Mutex
	loaded []domain.Quote
	mtime  time.Time
}

// NewFixtureClient creates a fixture-backed provider named after the
// sportsbook declared in the file.
func NewFixtureClient(name, path string) *FixtureClient {
	return &FixtureClient{name: name, path: path}
}

func (c *FixtureClient) Name() string { return c.name }

// FetchQuotes reloads the fixture when its mtime changed and filters by
// sport. Missing files are a provider outage, not an empty board.
func (c *FixtureClient) FetchQuotes(ctx context.Context, sport string) ([]domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TimeoutError{Provider: c.name}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		return nil, &UnavailableError{Provider: c.name, Reason: fmt.Sprintf("fixture unreadable: %v", err)}
	}

	if info.ModTime() != c.mtime {
		raw, err := os.ReadFile(c.path)
		if err != nil {
			return nil, &UnavailableError{Provider: c.name, Reason: fmt.Sprintf("fixture unreadable: %v", err)}
		}
		var board quoteBoard
		if err := yaml.Unmarshal(raw, &board); err != nil {
			return nil, &UnavailableError{Provider: c.name, Reason: fmt.Sprintf("fixture malformed: %v", err)}
		}
		c.loaded = buildQuotes(board)
		c.mtime = info.ModTime()
	}

	now := time.Now().UTC()
	var out []domain.Quote
	for _, q := range c.loaded {
		if sport != "" && q.Sport != sport {
			continue
		}
		q.CapturedAt = now
		out = append(out, q)
	}
	return out, nil
}

func buildQuotes(board quoteBoard) []domain.Quote {
	quotes := make([]domain.Quote, 0, len(board.Quotes))
	for _, bq := range board.Quotes {
		overDec := domain.DecimalFromAmerican(bq.OverOdds)
		underDec := domain.DecimalFromAmerican(bq.UnderOdds)
		overImp, underImp := domain.NoVig(
			domain.ImpliedFromDecimal(overDec),
			domain.ImpliedFromDecimal(underDec),
		)
		quotes = append(quotes, domain.Quote{
			PropID:       domain.MakePropID(bq.GameID, bq.Player, bq.StatType),
			Sportsbook:   board.Sportsbook,
			Sport:        bq.Sport,
			Player:       bq.Player,
			StatType:     bq.StatType,
			Line:         bq.Line,
			OverOdds:     bq.OverOdds,
			UnderOdds:    bq.UnderOdds,
			OverDecimal:  overDec,
			UnderDecimal: underDec,
			OverImplied:  overImp,
			UnderImplied: underImp,
		})
	}
	return quotes
}
