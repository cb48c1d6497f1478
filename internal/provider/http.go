package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/propstream/propstream/internal/domain"
)

// HTTPOptions tunes the live sportsbook adapter.
type HTTPOptions struct {
	BaseURL string
	// APIKey, when set, is sent as X-API-Key on every request.
	APIKey  string
	Timeout time.Duration
	// RPS caps the outbound request rate. Zero disables client-side pacing.
	RPS   float64
	Burst int
	// DailyBudget caps requests per UTC day. Zero means unmetered. Most
	// sportsbook APIs bill per call, so exhaustion fails fast rather than
	// queueing.
	DailyBudget int64
}

// HTTPClient fetches the quote board from a sportsbook HTTP API:
// GET {base}/quotes?sport=nba returning a JSON quote board in the same shape
// the fixture files use. Resilience (circuit breaking, retries) belongs to
// the caller; this client only paces, meters, and classifies failures.
type HTTPClient struct {
	name string
	base string
	key  string
	http *http.Client

	limiter *rate.Limiter
	budget  *callBudget
}

// NewHTTPClient creates a live provider. Timeout defaults to 10s; a zero
// Burst with a positive RPS gets a burst of 1.
func NewHTTPClient(name string, opts HTTPOptions) *HTTPClient {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	c := &HTTPClient{
		name: name,
		base: strings.TrimRight(opts.BaseURL, "/"),
		key:  opts.APIKey,
		http: &http.Client{Timeout: opts.Timeout},
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
	}
	if opts.DailyBudget > 0 {
		c.budget = newCallBudget(opts.DailyBudget)
	}
	return c
}

func (c *HTTPClient) Name() string { return c.name }

// FetchQuotes performs one board fetch. The budget is checked before pacing
// so an exhausted provider fails immediately instead of parking on the
// limiter.
func (c *HTTPClient) FetchQuotes(ctx context.Context, sport string) ([]domain.Quote, error) {
	if c.budget != nil {
		if err := c.budget.take(c.name); err != nil {
			return nil, err
		}
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, c.classify(err, 0)
		}
	}

	target := c.base + "/quotes"
	if sport != "" {
		target += "?sport=" + url.QueryEscape(sport)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, &UnavailableError{Provider: c.name, Reason: fmt.Sprintf("bad request: %v", err)}
	}
	req.Header.Set("User-Agent", "propstream/1.0")
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(err, time.Since(start))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var board quoteBoard
	if err := json.NewDecoder(resp.Body).Decode(&board); err != nil {
		return nil, &UnavailableError{Provider: c.name, Reason: fmt.Sprintf("malformed board: %v", err)}
	}
	if board.Sportsbook == "" {
		board.Sportsbook = c.name
	}

	now := time.Now().UTC()
	var out []domain.Quote
	for _, q := range buildQuotes(board) {
		if sport != "" && q.Sport != sport {
			continue
		}
		q.CapturedAt = now
		out = append(out, q)
	}
	return out, nil
}

// classify maps transport failures onto the provider error taxonomy so the
// resilience layer can tell timeouts from outages.
func (c *HTTPClient) classify(err error, elapsed time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Provider: c.name, Elapsed: elapsed}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Provider: c.name, Elapsed: elapsed}
	}
	return &UnavailableError{Provider: c.name, Reason: err.Error()}
}

func (c *HTTPClient) statusError(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		var after time.Duration
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				after = time.Duration(secs) * time.Second
			}
		}
		return &UnavailableError{Provider: c.name, Reason: "rate limited upstream", RetryAfter: after}
	}
	return &UnavailableError{Provider: c.name, Reason: fmt.Sprintf("http %d", resp.StatusCode)}
}

// callBudget meters requests against a per-UTC-day quota.
type callBudget struct {
	mu      sync.Mutex
	limit   int64
	used    int64
	resetAt time.Time
}

func newCallBudget(limit int64) *callBudget {
	return &callBudget{limit: limit, resetAt: nextUTCMidnight(time.Now().UTC())}
}

func nextUTCMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

// take consumes one call, rolling the window first. Exhaustion reports the
// time until the quota resets.
func (b *callBudget) take(provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	if !now.Before(b.resetAt) {
		b.used = 0
		b.resetAt = nextUTCMidnight(now)
	}
	if b.used >= b.limit {
		return &UnavailableError{
			Provider:   provider,
			Reason:     fmt.Sprintf("daily budget exhausted (%d/%d)", b.used, b.limit),
			RetryAfter: b.resetAt.Sub(now),
		}
	}
	b.used++
	return nil
}
