package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/store"
)

// Identity names the caller being limited.
type Identity struct {
	Key  string // API key or user id
	Tier string
	IP   string
}

// Result is the outcome of one admission check. Denials always carry the
// remaining quota, the window reset, and a retry hint; a bare rejection is
// never returned.
type Result struct {
	Allowed           bool      `json:"allowed"`
	Remaining         int       `json:"requests_remaining"`
	ResetTime         time.Time `json:"reset_time"`
	RetryAfterSeconds int       `json:"retry_after,omitempty"`
	// Degraded marks results produced by the local fail-open limiter while
	// the shared store is unreachable.
	Degraded bool `json:"degraded,omitempty"`
}

// LimitError is the error form of a denial, for callers that gate internal
// operations rather than HTTP requests.
type LimitError struct {
	Identity string
	Endpoint string
	Result   Result
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s on %s: retry after %ds",
		e.Identity, e.Endpoint, e.Result.RetryAfterSeconds)
}

// IsLimitExceeded reports whether err is a rate limit denial.
func IsLimitExceeded(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

// LimiterStats is a point-in-time counter snapshot.
type LimiterStats struct {
	Checks         int64 `json:"checks"`
	Denials        int64 `json:"denials"`
	DegradedChecks int64 `json:"degraded_checks"`
}

// Limiter evaluates rate limit policies against the shared store. When the
// store becomes unreachable it fails open: checks are served by a local
// token-bucket limiter, flagged Degraded, until a re-probe succeeds.
type Limiter struct {
	policies *PolicySet
	store    store.Store
	local    *localLimiter

	// probeInterval is how long the limiter stays on the local path after a
	// store failure before retrying the shared store.
	probeInterval time.Duration
	degradedUntil atomic.Int64 // unix nanos; 0 when healthy

	mu    sync.Mutex
	stats LimiterStats
}

// NewLimiter creates a limiter over the given policy set and store.
func NewLimiter(policies *PolicySet, st store.Store) *Limiter {
	return &Limiter{
		policies:      policies,
		store:         st,
		local:         newLocalLimiter(),
		probeInterval: 30 * time.Second,
	}
}

// Check evaluates the identity limiter and, when an IP is present, the
// secondary IP limiter. A denial from either wins; two allowances return the
// identity result.
func (l *Limiter) Check(ctx context.Context, id Identity, endpoint string) (Result, error) {
	pol := l.policies.Resolve(endpoint, id.Tier)

	idRes, err := l.evaluate(ctx, "user", id.Key, endpoint, pol)
	if err != nil {
		return Result{}, err
	}

	if id.IP != "" {
		ipRes, err := l.evaluate(ctx, "ip", id.IP, endpoint, l.policies.IPPolicy())
		if err != nil {
			return Result{}, err
		}
		if !ipRes.Allowed {
			l.count(false, ipRes.Degraded)
			return ipRes, nil
		}
	}

	l.count(idRes.Allowed, idRes.Degraded)
	return idRes, nil
}

// Allow is the error-returning form of Check for internal callers: denial
// comes back as a *LimitError carrying the full result.
func (l *Limiter) Allow(ctx context.Context, id Identity, endpoint string) error {
	res, err := l.Check(ctx, id, endpoint)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &LimitError{Identity: id.Key, Endpoint: endpoint, Result: res}
	}
	return nil
}

// Status reports the policy and current standing for one identity/endpoint
// without consuming quota metadata beyond a normal check.
type Status struct {
	Endpoint      string `json:"endpoint"`
	UserTier      string `json:"user_tier"`
	RateLimit     Policy `json:"rate_limit"`
	CurrentStatus Result `json:"current_status"`
}

// StatusFor runs a check and wraps it in the status document shape.
func (l *Limiter) StatusFor(ctx context.Context, id Identity, endpoint string) (Status, error) {
	res, err := l.Check(ctx, id, endpoint)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Endpoint:      endpoint,
		UserTier:      id.Tier,
		RateLimit:     l.policies.Resolve(endpoint, id.Tier),
		CurrentStatus: res,
	}, nil
}

// Stats returns a counter snapshot.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Degraded reports whether checks are currently served by the local
// fail-open path.
func (l *Limiter) Degraded() bool {
	return time.Now().UnixNano() < l.degradedUntil.Load()
}

func (l *Limiter) count(allowed, degraded bool) {
	l.mu.Lock()
	l.stats.Checks++
	if !allowed {
		l.stats.Denials++
	}
	if degraded {
		l.stats.DegradedChecks++
	}
	l.mu.Unlock()
}

// evaluate runs one policy for one identifier. Store connectivity failures
// flip the limiter into degraded mode for probeInterval; anything else is a
// programming error and propagates.
func (l *Limiter) evaluate(ctx context.Context, limitType, identifier, endpoint string, pol Policy) (Result, error) {
	if identifier == "" {
		identifier = "anonymous"
	}

	if l.Degraded() {
		return l.local.check(limitType, identifier, endpoint, pol), nil
	}

	res, err := l.checkStore(ctx, limitType, identifier, endpoint, pol)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			l.degradedUntil.Store(time.Now().Add(l.probeInterval).UnixNano())
			log.Warn().Err(err).Str("limit_type", limitType).Str("endpoint", endpoint).
				Dur("probe_interval", l.probeInterval).
				Msg("shared store unavailable, rate limiting degraded to fail-open")
			return l.local.check(limitType, identifier, endpoint, pol), nil
		}
		return Result{}, err
	}
	// A successful store round trip ends any degraded period early.
	l.degradedUntil.Store(0)
	return res, nil
}

func (l *Limiter) checkStore(ctx context.Context, limitType, identifier, endpoint string, pol Policy) (Result, error) {
	switch pol.Strategy {
	case FixedWindow:
		return l.checkFixedWindow(ctx, limitType, identifier, endpoint, pol)
	case TokenBucket:
		return l.checkTokenBucket(ctx, limitType, identifier, endpoint, pol)
	case LeakyBucket:
		return l.checkLeakyBucket(ctx, limitType, identifier, endpoint, pol)
	case SlidingWindow:
		return l.checkSlidingWindow(ctx, limitType, identifier, endpoint, pol)
	default:
		return l.checkSlidingWindow(ctx, limitType, identifier, endpoint, pol)
	}
}

func limitKey(strategy, limitType, identifier, endpoint string) string {
	return fmt.Sprintf("rl:%s:%s:%s:%s", strategy, limitType, identifier, endpoint)
}

// checkFixedWindow counts requests in the bucket keyed by the window start.
// The first write in a window arms the key's expiry.
func (l *Limiter) checkFixedWindow(ctx context.Context, limitType, identifier, endpoint string, pol Policy) (Result, error) {
	now := time.Now()
	windowStart := now.Unix() / int64(pol.WindowSeconds) * int64(pol.WindowSeconds)
	key := fmt.Sprintf("%s:%d", limitKey("fixed", limitType, identifier, endpoint), windowStart)

	count, err := l.store.Increment(ctx, key, pol.window())
	if err != nil {
		return Result{}, err
	}

	reset := time.Unix(windowStart+int64(pol.WindowSeconds), 0)
	res := Result{
		Allowed:   count <= int64(pol.Requests),
		Remaining: remaining(pol.Requests, int(count)),
		ResetTime: reset,
	}
	if !res.Allowed {
		res.RetryAfterSeconds = retrySeconds(time.Until(reset))
	}
	return res, nil
}

// checkSlidingWindow prunes the timestamp set below now-window, counts what
// is left, and records this request.
func (l *Limiter) checkSlidingWindow(ctx context.Context, limitType, identifier, endpoint string, pol Policy) (Result, error) {
	now := time.Now()
	key := limitKey("sliding", limitType, identifier, endpoint)
	nowScore := float64(now.UnixNano()) / float64(time.Second)
	windowStart := nowScore - float64(pol.WindowSeconds)

	if err := l.store.ZRemRangeByScore(ctx, key, 0, windowStart); err != nil {
		return Result{}, err
	}
	prior, err := l.store.ZCard(ctx, key)
	if err != nil {
		return Result{}, err
	}
	member := strconv.FormatFloat(nowScore, 'f', 9, 64)
	if err := l.store.ZAdd(ctx, key, nowScore, member); err != nil {
		return Result{}, err
	}
	if err := l.store.Expire(ctx, key, pol.window()); err != nil {
		return Result{}, err
	}

	count := int(prior) + 1
	res := Result{
		Allowed:   count <= pol.Requests,
		Remaining: remaining(pol.Requests, count),
		ResetTime: now.Add(pol.window()),
	}
	if !res.Allowed {
		res.RetryAfterSeconds = pol.WindowSeconds
	}
	return res, nil
}

// checkTokenBucket refills elapsed·rate tokens capped at capacity, then
// consumes one when available.
func (l *Limiter) checkTokenBucket(ctx context.Context, limitType, identifier, endpoint string, pol Policy) (Result, error) {
	now := time.Now()
	key := limitKey("token", limitType, identifier, endpoint)
	capacity := float64(pol.capacity())
	refill := pol.refillPerSecond()

	state, err := l.store.HGetAll(ctx, key)
	if err != nil {
		return Result{}, err
	}

	tokens := capacity
	lastRefill := float64(now.UnixNano()) / float64(time.Second)
	if v, ok := state["tokens"]; ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			tokens = parsed
		}
	}
	if v, ok := state["last_refill"]; ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			lastRefill = parsed
		}
	}

	nowSec := float64(now.UnixNano()) / float64(time.Second)
	elapsed := nowSec - lastRefill
	if elapsed < 0 {
		elapsed = 0
	}
	tokens = min(capacity, tokens+elapsed*refill)

	allowed := tokens >= 1
	if allowed {
		tokens--
	}

	err = l.store.HSet(ctx, key, map[string]string{
		"tokens":      strconv.FormatFloat(tokens, 'f', 6, 64),
		"last_refill": strconv.FormatFloat(nowSec, 'f', 6, 64),
	}, 2*pol.window())
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed:   allowed,
		Remaining: int(tokens),
		ResetTime: now.Add(pol.window()),
	}
	if !allowed && refill > 0 {
		res.RetryAfterSeconds = retrySeconds(time.Duration(float64(time.Second) / refill))
	}
	return res, nil
}

// checkLeakyBucket is the queue-shaped dual of the token bucket: the level
// drains at the steady rate and each request raises it by one; a full bucket
// rejects.
func (l *Limiter) checkLeakyBucket(ctx context.Context, limitType, identifier, endpoint string, pol Policy) (Result, error) {
	now := time.Now()
	key := limitKey("leaky", limitType, identifier, endpoint)
	capacity := float64(pol.capacity())
	leak := pol.refillPerSecond()

	state, err := l.store.HGetAll(ctx, key)
	if err != nil {
		return Result{}, err
	}

	level := 0.0
	lastLeak := float64(now.UnixNano()) / float64(time.Second)
	if v, ok := state["level"]; ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			level = parsed
		}
	}
	if v, ok := state["last_leak"]; ok {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			lastLeak = parsed
		}
	}

	nowSec := float64(now.UnixNano()) / float64(time.Second)
	elapsed := nowSec - lastLeak
	if elapsed < 0 {
		elapsed = 0
	}
	level = max(0, level-elapsed*leak)

	allowed := level+1 <= capacity
	if allowed {
		level++
	}

	err = l.store.HSet(ctx, key, map[string]string{
		"level":     strconv.FormatFloat(level, 'f', 6, 64),
		"last_leak": strconv.FormatFloat(nowSec, 'f', 6, 64),
	}, 2*pol.window())
	if err != nil {
		return Result{}, err
	}

	res := Result{
		Allowed:   allowed,
		Remaining: remaining(pol.capacity(), int(level)),
		ResetTime: now.Add(pol.window()),
	}
	if !allowed && leak > 0 {
		res.RetryAfterSeconds = retrySeconds(time.Duration(float64(time.Second) / leak))
	}
	return res, nil
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

// retrySeconds rounds a wait up to whole seconds, never returning zero for a
// positive wait so clients always back off.
func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
