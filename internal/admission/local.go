package admission

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// localLimiter serves checks while the shared store is unreachable. It keeps
// a token-bucket limiter per (type, identifier, endpoint) shaped by the same
// policy, so degraded mode stays best-effort-correct for a single process.
type localLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

func newLocalLimiter() *localLimiter {
	return &localLimiter{limiters: make(map[string]*rate.Limiter)}
}

// getLimiter returns or creates the limiter for a key.
func (l *localLimiter) getLimiter(key string, pol Policy) *rate.Limiter {
	l.mu.RLock()
	limiter, exists := l.limiters[key]
	l.mu.RUnlock()

	if exists {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := l.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rate.Limit(pol.refillPerSecond()), pol.capacity())
	l.limiters[key] = limiter
	return limiter
}

func (l *localLimiter) check(limitType, identifier, endpoint string, pol Policy) Result {
	key := fmt.Sprintf("%s:%s:%s", limitType, identifier, endpoint)
	limiter := l.getLimiter(key, pol)
	now := time.Now()

	allowed := limiter.Allow()
	res := Result{
		Allowed:   allowed,
		Remaining: int(limiter.Tokens()),
		ResetTime: now.Add(pol.window()),
		Degraded:  true,
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	if !allowed {
		// Probe the wait for the next token without consuming it.
		reservation := limiter.Reserve()
		delay := reservation.Delay()
		reservation.Cancel()
		res.RetryAfterSeconds = retrySeconds(delay)
	}
	return res
}
