// Package admission gates every externally-reachable operation before it can
// reach expensive computation: a multi-strategy rate limiter over the shared
// store, with a fail-open local fallback, and a fail-fast queue guard that
// sheds load by priority under backlog.
package admission

import (
	"sort"
	"strings"
	"time"
)

// Strategy selects the rate limiting algorithm for a policy.
type Strategy string

const (
	FixedWindow   Strategy = "FIXED_WINDOW"
	SlidingWindow Strategy = "SLIDING_WINDOW"
	TokenBucket   Strategy = "TOKEN_BUCKET"
	LeakyBucket   Strategy = "LEAKY_BUCKET"
)

// Policy is one rate limit: N requests per window, evaluated by a strategy.
type Policy struct {
	Requests      int      `yaml:"requests" json:"requests"`
	WindowSeconds int      `yaml:"window_seconds" json:"window_seconds"`
	Strategy      Strategy `yaml:"strategy" json:"strategy"`
	// Burst caps the token bucket above the steady rate. Zero means the
	// bucket capacity equals Requests.
	Burst int `yaml:"burst,omitempty" json:"burst,omitempty"`
}

func (p Policy) window() time.Duration {
	return time.Duration(p.WindowSeconds) * time.Second
}

func (p Policy) capacity() int {
	if p.Burst > 0 {
		return p.Burst
	}
	return p.Requests
}

// refillPerSecond is the steady-state rate a bucket strategy refills (or
// leaks) at.
func (p Policy) refillPerSecond() float64 {
	if p.WindowSeconds <= 0 {
		return float64(p.Requests)
	}
	return float64(p.Requests) / float64(p.WindowSeconds)
}

type wildcardPolicy struct {
	prefix string
	policy Policy
}

// PolicySet resolves the applicable policy for a request:
// exact endpoint match, then longest wildcard prefix ("/api/admin/*"),
// then the caller's tier default.
type PolicySet struct {
	exact     map[string]Policy
	wildcards []wildcardPolicy // sorted longest prefix first
	tiers     map[string]Policy
	ip        Policy
}

// NewPolicySet compiles endpoint and tier tables into a resolver. Endpoint
// keys ending in "*" register as prefix wildcards.
func NewPolicySet(endpoints, tiers map[string]Policy, ip Policy) *PolicySet {
	ps := &PolicySet{
		exact: make(map[string]Policy),
		tiers: make(map[string]Policy, len(tiers)),
		ip:    ip,
	}
	for pattern, pol := range endpoints {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			ps.wildcards = append(ps.wildcards, wildcardPolicy{prefix: prefix, policy: pol})
			continue
		}
		ps.exact[pattern] = pol
	}
	// Longest prefix wins deterministically regardless of map order.
	sort.Slice(ps.wildcards, func(i, j int) bool {
		return len(ps.wildcards[i].prefix) > len(ps.wildcards[j].prefix)
	})
	for tier, pol := range tiers {
		ps.tiers[tier] = pol
	}
	return ps
}

// DefaultPolicyTables returns the built-in endpoint and tier tables plus the
// secondary per-IP policy. Configuration overlays these per key.
func DefaultPolicyTables() (endpoints, tiers map[string]Policy, ip Policy) {
	endpoints = map[string]Policy{
		"/api/settlements":  {Requests: 50, WindowSeconds: 300, Strategy: SlidingWindow},
		"/api/stream/cycle": {Requests: 10, WindowSeconds: 300, Strategy: TokenBucket, Burst: 20},
		"/api/admin/*":      {Requests: 500, WindowSeconds: 3600, Strategy: SlidingWindow},
		"/health":           {Requests: 1000, WindowSeconds: 60, Strategy: SlidingWindow},
	}
	tiers = map[string]Policy{
		"public":        {Requests: 100, WindowSeconds: 3600, Strategy: SlidingWindow},
		"authenticated": {Requests: 1000, WindowSeconds: 3600, Strategy: SlidingWindow},
		"premium":       {Requests: 5000, WindowSeconds: 3600, Strategy: SlidingWindow},
		"admin":         {Requests: 10000, WindowSeconds: 3600, Strategy: SlidingWindow},
	}
	ip = Policy{Requests: 1000, WindowSeconds: 3600, Strategy: SlidingWindow}
	return endpoints, tiers, ip
}

// DefaultPolicies compiles the built-in tables.
func DefaultPolicies() *PolicySet {
	endpoints, tiers, ip := DefaultPolicyTables()
	return NewPolicySet(endpoints, tiers, ip)
}

// Resolve returns the policy governing a request: exact endpoint rules beat
// wildcard prefixes, which beat the caller's tier default.
func (ps *PolicySet) Resolve(endpoint, tier string) Policy {
	if pol, ok := ps.exact[endpoint]; ok {
		return pol
	}
	for _, w := range ps.wildcards {
		if strings.HasPrefix(endpoint, w.prefix) {
			return w.policy
		}
	}
	if pol, ok := ps.tiers[tier]; ok {
		return pol
	}
	if pol, ok := ps.tiers["public"]; ok {
		return pol
	}
	// A set built without tiers still limits rather than passing unmetered.
	return Policy{Requests: 100, WindowSeconds: 3600, Strategy: SlidingWindow}
}

// IPPolicy returns the secondary per-IP limit.
func (ps *PolicySet) IPPolicy() Policy {
	return ps.ip
}

// Tiers returns the configured tier table for status reporting.
func (ps *PolicySet) Tiers() map[string]Policy {
	out := make(map[string]Policy, len(ps.tiers))
	for k, v := range ps.tiers {
		out[k] = v
	}
	return out
}

// Endpoints returns the compiled endpoint table, wildcard patterns with
// their trailing "*" restored.
func (ps *PolicySet) Endpoints() map[string]Policy {
	out := make(map[string]Policy, len(ps.exact)+len(ps.wildcards))
	for k, v := range ps.exact {
		out[k] = v
	}
	for _, w := range ps.wildcards {
		out[w.prefix+"*"] = w.policy
	}
	return out
}
