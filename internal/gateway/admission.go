package gateway

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/propstream/propstream/internal/admission"
)

// Identity and priority headers honored by the admission chain.
const (
	headerAPIKey   = "X-API-Key"
	headerUserID   = "X-User-ID"
	headerUserTier = "X-User-Tier"
	headerPriority = "X-Priority"
)

// limitDenied is the 429 body. It carries the resolved policy and the
// denial status so callers can back off without a second status request.
type limitDenied struct {
	Error         string           `json:"error"`
	Endpoint      string           `json:"endpoint"`
	UserTier      string           `json:"user_tier"`
	RateLimit     admission.Policy `json:"rate_limit"`
	CurrentStatus admission.Result `json:"current_status"`
}

// queueRejected is the 503 body for queue-guard shedding.
type queueRejected struct {
	Error             string `json:"error"`
	Reason            string `json:"reason"`
	Priority          string `json:"priority"`
	Depth             int    `json:"depth"`
	Capacity          int    `json:"capacity"`
	RetryAfterSeconds int    `json:"retry_after"`
}

// guarded wraps a handler with the admission chain: rate limiter first,
// then the queue guard. Handler 5xx responses count as failures toward the
// guard's circuit breaker; 4xx responses and shed requests do not.
func (s *Server) guarded(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := s.identityFrom(r)

		status, err := s.deps.Limiter.StatusFor(r.Context(), id, r.URL.Path)
		if err != nil {
			log.Error().Err(err).Str("endpoint", r.URL.Path).Msg("Rate limit check failed")
			writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
			return
		}

		res := status.CurrentStatus
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(status.RateLimit.Requests))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if !res.ResetTime.IsZero() {
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetTime.Unix(), 10))
		}

		if !res.Allowed {
			s.metrics.RateLimitDenials.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
			writeJSON(w, http.StatusTooManyRequests, limitDenied{
				Error:         "rate limit exceeded",
				Endpoint:      status.Endpoint,
				UserTier:      status.UserTier,
				RateLimit:     status.RateLimit,
				CurrentStatus: res,
			})
			return
		}

		pri := admission.ParsePriority(r.Header.Get(headerPriority))

		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		gerr := s.deps.Guard.Execute(pri, func() error {
			next(wrapper, r)
			if wrapper.statusCode >= http.StatusInternalServerError {
				return errors.New("handler failed with " + strconv.Itoa(wrapper.statusCode))
			}
			return nil
		})
		if gerr == nil {
			return
		}

		var of *admission.OverflowError
		if errors.As(gerr, &of) {
			// Rejected before the handler ran.
			s.metrics.QueueShedTotal.Inc()
			retry := int(of.RetryAfter.Seconds())
			if retry < 1 {
				retry = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusServiceUnavailable, queueRejected{
				Error:             "service overloaded",
				Reason:            of.Reason,
				Priority:          of.Priority.String(),
				Depth:             of.Depth,
				Capacity:          of.Capacity,
				RetryAfterSeconds: retry,
			})
		}
		// Otherwise the handler ran and already wrote its error response;
		// the guard breaker has recorded the failure.
	}
}

// identityFrom resolves the request identity: API key, then user ID, then
// client IP. Tier comes from the tier header when present, otherwise
// authenticated callers default to "authenticated" and the rest to
// "public".
func (s *Server) identityFrom(r *http.Request) admission.Identity {
	id := admission.Identity{IP: clientIP(r)}

	switch {
	case r.Header.Get(headerAPIKey) != "":
		id.Key = "key:" + r.Header.Get(headerAPIKey)
	case r.Header.Get(headerUserID) != "":
		id.Key = "user:" + r.Header.Get(headerUserID)
	default:
		id.Key = "ip:" + id.IP
	}

	id.Tier = r.Header.Get(headerUserTier)
	if id.Tier == "" {
		if strings.HasPrefix(id.Key, "ip:") {
			id.Tier = "public"
		} else {
			id.Tier = "authenticated"
		}
	}
	return id
}

// clientIP extracts the caller address, preferring the first hop of
// X-Forwarded-For over the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
