package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// SubjectHeader identifies the caller for rate limiting. Requests without it
// share the client address bucket.
const SubjectHeader = "X-Derivflow-Client"

// withRateLimit meters the expensive paths: forced regeneration and job
// enqueue. Limiter errors fail open.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route, cost := meteredRoute(r)
		if cost == 0 {
			next.ServeHTTP(w, r)
			return
		}

		subject := strings.TrimSpace(r.Header.Get(SubjectHeader))
		if subject == "" {
			subject = r.RemoteAddr
		}
		subject = subject + ":" + route

		decision, err := s.rateLimiter.Allow(r.Context(), subject, cost)
		if err != nil {
			s.requestLog(r).Warn().Err(err).Str("subject", subject).Msg("rate limiter check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(int(decision.RetryAfter.Round(time.Second).Seconds()), 1)
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limit exceeded"})
	})
}

// meteredRoute runs before routing, so it matches paths directly and returns
// a cost of zero for unmetered requests.
func meteredRoute(r *http.Request) (string, int) {
	path := r.URL.Path
	switch {
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/v1/assets/") && strings.HasSuffix(path, "/optimize"):
		return "/v1/assets/{id}/optimize", 1
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/v1/derivatives/"):
		force, err := strconv.ParseBool(r.URL.Query().Get("force"))
		if err == nil && force {
			return "/v1/derivatives/{size}/*", 1
		}
	}
	return "", 0
}
