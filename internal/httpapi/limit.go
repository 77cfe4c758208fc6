package httpapi

import (
	"net/http"
	"strconv"

	"meshd/internal/apperr"
)

// limitSubmissions rejects submissions beyond the configured rate with 429.
func (s *server) limitSubmissions(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := s.limiter.Reserve()
		if !res.OK() {
			IncrementBackpressure("rate_limit")
			writeJSONError(w, http.StatusTooManyRequests, apperr.KindTooBusy, "submission rate limit exceeded")
			return
		}
		if d := res.Delay(); d > 0 {
			res.Cancel()
			secs := int(d.Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			IncrementBackpressure("rate_limit")
			writeJSONError(w, http.StatusTooManyRequests, apperr.KindTooBusy, "submission rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
