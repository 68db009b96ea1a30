package ratelimit

import (
	"fmt"
	"net"
	"net/http"

	"github.com/partstream/messaging-backend/pkg/metrics"
)

// KeyFunc derives the client key for a request.
type KeyFunc func(r *http.Request) string

// ByRemoteIP keys requests on the caller's IP address.
func ByRemoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces the limiter for one route class, rejecting with
// 429 and a Retry-After hint when the budget is exhausted.
func Middleware(l Limiter, class RouteClass, keyFn KeyFunc) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ByRemoteIP
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := l.Allow(keyFn(r), class)
			if !d.Allowed {
				metrics.RateLimitRejectionsTotal.WithLabelValues(string(class)).Inc()
				retryMs := d.RetryAfter.Milliseconds()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(d.RetryAfter.Seconds())+1))
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprintf(w, `{"error":"rate limit exceeded","retry_after_ms":%d}`, retryMs)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
