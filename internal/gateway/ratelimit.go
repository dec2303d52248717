package gateway

import (
	"net"
	"net/http"
	"time"

	"github.com/basket/fleetrelay/internal/ratelimit"
)

// UpgradeLimiter caps websocket upgrade attempts per remote address so a
// reconnect storm cannot flood the registry.
type UpgradeLimiter struct {
	limiter *ratelimit.Limiter
	limit   func() int
}

func NewUpgradeLimiter(l *ratelimit.Limiter, limit func() int) *UpgradeLimiter {
	return &UpgradeLimiter{limiter: l, limit: limit}
}

// Wrap wraps an http.Handler with rate limiting.
func (u *UpgradeLimiter) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := u.limit()
		if limit > 0 && !u.limiter.Allow(upgradeLimitKey(r), limit, time.Minute) {
			w.Header().Set("Retry-After", "60")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func upgradeLimitKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "upgrade:" + host
}

func requestLimitKey(connID string) string {
	return "req:" + connID
}
