package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/iac-studio/portal/internal/api/types"
	"github.com/iac-studio/portal/internal/metrics"
)

type limiterEntry struct {
	limiter *rate.Limiter
	last    time.Time
}

type visitorLimiter struct {
	mu       sync.Mutex
	visitors map[string]*limiterEntry
	rps      rate.Limit
	burst    int
}

func (v *visitorLimiter) allow(ip string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	le, ok := v.visitors[ip]
	if !ok {
		le = &limiterEntry{limiter: rate.NewLimiter(v.rps, v.burst)}
		v.visitors[ip] = le
	}
	le.last = time.Now()
	return le.limiter.Allow()
}

func (v *visitorLimiter) gc(idle time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for k, e := range v.visitors {
		if time.Since(e.last) > idle {
			delete(v.visitors, k)
		}
	}
}

func getIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimit applies a simple IP-based token bucket limiter.
func RateLimit(rps float64, burst int, m *metrics.Collector) func(http.Handler) http.Handler {
	v := &visitorLimiter{visitors: map[string]*limiterEntry{}, rps: rate.Limit(rps), burst: burst}
	gcTicker := time.NewTicker(5 * time.Minute)
	go func() {
		for range gcTicker.C {
			v.gc(10 * time.Minute)
		}
	}()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !v.allow(getIP(r)) {
				m.RateLimited("global")
				w.Header().Set("Retry-After", "1")
				types.WriteJSON(w, http.StatusTooManyRequests, types.APIResponse{
					Error: &types.APIError{Code: "rate_limited", Message: http.StatusText(http.StatusTooManyRequests)},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

