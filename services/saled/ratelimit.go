package saled

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"halloffame/observability"
)

const visitorTTL = 5 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client. Authenticated requests are
// keyed by account, anonymous ones by client address.
type RateLimiter struct {
	perSecond rate.Limit
	burst     int
	mu        sync.Mutex
	visitors  map[string]*visitor
	clockNow  func() time.Time
}

// NewRateLimiter builds a limiter from configuration.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		perSecond: rate.Limit(perSecond),
		burst:     burst,
		visitors:  make(map[string]*visitor),
		clockNow:  time.Now,
	}
}

// Middleware enforces the limit for the wrapped handler.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		key := clientID(req)
		if identity, ok := IdentityFrom(req.Context()); ok {
			key = "acct:" + identity
		}
		if !r.Allow(key) {
			observability.API().RecordThrottle("saled", "rate_limit")
			writeError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), "rate_limited")
			return
		}
		next.ServeHTTP(w, req)
	})
}

// Allow reports whether key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	now := r.clockNow()
	r.mu.Lock()
	entry, ok := r.visitors[key]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(r.perSecond, r.burst)}
		r.visitors[key] = entry
	}
	entry.lastSeen = now
	r.evictLocked(now)
	r.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func (r *RateLimiter) evictLocked(now time.Time) {
	for key, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > visitorTTL {
			delete(r.visitors, key)
		}
	}
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
