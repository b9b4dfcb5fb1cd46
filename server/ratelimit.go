package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig is the per-client request budget. Zero disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute float64
	Burst             int
}

type rateLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	visitors map[string]*visitorEntry
	now      func() time.Time
}

type visitorEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const visitorIdleEviction = 10 * time.Minute

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	return &rateLimiter{
		cfg:      cfg,
		visitors: make(map[string]*visitorEntry),
		now:      time.Now,
	}
}

func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	if rl.cfg.RequestsPerMinute <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(clientID(r)) {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "request rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *rateLimiter) allow(id string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	entry, ok := rl.visitors[id]
	if !ok {
		burst := rl.cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		entry = &visitorEntry{
			limiter: rate.NewLimiter(rate.Limit(rl.cfg.RequestsPerMinute/60.0), burst),
		}
		rl.visitors[id] = entry
	}
	entry.lastSeen = now
	rl.evictIdle(now)
	return entry.limiter.Allow()
}

func (rl *rateLimiter) evictIdle(now time.Time) {
	for id, entry := range rl.visitors {
		if now.Sub(entry.lastSeen) > visitorIdleEviction {
			delete(rl.visitors, id)
		}
	}
}

// clientID resolves the caller identity for rate limiting, preferring proxy
// headers over the socket address.
func clientID(r *http.Request) string {
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
