package core

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"briefing/internal/types"
)

type window struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window limiter keyed by client IP. Windows live in
// a bounded LRU, so a flood of distinct addresses evicts the oldest keys
// instead of growing memory. State is per process.
type RateLimiter struct {
	limit  int
	period time.Duration
	clock  types.Clock

	mu      sync.Mutex
	windows *lru.Cache[string, window]
}

// NewRateLimiter allows limit requests per period for each of at most
// maxKeys clients.
func NewRateLimiter(limit int, period time.Duration, maxKeys int, clock types.Clock) (*RateLimiter, error) {
	if limit <= 0 || period <= 0 {
		return nil, fmt.Errorf("rate limiter needs a positive limit and period")
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	cache, err := lru.New[string, window](max(maxKeys, 1))
	if err != nil {
		return nil, fmt.Errorf("create rate limit cache: %w", err)
	}
	return &RateLimiter{limit: limit, period: period, clock: clock, windows: cache}, nil
}

// Allow counts one request for key and reports whether it fits the current
// window, along with the remaining budget and the window reset time.
func (l *RateLimiter) Allow(key string) (allowed bool, remaining int, resetAt time.Time) {
	now := l.clock.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows.Get(key)
	if !ok || now.Sub(w.start) >= l.period {
		w = window{start: now}
	}
	resetAt = w.start.Add(l.period)
	if w.count >= l.limit {
		l.windows.Add(key, w)
		return false, 0, resetAt
	}
	w.count++
	l.windows.Add(key, w)
	return true, l.limit - w.count, resetAt
}

// RateLimit rejects clients that exceed the limiter with 429 and sets the
// X-RateLimit-* headers on every response. A nil limiter passes through.
func (s *Server) RateLimit(l *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractClientIP(r)
			allowed, remaining, resetAt := l.Allow(ip)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

			if !allowed {
				s.Logger.Warn("rate limit exceeded",
					slog.String("client_ip", ip),
					slog.String("path", r.URL.Path),
				)
				retryAfter := max(int(resetAt.Sub(l.clock.Now()).Seconds()), 1)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				Error(w, r, types.NewAppError(types.ErrCodeRateLimited, "too many requests, retry later", nil))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractClientIP prefers the first X-Forwarded-For entry, which API Gateway
// sets to the original client, and falls back to RemoteAddr without port.
func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
