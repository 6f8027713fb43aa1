package httpx

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limiter counts requests per key in fixed windows.
type Limiter interface {
	// Allow records one request for key. retryAfter is the time left in the
	// current window when the request is refused.
	Allow(ctx context.Context, key string) (ok bool, retryAfter time.Duration, err error)
}

type RateLimitConfig struct {
	Logger *slog.Logger
	// FailOpen lets requests through when the limiter itself errors.
	FailOpen bool
	// Exempt lists path prefixes that are never limited. Payment-provider
	// webhooks retry on 429 and must not compete with client traffic.
	Exempt []string
}

// RateLimit refuses requests over the limiter's budget with 429. Callers are
// keyed by actor when the gateway identified one, and by client IP otherwise.
func RateLimit(l Limiter, cfg RateLimitConfig) Middleware {
	exempt := normalizeList(cfg.Exempt)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range exempt {
				if strings.HasPrefix(r.URL.Path, p) {
					next.ServeHTTP(w, r)
					return
				}
			}

			ok, retryAfter, err := l.Allow(r.Context(), LimitKey(r))
			if err != nil {
				if cfg.Logger != nil {
					cfg.Logger.Warn("rate limiter error", "request_id", RequestIDFromContext(r.Context()), "err", err)
				}
				if cfg.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rate limiter unavailable", "code": "rate_limiter_unavailable"})
				return
			}
			if !ok {
				secs := int(retryAfter.Round(time.Second) / time.Second)
				if secs < 1 {
					secs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(secs))
				WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded", "code": "rate_limited"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitKey identifies the caller a request is charged to. Behind the gateway
// every request shares one remote address, so the actor header wins.
func LimitKey(r *http.Request) string {
	if actor := ActorID(r); actor != "" {
		return "actor:" + actor
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// MemoryLimiter is a per-process fixed-window limiter for single-instance and
// local runs.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*fixedWindow
}

type fixedWindow struct {
	count   int
	resetAt time.Time
}

// pruneAbove bounds the map: expired windows are dropped once it grows past this.
const pruneAbove = 4096

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	limit, window = limitDefaults(limit, window)
	return &MemoryLimiter{limit: limit, window: window, now: time.Now, windows: map[string]*fixedWindow{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if len(l.windows) > pruneAbove {
		for k, fw := range l.windows {
			if !now.Before(fw.resetAt) {
				delete(l.windows, k)
			}
		}
	}

	fw := l.windows[key]
	if fw == nil || !now.Before(fw.resetAt) {
		l.windows[key] = &fixedWindow{count: 1, resetAt: now.Add(l.window)}
		return true, 0, nil
	}
	if fw.count >= l.limit {
		return false, fw.resetAt.Sub(now), nil
	}
	fw.count++
	return true, 0, nil
}

func limitDefaults(limit int, window time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return limit, window
}
