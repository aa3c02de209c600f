package web

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Rate limiter defaults.
const (
	DefaultRateLimit  = 60
	DefaultRateWindow = time.Minute
)

// RateLimiter is a redis-backed sliding window limiter keyed by client IP.
// Redis failures fail open: an unreachable limiter must not take scanning
// down with it.
type RateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
}

// NewRateLimiter connects to the redis instance at uri (redis:// form).
// Non-positive limit or window fall back to the defaults.
func NewRateLimiter(uri string, limit int, window time.Duration) (*RateLimiter, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing rate limit storage uri: %w", err)
	}
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = DefaultRateWindow
	}
	return &RateLimiter{client: redis.NewClient(opts), limit: limit, window: window}, nil
}

// Allow records one request for key and reports whether it is within the
// window budget.
func (l *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString()[:8])

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixNano()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	count := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return count.Val() <= int64(l.limit), nil
}

// Middleware enforces the limit on the wrapped handler.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "ratelimit:" + clientIP(r)
		ok, err := l.Allow(r.Context(), key)
		if err != nil {
			slog.Warn("rate limiter unavailable, allowing request", "err", err)
			next.ServeHTTP(w, r)
			return
		}
		if !ok {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(l.window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close releases the redis connection.
func (l *RateLimiter) Close() error {
	return l.client.Close()
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		for i := 0; i < len(fwd); i++ {
			if fwd[i] == ',' {
				return fwd[:i]
			}
		}
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
