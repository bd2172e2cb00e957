package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter counts a request against key and reports whether it is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type RateLimitOptions struct {
	Logger *slog.Logger
	// FailOpen lets requests through when the limiter itself errors.
	FailOpen bool
	// TrustForwardedFor keys clients by the first X-Forwarded-For hop. Only
	// enable it behind a proxy that sets the header.
	TrustForwardedFor bool
}

func RateLimit(l Limiter, opts RateLimitOptions) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok, err := l.Allow(r.Context(), clientKey(r, opts.TrustForwardedFor))
			if err != nil {
				if opts.Logger != nil {
					opts.Logger.WarnContext(r.Context(), "rate limiter error", "err", err)
				}
				if opts.FailOpen {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, http.StatusServiceUnavailable, "rate limiter unavailable")
				return
			}
			if !ok {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MemoryLimiter is a fixed-window limiter for single-instance deployments.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

type visitor struct {
	count     int
	resetTime time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	limit, window = limiterDefaults(limit, window)
	return &MemoryLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		visitors: map[string]*visitor{},
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	v := l.visitors[key]
	if v == nil || !now.Before(v.resetTime) {
		l.sweep(now)
		l.visitors[key] = &visitor{count: 1, resetTime: now.Add(l.window)}
		return true, nil
	}
	if v.count >= l.limit {
		return false, nil
	}
	v.count++
	return true, nil
}

// sweep drops expired windows so the map does not grow without bound.
func (l *MemoryLimiter) sweep(now time.Time) {
	for k, v := range l.visitors {
		if !now.Before(v.resetTime) {
			delete(l.visitors, k)
		}
	}
}

// RedisLimiter is a fixed-window limiter shared by every API instance.
type RedisLimiter struct {
	rdb    redis.Scripter
	limit  int
	window time.Duration
	prefix string
}

var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return current
`)

func NewRedisLimiter(rdb redis.Scripter, limit int, window time.Duration, prefix string) *RedisLimiter {
	limit, window = limiterDefaults(limit, window)
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "byhandle:rl"
	}
	return &RedisLimiter{rdb: rdb, limit: limit, window: window, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	count, err := l.incr(ctx, l.prefix+":"+key)
	if err != nil {
		return false, err
	}
	return count <= int64(l.limit), nil
}

func (l *RedisLimiter) incr(ctx context.Context, key string) (int64, error) {
	res, err := fixedWindowScript.Run(ctx, l.rdb, []string{key}, l.window.Milliseconds()).Result()
	if err != nil {
		return 0, err
	}
	switch v := res.(type) {
	case int64:
		return v, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected redis script result type %T", res)
	}
}

// RedisReadyCheck pings Redis for the readiness endpoint.
func RedisReadyCheck(rdb *redis.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

func limiterDefaults(limit int, window time.Duration) (int, time.Duration) {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	return limit, window
}

func clientKey(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if first = strings.TrimSpace(first); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}
