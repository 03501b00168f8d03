package auth

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"auth-serverless/internal/observability"
)

// LoginLimiter caps login attempts per source address, independently of the
// per-account lockout.
type LoginLimiter interface {
	Allow(ctx context.Context, ip string) (allowed bool, retryAfter time.Duration, err error)
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LoginRateLimiter is the single-instance LoginLimiter: one token bucket per address
// refilling maxHits tokens per window.
type LoginRateLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	window    time.Duration
	byIP      map[string]*ipLimiter
	maxMemory int
	now       func() time.Time
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		limit:     rate.Every(window / time.Duration(maxHits)),
		burst:     maxHits,
		window:    window,
		byIP:      make(map[string]*ipLimiter),
		maxMemory: 5000,
		now:       time.Now,
	}
}

func (l *LoginRateLimiter) Allow(_ context.Context, ip string) (bool, time.Duration, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byIP[ip]
	if !ok {
		entry = &ipLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byIP[ip] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		if delay < time.Second {
			delay = time.Second
		}
		return false, delay, nil
	}

	if len(l.byIP) > l.maxMemory {
		for key, value := range l.byIP {
			if now.Sub(value.lastSeen) > l.window {
				delete(l.byIP, key)
			}
		}
	}

	return true, 0, nil
}

var loginRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// RedisLoginRateLimiter is a fixed-window counter shared by every instance.
type RedisLoginRateLimiter struct {
	client  redis.UniversalClient
	prefix  string
	maxHits int
	window  time.Duration
}

func NewRedisLoginRateLimiter(client redis.UniversalClient, prefix string, maxHits int, window time.Duration) *RedisLoginRateLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "auth:rate_limit"
	}
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &RedisLoginRateLimiter{client: client, prefix: trimmedPrefix, maxHits: maxHits, window: window}
}

func (r *RedisLoginRateLimiter) key(ip string) string {
	return fmt.Sprintf("%s:login:%s", r.prefix, ip)
}

func (r *RedisLoginRateLimiter) Allow(ctx context.Context, ip string) (bool, time.Duration, error) {
	ip = strings.TrimSpace(ip)
	if r == nil || r.client == nil || ip == "" {
		return true, 0, nil
	}

	windowMs := r.window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	rawResult, err := loginRateLimitScript.Run(ctx, r.client, []string{r.key(ip)}, windowMs).Result()
	if err != nil {
		return true, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return true, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	count, ok := values[0].(int64)
	if !ok {
		return true, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok || ttlMs < 0 {
		ttlMs = windowMs
	}

	if count <= int64(r.maxHits) {
		return true, 0, nil
	}

	retryAfter := time.Duration(ttlMs) * time.Millisecond
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter, nil
}

// LoginRateLimitMiddleware rejects with 429 once the limiter refuses. Limiter errors
// are logged and the request is let through.
func LoginRateLimitMiddleware(limiter LoginLimiter, logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := observability.ClientIP(r)

			allowed, retryAfter, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				logger.Warn("login_rate_limit_unavailable", map[string]any{"error": err.Error()})
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
				writeError(w, http.StatusTooManyRequests, "too many login attempts")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
