package httpapi

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const joinPath = "/api/queue/join"

type RateLimitConfig struct {
	IPPerMinute       int
	IPBurst           int
	JoinPerMinute     int
	JoinBurst         int
	// TrustForwardedFor keys clients by the first X-Forwarded-For hop. Enable
	// only behind a proxy that overwrites the header.
	TrustForwardedFor bool
}

// RateLimiter keeps a token bucket per client IP for all requests and a
// stricter one for joining the walk-in queue.
type RateLimiter struct {
	ipLimiter      *keyedLimiter
	joinLimiter    *keyedLimiter
	trustForwarded bool
}

func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		ipLimiter:      newKeyedLimiter(cfg.IPPerMinute, cfg.IPBurst, 120, 30),
		joinLimiter:    newKeyedLimiter(cfg.JoinPerMinute, cfg.JoinBurst, 10, 5),
		trustForwarded: cfg.TrustForwardedFor,
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r, l.trustForwarded)
		if ip != "" && !l.ipLimiter.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == joinPath && ip != "" && !l.joinLimiter.allow(ip) {
			writeError(w, requestIDFromRequest(r), http.StatusTooManyRequests, "rate_limited", "too many join attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type keyedLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters map[string]*visitor
	swept    time.Time
}

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

const visitorIdle = 10 * time.Minute

func newKeyedLimiter(perMinute, burst, defaultPerMinute, defaultBurst int) *keyedLimiter {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &keyedLimiter{
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    burst,
		limiters: make(map[string]*visitor),
		swept:    time.Now(),
	}
}

func (l *keyedLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.swept) > visitorIdle {
		for k, v := range l.limiters {
			if now.Sub(v.seen) > visitorIdle {
				delete(l.limiters, k)
			}
		}
		l.swept = now
	}
	v, ok := l.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = v
	}
	v.seen = now
	return v.limiter.AllowN(now, 1)
}

func clientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			parts := strings.Split(forwarded, ",")
			if ip := strings.TrimSpace(parts[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
