package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	fleetotel "github.com/basket/go-fleet/internal/otel"
)

// RateLimitConfig bounds requests per key. A zero rate disables limiting.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

type visitor struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimitMiddleware enforces per-key limits. Authenticated requests are
// bucketed by key id, anonymous ones by remote IP.
type RateLimitMiddleware struct {
	config  RateLimitConfig
	metrics *fleetotel.Metrics

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimitMiddleware(cfg RateLimitConfig, m *fleetotel.Metrics) *RateLimitMiddleware {
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &RateLimitMiddleware{
		config:   cfg,
		metrics:  m,
		visitors: make(map[string]*visitor),
	}
}

func (rl *RateLimitMiddleware) enabled() bool { return rl.config.RequestsPerSecond > 0 }

// Allow reports whether one more request for key fits the budget.
func (rl *RateLimitMiddleware) Allow(key string) bool {
	if !rl.enabled() {
		return true
	}
	return rl.limiter(key).Allow()
}

func (rl *RateLimitMiddleware) limiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(rl.config.RequestsPerSecond), rl.config.Burst)}
		rl.visitors[key] = v
	}
	v.lastAccess = time.Now()
	return v.limiter
}

// StartEviction launches a background goroutine that periodically removes
// visitors idle for longer than maxAge. It stops with ctx.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes visitors that haven't been seen within maxAge.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, v := range rl.visitors {
		if v.lastAccess.Before(cutoff) {
			delete(rl.visitors, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.visitors))
	}
}

// VisitorCount returns the number of tracked keys.
func (rl *RateLimitMiddleware) VisitorCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

// Wrap wraps an http.Handler with rate limiting. It must run inside the auth
// middleware so the key id is available.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOpenPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		key := KeyIDFromContext(r.Context())
		if key == "" {
			key = remoteIP(r)
		}
		if !rl.Allow(key) {
			rl.metrics.RecordRateLimitReject(r.Context())
			w.Header().Set("Retry-After", strconv.Itoa(1))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
