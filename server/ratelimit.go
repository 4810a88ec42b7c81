package server

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/runicorn/runicorn/config"
)

// rateLimiter enforces per-(client IP, endpoint) token buckets. Rules come
// from the JSON rate-limit config and are swapped atomically on hot reload.
type rateLimiter struct {
	mu      sync.Mutex
	cfg     *config.RateLimitConfig
	buckets map[string]*bucketEntry
	logger  *zap.SugaredLogger
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newRateLimiter(cfg *config.RateLimitConfig, logger *zap.SugaredLogger) *rateLimiter {
	rl := &rateLimiter{
		cfg:     cfg,
		buckets: map[string]*bucketEntry{},
		logger:  logger,
	}
	go rl.janitor()
	return rl
}

// Reload swaps the rule set and drops existing buckets so new limits take
// effect immediately.
func (rl *rateLimiter) Reload(cfg *config.RateLimitConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.cfg = cfg
	rl.buckets = map[string]*bucketEntry{}
	if rl.logger != nil {
		rl.logger.Infow("Rate limiter rules swapped", "endpoints", len(cfg.Endpoints))
	}
}

// Middleware wraps a handler with the token-bucket check for the named
// endpoint. endpoint is the route pattern, which is what the config keys on.
func (rl *rateLimiter) Middleware(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)

		rl.mu.Lock()
		cfg := rl.cfg
		if !cfg.Settings.EnableRateLimiting ||
			(cfg.Settings.WhitelistLocalhost && isLoopback(ip)) {
			rl.mu.Unlock()
			next(w, r)
			return
		}

		rule := cfg.RuleFor(endpoint)
		key := ip + "|" + endpoint
		entry, ok := rl.buckets[key]
		if !ok {
			burst := rule.BurstSize
			if burst <= 0 {
				burst = rule.MaxRequests
			}
			window := rule.WindowSeconds
			if window <= 0 {
				window = 60
			}
			limit := rate.Limit(float64(rule.MaxRequests) / float64(window))
			entry = &bucketEntry{limiter: rate.NewLimiter(limit, burst)}
			rl.buckets[key] = entry
		}
		entry.lastSeen = time.Now()
		allowed := entry.limiter.Allow()
		tokens := entry.limiter.Tokens()
		rl.mu.Unlock()

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rule.MaxRequests))
		remaining := int(tokens)
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if !allowed {
			retryAfter := rule.WindowSeconds
			if retryAfter <= 0 {
				retryAfter = 60
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(retryAfter)*time.Second).Unix(), 10))
			if cfg.Settings.LogViolations && rl.logger != nil {
				rl.logger.Warnw("Rate limit exceeded", "client_ip", ip, "endpoint", endpoint)
			}
			writeError(w, http.StatusTooManyRequests,
				fmt.Sprintf("rate limit exceeded for %s", endpoint), "RATE_LIMITED")
			return
		}
		next(w, r)
	}
}

// janitor evicts buckets idle for over ten minutes.
func (rl *rateLimiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().Add(-10 * time.Minute)
		rl.mu.Lock()
		for key, entry := range rl.buckets {
			if entry.lastSeen.Before(cutoff) {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isLoopback(ip string) bool {
	parsed := net.ParseIP(ip)
	return parsed != nil && parsed.IsLoopback()
}
