// Package middleware provides HTTP middleware for the SOAR API.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// RateLimitConfig configures per-client rate limiting.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	BurstSize     int           `yaml:"burst_size"`
	WindowSize    time.Duration `yaml:"window_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	TrustProxy    bool          `yaml:"trust_proxy"`
	ExemptPaths   []string      `yaml:"exempt_paths"`

	// DecisionsPerIP limits POST /approvals/{id} separately; 0 disables
	// the extra limit.
	DecisionsPerIP int `yaml:"decisions_per_ip"`
}

// DefaultRateLimitConfig returns the default rate limit configuration.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:        true,
		RequestsPerIP:  600,
		BurstSize:      100,
		WindowSize:     time.Minute,
		CleanupPeriod:  5 * time.Minute,
		ExemptPaths:    []string{"/health", "/metrics"},
		DecisionsPerIP: 30,
	}
}

// RateLimiter is a fixed-window counter per client.
type RateLimiter struct {
	limit       int64
	window      time.Duration
	mu          sync.Mutex
	clients     map[string]*window
	stopCleanup chan struct{}
	stopOnce    sync.Once
	now         func() time.Time
	logger      *slog.Logger
}

type window struct {
	count int64
	ends  time.Time
}

// NewRateLimiter creates a limiter allowing limit requests per window and
// starts its cleanup goroutine when cleanup is positive.
func NewRateLimiter(limit int, win, cleanup time.Duration, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimiter{
		limit:       int64(limit),
		window:      win,
		clients:     make(map[string]*window),
		stopCleanup: make(chan struct{}),
		now:         time.Now,
		logger:      logger,
	}
	if cleanup > 0 {
		go rl.cleanupLoop(cleanup)
	}
	return rl
}

// Allow records a request from client and reports whether it is within
// the limit, the requests remaining and when the window resets.
func (rl *RateLimiter) Allow(client string) (bool, int, time.Time) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.clients[client]
	if !ok || now.After(w.ends) {
		w = &window{ends: now.Add(rl.window)}
		rl.clients[client] = w
	}
	if w.count >= rl.limit {
		return false, 0, w.ends
	}
	w.count++
	return true, int(rl.limit - w.count), w.ends
}

func (rl *RateLimiter) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCleanup:
			return
		}
	}
}

// cleanup drops clients whose window ended more than a window ago.
func (rl *RateLimiter) cleanup() int {
	threshold := rl.now().Add(-rl.window)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for c, w := range rl.clients {
		if w.ends.Before(threshold) {
			delete(rl.clients, c)
			removed++
		}
	}
	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed", removed, "remaining", len(rl.clients))
	}
	return removed
}

// Tracked returns the number of clients being tracked.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// RateLimit applies the general and approval-decision limits.
type RateLimit struct {
	cfg       RateLimitConfig
	general   *RateLimiter
	decisions *RateLimiter
	exempt    map[string]bool
	logger    *slog.Logger

	limited atomic.Uint64
	allowed atomic.Uint64
}

// NewRateLimit builds the limiters for cfg.
func NewRateLimit(cfg RateLimitConfig, logger *slog.Logger) *RateLimit {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "rate_limit")
	rl := &RateLimit{
		cfg:     cfg,
		general: NewRateLimiter(cfg.RequestsPerIP+cfg.BurstSize, cfg.WindowSize, cfg.CleanupPeriod, logger),
		exempt:  make(map[string]bool, len(cfg.ExemptPaths)),
		logger:  logger,
	}
	if cfg.DecisionsPerIP > 0 {
		rl.decisions = NewRateLimiter(cfg.DecisionsPerIP, cfg.WindowSize, cfg.CleanupPeriod, logger)
	}
	for _, p := range cfg.ExemptPaths {
		rl.exempt[p] = true
	}
	return rl
}

// Stop ends the limiters' cleanup goroutines.
func (rl *RateLimit) Stop() {
	rl.general.Stop()
	if rl.decisions != nil {
		rl.decisions.Stop()
	}
}

// Counts returns the numbers of limited and allowed requests.
func (rl *RateLimit) Counts() (limited, allowed uint64) {
	return rl.limited.Load(), rl.allowed.Load()
}

func isDecision(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/approvals/")
}

// Middleware returns the HTTP middleware.
func (rl *RateLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.cfg.Enabled || rl.exempt[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		ip := ClientIP(r, rl.cfg.TrustProxy)
		limiter, limit := rl.general, rl.cfg.RequestsPerIP+rl.cfg.BurstSize
		if rl.decisions != nil && isDecision(r) {
			limiter, limit = rl.decisions, rl.cfg.DecisionsPerIP
		}
		ok, remaining, reset := limiter.Allow(ip)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

		if !ok {
			rl.limited.Add(1)
			rl.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path, "method", r.Method)
			retryAfter := int(time.Until(reset).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{
				"error": "too many requests, retry later",
				"code":  "RATE_LIMITED",
			})
			return
		}
		rl.allowed.Add(1)
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the request's client address. With trustProxy the
// rightmost X-Forwarded-For entry, then X-Real-IP, is preferred.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			for i := len(parts) - 1; i >= 0; i-- {
				if ip := strings.TrimSpace(parts[i]); ip != "" {
					return ip
				}
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
