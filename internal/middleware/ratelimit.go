package middleware

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstSize         int           `yaml:"burst_size"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
}

// RateLimitResult contains the result of a rate limit check
type RateLimitResult struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter is a per-client token bucket limiter
type RateLimiter struct {
	config RateLimitConfig
	clock  clock.Clock
	logger *logrus.Logger

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stopOnce sync.Once
	stop     chan struct{}
}

type tokenBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter and starts its idle-bucket cleanup
func NewRateLimiter(config RateLimitConfig, clk clock.Clock, logger *logrus.Logger) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 600
	}
	if config.BurstSize <= 0 {
		config.BurstSize = config.RequestsPerMinute
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}

	rl := &RateLimiter{
		config:  config,
		clock:   clk,
		logger:  logger,
		buckets: make(map[string]*tokenBucket),
		stop:    make(chan struct{}),
	}
	if config.Enabled {
		go rl.cleanupLoop()
	}
	return rl
}

// Allow takes one token from the client's bucket
func (rl *RateLimiter) Allow(key string) RateLimitResult {
	if !rl.config.Enabled {
		return RateLimitResult{Allowed: true, Limit: rl.config.BurstSize, Remaining: rl.config.BurstSize}
	}

	now := rl.clock.Now()
	perSecond := float64(rl.config.RequestsPerMinute) / 60

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = &tokenBucket{tokens: float64(rl.config.BurstSize), lastRefill: now}
		rl.buckets[key] = bucket
	}
	if elapsed := now.Sub(bucket.lastRefill); elapsed > 0 {
		bucket.tokens = math.Min(float64(rl.config.BurstSize), bucket.tokens+elapsed.Seconds()*perSecond)
		bucket.lastRefill = now
	}

	if bucket.tokens >= 1 {
		bucket.tokens--
		return RateLimitResult{Allowed: true, Limit: rl.config.BurstSize, Remaining: int(bucket.tokens)}
	}

	// time until one whole token is back, rounded up to a second for Retry-After
	wait := time.Duration((1 - bucket.tokens) / perSecond * float64(time.Second))
	return RateLimitResult{
		Allowed:    false,
		Limit:      rl.config.BurstSize,
		RetryAfter: wait,
	}
}

// Reset drops the client's bucket
func (rl *RateLimiter) Reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := rl.clock.Ticker(rl.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup removes buckets that have refilled completely
func (rl *RateLimiter) cleanup() {
	full := time.Duration(float64(rl.config.BurstSize) / float64(rl.config.RequestsPerMinute) * float64(time.Minute))
	cutoff := rl.clock.Now().Add(-full)

	rl.mu.Lock()
	removed := 0
	for key, bucket := range rl.buckets {
		if bucket.lastRefill.Before(cutoff) {
			delete(rl.buckets, key)
			removed++
		}
	}
	rl.mu.Unlock()

	if removed > 0 {
		rl.logger.WithField("removed_buckets", removed).Debug("Rate limit cleanup completed")
	}
}

// Stop ends the cleanup loop
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// Middleware rejects requests over the client's rate with 429
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientKey(r)
		result := rl.Allow(key)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

		if !result.Allowed {
			retryAfter := int(math.Ceil(result.RetryAfter.Seconds()))
			rl.logger.WithFields(logrus.Fields{
				"client":      key,
				"path":        r.URL.Path,
				"retry_after": retryAfter,
			}).Warn("Rate limit exceeded")

			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]interface{}{
					"message":     "Rate limit exceeded",
					"type":        "rate_limit_error",
					"code":        http.StatusTooManyRequests,
					"retry_after": retryAfter,
				},
				"timestamp": time.Now().Unix(),
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ClientKey identifies the caller by forwarded or remote address
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return "ip:" + strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return "ip:" + xri
	}

	ip := r.RemoteAddr
	if colonIndex := strings.LastIndex(ip, ":"); colonIndex != -1 {
		ip = ip[:colonIndex]
	}
	return "ip:" + ip
}
