// Package ratelimit throttles HTTP callers with a token bucket per client.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the sustained rate per client
	RequestsPerMinute int
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often to clean old entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60, // 1 req/sec average
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks rate limits by key
type Limiter struct {
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
	clients map[string]*clientState
	stop    chan struct{}
	once    sync.Once
}

type clientState struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	return newLimiter(cfg, time.Now)
}

func newLimiter(cfg Config, now func() time.Time) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		now:     now,
		clients: make(map[string]*clientState),
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// cleanup removes idle entries periodically
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * time.Minute)
			for key, state := range l.clients {
				if state.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow checks if a request should be allowed
func (l *Limiter) Allow(key string) bool {
	ok, _ := l.Reserve(key)
	return ok
}

// Reserve takes a token for key. When none is left it reports how long
// until the next one.
func (l *Limiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0

	state, exists := l.clients[key]
	if !exists {
		state = &clientState{tokens: float64(l.cfg.BurstSize), lastCheck: now}
		l.clients[key] = state
	} else {
		state.tokens += now.Sub(state.lastCheck).Seconds() * perSecond
		state.tokens = math.Min(state.tokens, float64(l.cfg.BurstSize))
		state.lastCheck = now
	}

	if state.tokens >= 1 {
		state.tokens--
		return true, 0
	}
	wait := time.Duration((1 - state.tokens) / perSecond * float64(time.Second))
	return false, wait
}

// Middleware returns a Gin middleware. Callers are keyed by API key
// (hashed), otherwise by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Reserve(clientKey(c))
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": secs,
			})
			return
		}
		c.Next()
	}
}

func clientKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		return "key:" + digest(strings.TrimPrefix(auth, "Bearer "))
	}
	if auth := c.GetHeader("X-API-Key"); auth != "" {
		return "key:" + digest(auth)
	}
	// Anonymous sessions are client-chosen, so they share their IP's bucket.
	return "ip:" + c.ClientIP()
}

func digest(s string) string {
	h := sha256.Sum256([]byte(strings.TrimSpace(s)))
	return hex.EncodeToString(h[:8])
}
