// Package ratelimit provides sliding-window rate limiting middleware per
// endpoint class. State is process-local and resets on restart.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tradehold/internal/metrics"
)

// Endpoint classes.
const (
	ClassEscrowWrite = "escrow_write"
	ClassEscrowRead  = "escrow_read"
	ClassWebhooks    = "webhooks"
	ClassCron        = "cron"
	ClassOrders      = "orders"
)

// Rule is the limit for one endpoint class.
type Rule struct {
	Limit  int
	Window time.Duration
}

// DefaultRules returns the per-class limits.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		ClassEscrowWrite: {Limit: 10, Window: time.Minute},
		ClassEscrowRead:  {Limit: 60, Window: time.Minute},
		ClassWebhooks:    {Limit: 120, Window: time.Minute},
		ClassCron:        {Limit: 5, Window: time.Minute},
		ClassOrders:      {Limit: 20, Window: time.Minute},
	}
}

// Config configures rate limiting
type Config struct {
	Rules map[string]Rule
	// CleanupInterval is how often to drop idle clients
	CleanupInterval time.Duration
}

// DefaultConfig returns the default rules with a one-minute cleanup.
func DefaultConfig() Config {
	return Config{Rules: DefaultRules(), CleanupInterval: time.Minute}
}

// Limiter tracks request timestamps per class and client.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string][]time.Time
	stop    chan struct{}
	once    sync.Once
	now     func() time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.Rules == nil {
		cfg.Rules = DefaultRules()
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string][]time.Time),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-l.stop:
			return
		}
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, hits := range l.clients {
		if len(hits) == 0 || now.Sub(hits[len(hits)-1]) > l.longestWindow() {
			delete(l.clients, key)
		}
	}
}

func (l *Limiter) longestWindow() time.Duration {
	var w time.Duration
	for _, r := range l.cfg.Rules {
		if r.Window > w {
			w = r.Window
		}
	}
	return w
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow records a request for client in class. When the window is full it
// returns false and how long until the oldest request leaves the window.
// Unknown classes are not limited.
func (l *Limiter) Allow(class, client string) (bool, time.Duration) {
	rule, ok := l.cfg.Rules[class]
	if !ok || rule.Limit <= 0 {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := class + "|" + client
	hits := l.clients[key]

	cutoff := now.Add(-rule.Window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	hits = hits[i:]

	if len(hits) >= rule.Limit {
		l.clients[key] = hits
		return false, hits[0].Add(rule.Window).Sub(now)
	}
	l.clients[key] = append(hits, now)
	return true, 0
}

// Middleware limits requests of class by client IP.
func (l *Limiter) Middleware(class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := l.Allow(class, c.ClientIP())
		if !ok {
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			metrics.RateLimitedTotal.WithLabelValues(class).Inc()
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "rate_limit_exceeded",
				"message":    "Too many requests. Please slow down.",
				"retryAfter": secs,
			})
			return
		}
		c.Next()
	}
}
