package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/mossy-p/webrtc-chat/internal/clock"
)

// RateLimiter hands each chat session its own token bucket. Requests that
// carry no session yet, such as joining a room, are bucketed by client IP.
// Buckets idle for longer than idle are forgotten.
type RateLimiter struct {
	clock clock.Clock
	limit rate.Limit
	burst int
	idle  time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket

	sweeper *clock.Ticker
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter starts a limiter allowing limit requests per second with
// the given burst. Stop releases its sweeper.
func NewRateLimiter(clk clock.Clock, limit rate.Limit, burst int, idle time.Duration) *RateLimiter {
	rl := &RateLimiter{
		clock:   clk,
		limit:   limit,
		burst:   burst,
		idle:    idle,
		buckets: make(map[string]*bucket),
		sweeper: clk.NewTicker(idle),
		stop:    make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

// Allow takes a token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	now := rl.clock.Now()
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// Tracked returns how many buckets are currently held.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimiter) sweep() {
	for {
		select {
		case <-rl.stop:
			return
		case now := <-rl.sweeper.C:
			rl.forgetIdle(now)
		}
	}
}

func (rl *RateLimiter) forgetIdle(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) >= rl.idle {
			delete(rl.buckets, key)
		}
	}
}

// Stop ends the idle-bucket sweeper.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() {
		rl.sweeper.Stop()
		close(rl.stop)
	})
}

// Handler rejects requests over the caller's budget with 429. Mount it
// after JWTAuth so authenticated requests are charged to their session.
func (rl *RateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(requestKey(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func requestKey(c *gin.Context) string {
	if session := c.GetString(SessionKey); session != "" {
		return "session:" + session
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		host = c.Request.RemoteAddr
	}
	return "ip:" + host
}
