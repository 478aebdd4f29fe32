// Package ratelimit provides per-caller rate limiting middleware.
package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/mbd888/bookingescrow/internal/auth"
	"github.com/mbd888/bookingescrow/internal/logging"
)

// Config configures rate limiting
type Config struct {
	// RequestsPerMinute is the max requests per caller per period
	RequestsPerMinute int64
	// Period defaults to one minute
	Period time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 120,
		Period:            time.Minute,
	}
}

// Limiter tracks request counts by key in process memory.
type Limiter struct {
	instance *limiter.Limiter
}

// New creates a new rate limiter
func New(cfg Config) *Limiter {
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultConfig().RequestsPerMinute
	}
	if cfg.Period <= 0 {
		cfg.Period = time.Minute
	}
	rate := limiter.Rate{Period: cfg.Period, Limit: cfg.RequestsPerMinute}
	return &Limiter{instance: limiter.New(memory.NewStore(), rate)}
}

// Allow consumes one request for key and reports whether it fits the rate.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, limiter.Context, error) {
	lc, err := l.instance.Get(ctx, key)
	if err != nil {
		return false, lc, err
	}
	return !lc.Reached, lc, nil
}

// Key identifies the caller: the authenticated actor when present,
// otherwise the client IP.
func Key(c *gin.Context) string {
	if a, ok := auth.ActorFrom(c); ok {
		return "actor:" + a.ID.String()
	}
	return "ip:" + c.ClientIP()
}

// Middleware returns a Gin middleware that rate limits by caller. It must
// run after the auth middleware so actors are keyed individually.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, lc, err := l.Allow(c.Request.Context(), Key(c))
		if err != nil {
			// Fail open: the limiter store is in-process and should not fail.
			logging.L(c.Request.Context()).Warn("rate limiter unavailable", "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lc.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lc.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lc.Reset, 10))

		if !ok {
			retry := lc.Reset - time.Now().Unix()
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retry, 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": retry,
			})
			return
		}

		c.Next()
	}
}
