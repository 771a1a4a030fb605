package middleware

import (
	"context"
	"fmt"
	"time"

	"codejudge/internal/common/cache"
	"codejudge/pkg/errors"
	"codejudge/pkg/utils/contextkey"
	"codejudge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const defaultRateLimitTimeout = 200 * time.Millisecond

// RateLimitPolicy caps requests per window. Zero disables a dimension.
type RateLimitPolicy struct {
	Window   time.Duration `yaml:"window"`
	IPMax    int           `yaml:"ipMax"`
	UserMax  int           `yaml:"userMax"`
	RouteMax int           `yaml:"routeMax"`
}

// Enabled reports whether any dimension is limited.
func (p RateLimitPolicy) Enabled() bool {
	return p.IPMax > 0 || p.UserMax > 0 || p.RouteMax > 0
}

// RateLimiter enforces fixed-window limits in Redis.
type RateLimiter struct {
	counter cache.CounterOps
	timeout time.Duration
}

func NewRateLimiter(counter cache.CounterOps, timeout time.Duration) *RateLimiter {
	if timeout <= 0 {
		timeout = defaultRateLimitTimeout
	}
	return &RateLimiter{counter: counter, timeout: timeout}
}

// Allow counts one hit on key and fails with TooManyRequests past max.
func (l *RateLimiter) Allow(ctx context.Context, key string, max int, window time.Duration) error {
	if max <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	count, err := l.counter.IncrWindow(ctx, key, window)
	if err != nil {
		return errors.Wrapf(err, errors.CacheError, "rate limit check failed")
	}
	if count > int64(max) {
		return errors.New(errors.TooManyRequests).WithMessage(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	return nil
}

type rateCheck struct {
	key string
	max int
}

// RateLimitMiddleware limits one route by client IP, by X-User-Id and in total.
func RateLimitMiddleware(limiter *RateLimiter, routeKey string, policy RateLimitPolicy) gin.HandlerFunc {
	window := policy.Window
	if window <= 0 {
		window = time.Minute
	}
	return func(c *gin.Context) {
		if limiter == nil || !policy.Enabled() {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		checks := []rateCheck{
			{fmt.Sprintf("judge:rate:ip:%s:%s", c.ClientIP(), routeKey), policy.IPMax},
			{fmt.Sprintf("judge:rate:route:%s", routeKey), policy.RouteMax},
		}
		if userID := c.GetString(contextkey.UserID.String()); userID != "" {
			checks = append(checks, rateCheck{fmt.Sprintf("judge:rate:user:%s:%s", userID, routeKey), policy.UserMax})
		}
		for _, check := range checks {
			if err := limiter.Allow(ctx, check.key, check.max, window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}
		c.Next()
	}
}
