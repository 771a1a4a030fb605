package middleware_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"codejudge/internal/common/cache"
	commonmw "codejudge/internal/common/http/middleware"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type brokenCounter struct{}

func (brokenCounter) IncrWindow(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("redis down")
}

func newLimitedRouter(limiter *commonmw.RateLimiter, policy commonmw.RateLimitPolicy) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(commonmw.TraceContextMiddleware())
	router.POST("/submit", commonmw.RateLimitMiddleware(limiter, "submit", policy), func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	return router
}

func post(router http.Handler, userID string) int {
	req := httptest.NewRequest(http.MethodPost, "/submit", nil)
	if userID != "" {
		req.Header.Set("X-User-Id", userID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitMiddleware(t *testing.T) {
	srv := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: srv.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	router := newLimitedRouter(commonmw.NewRateLimiter(c, time.Second), commonmw.RateLimitPolicy{Window: time.Minute, UserMax: 2, IPMax: 10})
	for i := 0; i < 2; i++ {
		if code := post(router, "u1"); code != http.StatusAccepted {
			t.Fatalf("request %d: expected 202, got %d", i, code)
		}
	}
	if code := post(router, "u1"); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for third request, got %d", code)
	}
	if code := post(router, "u2"); code != http.StatusAccepted {
		t.Fatalf("expected other user unaffected, got %d", code)
	}

	srv.FastForward(time.Minute + time.Second)
	if code := post(router, "u1"); code != http.StatusAccepted {
		t.Fatalf("expected new window to admit, got %d", code)
	}
}

func TestRateLimitMiddlewareDisabledAndFailing(t *testing.T) {
	router := newLimitedRouter(commonmw.NewRateLimiter(brokenCounter{}, 0), commonmw.RateLimitPolicy{})
	if code := post(router, ""); code != http.StatusAccepted {
		t.Fatalf("expected disabled policy to pass, got %d", code)
	}

	router = newLimitedRouter(commonmw.NewRateLimiter(brokenCounter{}, 0), commonmw.RateLimitPolicy{RouteMax: 5})
	if code := post(router, ""); code != http.StatusInternalServerError {
		t.Fatalf("expected 500 when the counter fails, got %d", code)
	}
}
