package middleware

import (
	"context"
	"strings"
	"time"

	"codejudge/pkg/utils/contextkey"
	"codejudge/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	traceIDHeader   = "X-Trace-Id"
	requestIDHeader = "X-Request-Id"
	userIDHeader    = "X-User-Id"
)

// TraceContextConfig controls how trace/request/user id are extracted and written.
type TraceContextConfig struct {
	AllowUserIDHeader bool
	WriteUserIDHeader bool
}

// TraceContextMiddleware ensures trace/request/user id are in context and response headers.
func TraceContextMiddleware() gin.HandlerFunc {
	return TraceContextMiddlewareWithConfig(TraceContextConfig{
		AllowUserIDHeader: true,
		WriteUserIDHeader: true,
	})
}

// TraceContextMiddlewareWithConfig is the configurable version of TraceContextMiddleware.
func TraceContextMiddlewareWithConfig(cfg TraceContextConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		ctx = bindID(c, ctx, traceIDHeader, contextkey.TraceID, true)
		ctx = bindID(c, ctx, requestIDHeader, contextkey.RequestID, true)
		if cfg.AllowUserIDHeader {
			userID := strings.TrimSpace(c.GetHeader(userIDHeader))
			if userID != "" {
				c.Set(string(contextkey.UserID), userID)
				ctx = context.WithValue(ctx, contextkey.UserID, userID)
				if cfg.WriteUserIDHeader {
					c.Writer.Header().Set(userIDHeader, userID)
				}
			}
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func bindID(c *gin.Context, ctx context.Context, header string, key interface{ String() string }, generate bool) context.Context {
	value := strings.TrimSpace(c.GetHeader(header))
	if value == "" && generate {
		value = uuid.NewString()
	}
	c.Set(key.String(), value)
	c.Writer.Header().Set(header, value)
	return context.WithValue(ctx, key, value)
}

// RequestLogger logs one line per request after the handler chain completes.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			logger.Error(c.Request.Context(), "http request", fields...)
			return
		}
		logger.Info(c.Request.Context(), "http request", fields...)
	}
}
