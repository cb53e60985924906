package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cadenzahq/relay/pkg/logging"
	"github.com/cadenzahq/relay/pkg/metrics"
)

// RequestIDMiddleware adds request and correlation IDs to each request.
// Incoming IDs are honored so traces stitch across hops.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = logging.NewCorrelationID()
		}

		c.Header("X-Request-ID", requestID)
		c.Header("X-Correlation-ID", correlationID)
		c.Set("request_id", requestID)

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithCorrelationID(ctx, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// CallerKeyMiddleware resolves the admission caller key for the relay
// surface: the X-Caller-Key header when a trusted edge sets it, else
// the client IP
func CallerKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		callerKey := c.GetHeader("X-Caller-Key")
		if callerKey == "" {
			callerKey = c.ClientIP()
		}

		c.Set("caller_key", callerKey)
		c.Request = c.Request.WithContext(logging.WithCallerKey(c.Request.Context(), callerKey))

		c.Next()
	}
}

// callerKeyFrom extracts the caller key set by CallerKeyMiddleware
func callerKeyFrom(c *gin.Context) string {
	if callerKey, exists := c.Get("caller_key"); exists {
		if key, ok := callerKey.(string); ok {
			return key
		}
	}
	return c.ClientIP()
}

// LoggingMiddleware provides structured logging for requests
func LoggingMiddleware(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.LogRequest(
			c.Request.Context(),
			c.Request.Method,
			path,
			c.Request.UserAgent(),
			c.ClientIP(),
			c.Writer.Status(),
			time.Since(start),
		)
	}
}

// RecoveryMiddleware converts panics into 500 responses and counts them
func RecoveryMiddleware(logger *logging.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		m.RecordPanic("api")
		logger.WithContext(c.Request.Context()).
			WithField("panic", recovered).
			Error("Recovered from panic in request handler")
		InternalErrorResponse(c, "An internal error occurred")
		c.Abort()
	})
}
