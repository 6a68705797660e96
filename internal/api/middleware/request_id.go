package middleware

import (
	"context"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"nfvcl.io/nfvcl/internal/pkg/logger"
)

type contextKey string

const (
	// RequestIDHeader is the HTTP header for request tracing.
	RequestIDHeader = "X-Request-ID"
	// FieldRequestID tags every request-scoped log line.
	FieldRequestID = "request_id"

	ctxKeyRequestID contextKey = "request_id"
	ctxKeyLogger    contextKey = "request_logger"
)

// Client-supplied IDs end up in log lines; anything else is replaced.
var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// RequestID tags the request with an ID, taken from the X-Request-ID header
// when it is well formed and generated otherwise. The ID is echoed in the
// response header and a logger carrying it is stored in the request context.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(RequestIDHeader)
		if !validRequestID.MatchString(rid) {
			id, _ := uuid.NewV7()
			rid = id.String()
		}
		log := logger.With(zap.String(FieldRequestID, rid))

		c.Set(string(ctxKeyRequestID), rid)
		c.Writer.Header().Set(RequestIDHeader, rid)
		ctx := context.WithValue(c.Request.Context(), ctxKeyRequestID, rid)
		ctx = context.WithValue(ctx, ctxKeyLogger, log)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// GetRequestID extracts request ID from context.
func GetRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyRequestID).(string); ok {
		return v
	}
	return ""
}

// LoggerFrom returns the request logger stored in ctx, or the global logger
// outside a request.
func LoggerFrom(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(ctxKeyLogger).(*zap.Logger); ok {
		return l
	}
	return logger.L()
}

// Logger is LoggerFrom for the request of c.
func Logger(c *gin.Context) *zap.Logger {
	return LoggerFrom(c.Request.Context())
}
