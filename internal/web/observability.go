package web

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RequestIDHeader carries the per-request id echoed back to clients.
const RequestIDHeader = "X-Request-ID"

// MetricsSnapshotter exposes counter values for the metrics endpoint.
type MetricsSnapshotter interface {
	Snapshot() map[string]int64
}

// RequestLogger logs one line per request and tags it with a request id,
// reusing an inbound X-Request-ID when present.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		requestID := contextGin.GetHeader(RequestIDHeader)
		if _, parseErr := uuid.Parse(requestID); parseErr != nil {
			requestID = uuid.NewString()
		}
		contextGin.Header(RequestIDHeader, requestID)
		contextGin.Set("request_id", requestID)

		startTime := time.Now()
		contextGin.Next()
		logger.Info("http",
			zap.String("request_id", requestID),
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", time.Since(startTime)),
		)
	}
}

// HandleHealth reports liveness.
func HandleHealth(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleMetrics returns the current counter snapshot.
func HandleMetrics(metrics MetricsSnapshotter) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		contextGin.JSON(http.StatusOK, gin.H{"counters": metrics.Snapshot()})
	}
}

// RequireBearerToken admits requests carrying "Authorization: Bearer <token>".
func RequireBearerToken(token string) gin.HandlerFunc {
	expected := []byte(token)
	return func(contextGin *gin.Context) {
		presented, found := strings.CutPrefix(contextGin.GetHeader("Authorization"), "Bearer ")
		if !found || len(expected) == 0 || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrorCodeUnauthorized})
			return
		}
		contextGin.Next()
	}
}
