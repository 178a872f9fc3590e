package httpserver

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/internal/api"
	"escrowflow/internal/apperr"
	"escrowflow/internal/util"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/trace"
)

// AuthMiddleware 解析 Bearer token，把 Actor 写入 gin context
func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			abortAuth(c, "missing token")
			return
		}

		actor, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			abortAuth(c, "invalid token")
			return
		}

		c.Set(api.ActorKey, actor)
		c.Next()
	}
}

func abortAuth(c *gin.Context, msg string) {
	e := apperr.ErrUnauthenticated.WithMessage(msg)
	c.AbortWithStatusJSON(e.HTTPStatus(), gin.H{"error": gin.H{
		"code":    e.Code,
		"class":   string(e.Class),
		"message": e.Error(),
	}})
}

// TraceMiddleware 沿用请求头中的 trace id，没有则生成
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(trace.HeaderName())
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName(), traceID)
		c.Next()
	}
}

// LoggingMiddleware 请求日志 + 耗时指标
func LoggingMiddleware(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)
		metrics.RecordHTTPRequestDuration(c.Request.Method, route, strconv.Itoa(status), duration)

		l := logger.WithTrace(c.Request.Context(), log)
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", status),
			zap.Duration("duration", duration),
		}
		if status >= 500 {
			l.Error("HTTP request", fields...)
			return
		}
		l.Info("HTTP request", fields...)
	}
}
