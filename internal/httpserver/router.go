package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"escrowflow/internal/api"
	"escrowflow/pkg/otel"
)

// Pinger 存储就绪检查
type Pinger interface {
	Ping(ctx context.Context) error
}

// Connectivity 消息总线就绪检查
type Connectivity interface {
	IsConnected() bool
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(
	projectHandler *api.ProjectHandler,
	milestoneHandler *api.MilestoneHandler,
	jwtSecret string,
	store Pinger,
	bus Connectivity,
	logger *zap.Logger,
) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), TraceMiddleware(), otel.GinMiddleware(), LoggingMiddleware(logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := store.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		if bus != nil && !bus.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/projects", projectHandler.Create)
		auth.GET("/projects/:id", projectHandler.Summary)
		auth.POST("/projects/:id/amend", projectHandler.Amend)
		auth.GET("/projects/:id/milestones", projectHandler.ListMilestones)

		auth.GET("/milestones/:id", milestoneHandler.Get)
		auth.POST("/milestones/:id/submit", milestoneHandler.Submit)
		auth.GET("/milestones/:id/audit", milestoneHandler.AuditTrail)
		auth.POST("/milestones/:id/force-release", milestoneHandler.ForceRelease)
		auth.POST("/milestones/:id/force-reject", milestoneHandler.ForceReject)
		auth.POST("/milestones/:id/clear-hold", milestoneHandler.ClearHold)
	}

	return &Router{Engine: r}
}

// Server 返回可优雅关闭的 http.Server
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (r *Router) Run(addr string) error {
	return r.Engine.Run(addr)
}
