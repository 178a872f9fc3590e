package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"escrowflow/internal/engine"
	"escrowflow/pkg/config"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/otel"
)

const version = "1.0.0"

func main() {
	// 1. Load config
	cfg, err := config.Load(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	// 2. Tracing
	shutdownOtel, err := otel.Init(cfg.Otel, cfg.Env, version, log)
	if err != nil {
		log.Fatal("OpenTelemetry initialization failed", zap.Error(err))
	}
	defer shutdownOtel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Wire engine (store, bus, redis, services, workers)
	eng, err := engine.New(ctx, cfg, log, engine.Options{})
	if err != nil {
		log.Fatal("Engine initialization failed", zap.Error(err))
	}
	defer eng.Close()

	// 4. In-process workers: RabbitMQ consumers (或进程内总线，已在 New 中订阅)
	if err := eng.StartConsumers(); err != nil {
		log.Fatal("Consumer initialization failed", zap.Error(err))
	}

	// 5. Outbox dispatcher + sweeper
	eng.RunBackground(ctx)

	// 6. HTTP
	srv := eng.Router().Server(cfg.Server.Port)
	go func() {
		log.Info("HTTP server listening",
			zap.String("addr", cfg.Server.Port),
			zap.String("env", cfg.Env),
			zap.String("store", cfg.Store.Driver),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server start failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", zap.Error(err))
	}
}
