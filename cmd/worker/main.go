package main

import (
	"context"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"escrowflow/internal/engine"
	"escrowflow/pkg/config"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/otel"
)

const version = "1.0.0"

// worker 只消费 RabbitMQ 队列，用于横向扩展；outbox 和 sweeper 由 server 负责
func main() {
	cfg, err := config.Load(config.GetConfigEnv(), config.GetEnv("CONFIG_DIR", "config"))
	if err != nil {
		panic(err)
	}

	log := logger.NewLogger(cfg.Log.Level)
	defer log.Sync()

	if cfg.MQ.URL == "" {
		log.Fatal("worker requires mq.url")
	}

	shutdownOtel, err := otel.Init(cfg.Otel, cfg.Env, version, log)
	if err != nil {
		log.Fatal("OpenTelemetry initialization failed", zap.Error(err))
	}
	defer shutdownOtel()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting worker...")

	eng, err := engine.New(ctx, cfg, log, engine.Options{})
	if err != nil {
		log.Fatal("Engine initialization failed", zap.Error(err))
	}
	defer eng.Close()

	if err := eng.StartConsumers(); err != nil {
		log.Fatal("Consumer initialization failed", zap.Error(err))
	}

	log.Info("Worker running")
	<-ctx.Done()
	log.Info("Worker stopping")
}
