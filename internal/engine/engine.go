package engine

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/api"
	"escrowflow/internal/client"
	"escrowflow/internal/gateway"
	"escrowflow/internal/httpserver"
	"escrowflow/internal/ledger"
	"escrowflow/internal/mqhandler"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/escrow"
	"escrowflow/internal/service/journal"
	"escrowflow/internal/service/milestone"
	"escrowflow/internal/service/notification"
	"escrowflow/internal/service/project"
	"escrowflow/internal/service/verification"
	"escrowflow/pkg/circuitbreaker"
	"escrowflow/pkg/config"
	"escrowflow/pkg/db"
	"escrowflow/pkg/mq"
	"escrowflow/pkg/outbox"
	"escrowflow/pkg/redis"
	"escrowflow/pkg/util"
)

// 队列名；RabbitMQ 和进程内总线共用
const (
	QueueVerification = "milestone.verification.q"
	QueueRelease      = "milestone.release.q"
	QueueNotification = "milestone.notify.q"

	consumerPrefetch = 10
)

// Options 测试时替换外部协作方
type Options struct {
	Store     repository.Store
	Analysis  client.AnalysisClient
	Payments  client.PaymentsClient
	Storage   client.StorageClient
	Publisher mq.EventPublisher
}

type bus interface {
	mq.EventPublisher
	IsConnected() bool
}

// Engine 组装全部组件
type Engine struct {
	Config *config.AppConfig
	Logger *zap.Logger

	Store      repository.Store
	Outbox     outbox.Store
	Redis      *goredis.Client
	Bus        bus
	LocalBus   *mq.LocalBus
	Journal    *journal.Journal
	Gateway    *gateway.Gateway
	Milestones *milestone.Service
	Projects   *project.Service
	Escrow     *escrow.Coordinator
	Storage    client.StorageClient

	Dispatcher *outbox.Dispatcher
	Replay     *outbox.ReplayService
	Sweeper    *escrow.Sweeper

	VerificationHandler *mqhandler.VerificationRequestedHandler
	ReleaseHandler      *mqhandler.MilestoneApprovedReleaseHandler
	NotificationHandler *mqhandler.MilestoneNotificationHandler

	mu        sync.Mutex
	consumers []*mq.Consumer
	closers   []func()
}

// New 按配置组装；store.driver=memory 且 mq.url 为空时完全在进程内运行
func New(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger, opts Options) (*Engine, error) {
	e := &Engine{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	if err := e.initStore(ctx, opts); err != nil {
		return nil, err
	}
	if err := e.initBus(opts); err != nil {
		return nil, err
	}

	rdb, err := redis.NewRedisClient(cfg.Redis, logger)
	if err != nil {
		return nil, err
	}
	if rdb != nil {
		e.Redis = rdb
		e.closers = append(e.closers, func() { _ = rdb.Close() })
	}

	analysis := opts.Analysis
	if analysis == nil {
		analysis = client.NewHTTPAnalysisClient(cfg.Analysis)
	}
	payments := opts.Payments
	if payments == nil {
		payments = client.NewHTTPPaymentsClient(cfg.Payments)
	}
	e.Storage = opts.Storage
	if e.Storage == nil {
		fs, err := client.NewFSStorage(cfg.Storage.Root)
		if err != nil {
			return nil, err
		}
		e.Storage = fs
	}

	cbCfg := circuitbreaker.Config{
		FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold:    cfg.CircuitBreaker.SuccessThreshold,
		Timeout:             cfg.CircuitBreaker.Timeout,
		HalfOpenMaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
	}

	e.Journal = journal.New(e.Store, ledger.New(), logger)
	e.Gateway = gateway.New(analysis, circuitbreaker.NewCircuitBreaker("analysis", cbCfg, logger), gateway.ConfigFrom(cfg.Engine), logger)
	e.Milestones = milestone.NewService(e.Journal, cfg.Engine.MaxSubmissionAttempts, logger)
	e.Projects = project.NewService(e.Store, logger)
	e.Escrow = escrow.NewCoordinator(e.Journal, payments, circuitbreaker.NewCircuitBreaker("payments", cbCfg, logger), cfg.Engine.Release, logger)

	e.Dispatcher = outbox.NewDispatcher(e.Outbox, e.Bus, logger).
		WithInterval(cfg.Outbox.Interval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxRetries(cfg.Outbox.MaxRetries)
	e.Replay = outbox.NewReplayService(e.Outbox, e.Bus, logger)
	e.Sweeper = escrow.NewSweeper(e.Store, e.Escrow, e.Milestones, cfg.Engine.SweepInterval, cfg.Engine.Verification.StuckAfter, logger)

	deduper := util.NewDeduper(e.Redis, cfg.Redis.DedupTTL, logger)
	retries := util.NewRetryCounter(e.Redis, cfg.Redis.DedupTTL)

	e.VerificationHandler = mqhandler.NewVerificationRequestedHandler(
		verification.NewWorker(e.Milestones, e.Gateway, deduper, logger), logger)
	e.ReleaseHandler = mqhandler.NewMilestoneApprovedReleaseHandler(
		escrow.NewWorker(e.Escrow, retries, cfg.Engine.Release.MaxRedeliveries, logger), logger)
	e.NotificationHandler = mqhandler.NewMilestoneNotificationHandler(
		notification.NewNotifier(e.Store, notification.NewRedisBroadcaster(e.Redis), deduper, logger), logger)

	if e.LocalBus != nil {
		e.subscribeLocal()
	}

	ok = true
	return e, nil
}

func (e *Engine) initStore(ctx context.Context, opts Options) error {
	if opts.Store != nil {
		e.Store = opts.Store
		ob, ok := opts.Store.(outbox.Store)
		if !ok {
			return fmt.Errorf("store %T does not implement outbox.Store", opts.Store)
		}
		e.Outbox = ob
		return nil
	}

	switch e.Config.Store.Driver {
	case "memory":
		s := repository.NewMemoryStore()
		e.Store, e.Outbox = s, s
	case "postgres":
		pool, err := db.NewPool(ctx, e.Config.DB, e.Logger)
		if err != nil {
			return err
		}
		s := repository.NewPostgresStore(pool, e.Logger)
		e.closers = append(e.closers, s.Close)
		if err := s.Migrate(ctx); err != nil {
			return err
		}
		e.Store, e.Outbox = s, s.Outbox()
	default:
		return fmt.Errorf("unknown store driver %q", e.Config.Store.Driver)
	}
	return nil
}

func (e *Engine) initBus(opts Options) error {
	if opts.Publisher != nil {
		b, ok := opts.Publisher.(bus)
		if !ok {
			return fmt.Errorf("publisher %T does not report connectivity", opts.Publisher)
		}
		e.Bus = b
		if lb, ok := opts.Publisher.(*mq.LocalBus); ok {
			e.LocalBus = lb
		}
		return nil
	}

	if e.Config.MQ.URL == "" {
		e.LocalBus = mq.NewLocalBus(e.Logger)
		e.Bus = e.LocalBus
		e.closers = append(e.closers, e.LocalBus.Close)
		return nil
	}
	pub, err := mq.NewPublisher(e.Config.MQ.URL)
	if err != nil {
		return err
	}
	e.Bus = pub
	e.closers = append(e.closers, pub.Close)
	return nil
}

func (e *Engine) subscribeLocal() {
	e.LocalBus.Subscribe(QueueVerification, contractsmq.RoutingVerificationRequested, e.VerificationHandler.HandleVerificationRequested)
	e.LocalBus.Subscribe(QueueRelease, contractsmq.RoutingApproved, e.ReleaseHandler.HandleMilestoneApproved)
	e.LocalBus.Subscribe(QueueNotification, contractsmq.PatternMilestoneUpdates, e.NotificationHandler.HandleMilestoneUpdate)
}

// StartConsumers 连接 RabbitMQ 并开始消费；StartConsuming 阻塞，放在 goroutine 中
func (e *Engine) StartConsumers() error {
	if e.Config.MQ.URL == "" {
		return nil
	}
	bindings := []struct {
		queue, routingKey string
		handler           mq.MessageHandler
	}{
		{QueueVerification, contractsmq.RoutingVerificationRequested, e.VerificationHandler.HandleVerificationRequested},
		{QueueRelease, contractsmq.RoutingApproved, e.ReleaseHandler.HandleMilestoneApproved},
		{QueueNotification, contractsmq.PatternMilestoneUpdates, e.NotificationHandler.HandleMilestoneUpdate},
	}
	for _, b := range bindings {
		e.Logger.Info("Init consumer", zap.String("queue", b.queue), zap.String("routing_key", b.routingKey))
		consumer, err := mq.NewConsumer(e.Config.MQ.URL, b.queue, b.routingKey, consumerPrefetch, e.Logger)
		if err != nil {
			return fmt.Errorf("init consumer %s: %w", b.queue, err)
		}
		consumer.SetHandler(b.handler)

		e.mu.Lock()
		e.consumers = append(e.consumers, consumer)
		e.mu.Unlock()

		go func(queue string) {
			if err := consumer.StartConsuming(); err != nil {
				e.Logger.Error("Consumer stopped", zap.String("queue", queue), zap.Error(err))
			}
		}(b.queue)
	}
	return nil
}

// RunBackground 启动 outbox dispatcher 和 sweeper，ctx 取消后退出
func (e *Engine) RunBackground(ctx context.Context) {
	go e.Dispatcher.Start(ctx)
	go e.Sweeper.Start(ctx)
}

func (e *Engine) Router() *httpserver.Router {
	return httpserver.NewRouter(
		api.NewProjectHandler(e.Projects, e.Milestones, e.Logger),
		api.NewMilestoneHandler(e.Milestones, e.Escrow, e.Storage, e.Logger),
		e.Config.JWT.Secret,
		e.Store,
		e.Bus,
		e.Logger,
	)
}

// Close 逆序释放资源
func (e *Engine) Close() {
	e.mu.Lock()
	consumers := e.consumers
	e.consumers = nil
	e.mu.Unlock()
	for _, c := range consumers {
		c.Stop()
		c.Close()
	}
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
