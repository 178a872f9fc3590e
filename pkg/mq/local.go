package mq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"escrowflow/pkg/metrics"
	"escrowflow/pkg/trace"
)

var ErrBusClosed = errors.New("local bus closed")

type subscription struct {
	queue   string
	pattern string
	handler MessageHandler
}

// LocalBus 进程内的 topic 总线，memory 模式下代替 RabbitMQ
// 语义与 topic exchange 一致：每个匹配的 queue 收到一份，handler 返回可重试错误时重投
type LocalBus struct {
	logger *zap.Logger

	mu       sync.RWMutex
	subs     []subscription
	closed   bool
	inflight int
	idle     *sync.Cond

	maxRedeliveries int
	redeliveryDelay time.Duration
}

func NewLocalBus(logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &LocalBus{
		logger:          logger,
		maxRedeliveries: 10,
		redeliveryDelay: 200 * time.Millisecond,
	}
	b.idle = sync.NewCond(&b.mu)
	return b
}

// WithRedelivery 设置重投次数和间隔
func (b *LocalBus) WithRedelivery(max int, delay time.Duration) *LocalBus {
	b.maxRedeliveries = max
	b.redeliveryDelay = delay
	return b
}

// Subscribe 把 handler 绑定到 queue，pattern 支持 * 和 #
func (b *LocalBus) Subscribe(queue, pattern string, h MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{queue: queue, pattern: pattern, handler: h})
	b.logger.Info("Local subscription registered",
		zap.String("queue", queue),
		zap.String("pattern", pattern),
	)
}

func (b *LocalBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *LocalBus) PublishWithContext(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	var targets []subscription
	for _, s := range b.subs {
		if MatchTopic(s.pattern, routingKey) {
			targets = append(targets, s)
		}
	}
	b.inflight += len(targets)
	b.mu.Unlock()

	traceID := trace.FromContext(ctx)
	for _, s := range targets {
		go b.deliver(traceID, routingKey, s, json.RawMessage(body))
	}
	return nil
}

func (b *LocalBus) deliver(traceID, routingKey string, s subscription, body json.RawMessage) {
	defer b.done()

	for attempt := 0; ; attempt++ {
		start := time.Now()
		err := b.invoke(traceID, s, body)
		if err == nil {
			metrics.RecordMQConsumeLatency(routingKey, s.queue, "ok", time.Since(start))
			return
		}
		if IsPermanent(err) {
			metrics.RecordMQConsumeLatency(routingKey, s.queue, "dlq", time.Since(start))
			b.logger.Error("Local handler permanent failure, dropping message",
				zap.String("routing_key", routingKey),
				zap.String("queue", s.queue),
				zap.Error(err),
			)
			return
		}
		metrics.RecordMQConsumeLatency(routingKey, s.queue, "retry", time.Since(start))
		if attempt >= b.maxRedeliveries || !b.IsConnected() {
			b.logger.Error("Local handler redeliveries exhausted",
				zap.String("routing_key", routingKey),
				zap.String("queue", s.queue),
				zap.Int("attempts", attempt+1),
				zap.Error(err),
			)
			return
		}
		b.logger.Warn("Local handler error, redelivering",
			zap.String("routing_key", routingKey),
			zap.String("queue", s.queue),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		time.Sleep(b.redeliveryDelay)
	}
}

func (b *LocalBus) invoke(traceID string, s subscription, body json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Local handler panic recovered",
				zap.String("queue", s.queue),
				zap.Any("panic", r),
			)
			err = errors.New("handler panic")
		}
	}()
	ctx := trace.WithContext(context.Background(), traceID)
	return s.handler(ctx, body)
}

func (b *LocalBus) done() {
	b.mu.Lock()
	b.inflight--
	if b.inflight == 0 {
		b.idle.Broadcast()
	}
	b.mu.Unlock()
}

// Wait 阻塞直到没有正在投递的消息
func (b *LocalBus) Wait() {
	b.mu.Lock()
	for b.inflight > 0 {
		b.idle.Wait()
	}
	b.mu.Unlock()
}

// Close 拒绝新消息并等待投递结束
func (b *LocalBus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.Wait()
}

// MatchTopic 按 AMQP topic 规则匹配：* 匹配一个词，# 匹配零个或多个词
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || p[0] != k[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}
