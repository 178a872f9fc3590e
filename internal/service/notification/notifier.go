package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/model"
	"escrowflow/internal/projection"
	"escrowflow/internal/repository"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/util"
)

const handlerName = "notification"

var audiences = []model.Role{model.RoleEmployee, model.RoleCompany, model.RoleClient}

// Broadcaster 推送到订阅方（UI）
type Broadcaster interface {
	Publish(ctx context.Context, channel string, message []byte) error
}

type redisBroadcaster struct {
	rdb *redis.Client
}

// NewRedisBroadcaster 使用 redis pub/sub；rdb 为 nil 时返回 nil
func NewRedisBroadcaster(rdb *redis.Client) Broadcaster {
	if rdb == nil {
		return nil
	}
	return &redisBroadcaster{rdb: rdb}
}

func (b *redisBroadcaster) Publish(ctx context.Context, channel string, message []byte) error {
	return b.rdb.Publish(ctx, channel, message).Err()
}

func Channel(projectID string) string {
	return "notifications:" + projectID
}

// Message 推送给某一角色的通知
type Message struct {
	EventID string          `json:"event_id"`
	Event   string          `json:"event"`
	Role    model.Role      `json:"role"`
	View    projection.View `json:"view"`
}

type Notifier struct {
	store       repository.Reader
	broadcaster Broadcaster
	deduper     *util.Deduper
	logger      *zap.Logger
}

func NewNotifier(store repository.Reader, broadcaster Broadcaster, deduper *util.Deduper, logger *zap.Logger) *Notifier {
	return &Notifier{
		store:       store,
		broadcaster: broadcaster,
		deduper:     deduper,
		logger:      logger,
	}
}

// Handle 为每个角色生成视图并推送；同一 event_id 只推送一次
func (n *Notifier) Handle(ctx context.Context, ev contractsmq.MilestoneEvent) error {
	log := logger.WithTrace(ctx, n.logger).With(
		zap.String("milestone_id", ev.MilestoneID),
		zap.String("event_id", ev.EventID),
	)
	if n.broadcaster == nil {
		log.Debug("No broadcaster configured, dropping notification")
		return nil
	}
	if ev.EventID != "" && !n.deduper.AcquireOnce(ctx, handlerName, ev.EventID) {
		return nil
	}

	if err := n.broadcast(ctx, ev); err != nil {
		if ev.EventID != "" {
			n.deduper.Release(context.WithoutCancel(ctx), handlerName, ev.EventID)
		}
		return err
	}
	log.Debug("Notification published", zap.String("event", ev.Event))
	return nil
}

func (n *Notifier) broadcast(ctx context.Context, ev contractsmq.MilestoneEvent) error {
	m, err := n.store.GetMilestone(ctx, ev.MilestoneID)
	if err != nil {
		return err
	}
	events, err := n.store.ListAuditEvents(ctx, ev.MilestoneID)
	if err != nil {
		return err
	}

	channel := Channel(m.ProjectID)
	for _, role := range audiences {
		view, err := projection.For(role, m, events)
		if err != nil {
			return err
		}
		data, err := json.Marshal(Message{EventID: ev.EventID, Event: ev.Event, Role: role, View: view})
		if err != nil {
			return err
		}
		if err := n.broadcaster.Publish(ctx, channel, data); err != nil {
			return fmt.Errorf("publish notification to %s: %w", channel, err)
		}
	}
	return nil
}
