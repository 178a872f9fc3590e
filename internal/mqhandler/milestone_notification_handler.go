package mqhandler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"escrowflow/internal/service/notification"
)

type MilestoneNotificationHandler struct {
	notifier *notification.Notifier
	logger   *zap.Logger
}

func NewMilestoneNotificationHandler(notifier *notification.Notifier, logger *zap.Logger) *MilestoneNotificationHandler {
	return &MilestoneNotificationHandler{
		notifier: notifier,
		logger:   logger,
	}
}

// HandleMilestoneUpdate 推送按角色裁剪的视图
func (h *MilestoneNotificationHandler) HandleMilestoneUpdate(ctx context.Context, raw json.RawMessage) error {
	ev, err := decodeMilestoneEvent(raw)
	if err != nil {
		h.logger.Error("Failed to decode milestone event", zap.Error(err))
		return err
	}
	if err := settle(h.notifier.Handle(ctx, ev)); err != nil {
		h.logger.Warn("Failed to publish notification",
			zap.String("milestone_id", ev.MilestoneID),
			zap.String("event", ev.Event),
			zap.Error(err),
		)
		return err
	}
	return nil
}
