package mqhandler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"escrowflow/internal/service/escrow"
	"escrowflow/pkg/logger"
)

type MilestoneApprovedReleaseHandler struct {
	worker *escrow.Worker
	logger *zap.Logger
}

func NewMilestoneApprovedReleaseHandler(worker *escrow.Worker, logger *zap.Logger) *MilestoneApprovedReleaseHandler {
	return &MilestoneApprovedReleaseHandler{
		worker: worker,
		logger: logger,
	}
}

// HandleMilestoneApproved 自动放款；幂等，已放款直接 ack
func (h *MilestoneApprovedReleaseHandler) HandleMilestoneApproved(ctx context.Context, raw json.RawMessage) error {
	ev, err := decodeMilestoneEvent(raw)
	if err != nil {
		h.logger.Error("Failed to decode milestone approved event", zap.Error(err))
		return err
	}
	log := logger.WithTrace(ctx, h.logger)
	log.Info("Releasing payment for approved milestone", zap.String("milestone_id", ev.MilestoneID))

	if err := settle(h.worker.Handle(ctx, ev)); err != nil {
		log.Error("Payment release handler failed",
			zap.String("milestone_id", ev.MilestoneID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
