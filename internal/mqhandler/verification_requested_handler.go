package mqhandler

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"escrowflow/internal/service/verification"
	"escrowflow/pkg/logger"
)

type VerificationRequestedHandler struct {
	worker *verification.Worker
	logger *zap.Logger
}

func NewVerificationRequestedHandler(worker *verification.Worker, logger *zap.Logger) *VerificationRequestedHandler {
	return &VerificationRequestedHandler{
		worker: worker,
		logger: logger,
	}
}

// HandleVerificationRequested 运行验证并回写结果；重复投递由 worker 去重
func (h *VerificationRequestedHandler) HandleVerificationRequested(ctx context.Context, raw json.RawMessage) error {
	ev, err := decodeMilestoneEvent(raw)
	if err != nil {
		h.logger.Error("Failed to decode verification request", zap.Error(err))
		return err
	}
	log := logger.WithTrace(ctx, h.logger)
	log.Info("Processing verification request",
		zap.String("milestone_id", ev.MilestoneID),
		zap.Int("submission_version", ev.SubmissionVersion),
	)

	if err := settle(h.worker.Handle(ctx, ev)); err != nil {
		log.Error("Verification request failed",
			zap.String("milestone_id", ev.MilestoneID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
