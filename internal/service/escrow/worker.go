package escrow

import (
	"context"
	"errors"

	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/util"
)

const releaseHandlerName = "escrow_release"

var releaseActor = model.SystemActor("escrow")

// Worker 处理 milestone.approved：自动放款
type Worker struct {
	coordinator     *Coordinator
	retries         *util.RetryCounter
	maxRedeliveries int64
	logger          *zap.Logger
}

func NewWorker(coordinator *Coordinator, retries *util.RetryCounter, maxRedeliveries int64, logger *zap.Logger) *Worker {
	return &Worker{
		coordinator:     coordinator,
		retries:         retries,
		maxRedeliveries: maxRedeliveries,
		logger:          logger,
	}
}

// Handle 返回 nil 表示 ack；可重试错误超过重投上限后也 ack，交给 sweeper
func (w *Worker) Handle(ctx context.Context, ev contractsmq.MilestoneEvent) error {
	log := logger.WithTrace(ctx, w.logger).With(zap.String("milestone_id", ev.MilestoneID))
	key := util.FormatRetryKey(releaseHandlerName, ev.MilestoneID)

	_, err := w.coordinator.ReleasePayment(ctx, ev.MilestoneID, releaseActor)
	switch {
	case err == nil:
		_ = w.retries.Reset(ctx, key)
		return nil
	case errors.Is(err, apperr.ErrAlreadyReleased):
		log.Info("Milestone already released, skipping")
		_ = w.retries.Reset(ctx, key)
		return nil
	case errors.Is(err, apperr.ErrInvalidTransition):
		log.Info("Milestone no longer releasable, skipping", zap.Error(err))
		return nil
	case !apperr.IsRetryable(err):
		return err
	}

	count, cerr := w.retries.IncrementAndGet(ctx, key)
	if cerr != nil {
		log.Warn("Failed to increment release retry counter", zap.Error(cerr))
		return err
	}
	if w.maxRedeliveries > 0 && count >= w.maxRedeliveries {
		log.Warn("Release retries exhausted, leaving milestone approved for sweeper",
			zap.Int64("retry_count", count),
			zap.Error(err),
		)
		_ = w.retries.Reset(ctx, key)
		return nil
	}
	return err
}
