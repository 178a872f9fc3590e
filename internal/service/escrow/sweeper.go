package escrow

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
	"escrowflow/internal/repository"
)

const sweepBatch = 100

// VerificationRequeuer 由 milestone.Service 实现
type VerificationRequeuer interface {
	RequeueVerification(ctx context.Context, milestoneID string) (bool, error)
}

// Sweeper 定期扫描：补放款、重投卡住的验证
type Sweeper struct {
	store       repository.Reader
	coordinator *Coordinator
	requeuer    VerificationRequeuer
	interval    time.Duration
	stuckAfter  time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

func NewSweeper(store repository.Reader, coordinator *Coordinator, requeuer VerificationRequeuer, interval, stuckAfter time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		store:       store,
		coordinator: coordinator,
		requeuer:    requeuer,
		interval:    interval,
		stuckAfter:  stuckAfter,
		now:         time.Now,
		logger:      logger,
	}
}

// Start 阻塞直到 ctx 取消
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("Sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepResult 一轮扫描的统计
type SweepResult struct {
	Released int
	Requeued int
	Failed   int
}

func (s *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	var res SweepResult

	approved, err := s.store.ListUnheldMilestonesByState(ctx, model.StateApproved, sweepBatch)
	if err != nil {
		s.logger.Error("Failed to list approved milestones", zap.Error(err))
	}
	for _, m := range approved {
		if m.Hold != nil || m.Payment.Status != model.PaymentPending {
			continue
		}
		_, err := s.coordinator.ReleasePayment(ctx, m.ID, releaseActor)
		switch {
		case err == nil:
			res.Released++
		case apperr.IsBenign(err):
		default:
			res.Failed++
			s.logger.Warn("Sweeper release failed", zap.String("milestone_id", m.ID), zap.Error(err))
		}
	}

	stuck, err := s.store.ListUnheldMilestonesByState(ctx, model.StateUnderVerification, sweepBatch)
	if err != nil {
		s.logger.Error("Failed to list milestones under verification", zap.Error(err))
	}
	cutoff := s.now().Add(-s.stuckAfter)
	for _, m := range stuck {
		if m.Hold != nil || m.Verification == nil || m.Verification.StartedAt.After(cutoff) {
			continue
		}
		ok, err := s.requeuer.RequeueVerification(ctx, m.ID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			res.Failed++
			s.logger.Warn("Sweeper requeue failed", zap.String("milestone_id", m.ID), zap.Error(err))
			continue
		}
		if ok {
			res.Requeued++
		}
	}

	if res.Released+res.Requeued+res.Failed > 0 {
		s.logger.Info("Sweep finished",
			zap.Int("released", res.Released),
			zap.Int("requeued", res.Requeued),
			zap.Int("failed", res.Failed),
		)
	}
	return res
}
