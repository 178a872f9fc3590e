package verification

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperr"
	"escrowflow/internal/client"
	"escrowflow/internal/gateway"
	"escrowflow/internal/model"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/util"
)

const handlerName = "verification"

// Verifier 由 gateway.Gateway 实现
type Verifier interface {
	Verify(ctx context.Context, req gateway.Request) (model.Verdict, error)
}

// Completer 由 milestone.Service 实现
type Completer interface {
	Get(ctx context.Context, id string) (*model.Milestone, error)
	CompleteVerification(ctx context.Context, milestoneID string, submissionVersion int, verdict model.Verdict) (*model.Milestone, error)
}

// Worker 处理 milestone.verification.requested
type Worker struct {
	milestones Completer
	verifier   Verifier
	deduper    *util.Deduper
	logger     *zap.Logger
}

func NewWorker(milestones Completer, verifier Verifier, deduper *util.Deduper, logger *zap.Logger) *Worker {
	return &Worker{
		milestones: milestones,
		verifier:   verifier,
		deduper:    deduper,
		logger:     logger,
	}
}

// BundleFor 组装发送给评估服务的内容
func BundleFor(m *model.Milestone) client.Bundle {
	b := client.Bundle{
		MilestoneID:  m.ID,
		Title:        m.Title,
		Description:  m.Description,
		Deliverables: append([]string(nil), m.Deliverables...),
	}
	if s := m.CurrentSubmission(); s != nil {
		b.SubmissionVersion = s.Version
		b.Files = append([]model.FileRef(nil), s.Files...)
		b.Notes = s.Notes
	}
	return b
}

// Handle 同一 (milestone, version) 同时只处理一次；状态已推进时直接 ack
func (w *Worker) Handle(ctx context.Context, ev contractsmq.MilestoneEvent) error {
	log := logger.WithTrace(ctx, w.logger).With(
		zap.String("milestone_id", ev.MilestoneID),
		zap.Int("submission_version", ev.SubmissionVersion),
	)

	key := ev.MilestoneID + ":" + strconv.Itoa(ev.SubmissionVersion)
	if !w.deduper.AcquireOnce(ctx, handlerName, key) {
		return nil
	}
	defer w.deduper.Release(context.WithoutCancel(ctx), handlerName, key)

	m, err := w.milestones.Get(ctx, ev.MilestoneID)
	if err != nil {
		return err
	}
	if m.State != model.StateUnderVerification || m.CurrentVersion() != ev.SubmissionVersion {
		log.Info("Verification request outdated, skipping",
			zap.String("state", string(m.State)),
			zap.Int("current_version", m.CurrentVersion()),
		)
		return nil
	}
	if m.Hold != nil {
		log.Warn("Milestone on hold, skipping verification")
		return nil
	}

	verdict, err := w.verifier.Verify(ctx, gateway.Request{
		MilestoneID:       m.ID,
		SubmissionVersion: ev.SubmissionVersion,
		Bundle:            BundleFor(m),
	})
	if err != nil {
		return err
	}
	if gateway.IsUnavailable(verdict) {
		log.Warn("Analysis service unavailable, recording rejection", zap.String("analysis", verdict.Analysis))
	}

	_, err = w.milestones.CompleteVerification(ctx, m.ID, ev.SubmissionVersion, verdict)
	if err != nil && !errors.Is(err, apperr.ErrStaleVerdict) {
		return err
	}
	return nil
}
