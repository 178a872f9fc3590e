package milestone

import (
	"context"
	"errors"

	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
	"escrowflow/internal/service/journal"
	"escrowflow/pkg/logger"
)

var verifierActor = model.SystemActor("verification")

// CompleteVerification 应用验证结果；版本或状态不匹配时只记录 StaleVerdictIgnored
func (s *Service) CompleteVerification(ctx context.Context, milestoneID string, submissionVersion int, verdict model.Verdict) (*model.Milestone, error) {
	switch verdict.Status {
	case model.VerificationApproved, model.VerificationRejected:
	default:
		return nil, apperr.ErrInvalidInput.WithMessagef("verdict status %q is not final", verdict.Status)
	}
	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("milestone_id", milestoneID),
		zap.Int("submission_version", submissionVersion),
	)

	unlock := s.journal.Lock(milestoneID)
	defer unlock()

	var (
		out   *model.Milestone
		stale bool
	)
	err := s.journal.Run(ctx, func(ctx context.Context, sc *journal.Scope) error {
		m, err := sc.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if err := journal.CheckHold(m); err != nil {
			return err
		}
		out = m

		if m.State != model.StateUnderVerification || m.CurrentVersion() != submissionVersion {
			stale = true
			_, err := sc.Audit(ctx, m, verifierActor, model.EventStaleVerdictIgnored, map[string]any{
				"verdict_version": submissionVersion,
				"current_version": m.CurrentVersion(),
				"state":           string(m.State),
				"status":          string(verdict.Status),
			})
			return err
		}

		now := s.journal.Now()
		m.Verification.Status = verdict.Status
		m.Verification.Score = verdict.Score
		m.Verification.Analysis = verdict.Analysis
		m.Verification.CompletedAt = &now

		payload := map[string]any{
			"submission_version": submissionVersion,
			"analysis":           verdict.Analysis,
		}
		if verdict.Score != nil {
			payload["score"] = *verdict.Score
		}
		if verdict.RawVerdict != "" {
			payload["raw_verdict"] = verdict.RawVerdict
		}

		if verdict.Status == model.VerificationApproved {
			ev, err := sc.Transition(ctx, m, model.StateApproved, verifierActor, model.EventApproved, payload)
			if err != nil {
				return err
			}
			if err := sc.Save(ctx, m); err != nil {
				return err
			}
			return sc.Emit(ctx, contractsmq.RoutingApproved, m, verifierActor, ev, func(e *contractsmq.MilestoneEvent) {
				e.Score = verdict.Score
			})
		}

		m.RetryCount++
		payload["retry_count"] = m.RetryCount
		ev, err := sc.Transition(ctx, m, model.StateRejected, verifierActor, model.EventRejected, payload)
		if err != nil {
			return err
		}
		routingKey := contractsmq.RoutingStateChanged
		if m.RetryCount >= s.maxAttempts {
			ev, err = sc.Transition(ctx, m, model.StateEscalated, verifierActor, model.EventEscalated, map[string]any{
				"retry_count":  m.RetryCount,
				"max_attempts": s.maxAttempts,
				"reason":       "maximum submission attempts reached",
			})
			if err != nil {
				return err
			}
			routingKey = contractsmq.RoutingEscalated
		}
		if err := sc.Save(ctx, m); err != nil {
			return err
		}
		return sc.Emit(ctx, routingKey, m, verifierActor, ev, func(e *contractsmq.MilestoneEvent) {
			e.From = string(model.StateUnderVerification)
			e.Score = verdict.Score
			e.Reason = verdict.Analysis
		})
	})
	if err != nil {
		return nil, err
	}

	if stale {
		log.Info("Stale verdict ignored",
			zap.Int("current_version", out.CurrentVersion()),
			zap.String("state", string(out.State)),
		)
		return out, apperr.ErrStaleVerdict.WithMessagef("verdict for version %d, current version %d in state %s",
			submissionVersion, out.CurrentVersion(), out.State)
	}
	log.Info("Verification completed",
		zap.String("status", string(verdict.Status)),
		zap.String("state", string(out.State)),
		zap.Int("retry_count", out.RetryCount),
	)
	return out, nil
}

// RequeueVerification 重新投递验证请求（崩溃恢复），不改变状态也不写审计
func (s *Service) RequeueVerification(ctx context.Context, milestoneID string) (bool, error) {
	unlock := s.journal.Lock(milestoneID)
	defer unlock()

	requeued := false
	err := s.journal.Run(ctx, func(ctx context.Context, sc *journal.Scope) error {
		m, err := sc.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Hold != nil || m.State != model.StateUnderVerification {
			return nil
		}
		requeued = true
		return sc.Emit(ctx, contractsmq.RoutingVerificationRequested, m, verifierActor, model.AuditEvent{}, nil)
	})
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return false, err
	}
	return requeued, err
}
