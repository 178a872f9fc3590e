package milestone

import (
	"context"
	"strings"

	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperr"
	"escrowflow/internal/ledger"
	"escrowflow/internal/model"
	"escrowflow/internal/service/journal"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/rbac"
)

// ForceReject 公司人工驳回：Rejected/Escalated → Pending，Escalated 同时清零 RetryCount
func (s *Service) ForceReject(ctx context.Context, milestoneID string, actor model.Actor, reason string) (*model.Milestone, error) {
	if err := rbac.Require(actor, rbac.PermissionForceReject); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, apperr.ErrInvalidInput.WithMessage("reason is required")
	}

	unlock := s.journal.Lock(milestoneID)
	defer unlock()

	var out *model.Milestone
	err := s.journal.Run(ctx, func(ctx context.Context, sc *journal.Scope) error {
		m, err := sc.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		if err := journal.CheckHold(m); err != nil {
			return err
		}

		from := m.State
		if from != model.StateRejected && from != model.StateEscalated {
			return apperr.ErrInvalidTransition.WithMessagef("cannot force-reject milestone in state %s", from)
		}
		payload := map[string]any{"reason": reason}
		if from == model.StateEscalated {
			payload["retry_count_reset"] = m.RetryCount
			m.RetryCount = 0
		}
		ev, err := sc.Transition(ctx, m, model.StatePending, actor, model.EventForceRejected, payload)
		if err != nil {
			return err
		}
		if err := sc.Save(ctx, m); err != nil {
			return err
		}
		out = m
		return sc.Emit(ctx, contractsmq.RoutingStateChanged, m, actor, ev, func(e *contractsmq.MilestoneEvent) {
			e.Reason = reason
		})
	})
	if err != nil {
		return nil, err
	}
	logger.WithTrace(ctx, s.logger).Info("Milestone force-rejected",
		zap.String("milestone_id", milestoneID),
		zap.String("actor_id", actor.ID),
	)
	return out, nil
}

// ClearHold 人工解除挂起；只有审计链和不变量都重新校验通过才允许
func (s *Service) ClearHold(ctx context.Context, milestoneID string, actor model.Actor, note string) (*model.Milestone, error) {
	if err := rbac.Require(actor, rbac.PermissionResolveHold); err != nil {
		return nil, err
	}
	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("milestone_id", milestoneID),
		zap.String("actor_id", actor.ID),
	)

	unlock := s.journal.Lock(milestoneID)
	defer unlock()

	store := s.journal.Store()
	// 事务外读取：同一 milestone 的写入已被 keyed lock 串行化
	events, err := store.ListAuditEvents(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	err = s.journal.Run(ctx, func(ctx context.Context, sc *journal.Scope) error {
		m, err := sc.Tx().GetMilestoneForUpdate(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Hold == nil {
			return apperr.ErrInvalidTransition.WithMessage("milestone is not on hold")
		}

		if err := ledger.Verify(milestoneID, events); err != nil {
			return err
		}
		if err := model.CheckInvariants(m); err != nil {
			return err
		}

		if err := sc.Tx().SetHold(ctx, milestoneID, nil); err != nil {
			return err
		}
		_, err = sc.Audit(ctx, m, actor, model.EventHoldCleared, map[string]any{
			"code":   m.Hold.Code,
			"reason": m.Hold.Reason,
			"note":   note,
		})
		return err
	})
	if err != nil {
		log.Warn("Hold not cleared", zap.String("code", apperr.CodeOf(err)), zap.Error(err))
		return nil, err
	}

	log.Info("Milestone hold cleared")
	return store.GetMilestone(ctx, milestoneID)
}
