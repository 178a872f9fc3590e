package escrow

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperr"
	"escrowflow/internal/client"
	"escrowflow/internal/model"
	"escrowflow/internal/service/journal"
	"escrowflow/pkg/circuitbreaker"
	"escrowflow/pkg/config"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/rbac"
	"escrowflow/pkg/util"
)

const (
	resultReleased        = "released"
	resultAlreadyReleased = "already_released"
	resultFailed          = "failed"

	releaseMethod = "escrow"
)

// errReleaseLost CAS 失败时回滚事务用
var errReleaseLost = errors.New("release lost to a concurrent writer")

// Coordinator 负责把 Approved 的 milestone 放款，保证同一 milestone 最多放款一次
type Coordinator struct {
	journal  *journal.Journal
	payments client.PaymentsClient
	breaker  *circuitbreaker.CircuitBreaker
	cfg      config.ReleaseConfig
	logger   *zap.Logger
}

func NewCoordinator(j *journal.Journal, payments client.PaymentsClient, breaker *circuitbreaker.CircuitBreaker, cfg config.ReleaseConfig, logger *zap.Logger) *Coordinator {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Coordinator{
		journal:  j,
		payments: payments,
		breaker:  breaker,
		cfg:      cfg,
		logger:   logger,
	}
}

// ReleasePayment 自动放款，仅 system 角色
// 已放款返回当前快照和 ErrAlreadyReleased
func (c *Coordinator) ReleasePayment(ctx context.Context, milestoneID string, actor model.Actor) (*model.Milestone, error) {
	if err := rbac.Require(actor, rbac.PermissionReleasePayment); err != nil {
		return nil, err
	}
	unlock := c.journal.Lock(milestoneID)
	defer unlock()
	return c.releaseLocked(ctx, milestoneID, actor)
}

// ForceRelease 公司人工放款：先记录 ForceReleaseRequested，再走同一放款流程
func (c *Coordinator) ForceRelease(ctx context.Context, milestoneID string, actor model.Actor, note string) (*model.Milestone, error) {
	if err := rbac.Require(actor, rbac.PermissionForceRelease); err != nil {
		return nil, err
	}
	unlock := c.journal.Lock(milestoneID)
	defer unlock()

	var current *model.Milestone
	err := c.journal.Run(ctx, func(ctx context.Context, sc *journal.Scope) error {
		m, err := sc.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		current = m
		if err := checkReleasable(m); err != nil {
			return err
		}
		_, err = sc.Audit(ctx, m, actor, model.EventForceReleaseRequested, map[string]any{
			"note":   strings.TrimSpace(note),
			"amount": int64(m.Payment.Amount),
		})
		return err
	})
	if err != nil {
		if errors.Is(err, apperr.ErrAlreadyReleased) {
			return current, err
		}
		return nil, err
	}
	return c.releaseLocked(ctx, milestoneID, actor)
}

func checkReleasable(m *model.Milestone) error {
	if m.Payment.Status == model.PaymentReleased {
		return apperr.ErrAlreadyReleased.WithMessagef("milestone %s released at %s", m.ID, m.Payment.ReleasedAt)
	}
	if err := journal.CheckHold(m); err != nil {
		return err
	}
	if m.State != model.StateApproved {
		return apperr.ErrInvalidTransition.WithMessagef("cannot release milestone in state %s", m.State)
	}
	return nil
}

// releaseLocked 调用方必须持有 milestone 锁
func (c *Coordinator) releaseLocked(ctx context.Context, milestoneID string, actor model.Actor) (*model.Milestone, error) {
	log := logger.WithTrace(ctx, c.logger).With(
		zap.String("milestone_id", milestoneID),
		zap.String("actor_id", actor.ID),
	)

	m, err := c.journal.Store().GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := checkReleasable(m); err != nil {
		if errors.Is(err, apperr.ErrAlreadyReleased) {
			metrics.IncrementRelease(resultAlreadyReleased)
			return m, err
		}
		return nil, err
	}

	ref, err := c.callPayments(ctx, m)
	if err != nil {
		metrics.IncrementRelease(resultFailed)
		log.Error("Payment release failed", zap.Int64("amount", int64(m.Payment.Amount)), zap.Error(err))
		if auditErr := c.recordFailure(ctx, milestoneID, actor, err); auditErr != nil {
			log.Error("Failed to record release failure", zap.Error(auditErr))
		}
		return nil, apperr.ErrTemporarilyUnavailable.WithMessage("payment release failed").Wrap(err)
	}

	// 外部已放款：提交不受调用方取消影响
	commitCtx := context.WithoutCancel(ctx)
	var out *model.Milestone
	err = c.journal.Run(commitCtx, func(ctx context.Context, sc *journal.Scope) error {
		m, err := sc.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		out = m
		if m.Payment.Status == model.PaymentReleased {
			return errReleaseLost
		}
		if err := journal.CheckHold(m); err != nil {
			return err
		}

		now := c.journal.Now()
		m.Payment.Status = model.PaymentReleased
		m.Payment.ReleasedAt = &now
		m.Payment.ReleaseRef = ref
		m.Payment.Method = releaseMethod

		ev, err := sc.Transition(ctx, m, model.StatePaymentReleased, actor, model.EventPaymentReleased, map[string]any{
			"amount":              int64(m.Payment.Amount),
			"release_ref":         ref,
			"destination_account": m.Payment.DestinationAccount,
		})
		if err != nil {
			return err
		}
		won, err := sc.Tx().CompareAndRelease(ctx, m)
		if err != nil {
			return err
		}
		if !won {
			return errReleaseLost
		}
		return sc.Emit(ctx, contractsmq.RoutingPaymentReleased, m, actor, ev, nil)
	})
	if errors.Is(err, errReleaseLost) {
		metrics.IncrementRelease(resultAlreadyReleased)
		current, getErr := c.journal.Store().GetMilestone(commitCtx, milestoneID)
		if getErr != nil {
			return nil, getErr
		}
		return current, apperr.ErrAlreadyReleased.WithMessagef("milestone %s released concurrently", milestoneID)
	}
	if err != nil {
		log.Error("Payment moved but release commit failed", zap.String("release_ref", ref), zap.Error(err))
		return nil, err
	}

	metrics.IncrementRelease(resultReleased)
	metrics.AddReleasedAmount(int64(out.Payment.Amount))
	log.Info("Payment released",
		zap.String("release_ref", ref),
		zap.String("amount", out.Payment.Amount.String()),
	)
	return out, nil
}

func (c *Coordinator) callPayments(ctx context.Context, m *model.Milestone) (string, error) {
	var lastErr error
	bo := util.NewRetryBackOff(c.cfg.BaseBackoff, c.cfg.MaxBackoff)
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		var ref string
		err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
			ctx, span := otel.CollaboratorSpan(ctx, "payments", "release", m.ID)
			var err error
			// 幂等键即 milestone ID，重试不会重复放款
			ref, err = c.payments.Release(ctx, m.ID, m.Payment.Amount, m.Payment.DestinationAccount)
			otel.EndSpan(span, err)
			return err
		})
		if err == nil {
			return ref, nil
		}
		lastErr = err

		retryable, errType := util.IsRetryableError(err)
		c.logger.Warn("Payments call failed",
			zap.String("milestone_id", m.ID),
			zap.Int("attempt", attempt),
			zap.String("error_type", errType),
			zap.Error(err),
		)
		if !retryable || ctx.Err() != nil || attempt == c.cfg.Attempts {
			break
		}
		if err := util.SleepContext(ctx, bo.NextBackOff()); err != nil {
			lastErr = err
			break
		}
	}
	return "", lastErr
}

func (c *Coordinator) recordFailure(ctx context.Context, milestoneID string, actor model.Actor, cause error) error {
	return c.journal.Run(context.WithoutCancel(ctx), func(ctx context.Context, sc *journal.Scope) error {
		m, err := sc.Milestone(ctx, milestoneID)
		if err != nil {
			return err
		}
		_, err = sc.Audit(ctx, m, actor, model.EventReleaseFailed, map[string]any{
			"error":  cause.Error(),
			"amount": int64(m.Payment.Amount),
		})
		return err
	})
}
