package journal

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperr"
	"escrowflow/internal/ledger"
	"escrowflow/internal/lock"
	"escrowflow/internal/model"
	"escrowflow/internal/repository"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/outbox"
	"escrowflow/pkg/trace"
)

const aggregateMilestone = "milestone"

// Journal 是所有 milestone 写操作的公共入口：
// 按 milestone 加锁，在一个事务里修改状态、追加审计事件、写 outbox
type Journal struct {
	store  repository.Store
	ledger *ledger.Ledger
	locks  *lock.KeyedMutex
	logger *zap.Logger
	now    func() time.Time
}

func New(store repository.Store, l *ledger.Ledger, logger *zap.Logger) *Journal {
	return &Journal{
		store:  store,
		ledger: l,
		locks:  lock.NewKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
}

func (j *Journal) Store() repository.Store { return j.store }

func (j *Journal) Ledger() *ledger.Ledger { return j.ledger }

func (j *Journal) Now() time.Time { return j.now().UTC() }

// Lock 进程内按 milestone 互斥；跨进程由 SELECT ... FOR UPDATE 保证
func (j *Journal) Lock(milestoneID string) func() {
	return j.locks.Lock(milestoneID)
}

type move struct {
	from, to model.State
}

// Scope 一次事务内的操作集合
type Scope struct {
	j          *Journal
	tx         repository.Tx
	moves      []move
	milestones []string
}

func (s *Scope) Tx() repository.Tx { return s.tx }

// Milestone 加载并锁定 milestone，记录下来以便不变量被破坏时挂起
func (s *Scope) Milestone(ctx context.Context, id string) (*model.Milestone, error) {
	m, err := s.tx.GetMilestoneForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	s.milestones = append(s.milestones, id)
	return m, nil
}

// Run 在事务中执行 fn；提交后才计数状态流转，不变量错误会挂起涉及的 milestone
func (j *Journal) Run(ctx context.Context, fn func(ctx context.Context, s *Scope) error) error {
	var scope *Scope
	err := j.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		scope = &Scope{j: j, tx: tx}
		return fn(ctx, scope)
	})
	if err != nil {
		if scope != nil && apperr.IsInvariant(err) {
			for _, id := range scope.milestones {
				j.PlaceHold(ctx, id, err)
			}
		}
		return err
	}
	for _, mv := range scope.moves {
		metrics.IncrementTransition(string(mv.from), string(mv.to))
	}
	return nil
}

// Audit 追加一条审计事件
func (s *Scope) Audit(ctx context.Context, m *model.Milestone, actor model.Actor, typ model.AuditEventType, payload map[string]any) (model.AuditEvent, error) {
	return s.j.ledger.Append(ctx, s.tx, m.ID, actor, typ, payload)
}

// Transition 校验并执行状态流转，同时写入带 from/to 的审计事件
func (s *Scope) Transition(ctx context.Context, m *model.Milestone, to model.State, actor model.Actor, typ model.AuditEventType, payload map[string]any) (model.AuditEvent, error) {
	from := m.State
	if err := model.ValidateTransition(from, to); err != nil {
		return model.AuditEvent{}, err
	}
	p := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		p[k] = v
	}
	p["from"] = string(from)
	p["to"] = string(to)

	ev, err := s.Audit(ctx, m, actor, typ, p)
	if err != nil {
		return model.AuditEvent{}, err
	}
	m.State = to
	s.moves = append(s.moves, move{from: from, to: to})
	return ev, nil
}

// Emit 把事件写入 outbox，随事务一起提交
func (s *Scope) Emit(ctx context.Context, routingKey string, m *model.Milestone, actor model.Actor, ev model.AuditEvent, build func(e *contractsmq.MilestoneEvent)) error {
	payload := contractsmq.MilestoneEvent{
		Event:             routingKey,
		MilestoneID:       m.ID,
		ProjectID:         m.ProjectID,
		SubmissionVersion: m.CurrentVersion(),
		To:                string(m.State),
		SequenceNo:        ev.SequenceNo,
		ActorID:           actor.ID,
		ActorRole:         string(actor.Role),
		TraceID:           trace.FromContext(ctx),
		OccurredAt:        s.j.Now(),
	}
	if from, ok := ev.Payload["from"].(string); ok {
		payload.From = from
	}
	if build != nil {
		build(&payload)
	}

	// event_id 同时写进 payload，供下游去重
	payload.EventID = uuid.NewString()
	e, err := outbox.NewEvent(payload.EventID, aggregateMilestone, m.ID, routingKey, &payload)
	if err != nil {
		return err
	}
	return s.tx.InsertOutboxEvent(ctx, e)
}

// Save 保存 milestone（乐观锁 + 不变量检查）
func (s *Scope) Save(ctx context.Context, m *model.Milestone) error {
	return s.tx.UpdateMilestone(ctx, m)
}

// CheckHold 挂起的 milestone 不允许任何自动流转
func CheckHold(m *model.Milestone) error {
	if m.Hold != nil {
		return apperr.ErrMilestoneOnHold.WithMessagef("milestone %s: %s", m.ID, m.Hold.Reason)
	}
	return nil
}

// PlaceHold 在独立事务中挂起 milestone；已挂起时保留最早的原因
func (j *Journal) PlaceHold(ctx context.Context, milestoneID string, cause error) {
	code := apperr.CodeOf(cause)
	metrics.IncrementInvariantViolation(code)
	log := logger.WithTrace(ctx, j.logger).With(zap.String("milestone_id", milestoneID))
	log.Error("Invariant violation detected, placing milestone on hold",
		zap.String("code", code),
		zap.Error(cause),
	)

	err := j.store.WithinTx(context.WithoutCancel(ctx), func(ctx context.Context, tx repository.Tx) error {
		m, err := tx.GetMilestoneForUpdate(ctx, milestoneID)
		if err != nil {
			return err
		}
		if m.Hold != nil {
			return nil
		}
		return tx.SetHold(ctx, milestoneID, &model.Hold{Code: code, Reason: cause.Error(), At: j.Now()})
	})
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		log.Error("Failed to place hold", zap.Error(err))
	}
}
