package repository

import (
	"context"

	"escrowflow/internal/model"
	"escrowflow/pkg/outbox"
)

// Reader 只读查询，返回副本
type Reader interface {
	GetMilestone(ctx context.Context, id string) (*model.Milestone, error)
	ListMilestonesByProject(ctx context.Context, projectID string) ([]*model.Milestone, error)
	// ListUnheldMilestonesByState 按 updated_at 升序返回该状态下未被挂起的 milestone
	ListUnheldMilestonesByState(ctx context.Context, state model.State, limit int) ([]*model.Milestone, error)
	GetProject(ctx context.Context, id string) (*model.Project, error)
	ListAuditEvents(ctx context.Context, milestoneID string) ([]model.AuditEvent, error)
}

// Tx 一个事务内的写操作；任何一步失败整个事务回滚
type Tx interface {
	GetMilestoneForUpdate(ctx context.Context, id string) (*model.Milestone, error)
	GetProjectForUpdate(ctx context.Context, id string) (*model.Project, error)

	InsertProject(ctx context.Context, p *model.Project) error
	UpdateProject(ctx context.Context, p *model.Project) error
	InsertMilestone(ctx context.Context, m *model.Milestone) error
	// UpdateMilestone 乐观锁：m.Version 必须等于库中版本，成功后 m.Version+1
	UpdateMilestone(ctx context.Context, m *model.Milestone) error
	// SetHold 只修改 hold 字段，不做不变量检查，用于挂起已损坏的记录
	SetHold(ctx context.Context, milestoneID string, hold *model.Hold) error
	// CompareAndRelease 仅当库中 payment 仍为 pending 时写入已放款的 m；返回是否赢得 CAS
	CompareAndRelease(ctx context.Context, m *model.Milestone) (bool, error)

	LastAuditEvent(ctx context.Context, milestoneID string) (*model.AuditEvent, error)
	// InsertAuditEvent 要求 sequence_no == last+1，否则 apperr.ErrLedgerGap
	InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error

	InsertOutboxEvent(ctx context.Context, e *outbox.Event) error
}

type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}
