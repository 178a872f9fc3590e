package milestone

import (
	"context"

	"go.uber.org/zap"

	"escrowflow/internal/apperr"
	"escrowflow/internal/ledger"
	"escrowflow/internal/model"
	"escrowflow/internal/service/journal"
)

// Service 里程碑状态机：提交、验证结果、人工干预
type Service struct {
	journal     *journal.Journal
	maxAttempts int
	logger      *zap.Logger
}

func NewService(j *journal.Journal, maxSubmissionAttempts int, logger *zap.Logger) *Service {
	if maxSubmissionAttempts < 1 {
		maxSubmissionAttempts = 1
	}
	return &Service{
		journal:     j,
		maxAttempts: maxSubmissionAttempts,
		logger:      logger,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*model.Milestone, error) {
	return s.journal.Store().GetMilestone(ctx, id)
}

func (s *Service) ListByProject(ctx context.Context, projectID string) ([]*model.Milestone, error) {
	if _, err := s.journal.Store().GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.journal.Store().ListMilestonesByProject(ctx, projectID)
}

// Trail 审计记录及其时间线
type Trail struct {
	Events   []model.AuditEvent     `json:"events"`
	Timeline []ledger.TimelineEntry `json:"timeline"`
}

// AuditTrail 返回校验过的审计记录；校验失败会挂起该 milestone
func (s *Service) AuditTrail(ctx context.Context, id string) (*Trail, error) {
	if _, err := s.journal.Store().GetMilestone(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.journal.Ledger().Trail(ctx, s.journal.Store(), id)
	if err != nil {
		if apperr.IsInvariant(err) {
			s.journal.PlaceHold(ctx, id, err)
		}
		return nil, err
	}
	return &Trail{Events: events, Timeline: ledger.Timeline(events)}, nil
}
