package project

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/milestone"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/rbac"
)

const defaultCurrency = "USD"

// MilestoneInput 金额为最小货币单位
type MilestoneInput struct {
	Title              string      `json:"title" yaml:"title"`
	Description        string      `json:"description" yaml:"description"`
	DueDate            *time.Time  `json:"due_date,omitempty" yaml:"due_date,omitempty"`
	Budget             model.Money `json:"budget" yaml:"budget"`
	Deliverables       []string    `json:"deliverables" yaml:"deliverables"`
	DestinationAccount string      `json:"destination_account" yaml:"destination_account"`
}

type CreateProjectInput struct {
	Title       string           `json:"title" yaml:"title"`
	Currency    string           `json:"currency" yaml:"currency"`
	TotalBudget model.Money      `json:"total_budget" yaml:"total_budget"`
	Milestones  []MilestoneInput `json:"milestones" yaml:"milestones"`
}

// AmendInput 追加 milestone，同时给出新的总预算
type AmendInput struct {
	AddMilestones  []MilestoneInput `json:"add_milestones" yaml:"add_milestones"`
	NewTotalBudget model.Money      `json:"new_total_budget" yaml:"new_total_budget"`
}

// Summary 每次读取时重新计算
type Summary struct {
	Project         *model.Project      `json:"project"`
	Total           int                 `json:"total"`
	Completed       int                 `json:"completed"`
	ProgressPercent int                 `json:"progress_percent"`
	Spent           model.Money         `json:"spent"`
	Remaining       model.Money         `json:"remaining"`
	TotalBudget     model.Money         `json:"total_budget"`
	ByState         map[model.State]int `json:"by_state"`
}

type Service struct {
	store  repository.Store
	now    func() time.Time
	logger *zap.Logger
}

func NewService(store repository.Store, logger *zap.Logger) *Service {
	return &Service{store: store, now: time.Now, logger: logger}
}

func validateMilestones(inputs []MilestoneInput) (model.Money, error) {
	if len(inputs) == 0 {
		return 0, apperr.ErrInvalidInput.WithMessage("at least one milestone is required")
	}
	var sum model.Money
	for i, in := range inputs {
		if strings.TrimSpace(in.Title) == "" {
			return 0, apperr.ErrInvalidInput.WithMessagef("milestone %d: title is required", i)
		}
		if in.Budget <= 0 {
			return 0, apperr.ErrInvalidInput.WithMessagef("milestone %d: budget must be positive", i)
		}
		if len(in.Deliverables) == 0 {
			return 0, apperr.ErrInvalidInput.WithMessagef("milestone %d: at least one deliverable is required", i)
		}
		seen := make(map[string]bool, len(in.Deliverables))
		for _, d := range in.Deliverables {
			folded := milestone.FoldLabel(d)
			if folded == "" {
				return 0, apperr.ErrInvalidInput.WithMessagef("milestone %d: empty deliverable label", i)
			}
			if seen[folded] {
				return 0, apperr.ErrInvalidInput.WithMessagef("milestone %d: duplicate deliverable %q", i, d)
			}
			seen[folded] = true
		}
		if in.Budget > math.MaxInt64-sum {
			return 0, apperr.ErrInvalidInput.WithMessagef("milestone %d: budgets overflow", i)
		}
		sum += in.Budget
	}
	return sum, nil
}

func (s *Service) newMilestone(projectID string, in MilestoneInput) *model.Milestone {
	deliverables := make([]string, len(in.Deliverables))
	for i, d := range in.Deliverables {
		deliverables[i] = strings.TrimSpace(d)
	}
	return &model.Milestone{
		ID:           uuid.NewString(),
		ProjectID:    projectID,
		Title:        strings.TrimSpace(in.Title),
		Description:  in.Description,
		DueDate:      in.DueDate,
		BudgetAmount: in.Budget,
		Deliverables: deliverables,
		Payment: model.Payment{
			Amount:             in.Budget,
			Status:             model.PaymentPending,
			DestinationAccount: in.DestinationAccount,
		},
		State: model.StatePending,
	}
}

// CreateProject 一个事务内创建项目和全部 milestone；总预算必须等于各 milestone 预算之和
func (s *Service) CreateProject(ctx context.Context, actor model.Actor, in CreateProjectInput) (*model.Project, []*model.Milestone, error) {
	if err := rbac.Require(actor, rbac.PermissionCreateProject); err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return nil, nil, apperr.ErrInvalidInput.WithMessage("project title is required")
	}
	if in.TotalBudget <= 0 {
		return nil, nil, apperr.ErrInvalidInput.WithMessage("total budget must be positive")
	}
	sum, err := validateMilestones(in.Milestones)
	if err != nil {
		return nil, nil, err
	}
	if sum != in.TotalBudget {
		return nil, nil, apperr.ErrBudgetMismatch.WithMessagef("total budget %s, milestones sum to %s", in.TotalBudget, sum)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = defaultCurrency
	}

	p := &model.Project{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(in.Title),
		Currency:    currency,
		TotalBudget: in.TotalBudget,
		CreatedBy:   actor,
		CreatedAt:   s.now().UTC(),
	}
	milestones := make([]*model.Milestone, 0, len(in.Milestones))
	for _, mi := range in.Milestones {
		m := s.newMilestone(p.ID, mi)
		p.MilestoneIDs = append(p.MilestoneIDs, m.ID)
		milestones = append(milestones, m)
	}

	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if err := tx.InsertProject(ctx, p); err != nil {
			return err
		}
		for _, m := range milestones {
			if err := tx.InsertMilestone(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	logger.WithTrace(ctx, s.logger).Info("Project created",
		zap.String("project_id", p.ID),
		zap.Int("milestones", len(milestones)),
		zap.String("total_budget", p.TotalBudget.String()),
	)
	return p, milestones, nil
}

// AmendProject 追加 milestone 并重新校验预算总和
func (s *Service) AmendProject(ctx context.Context, actor model.Actor, projectID string, in AmendInput) (*model.Project, []*model.Milestone, error) {
	if err := rbac.Require(actor, rbac.PermissionAmendProject); err != nil {
		return nil, nil, err
	}
	added, err := validateMilestones(in.AddMilestones)
	if err != nil {
		return nil, nil, err
	}

	var (
		out        *model.Project
		milestones []*model.Milestone
	)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetProjectForUpdate(ctx, projectID)
		if err != nil {
			return err
		}
		if added > math.MaxInt64-p.TotalBudget {
			return apperr.ErrInvalidInput.WithMessage("amended budget overflows")
		}
		if want := p.TotalBudget + added; want != in.NewTotalBudget {
			return apperr.ErrBudgetMismatch.WithMessagef("new total budget %s, expected %s", in.NewTotalBudget, want)
		}
		for _, mi := range in.AddMilestones {
			m := s.newMilestone(p.ID, mi)
			if err := tx.InsertMilestone(ctx, m); err != nil {
				return err
			}
			p.MilestoneIDs = append(p.MilestoneIDs, m.ID)
			milestones = append(milestones, m)
		}
		p.TotalBudget = in.NewTotalBudget
		if err := tx.UpdateProject(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	logger.WithTrace(ctx, s.logger).Info("Project amended",
		zap.String("project_id", projectID),
		zap.Int("added", len(milestones)),
		zap.String("total_budget", out.TotalBudget.String()),
	)
	return out, milestones, nil
}

func (s *Service) Get(ctx context.Context, projectID string) (*model.Project, error) {
	return s.store.GetProject(ctx, projectID)
}

// Summary 完成 = 已放款
func (s *Service) Summary(ctx context.Context, projectID string) (*Summary, error) {
	p, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	milestones, err := s.store.ListMilestonesByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return Summarize(p, milestones), nil
}

func Summarize(p *model.Project, milestones []*model.Milestone) *Summary {
	sum := &Summary{
		Project:     p,
		Total:       len(milestones),
		TotalBudget: p.TotalBudget,
		ByState:     make(map[model.State]int),
	}
	for _, m := range milestones {
		sum.ByState[m.State]++
		if m.Payment.Status == model.PaymentReleased {
			sum.Completed++
			sum.Spent += m.Payment.Amount
		}
	}
	if sum.Total > 0 {
		sum.ProgressPercent = sum.Completed * 100 / sum.Total
	}
	sum.Remaining = sum.TotalBudget - sum.Spent
	return sum
}
