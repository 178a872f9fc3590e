package projection

import (
	"time"

	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
)

// 客户视图只有这几种状态
const (
	ClientPending        = "Pending"
	ClientInReview       = "In review"
	ClientAccepted       = "Accepted"
	ClientPaid           = "Paid"
	ClientNeedsAttention = "Needs attention"
)

// View 按角色裁剪后的 milestone 视图；client 视图不含分数和分析
type View struct {
	MilestoneID string      `json:"milestone_id"`
	ProjectID   string      `json:"project_id"`
	Title       string      `json:"title"`
	Role        model.Role  `json:"role"`
	Status      string      `json:"status"`
	Amount      string      `json:"amount"`
	DueDate     *time.Time  `json:"due_date,omitempty"`
	UpdatedAt   time.Time   `json:"updated_at"`
	State       model.State `json:"state,omitempty"`

	SubmissionVersion int      `json:"submission_version,omitempty"`
	Score             *int     `json:"score,omitempty"`
	Feedback          string   `json:"feedback,omitempty"`
	Deliverables      []string `json:"deliverables,omitempty"`

	// company
	RetryCount       *int        `json:"retry_count,omitempty"`
	Escalated        bool        `json:"escalated,omitempty"`
	CanForceRelease  bool        `json:"can_force_release,omitempty"`
	CanForceReject   bool        `json:"can_force_reject,omitempty"`
	ReleaseFailures  int         `json:"release_failures,omitempty"`
	LastReleaseError string      `json:"last_release_error,omitempty"`
	Hold             *model.Hold `json:"hold,omitempty"`
	ReleaseRef       string      `json:"release_ref,omitempty"`
	ReleasedAt       *time.Time  `json:"released_at,omitempty"`
}

// For 从当前状态和审计事件推导出某个角色看到的视图
func For(role model.Role, m *model.Milestone, events []model.AuditEvent) (View, error) {
	v := View{
		MilestoneID: m.ID,
		ProjectID:   m.ProjectID,
		Title:       m.Title,
		Role:        role,
		Amount:      m.Payment.Amount.String(),
		DueDate:     m.DueDate,
		UpdatedAt:   m.UpdatedAt,
	}

	switch role {
	case model.RoleClient:
		status, err := clientStatus(m)
		if err != nil {
			return View{}, err
		}
		v.Status = status
		return v, nil
	case model.RoleEmployee:
		status, err := employeeStatus(m.State)
		if err != nil {
			return View{}, err
		}
		v.Status = status
		fillWork(&v, m)
		return v, nil
	case model.RoleCompany, model.RoleSystem:
		v.Status = string(m.State)
		fillWork(&v, m)
		fillCompany(&v, m, events)
		return v, nil
	default:
		return View{}, apperr.ErrForbidden.WithMessagef("unknown role %q", role)
	}
}

func fillWork(v *View, m *model.Milestone) {
	v.State = m.State
	v.SubmissionVersion = m.CurrentVersion()
	v.Deliverables = append([]string(nil), m.Deliverables...)
	if m.Verification != nil && m.Verification.Status != model.VerificationInProgress {
		v.Score = m.Verification.Score
		if m.State == model.StateRejected || m.State == model.StateEscalated {
			v.Feedback = m.Verification.Analysis
		}
	}
	if m.Payment.Status == model.PaymentReleased {
		v.ReleasedAt = m.Payment.ReleasedAt
	}
}

func fillCompany(v *View, m *model.Milestone, events []model.AuditEvent) {
	retries := m.RetryCount
	v.RetryCount = &retries
	v.Escalated = m.State == model.StateEscalated
	v.Hold = m.Hold
	v.ReleaseRef = m.Payment.ReleaseRef
	v.CanForceRelease = m.Hold == nil && m.State == model.StateApproved && m.Payment.Status == model.PaymentPending
	v.CanForceReject = m.Hold == nil && (m.State == model.StateRejected || m.State == model.StateEscalated)
	if m.Verification != nil {
		v.Feedback = m.Verification.Analysis
	}

	for _, e := range events {
		switch e.Type {
		case model.EventReleaseFailed:
			v.ReleaseFailures++
			if msg, ok := e.Payload["error"].(string); ok {
				v.LastReleaseError = msg
			}
		case model.EventPaymentReleased:
			v.LastReleaseError = ""
		}
	}
}

func employeeStatus(s model.State) (string, error) {
	switch s {
	case model.StatePending:
		return "awaiting submission", nil
	case model.StateSubmitted, model.StateUnderVerification:
		return "pending review", nil
	case model.StateRejected:
		return "changes requested", nil
	case model.StateEscalated:
		return "escalated to company", nil
	case model.StateApproved:
		return "approved", nil
	case model.StatePaymentReleased:
		return "approved and paid", nil
	default:
		return "", apperr.ErrInvariantBroken.WithMessagef("unknown milestone state %q", s)
	}
}

func clientStatus(m *model.Milestone) (string, error) {
	if m.Hold != nil {
		return ClientNeedsAttention, nil
	}
	switch m.State {
	case model.StatePending:
		return ClientPending, nil
	case model.StateSubmitted, model.StateUnderVerification:
		return ClientInReview, nil
	case model.StateApproved:
		return ClientAccepted, nil
	case model.StatePaymentReleased:
		return ClientPaid, nil
	case model.StateRejected, model.StateEscalated:
		return ClientNeedsAttention, nil
	default:
		return "", apperr.ErrInvariantBroken.WithMessagef("unknown milestone state %q", m.State)
	}
}
