package model

import (
	"time"
)

type State string

const (
	StatePending           State = "pending"
	StateSubmitted         State = "submitted"
	StateUnderVerification State = "under_verification"
	StateApproved          State = "approved"
	StateRejected          State = "rejected"
	StatePaymentReleased   State = "payment_released"
	StateEscalated         State = "escalated"
)

type VerificationStatus string

const (
	VerificationInProgress VerificationStatus = "in_progress"
	VerificationApproved   VerificationStatus = "approved"
	VerificationRejected   VerificationStatus = "rejected"
)

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentReleased PaymentStatus = "released"
)

// FileRef 文件元数据，Label 对应需要满足的交付物
type FileRef struct {
	Label     string `json:"label"`
	Name      string `json:"name"`
	Checksum  string `json:"checksum"`
	SizeBytes int64  `json:"size_bytes"`
	URI       string `json:"uri"`
}

type Submission struct {
	Version     int       `json:"version"`
	SubmittedAt time.Time `json:"submitted_at"`
	SubmittedBy Actor     `json:"submitted_by"`
	Files       []FileRef `json:"files"`
	Notes       string    `json:"notes"`
	Fingerprint string    `json:"fingerprint"`
}

type Verification struct {
	SubmissionVersion int                `json:"submission_version"`
	Status            VerificationStatus `json:"status"`
	Score             *int               `json:"score,omitempty"`
	Analysis          string             `json:"analysis,omitempty"`
	StartedAt         time.Time          `json:"started_at"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
}

type Payment struct {
	Amount             Money         `json:"amount"`
	Status             PaymentStatus `json:"status"`
	ReleasedAt         *time.Time    `json:"released_at,omitempty"`
	Method             string        `json:"method,omitempty"`
	DestinationAccount string        `json:"destination_account,omitempty"`
	ReleaseRef         string        `json:"release_ref,omitempty"`
}

// Hold 检测到不变量被破坏后挂起，阻止所有自动流转，只能人工解除
type Hold struct {
	Code   string    `json:"code"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type Milestone struct {
	ID           string        `json:"id"`
	ProjectID    string        `json:"project_id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	DueDate      *time.Time    `json:"due_date,omitempty"`
	BudgetAmount Money         `json:"budget_amount"`
	Deliverables []string      `json:"deliverables"`
	Submissions  []Submission  `json:"submissions"`
	Verification *Verification `json:"verification,omitempty"`
	Payment      Payment       `json:"payment"`
	State        State         `json:"state"`
	RetryCount   int           `json:"retry_count"`
	Hold         *Hold         `json:"hold,omitempty"`
	Version      int64         `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// CurrentSubmission 最新一次提交，没有提交时返回 nil
func (m *Milestone) CurrentSubmission() *Submission {
	if len(m.Submissions) == 0 {
		return nil
	}
	return &m.Submissions[len(m.Submissions)-1]
}

func (m *Milestone) CurrentVersion() int {
	if s := m.CurrentSubmission(); s != nil {
		return s.Version
	}
	return 0
}

// Clone 深拷贝，存储层返回副本避免共享可变状态
func (m *Milestone) Clone() *Milestone {
	if m == nil {
		return nil
	}
	c := *m
	if m.DueDate != nil {
		d := *m.DueDate
		c.DueDate = &d
	}
	c.Deliverables = append([]string(nil), m.Deliverables...)
	if m.Submissions != nil {
		c.Submissions = make([]Submission, len(m.Submissions))
		for i, s := range m.Submissions {
			s.Files = append([]FileRef(nil), s.Files...)
			c.Submissions[i] = s
		}
	}
	if m.Verification != nil {
		v := *m.Verification
		if v.Score != nil {
			sc := *v.Score
			v.Score = &sc
		}
		if v.CompletedAt != nil {
			t := *v.CompletedAt
			v.CompletedAt = &t
		}
		c.Verification = &v
	}
	if m.Payment.ReleasedAt != nil {
		t := *m.Payment.ReleasedAt
		c.Payment.ReleasedAt = &t
	}
	if m.Hold != nil {
		h := *m.Hold
		c.Hold = &h
	}
	return &c
}

// Verdict 验证结果，Status 已按阈值判定
type Verdict struct {
	Status     VerificationStatus `json:"status"`
	Score      *int               `json:"score,omitempty"`
	RawVerdict string             `json:"raw_verdict,omitempty"`
	Analysis   string             `json:"analysis"`
}
