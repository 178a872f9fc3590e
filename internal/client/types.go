package client

import (
	"fmt"

	"escrowflow/internal/model"
)

// Bundle 发送给评估服务的提交内容
type Bundle struct {
	MilestoneID       string          `json:"milestone_id"`
	SubmissionVersion int             `json:"submission_version"`
	Title             string          `json:"title"`
	Description       string          `json:"description"`
	Deliverables      []string        `json:"deliverables"`
	Files             []model.FileRef `json:"files"`
	Notes             string          `json:"notes"`
}

type AnalysisResult struct {
	Score      float64 `json:"score"`
	VerdictRaw string  `json:"verdict"`
	Analysis   string  `json:"analysis"`
}

// StatusError 协作方返回的非 2xx 响应；5xx/429 可重试，其余 4xx 不可重试
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s service error: %d %s", e.Service, e.StatusCode, e.Body)
}

func (e *StatusError) UpstreamStatus() int { return e.StatusCode }
