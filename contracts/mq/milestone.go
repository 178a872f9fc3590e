package mq

import "time"

// Routing keys on the escrow.events exchange
const (
	RoutingVerificationRequested = "milestone.verification.requested"
	RoutingApproved              = "milestone.approved"
	RoutingPaymentReleased       = "milestone.payment_released"
	RoutingEscalated             = "milestone.escalated"
	RoutingStateChanged          = "milestone.state_changed"

	// PatternMilestoneUpdates 通知 worker 订阅的模式，不包含内部的 verification.requested
	PatternMilestoneUpdates = "milestone.*"
)

// MilestoneEvent 所有 milestone 事件共用的 payload
type MilestoneEvent struct {
	EventID           string    `json:"event_id"`
	Event             string    `json:"event"`
	MilestoneID       string    `json:"milestone_id"`
	ProjectID         string    `json:"project_id"`
	SubmissionVersion int       `json:"submission_version,omitempty"`
	From              string    `json:"from,omitempty"`
	To                string    `json:"to"`
	SequenceNo        int64     `json:"sequence_no,omitempty"`
	ActorID           string    `json:"actor_id"`
	ActorRole         string    `json:"actor_role"`
	Score             *int      `json:"score,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	TraceID           string    `json:"trace_id,omitempty"`
	OccurredAt        time.Time `json:"occurred_at"`
}
