package model

import "time"

type AuditEventType string

const (
	EventSubmitted             AuditEventType = "Submitted"
	EventVerificationStarted   AuditEventType = "VerificationStarted"
	EventApproved              AuditEventType = "Approved"
	EventRejected              AuditEventType = "Rejected"
	EventEscalated             AuditEventType = "Escalated"
	EventStaleVerdictIgnored   AuditEventType = "StaleVerdictIgnored"
	EventForceRejected         AuditEventType = "ForceRejected"
	EventForceReleaseRequested AuditEventType = "ForceReleaseRequested"
	EventPaymentReleased       AuditEventType = "PaymentReleased"
	EventReleaseFailed         AuditEventType = "ReleaseFailed"
	EventHoldCleared           AuditEventType = "HoldCleared"
)

// AuditEvent 只追加；按 milestone 编号，哈希链接上一条
type AuditEvent struct {
	MilestoneID string         `json:"milestone_id"`
	SequenceNo  int64          `json:"sequence_no"`
	Actor       Actor          `json:"actor"`
	Type        AuditEventType `json:"type"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	PrevHash    string         `json:"prev_hash"`
	Hash        string         `json:"hash"`
}
