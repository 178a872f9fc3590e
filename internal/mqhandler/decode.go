package mqhandler

import (
	"encoding/json"
	"fmt"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperr"
	"escrowflow/pkg/mq"
)

// decodeMilestoneEvent 无法解析的消息直接进 DLQ
func decodeMilestoneEvent(raw json.RawMessage) (contractsmq.MilestoneEvent, error) {
	var ev contractsmq.MilestoneEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, mq.Permanent(fmt.Errorf("unmarshal milestone event: %w", err))
	}
	if ev.MilestoneID == "" {
		return ev, mq.Permanent(fmt.Errorf("milestone event without milestone_id"))
	}
	return ev, nil
}

// settle 把业务错误映射为 ack / 重投 / DLQ
func settle(err error) error {
	if err == nil || apperr.IsBenign(err) {
		return nil
	}
	switch apperr.ClassOf(err) {
	case apperr.ClassValidation, apperr.ClassAuth, apperr.ClassNotFound, apperr.ClassInvariant:
		return mq.Permanent(err)
	default:
		return err
	}
}
