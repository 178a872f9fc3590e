package outbox

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// NewEvent 构造一个 pending 事件，payload 序列化为 JSON
// eventID 为空时生成新的 UUID
func NewEvent(eventID, aggregateType, aggregateID, routingKey string, payload any) (*Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal outbox payload: %w", err)
	}
	if eventID == "" {
		eventID = uuid.NewString()
	}
	return &Event{
		EventID:       eventID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		RoutingKey:    routingKey,
		Payload:       payloadJSON,
		Status:        StatusPending,
	}, nil
}
