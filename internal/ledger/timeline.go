package ledger

import (
	"time"

	"escrowflow/internal/model"
)

type TimelineEntry struct {
	Seq       int64                `json:"seq"`
	At        time.Time            `json:"at"`
	Actor     model.Actor          `json:"actor"`
	Type      model.AuditEventType `json:"type"`
	FromState model.State          `json:"from_state,omitempty"`
	ToState   model.State          `json:"to_state,omitempty"`
	Note      string               `json:"note,omitempty"`
}

// noteKeys 按优先级取展示文本
var noteKeys = []string{"note", "reason", "analysis", "error"}

// Timeline 把事件折叠成可读的时间线
func Timeline(events []model.AuditEvent) []TimelineEntry {
	out := make([]TimelineEntry, 0, len(events))
	for _, e := range events {
		entry := TimelineEntry{
			Seq:   e.SequenceNo,
			At:    e.Timestamp,
			Actor: e.Actor,
			Type:  e.Type,
		}
		if from, ok := e.Payload["from"].(string); ok {
			entry.FromState = model.State(from)
		}
		if to, ok := e.Payload["to"].(string); ok {
			entry.ToState = model.State(to)
		}
		for _, k := range noteKeys {
			if s, ok := e.Payload[k].(string); ok && s != "" {
				entry.Note = s
				break
			}
		}
		out = append(out, entry)
	}
	return out
}
