package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
)

// Appender 由存储事务实现；Append 必须在持有 milestone 锁的事务内调用
type Appender interface {
	LastAuditEvent(ctx context.Context, milestoneID string) (*model.AuditEvent, error)
	InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error
}

type Reader interface {
	ListAuditEvents(ctx context.Context, milestoneID string) ([]model.AuditEvent, error)
}

// Ledger 按 milestone 维护只追加、哈希链接的审计日志
type Ledger struct {
	now func() time.Time
}

func New() *Ledger {
	return &Ledger{now: time.Now}
}

// WithClock 测试用
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Append 写入下一条事件：sequence = last+1，hash = sha256(prev_hash ‖ canonical event)
func (l *Ledger) Append(ctx context.Context, tx Appender, milestoneID string, actor model.Actor, typ model.AuditEventType, payload map[string]any) (model.AuditEvent, error) {
	last, err := tx.LastAuditEvent(ctx, milestoneID)
	if err != nil {
		return model.AuditEvent{}, fmt.Errorf("read last audit event: %w", err)
	}

	normalized, err := normalizePayload(payload)
	if err != nil {
		return model.AuditEvent{}, err
	}

	e := model.AuditEvent{
		MilestoneID: milestoneID,
		SequenceNo:  1,
		Actor:       actor,
		Type:        typ,
		Payload:     normalized,
		// postgres timestamptz 精度为微秒
		Timestamp: l.now().UTC().Truncate(time.Microsecond),
	}
	if last != nil {
		e.SequenceNo = last.SequenceNo + 1
		e.PrevHash = last.Hash
		if e.Timestamp.Before(last.Timestamp) {
			e.Timestamp = last.Timestamp
		}
	}

	e.Hash, err = ComputeHash(e)
	if err != nil {
		return model.AuditEvent{}, err
	}
	if err := tx.InsertAuditEvent(ctx, &e); err != nil {
		return model.AuditEvent{}, err
	}
	return e, nil
}

// normalizePayload 经过一次 JSON 往返，保证内存中和从数据库读回的 payload 哈希一致
func normalizePayload(payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal audit payload: %w", err)
	}
	return out, nil
}

type hashedFields struct {
	MilestoneID string               `json:"milestone_id"`
	SequenceNo  int64                `json:"sequence_no"`
	Actor       model.Actor          `json:"actor"`
	Type        model.AuditEventType `json:"type"`
	Payload     map[string]any       `json:"payload"`
	Timestamp   string               `json:"timestamp"`
}

// ComputeHash 不包含 Hash 字段本身；map 的 key 由 encoding/json 排序
func ComputeHash(e model.AuditEvent) (string, error) {
	payload := e.Payload
	if len(payload) == 0 {
		payload = nil
	}
	data, err := json.Marshal(hashedFields{
		MilestoneID: e.MilestoneID,
		SequenceNo:  e.SequenceNo,
		Actor:       e.Actor,
		Type:        e.Type,
		Payload:     payload,
		Timestamp:   e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return "", fmt.Errorf("canonical marshal: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify 检查序号从 1 开始严格连续且哈希链完整
func Verify(milestoneID string, events []model.AuditEvent) error {
	prevHash := ""
	for i, e := range events {
		want := int64(i + 1)
		if e.MilestoneID != milestoneID {
			return apperr.ErrLedgerTampered.WithMessagef("milestone %s: event %d belongs to %s", milestoneID, e.SequenceNo, e.MilestoneID)
		}
		if e.SequenceNo != want {
			return apperr.ErrLedgerGap.WithMessagef("milestone %s: expected sequence %d, got %d", milestoneID, want, e.SequenceNo)
		}
		if e.PrevHash != prevHash {
			return apperr.ErrLedgerTampered.WithMessagef("milestone %s: broken chain at sequence %d", milestoneID, e.SequenceNo)
		}
		got, err := ComputeHash(e)
		if err != nil {
			return err
		}
		if got != e.Hash {
			return apperr.ErrLedgerTampered.WithMessagef("milestone %s: hash mismatch at sequence %d", milestoneID, e.SequenceNo)
		}
		prevHash = e.Hash
	}
	return nil
}

// Trail 返回校验过的有序事件
func (l *Ledger) Trail(ctx context.Context, r Reader, milestoneID string) ([]model.AuditEvent, error) {
	events, err := r.ListAuditEvents(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if err := Verify(milestoneID, events); err != nil {
		return nil, err
	}
	return events, nil
}
