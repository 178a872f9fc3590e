package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
	"escrowflow/pkg/outbox"
)

// MemoryStore 进程内存储，事务串行执行，用于单机部署和测试
type MemoryStore struct {
	mu         sync.RWMutex
	milestones map[string]*model.Milestone
	projects   map[string]*model.Project
	audit      map[string][]model.AuditEvent
	outbox     []*outbox.Event
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		milestones: make(map[string]*model.Milestone),
		projects:   make(map[string]*model.Project),
		audit:      make(map[string][]model.AuditEvent),
		now:        time.Now,
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

func (s *MemoryStore) GetMilestone(ctx context.Context, id string) (*model.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.milestones[id]
	if !ok {
		return nil, apperr.ErrNotFound.WithMessagef("milestone %s", id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMilestonesByProject(ctx context.Context, projectID string) ([]*model.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, apperr.ErrNotFound.WithMessagef("project %s", projectID)
	}
	out := make([]*model.Milestone, 0, len(p.MilestoneIDs))
	for _, id := range p.MilestoneIDs {
		if m, ok := s.milestones[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *MemoryStore) ListUnheldMilestonesByState(ctx context.Context, state model.State, limit int) ([]*model.Milestone, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Milestone
	for _, m := range s.milestones {
		if m.State == state && m.Hold == nil {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id string) (*model.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, apperr.ErrNotFound.WithMessagef("project %s", id)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) ListAuditEvents(ctx context.Context, milestoneID string) ([]model.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.AuditEvent(nil), s.audit[milestoneID]...), nil
}

// WithinTx 持有全局写锁执行 fn，fn 返回错误时丢弃所有暂存修改
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		store:      s,
		milestones: make(map[string]*model.Milestone),
		projects:   make(map[string]*model.Project),
		audit:      make(map[string][]model.AuditEvent),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

type memTx struct {
	store      *MemoryStore
	milestones map[string]*model.Milestone
	projects   map[string]*model.Project
	audit      map[string][]model.AuditEvent
	outbox     []*outbox.Event
}

func (t *memTx) commit() {
	s := t.store
	for id, m := range t.milestones {
		s.milestones[id] = m
	}
	for id, p := range t.projects {
		s.projects[id] = p
	}
	for id, events := range t.audit {
		s.audit[id] = append(s.audit[id], events...)
	}
	now := s.now()
	for _, e := range t.outbox {
		e.ID = int64(len(s.outbox) + 1)
		e.CreatedAt = now
		e.UpdatedAt = now
		s.outbox = append(s.outbox, e)
	}
}

func (t *memTx) currentMilestone(id string) (*model.Milestone, bool) {
	if m, ok := t.milestones[id]; ok {
		return m, true
	}
	m, ok := t.store.milestones[id]
	return m, ok
}

func (t *memTx) currentProject(id string) (*model.Project, bool) {
	if p, ok := t.projects[id]; ok {
		return p, true
	}
	p, ok := t.store.projects[id]
	return p, ok
}

func (t *memTx) GetMilestoneForUpdate(ctx context.Context, id string) (*model.Milestone, error) {
	m, ok := t.currentMilestone(id)
	if !ok {
		return nil, apperr.ErrNotFound.WithMessagef("milestone %s", id)
	}
	return m.Clone(), nil
}

func (t *memTx) GetProjectForUpdate(ctx context.Context, id string) (*model.Project, error) {
	p, ok := t.currentProject(id)
	if !ok {
		return nil, apperr.ErrNotFound.WithMessagef("project %s", id)
	}
	return p.Clone(), nil
}

func (t *memTx) InsertProject(ctx context.Context, p *model.Project) error {
	if _, ok := t.currentProject(p.ID); ok {
		return apperr.ErrInvalidInput.WithMessagef("project %s already exists", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = t.store.now()
	}
	p.Version = 1
	t.projects[p.ID] = p.Clone()
	return nil
}

func (t *memTx) UpdateProject(ctx context.Context, p *model.Project) error {
	cur, ok := t.currentProject(p.ID)
	if !ok {
		return apperr.ErrNotFound.WithMessagef("project %s", p.ID)
	}
	if cur.Version != p.Version {
		return apperr.ErrConcurrentModification.WithMessagef("project %s", p.ID)
	}
	p.Version++
	t.projects[p.ID] = p.Clone()
	return nil
}

func (t *memTx) InsertMilestone(ctx context.Context, m *model.Milestone) error {
	if _, ok := t.currentMilestone(m.ID); ok {
		return apperr.ErrInvalidInput.WithMessagef("milestone %s already exists", m.ID)
	}
	if err := model.CheckInvariants(m); err != nil {
		return err
	}
	now := t.store.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = 1
	t.milestones[m.ID] = m.Clone()
	return nil
}

func (t *memTx) UpdateMilestone(ctx context.Context, m *model.Milestone) error {
	cur, ok := t.currentMilestone(m.ID)
	if !ok {
		return apperr.ErrNotFound.WithMessagef("milestone %s", m.ID)
	}
	return t.save(cur, m)
}

func (t *memTx) CompareAndRelease(ctx context.Context, m *model.Milestone) (bool, error) {
	cur, ok := t.currentMilestone(m.ID)
	if !ok {
		return false, apperr.ErrNotFound.WithMessagef("milestone %s", m.ID)
	}
	if cur.Payment.Status != model.PaymentPending {
		return false, nil
	}
	if err := t.save(cur, m); err != nil {
		return false, err
	}
	return true, nil
}

func (t *memTx) SetHold(ctx context.Context, milestoneID string, hold *model.Hold) error {
	cur, ok := t.currentMilestone(milestoneID)
	if !ok {
		return apperr.ErrNotFound.WithMessagef("milestone %s", milestoneID)
	}
	c := cur.Clone()
	c.Hold = nil
	if hold != nil {
		h := *hold
		c.Hold = &h
	}
	c.Version++
	c.UpdatedAt = t.store.now()
	t.milestones[milestoneID] = c
	return nil
}

func (t *memTx) save(cur, m *model.Milestone) error {
	if cur.Version != m.Version {
		return apperr.ErrConcurrentModification.WithMessagef("milestone %s: version %d, stored %d", m.ID, m.Version, cur.Version)
	}
	// 放款单调：已放款的记录不能回退
	if cur.Payment.Status == model.PaymentReleased && m.Payment.Status != model.PaymentReleased {
		return apperr.ErrInvariantBroken.WithMessagef("milestone %s: payment release is irreversible", m.ID)
	}
	if err := model.CheckInvariants(m); err != nil {
		return err
	}
	m.Version++
	m.UpdatedAt = t.store.now()
	t.milestones[m.ID] = m.Clone()
	return nil
}

func (t *memTx) LastAuditEvent(ctx context.Context, milestoneID string) (*model.AuditEvent, error) {
	if staged := t.audit[milestoneID]; len(staged) > 0 {
		e := staged[len(staged)-1]
		return &e, nil
	}
	if committed := t.store.audit[milestoneID]; len(committed) > 0 {
		e := committed[len(committed)-1]
		return &e, nil
	}
	return nil, nil
}

func (t *memTx) InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	last, _ := t.LastAuditEvent(ctx, e.MilestoneID)
	want := int64(1)
	if last != nil {
		want = last.SequenceNo + 1
	}
	if e.SequenceNo != want {
		return apperr.ErrLedgerGap.WithMessagef("milestone %s: sequence %d, expected %d", e.MilestoneID, e.SequenceNo, want)
	}
	t.audit[e.MilestoneID] = append(t.audit[e.MilestoneID], *e)
	return nil
}

func (t *memTx) InsertOutboxEvent(ctx context.Context, e *outbox.Event) error {
	c := *e
	t.outbox = append(t.outbox, &c)
	return nil
}
