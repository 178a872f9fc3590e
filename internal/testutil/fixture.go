// Package testutil 测试共用的内存环境和假协作方
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"escrowflow/internal/apperr"
	"escrowflow/internal/client"
	"escrowflow/internal/ledger"
	"escrowflow/internal/model"
	"escrowflow/internal/repository"
	"escrowflow/internal/service/escrow"
	"escrowflow/internal/service/journal"
	"escrowflow/internal/service/milestone"
	"escrowflow/internal/service/project"
	"escrowflow/pkg/circuitbreaker"
	"escrowflow/pkg/config"
	"escrowflow/pkg/outbox"
)

var (
	Company  = model.Actor{ID: "company-1", Role: model.RoleCompany}
	Employee = model.Actor{ID: "employee-1", Role: model.RoleEmployee}
	Client   = model.Actor{ID: "client-1", Role: model.RoleClient}
	System   = model.SystemActor("test")
)

// Fixture 内存存储上的完整服务栈
type Fixture struct {
	Store      *FaultyStore
	Memory     *repository.MemoryStore
	Journal    *journal.Journal
	Milestones *milestone.Service
	Projects   *project.Service
	Escrow     *escrow.Coordinator
	Payments   *FakePayments
	Engine     config.EngineConfig
}

func NewFixture(t *testing.T) *Fixture {
	t.Helper()
	engineCfg := config.Default().Engine
	engineCfg.Release.BaseBackoff = time.Millisecond
	engineCfg.Release.MaxBackoff = 5 * time.Millisecond

	mem := repository.NewMemoryStore()
	store := &FaultyStore{MemoryStore: mem}
	log := zap.NewNop()
	j := journal.New(store, ledger.New(), log)
	payments := NewFakePayments()

	return &Fixture{
		Store:      store,
		Memory:     mem,
		Journal:    j,
		Milestones: milestone.NewService(j, engineCfg.MaxSubmissionAttempts, log),
		Projects:   project.NewService(store, log),
		Escrow:     escrow.NewCoordinator(j, payments, NewBreaker(), engineCfg.Release, log),
		Payments:   payments,
		Engine:     engineCfg,
	}
}

func NewBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.NewCircuitBreaker("test", circuitbreaker.Config{
		FailureThreshold:    100,
		SuccessThreshold:    1,
		Timeout:             time.Second,
		HalfOpenMaxRequests: 1,
	}, zap.NewNop())
}

// CreateProject 创建一个项目，每个 milestone 的预算和交付物由参数给出
func (f *Fixture) CreateProject(t *testing.T, budgets []model.Money, deliverables ...[]string) (*model.Project, []*model.Milestone) {
	t.Helper()
	in := project.CreateProjectInput{Title: "Test project", Currency: "USD"}
	for i, b := range budgets {
		d := []string{"report"}
		if i < len(deliverables) {
			d = deliverables[i]
		}
		in.Milestones = append(in.Milestones, project.MilestoneInput{
			Title:              fmt.Sprintf("Milestone %d", i+1),
			Budget:             b,
			Deliverables:       d,
			DestinationAccount: "acct-employee",
		})
		in.TotalBudget += b
	}
	p, ms, err := f.Projects.CreateProject(context.Background(), Company, in)
	require.NoError(t, err)
	return p, ms
}

// FilesFor 为每个交付物生成一个文件
func FilesFor(deliverables []string, salt string) []model.FileRef {
	files := make([]model.FileRef, 0, len(deliverables))
	for _, d := range deliverables {
		name := strings.ReplaceAll(d, " ", "_") + ".pdf"
		files = append(files, model.FileRef{
			Label:     d,
			Name:      name,
			Checksum:  "blake2b-256:" + salt + name,
			SizeBytes: 1024,
			URI:       "file:///blobs/" + name,
		})
	}
	return files
}

// Submit 员工提交覆盖全部交付物的内容
func (f *Fixture) Submit(t *testing.T, m *model.Milestone, salt string) *model.Milestone {
	t.Helper()
	out, err := f.Milestones.Submit(context.Background(), milestone.SubmitInput{
		MilestoneID: m.ID,
		Actor:       Employee,
		Files:       FilesFor(m.Deliverables, salt),
		Notes:       "notes " + salt,
	})
	require.NoError(t, err)
	return out
}

// Approve 提交并通过验证
func (f *Fixture) Approve(t *testing.T, m *model.Milestone) *model.Milestone {
	t.Helper()
	cur := f.Submit(t, m, "v")
	score := 92
	out, err := f.Milestones.CompleteVerification(context.Background(), m.ID, cur.CurrentVersion(), model.Verdict{
		Status:   model.VerificationApproved,
		Score:    &score,
		Analysis: "all deliverables present",
	})
	require.NoError(t, err)
	require.Equal(t, model.StateApproved, out.State)
	return out
}

func (f *Fixture) Events(t *testing.T, milestoneID string) []model.AuditEvent {
	t.Helper()
	events, err := f.Memory.ListAuditEvents(context.Background(), milestoneID)
	require.NoError(t, err)
	return events
}

func EventTypes(events []model.AuditEvent) []model.AuditEventType {
	out := make([]model.AuditEventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// Outbox 当前待发布的事件
func (f *Fixture) Outbox(t *testing.T) []*outbox.Event {
	t.Helper()
	events, err := f.Memory.GetPendingEvents(context.Background(), 0)
	require.NoError(t, err)
	return events
}

// OutboxFor 按 routing key 过滤某个 milestone 的待发布事件
func (f *Fixture) OutboxFor(t *testing.T, milestoneID, routingKey string) []*outbox.Event {
	t.Helper()
	var out []*outbox.Event
	for _, e := range f.Outbox(t) {
		if e.AggregateID == milestoneID && e.RoutingKey == routingKey {
			out = append(out, e)
		}
	}
	return out
}

// Decode 解析 outbox payload
func Decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// FakePayments 记录每个幂等键的放款；同一键重复调用返回同一 ref
type FakePayments struct {
	mu       sync.Mutex
	calls    int
	moved    map[string]model.Money
	failures int
	err      error
	delay    time.Duration
}

func NewFakePayments() *FakePayments {
	return &FakePayments{moved: make(map[string]model.Money)}
}

// FailNext 接下来 n 次调用返回 err
func (p *FakePayments) FailNext(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
	p.err = err
}

func (p *FakePayments) SetDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.delay = d
}

func (p *FakePayments) Release(ctx context.Context, idempotencyKey string, amount model.Money, destinationAccount string) (string, error) {
	p.mu.Lock()
	p.calls++
	delay := p.delay
	if p.failures > 0 {
		p.failures--
		err := p.err
		p.mu.Unlock()
		return "", err
	}
	p.moved[idempotencyKey] = amount
	p.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return "ref-" + idempotencyKey, nil
}

func (p *FakePayments) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// Movements 实际发生的资金移动（按幂等键去重）
func (p *FakePayments) Movements() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.moved)
}

var _ client.PaymentsClient = (*FakePayments)(nil)

// FaultyStore 可以注入审计写入失败，用于验证挂起逻辑
type FaultyStore struct {
	*repository.MemoryStore

	mu         sync.Mutex
	failAudits bool
}

func (s *FaultyStore) FailAudits(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAudits = on
}

func (s *FaultyStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	fail := s.failAudits
	s.mu.Unlock()
	return s.MemoryStore.WithinTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		return fn(ctx, &faultyTx{Tx: tx, failAudits: fail})
	})
}

type faultyTx struct {
	repository.Tx
	failAudits bool
}

func (t *faultyTx) InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	if t.failAudits {
		return apperr.ErrLedgerGap.WithMessagef("milestone %s: injected gap at sequence %d", e.MilestoneID, e.SequenceNo)
	}
	return t.Tx.InsertAuditEvent(ctx, e)
}
