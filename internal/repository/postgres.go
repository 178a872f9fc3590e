package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/outbox"
)

//go:embed migrations/*.sql
var migrations embed.FS

// PostgresStore milestone/project 以 JSONB 文档存储，state/payment_status/version 单独成列用于条件更新
type PostgresStore struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		outbox: outbox.NewRepository(db),
		logger: logger,
	}
}

// Outbox 返回同一连接池上的 outbox 仓库，供 Dispatcher 使用
func (s *PostgresStore) Outbox() *outbox.Repository {
	return s.outbox
}

// Migrate 按文件名顺序执行 migrations/*.sql，语句都是幂等的
func (s *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		sql, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.db.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		s.logger.Info("Migration applied", zap.String("file", name))
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

func (s *PostgresStore) GetMilestone(ctx context.Context, id string) (m *model.Milestone, err error) {
	ctx, span := otel.DBSpan(ctx, "select", "milestones")
	defer func() { otel.EndDBSpan(span, err) }()

	return scanMilestone(s.db.QueryRow(ctx, `
		SELECT version, doc FROM milestones WHERE id = $1
	`, id), id)
}

func (s *PostgresStore) ListMilestonesByProject(ctx context.Context, projectID string) ([]*model.Milestone, error) {
	p, err := s.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	ms, err := s.queryMilestones(ctx, `
		SELECT version, doc FROM milestones WHERE project_id = $1
	`, projectID)
	if err != nil {
		return nil, err
	}
	// 保持项目中定义的顺序
	byID := make(map[string]*model.Milestone, len(ms))
	for _, m := range ms {
		byID[m.ID] = m
	}
	out := make([]*model.Milestone, 0, len(ms))
	for _, id := range p.MilestoneIDs {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *PostgresStore) ListUnheldMilestonesByState(ctx context.Context, state model.State, limit int) ([]*model.Milestone, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.queryMilestones(ctx, `
		SELECT version, doc FROM milestones
		WHERE state = $1 AND COALESCE(doc->'hold', 'null'::jsonb) = 'null'::jsonb
		ORDER BY updated_at ASC
		LIMIT $2
	`, string(state), limit)
}

func (s *PostgresStore) queryMilestones(ctx context.Context, query string, args ...any) (out []*model.Milestone, err error) {
	ctx, span := otel.DBSpan(ctx, "select", "milestones")
	defer func() { otel.EndDBSpan(span, err) }()

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query milestones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMilestone(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (p *model.Project, err error) {
	ctx, span := otel.DBSpan(ctx, "select", "projects")
	defer func() { otel.EndDBSpan(span, err) }()

	return scanProject(s.db.QueryRow(ctx, `
		SELECT version, doc FROM projects WHERE id = $1
	`, id), id)
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, milestoneID string) (out []model.AuditEvent, err error) {
	ctx, span := otel.DBSpan(ctx, "select", "audit_events")
	defer func() { otel.EndDBSpan(span, err) }()

	rows, err := s.db.Query(ctx, `
		SELECT milestone_id, sequence_no, actor_id, actor_role, type, payload, ts, prev_hash, hash
		FROM audit_events
		WHERE milestone_id = $1
		ORDER BY sequence_no ASC
	`, milestoneID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// WithinTx 在一个 pgx 事务中执行 fn；fn 出错或提交失败都会回滚
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() {
		// 已提交时 Rollback 返回 ErrTxClosed，忽略
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &pgTx{tx: tx, outbox: s.outbox}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx     pgx.Tx
	outbox *outbox.Repository
}

func (t *pgTx) GetMilestoneForUpdate(ctx context.Context, id string) (m *model.Milestone, err error) {
	ctx, span := otel.DBSpan(ctx, "select_for_update", "milestones")
	defer func() { otel.EndDBSpan(span, err) }()

	return scanMilestone(t.tx.QueryRow(ctx, `
		SELECT version, doc FROM milestones WHERE id = $1 FOR UPDATE
	`, id), id)
}

func (t *pgTx) GetProjectForUpdate(ctx context.Context, id string) (p *model.Project, err error) {
	ctx, span := otel.DBSpan(ctx, "select_for_update", "projects")
	defer func() { otel.EndDBSpan(span, err) }()

	return scanProject(t.tx.QueryRow(ctx, `
		SELECT version, doc FROM projects WHERE id = $1 FOR UPDATE
	`, id), id)
}

func (t *pgTx) InsertProject(ctx context.Context, p *model.Project) (err error) {
	ctx, span := otel.DBSpan(ctx, "insert", "projects")
	defer func() { otel.EndDBSpan(span, err) }()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.Version = 1
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO projects (id, version, doc, created_at) VALUES ($1, $2, $3, $4)
	`, p.ID, p.Version, doc, p.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrInvalidInput.WithMessagef("project %s already exists", p.ID)
	}
	return err
}

func (t *pgTx) UpdateProject(ctx context.Context, p *model.Project) (err error) {
	ctx, span := otel.DBSpan(ctx, "update", "projects")
	defer func() { otel.EndDBSpan(span, err) }()

	expected := p.Version
	p.Version++
	doc, err := json.Marshal(p)
	if err != nil {
		p.Version = expected
		return err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE projects SET version = $2, doc = $3 WHERE id = $1 AND version = $4
	`, p.ID, p.Version, doc, expected)
	if err != nil {
		p.Version = expected
		return fmt.Errorf("failed to update project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		p.Version = expected
		return apperr.ErrConcurrentModification.WithMessagef("project %s", p.ID)
	}
	return nil
}

func (t *pgTx) InsertMilestone(ctx context.Context, m *model.Milestone) (err error) {
	ctx, span := otel.DBSpan(ctx, "insert", "milestones")
	defer func() { otel.EndDBSpan(span, err) }()

	if err := model.CheckInvariants(m); err != nil {
		return err
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	m.Version = 1
	doc, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO milestones (id, project_id, state, payment_status, version, doc, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.ProjectID, string(m.State), string(m.Payment.Status), m.Version, doc, m.CreatedAt, m.UpdatedAt)
	if isUniqueViolation(err) {
		return apperr.ErrInvalidInput.WithMessagef("milestone %s already exists", m.ID)
	}
	return err
}

func (t *pgTx) UpdateMilestone(ctx context.Context, m *model.Milestone) (err error) {
	ctx, span := otel.DBSpan(ctx, "update", "milestones")
	defer func() { otel.EndDBSpan(span, err) }()

	// 放款单调：库中已放款时只允许继续写 released
	ok, err := t.write(ctx, m, `AND (payment_status = 'pending' OR $3::text = 'released')`)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.ErrConcurrentModification.WithMessagef("milestone %s", m.ID)
	}
	return nil
}

func (t *pgTx) SetHold(ctx context.Context, milestoneID string, hold *model.Hold) (err error) {
	ctx, span := otel.DBSpan(ctx, "set_hold", "milestones")
	defer func() { otel.EndDBSpan(span, err) }()

	value := []byte("null")
	if hold != nil {
		if value, err = json.Marshal(hold); err != nil {
			return err
		}
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE milestones
		SET doc = jsonb_set(doc, '{hold}', $2::jsonb), version = version + 1, updated_at = NOW()
		WHERE id = $1
	`, milestoneID, value)
	if err != nil {
		return fmt.Errorf("failed to set hold: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound.WithMessagef("milestone %s", milestoneID)
	}
	return nil
}

func (t *pgTx) CompareAndRelease(ctx context.Context, m *model.Milestone) (won bool, err error) {
	ctx, span := otel.DBSpan(ctx, "compare_and_release", "milestones")
	defer func() { otel.EndDBSpan(span, err) }()

	ok, err := t.write(ctx, m, `AND payment_status = 'pending'`)
	if err != nil || ok {
		return ok, err
	}

	var status string
	if err := t.tx.QueryRow(ctx, `SELECT payment_status FROM milestones WHERE id = $1`, m.ID).Scan(&status); err != nil {
		return false, fmt.Errorf("failed to read payment status: %w", err)
	}
	if status == string(model.PaymentReleased) {
		return false, nil
	}
	return false, apperr.ErrConcurrentModification.WithMessagef("milestone %s", m.ID)
}

// write 带版本条件更新整条记录，extra 是附加的 WHERE 条件
func (t *pgTx) write(ctx context.Context, m *model.Milestone, extra string) (bool, error) {
	if err := model.CheckInvariants(m); err != nil {
		return false, err
	}
	expected := m.Version
	m.Version++
	m.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(m)
	if err != nil {
		m.Version = expected
		return false, err
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE milestones
		SET state = $2, payment_status = $3, version = $4, doc = $5, updated_at = $6
		WHERE id = $1 AND version = $7 `+extra,
		m.ID, string(m.State), string(m.Payment.Status), m.Version, doc, m.UpdatedAt, expected)
	if err != nil {
		m.Version = expected
		return false, fmt.Errorf("failed to update milestone: %w", err)
	}
	if tag.RowsAffected() == 0 {
		m.Version = expected
		return false, nil
	}
	return true, nil
}

func (t *pgTx) LastAuditEvent(ctx context.Context, milestoneID string) (*model.AuditEvent, error) {
	e, err := scanAuditEvent(t.tx.QueryRow(ctx, `
		SELECT milestone_id, sequence_no, actor_id, actor_role, type, payload, ts, prev_hash, hash
		FROM audit_events
		WHERE milestone_id = $1
		ORDER BY sequence_no DESC
		LIMIT 1
	`, milestoneID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (t *pgTx) InsertAuditEvent(ctx context.Context, e *model.AuditEvent) (err error) {
	ctx, span := otel.DBSpan(ctx, "insert", "audit_events")
	defer func() { otel.EndDBSpan(span, err) }()

	var payload []byte
	if len(e.Payload) > 0 {
		if payload, err = json.Marshal(e.Payload); err != nil {
			return err
		}
	}
	tag, err := t.tx.Exec(ctx, `
		INSERT INTO audit_events (milestone_id, sequence_no, actor_id, actor_role, type, payload, ts, prev_hash, hash)
		SELECT $1::text, $2::bigint, $3::text, $4::text, $5::text, $6::jsonb, $7::timestamptz, $8::text, $9::text
		WHERE COALESCE((SELECT MAX(sequence_no) FROM audit_events WHERE milestone_id = $1::text), 0) = $2::bigint - 1
	`, e.MilestoneID, e.SequenceNo, e.Actor.ID, string(e.Actor.Role), string(e.Type), payload, e.Timestamp, e.PrevHash, e.Hash)
	if isUniqueViolation(err) {
		return apperr.ErrLedgerGap.WithMessagef("milestone %s: duplicate sequence %d", e.MilestoneID, e.SequenceNo)
	}
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrLedgerGap.WithMessagef("milestone %s: sequence %d is not last+1", e.MilestoneID, e.SequenceNo)
	}
	return nil
}

func (t *pgTx) InsertOutboxEvent(ctx context.Context, e *outbox.Event) error {
	return t.outbox.InsertEvent(ctx, t.tx, e)
}

func scanMilestone(row pgx.Row, id string) (*model.Milestone, error) {
	var version int64
	var doc []byte
	if err := row.Scan(&version, &doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound.WithMessagef("milestone %s", id)
		}
		return nil, fmt.Errorf("failed to scan milestone: %w", err)
	}
	var m model.Milestone
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("failed to decode milestone: %w", err)
	}
	m.Version = version
	return &m, nil
}

func scanProject(row pgx.Row, id string) (*model.Project, error) {
	var version int64
	var doc []byte
	if err := row.Scan(&version, &doc); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound.WithMessagef("project %s", id)
		}
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	var p model.Project
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("failed to decode project: %w", err)
	}
	p.Version = version
	return &p, nil
}

func scanAuditEvent(row pgx.Row) (*model.AuditEvent, error) {
	var e model.AuditEvent
	var role, typ string
	var payload []byte
	err := row.Scan(
		&e.MilestoneID,
		&e.SequenceNo,
		&e.Actor.ID,
		&role,
		&typ,
		&payload,
		&e.Timestamp,
		&e.PrevHash,
		&e.Hash,
	)
	if err != nil {
		return nil, err
	}
	e.Actor.Role = model.Role(role)
	e.Type = model.AuditEventType(typ)
	e.Timestamp = e.Timestamp.UTC()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode audit payload: %w", err)
		}
	}
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
