package milestone

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/text/cases"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperr"
	"escrowflow/internal/model"
	"escrowflow/internal/service/journal"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/rbac"
)

type SubmitInput struct {
	MilestoneID string
	Actor       model.Actor
	Files       []model.FileRef
	Notes       string
}

// FoldLabel 交付物标签按 Unicode case folding 比较
func FoldLabel(label string) string {
	return cases.Fold().String(strings.TrimSpace(label))
}

// CheckCoverage 每个文件必须有 label/name/checksum，且覆盖所有交付物
func CheckCoverage(deliverables []string, files []model.FileRef) error {
	if len(files) == 0 {
		return apperr.ErrIncompleteSubmission.WithMessage("no files submitted")
	}
	covered := make(map[string]bool, len(files))
	for i, f := range files {
		if strings.TrimSpace(f.Label) == "" || strings.TrimSpace(f.Name) == "" || strings.TrimSpace(f.Checksum) == "" {
			return apperr.ErrIncompleteSubmission.WithMessagef("file %d is missing label, name or checksum", i)
		}
		covered[FoldLabel(f.Label)] = true
	}
	var missing []string
	for _, d := range deliverables {
		if !covered[FoldLabel(d)] {
			missing = append(missing, d)
		}
	}
	if len(missing) > 0 {
		return apperr.ErrIncompleteSubmission.WithMessagef("missing deliverables: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Fingerprint 提交内容指纹：排序后的 label/checksum 对 + notes
func Fingerprint(files []model.FileRef, notes string) string {
	lines := make([]string, 0, len(files))
	for _, f := range files {
		lines = append(lines, FoldLabel(f.Label)+"|"+f.Checksum)
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	h.Write([]byte(notes))
	return hex.EncodeToString(h.Sum(nil))
}

// Submit 新建一个提交版本并进入验证
// 验证中收到相同内容返回 ErrSubmissionInFlight，不同内容则取代正在进行的验证
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*model.Milestone, error) {
	if err := rbac.Require(in.Actor, rbac.PermissionSubmitMilestone); err != nil {
		return nil, err
	}
	log := logger.WithTrace(ctx, s.logger).With(
		zap.String("milestone_id", in.MilestoneID),
		zap.String("actor_id", in.Actor.ID),
	)

	unlock := s.journal.Lock(in.MilestoneID)
	defer unlock()

	var out *model.Milestone
	err := s.journal.Run(ctx, func(ctx context.Context, sc *journal.Scope) error {
		m, err := sc.Milestone(ctx, in.MilestoneID)
		if err != nil {
			return err
		}
		if err := journal.CheckHold(m); err != nil {
			return err
		}

		fingerprint := Fingerprint(in.Files, in.Notes)
		switch m.State {
		case model.StatePending, model.StateRejected:
		case model.StateUnderVerification:
			if cur := m.CurrentSubmission(); cur != nil && cur.Fingerprint == fingerprint {
				return apperr.ErrSubmissionInFlight.WithMessagef("submission version %d is already under verification", cur.Version)
			}
		default:
			return apperr.ErrInvalidTransition.WithMessagef("cannot submit milestone in state %s", m.State)
		}
		if err := CheckCoverage(m.Deliverables, in.Files); err != nil {
			return err
		}

		from := m.State
		now := s.journal.Now()
		version := m.CurrentVersion() + 1
		m.Submissions = append(m.Submissions, model.Submission{
			Version:     version,
			SubmittedAt: now,
			SubmittedBy: in.Actor,
			Files:       append([]model.FileRef(nil), in.Files...),
			Notes:       in.Notes,
			Fingerprint: fingerprint,
		})

		if _, err := sc.Transition(ctx, m, model.StateSubmitted, in.Actor, model.EventSubmitted, map[string]any{
			"submission_version": version,
			"files":              len(in.Files),
			"fingerprint":        fingerprint,
			"superseded":         from == model.StateUnderVerification,
		}); err != nil {
			return err
		}

		m.Verification = &model.Verification{
			SubmissionVersion: version,
			Status:            model.VerificationInProgress,
			StartedAt:         now,
		}
		started, err := sc.Transition(ctx, m, model.StateUnderVerification, model.SystemActor("verification"), model.EventVerificationStarted, map[string]any{
			"submission_version": version,
		})
		if err != nil {
			return err
		}
		if err := sc.Save(ctx, m); err != nil {
			return err
		}

		if err := sc.Emit(ctx, contractsmq.RoutingVerificationRequested, m, in.Actor, started, nil); err != nil {
			return err
		}
		if err := sc.Emit(ctx, contractsmq.RoutingStateChanged, m, in.Actor, started, func(e *contractsmq.MilestoneEvent) {
			e.From = string(from)
		}); err != nil {
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		if apperr.ClassOf(err) == apperr.ClassValidation {
			log.Warn("Submission rejected", zap.String("code", apperr.CodeOf(err)), zap.Error(err))
		}
		return nil, err
	}

	log.Info("Milestone submitted",
		zap.Int("submission_version", out.CurrentVersion()),
		zap.String("state", string(out.State)),
	)
	return out, nil
}
