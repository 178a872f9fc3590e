package milestone_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperr"
	"escrowflow/internal/ledger"
	"escrowflow/internal/model"
	"escrowflow/internal/service/milestone"
	"escrowflow/internal/testutil"
)

func intPtr(v int) *int { return &v }

func TestSubmit_StartsVerification(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000}, []string{"Design doc", "Source code"})
	m := ms[0]

	out := f.Submit(t, m, "a")
	assert.Equal(t, model.StateUnderVerification, out.State)
	assert.Equal(t, 1, out.CurrentVersion())
	require.NotNil(t, out.Verification)
	assert.Equal(t, model.VerificationInProgress, out.Verification.Status)
	assert.Equal(t, 1, out.Verification.SubmissionVersion)

	events := f.Events(t, m.ID)
	assert.Equal(t, []model.AuditEventType{model.EventSubmitted, model.EventVerificationStarted}, testutil.EventTypes(events))
	require.NoError(t, ledger.Verify(m.ID, events))

	requests := f.OutboxFor(t, m.ID, contractsmq.RoutingVerificationRequested)
	require.Len(t, requests, 1)
	ev := testutil.Decode[contractsmq.MilestoneEvent](t, requests[0].Payload)
	assert.Equal(t, m.ID, ev.MilestoneID)
	assert.Equal(t, 1, ev.SubmissionVersion)
	assert.Equal(t, requests[0].EventID, ev.EventID)

	changed := f.OutboxFor(t, m.ID, contractsmq.RoutingStateChanged)
	require.Len(t, changed, 1)
	sc := testutil.Decode[contractsmq.MilestoneEvent](t, changed[0].Payload)
	assert.Equal(t, string(model.StatePending), sc.From)
	assert.Equal(t, string(model.StateUnderVerification), sc.To)
}

func TestSubmit_MissingDeliverable(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000}, []string{"Design doc", "Source code", "Test report"})
	m := ms[0]

	files := testutil.FilesFor([]string{"Design doc", "Source code"}, "a")
	_, err := f.Milestones.Submit(context.Background(), milestone.SubmitInput{
		MilestoneID: m.ID,
		Actor:       testutil.Employee,
		Files:       files,
	})
	require.ErrorIs(t, err, apperr.ErrIncompleteSubmission)
	assert.Contains(t, err.Error(), "Test report")

	assert.Empty(t, f.Events(t, m.ID))
	assert.Empty(t, f.Outbox(t))

	got, err := f.Milestones.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, got.State)
	assert.Empty(t, got.Submissions)
}

func TestSubmit_Validation(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000}, []string{"report"})
	m := ms[0]

	tests := []struct {
		name  string
		files []model.FileRef
	}{
		{"no files", nil},
		{"missing checksum", []model.FileRef{{Label: "report", Name: "r.pdf"}}},
		{"missing name", []model.FileRef{{Label: "report", Checksum: "x"}}},
		{"missing label", []model.FileRef{{Name: "r.pdf", Checksum: "x"}}},
		{"wrong label", []model.FileRef{{Label: "reports", Name: "r.pdf", Checksum: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Milestones.Submit(context.Background(), milestone.SubmitInput{
				MilestoneID: m.ID,
				Actor:       testutil.Employee,
				Files:       tt.files,
			})
			assert.ErrorIs(t, err, apperr.ErrIncompleteSubmission)
		})
	}
	assert.Empty(t, f.Events(t, m.ID))
}

func TestCheckCoverage_CaseFolding(t *testing.T) {
	files := []model.FileRef{
		{Label: "SOURCE CODE", Name: "src.zip", Checksum: "a"},
		{Label: "STRASSE PLAN", Name: "plan.pdf", Checksum: "b"},
	}
	assert.NoError(t, milestone.CheckCoverage([]string{"source code", "Straße plan"}, files))
	assert.ErrorIs(t, milestone.CheckCoverage([]string{"source code", "street plan"}, files), apperr.ErrIncompleteSubmission)
}

func TestFingerprint_OrderIndependent(t *testing.T) {
	a := []model.FileRef{{Label: "A", Checksum: "1"}, {Label: "b", Checksum: "2"}}
	b := []model.FileRef{{Label: "B", Checksum: "2"}, {Label: "a", Checksum: "1"}}
	assert.Equal(t, milestone.Fingerprint(a, "n"), milestone.Fingerprint(b, "n"))
	assert.NotEqual(t, milestone.Fingerprint(a, "n"), milestone.Fingerprint(a, "other"))
}

func TestSubmit_RequiresEmployee(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})

	for _, actor := range []model.Actor{testutil.Company, testutil.Client, testutil.System} {
		_, err := f.Milestones.Submit(context.Background(), milestone.SubmitInput{
			MilestoneID: ms[0].ID,
			Actor:       actor,
			Files:       testutil.FilesFor(ms[0].Deliverables, "a"),
		})
		assert.ErrorIs(t, err, apperr.ErrForbidden, "role %s", actor.Role)
	}
}

func TestSubmit_InFlightAndSuperseding(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000}, []string{"report"})
	m := ms[0]
	f.Submit(t, m, "a")

	_, err := f.Milestones.Submit(context.Background(), milestone.SubmitInput{
		MilestoneID: m.ID,
		Actor:       testutil.Employee,
		Files:       testutil.FilesFor(m.Deliverables, "a"),
		Notes:       "notes a",
	})
	require.ErrorIs(t, err, apperr.ErrSubmissionInFlight)
	assert.True(t, apperr.IsBenign(err))

	out := f.Submit(t, m, "b")
	assert.Equal(t, 2, out.CurrentVersion())
	assert.Len(t, out.Submissions, 2)
	assert.Equal(t, model.StateUnderVerification, out.State)
	assert.Len(t, f.OutboxFor(t, m.ID, contractsmq.RoutingVerificationRequested), 2)

	// 旧版本的结果被忽略
	stale, err := f.Milestones.CompleteVerification(context.Background(), m.ID, 1, model.Verdict{
		Status: model.VerificationApproved, Score: intPtr(99),
	})
	require.ErrorIs(t, err, apperr.ErrStaleVerdict)
	assert.Equal(t, model.StateUnderVerification, stale.State)

	events := f.Events(t, m.ID)
	assert.Equal(t, []model.AuditEventType{
		model.EventSubmitted, model.EventVerificationStarted,
		model.EventSubmitted, model.EventVerificationStarted,
		model.EventStaleVerdictIgnored,
	}, testutil.EventTypes(events))
	require.NoError(t, ledger.Verify(m.ID, events))
}

func TestSubmit_ConcurrentSubmitsStartOneVerification(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000}, []string{"report", "code"})
	m := ms[0]
	files := testutil.FilesFor(m.Deliverables, "same")

	const n = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		inFlight int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Milestones.Submit(context.Background(), milestone.SubmitInput{
				MilestoneID: m.ID,
				Actor:       testutil.Employee,
				Files:       files,
				Notes:       "same",
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case apperr.IsBenign(err):
				inFlight++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, inFlight)
	assert.Len(t, f.OutboxFor(t, m.ID, contractsmq.RoutingVerificationRequested), 1)
	assert.Len(t, f.Events(t, m.ID), 2)
}

func TestCompleteVerification_Approved(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	m := ms[0]

	out := f.Approve(t, m)
	require.NotNil(t, out.Verification)
	assert.Equal(t, model.VerificationApproved, out.Verification.Status)
	assert.Equal(t, 92, *out.Verification.Score)
	assert.NotNil(t, out.Verification.CompletedAt)

	approved := f.OutboxFor(t, m.ID, contractsmq.RoutingApproved)
	require.Len(t, approved, 1)
	ev := testutil.Decode[contractsmq.MilestoneEvent](t, approved[0].Payload)
	assert.Equal(t, string(model.StateApproved), ev.To)
	assert.Equal(t, int64(3), ev.SequenceNo)
	require.NotNil(t, ev.Score)
	assert.Equal(t, 92, *ev.Score)

	// 重复结果是过期的
	_, err := f.Milestones.CompleteVerification(context.Background(), m.ID, 1, model.Verdict{Status: model.VerificationRejected})
	assert.ErrorIs(t, err, apperr.ErrStaleVerdict)
}

func TestCompleteVerification_RejectsUntilEscalated(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	m := ms[0]
	ctx := context.Background()
	maxAttempts := f.Engine.MaxSubmissionAttempts

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cur := f.Submit(t, m, string(rune('a'+attempt)))
		out, err := f.Milestones.CompleteVerification(ctx, m.ID, cur.CurrentVersion(), model.Verdict{
			Status:   model.VerificationRejected,
			Score:    intPtr(40),
			Analysis: "missing tests",
		})
		require.NoError(t, err)
		assert.Equal(t, attempt, out.RetryCount)
		if attempt < maxAttempts {
			assert.Equal(t, model.StateRejected, out.State)
		} else {
			assert.Equal(t, model.StateEscalated, out.State)
		}
	}
	require.Len(t, f.OutboxFor(t, m.ID, contractsmq.RoutingEscalated), 1)

	// 升级后员工不能再提交
	_, err := f.Milestones.Submit(ctx, milestone.SubmitInput{
		MilestoneID: m.ID, Actor: testutil.Employee, Files: testutil.FilesFor(m.Deliverables, "z"),
	})
	require.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.Milestones.ForceReject(ctx, m.ID, testutil.Employee, "nope")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	out, err := f.Milestones.ForceReject(ctx, m.ID, testutil.Company, "scope clarified, start over")
	require.NoError(t, err)
	assert.Equal(t, model.StatePending, out.State)
	assert.Equal(t, 0, out.RetryCount)

	events := f.Events(t, m.ID)
	last := events[len(events)-1]
	assert.Equal(t, model.EventForceRejected, last.Type)
	assert.Equal(t, testutil.Company, last.Actor)
	require.NoError(t, ledger.Verify(m.ID, events))

	timeline := ledger.Timeline(events)
	assert.Equal(t, model.StateEscalated, timeline[len(timeline)-1].FromState)
	assert.Equal(t, model.StatePending, timeline[len(timeline)-1].ToState)
}

func TestForceReject_InvalidState(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})

	_, err := f.Milestones.ForceReject(context.Background(), ms[0].ID, testutil.Company, "reason")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.Milestones.ForceReject(context.Background(), ms[0].ID, testutil.Company, " ")
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestCompleteVerification_NotFinalStatus(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	f.Submit(t, ms[0], "a")

	_, err := f.Milestones.CompleteVerification(context.Background(), ms[0].ID, 1, model.Verdict{Status: model.VerificationInProgress})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestInvariantViolation_PlacesHold(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	m := ms[0]
	ctx := context.Background()

	f.Store.FailAudits(true)
	_, err := f.Milestones.Submit(ctx, milestone.SubmitInput{
		MilestoneID: m.ID, Actor: testutil.Employee, Files: testutil.FilesFor(m.Deliverables, "a"),
	})
	require.ErrorIs(t, err, apperr.ErrLedgerGap)
	f.Store.FailAudits(false)

	held, err := f.Milestones.Get(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, held.Hold)
	assert.Equal(t, "E_LEDGER_GAP", held.Hold.Code)
	assert.Equal(t, model.StatePending, held.State)
	assert.Empty(t, f.Events(t, m.ID))

	// 挂起后拒绝所有自动流转
	_, err = f.Milestones.Submit(ctx, milestone.SubmitInput{
		MilestoneID: m.ID, Actor: testutil.Employee, Files: testutil.FilesFor(m.Deliverables, "a"),
	})
	require.ErrorIs(t, err, apperr.ErrMilestoneOnHold)

	_, err = f.Milestones.ClearHold(ctx, m.ID, testutil.Employee, "fixed")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	cleared, err := f.Milestones.ClearHold(ctx, m.ID, testutil.Company, "investigated, transient")
	require.NoError(t, err)
	assert.Nil(t, cleared.Hold)
	assert.Equal(t, []model.AuditEventType{model.EventHoldCleared}, testutil.EventTypes(f.Events(t, m.ID)))

	_, err = f.Milestones.ClearHold(ctx, m.ID, testutil.Company, "again")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	out := f.Submit(t, m, "a")
	assert.Equal(t, model.StateUnderVerification, out.State)
}

func TestAuditTrail(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	m := ms[0]
	f.Approve(t, m)

	trail, err := f.Milestones.AuditTrail(context.Background(), m.ID)
	require.NoError(t, err)
	require.Len(t, trail.Events, 3)
	require.Len(t, trail.Timeline, 3)
	assert.Equal(t, model.StateApproved, trail.Timeline[2].ToState)

	_, err = f.Milestones.AuditTrail(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestRequeueVerification(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000, 300000})
	ctx := context.Background()
	f.Submit(t, ms[0], "a")

	ok, err := f.Milestones.RequeueVerification(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, f.OutboxFor(t, ms[0].ID, contractsmq.RoutingVerificationRequested), 2)
	assert.Len(t, f.Events(t, ms[0].ID), 2)

	ok, err = f.Milestones.RequeueVerification(ctx, ms[1].ID)
	require.NoError(t, err)
	assert.False(t, ok)
}
