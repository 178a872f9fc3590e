package escrow_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/apperr"
	"escrowflow/internal/ledger"
	"escrowflow/internal/model"
	"escrowflow/internal/service/escrow"
	"escrowflow/internal/service/journal"
	"escrowflow/internal/service/milestone"
	"escrowflow/internal/testutil"
)

var releaser = model.SystemActor("escrow")

func countType(events []model.AuditEvent, typ model.AuditEventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestReleasePayment_HappyPath(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{2000000}, []string{"design", "code", "tests"})
	m := ms[0]
	f.Approve(t, m)

	out, err := f.Escrow.ReleasePayment(context.Background(), m.ID, releaser)
	require.NoError(t, err)
	assert.Equal(t, model.StatePaymentReleased, out.State)
	assert.Equal(t, model.PaymentReleased, out.Payment.Status)
	assert.Equal(t, "ref-"+m.ID, out.Payment.ReleaseRef)
	assert.Equal(t, "escrow", out.Payment.Method)
	require.NotNil(t, out.Payment.ReleasedAt)

	events := f.Events(t, m.ID)
	assert.Equal(t, []model.AuditEventType{
		model.EventSubmitted, model.EventVerificationStarted, model.EventApproved, model.EventPaymentReleased,
	}, testutil.EventTypes(events))
	require.NoError(t, ledger.Verify(m.ID, events))

	released := f.OutboxFor(t, m.ID, contractsmq.RoutingPaymentReleased)
	require.Len(t, released, 1)
	ev := testutil.Decode[contractsmq.MilestoneEvent](t, released[0].Payload)
	assert.Equal(t, string(model.StateApproved), ev.From)
	assert.Equal(t, string(model.StatePaymentReleased), ev.To)
	assert.Equal(t, int64(4), ev.SequenceNo)
}

func TestReleasePayment_ConcurrentCallsReleaseOnce(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	m := ms[0]
	f.Approve(t, m)
	f.Payments.SetDelay(5 * time.Millisecond)

	const n = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		already  int
		snapshot []*model.Milestone
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.Escrow.ReleasePayment(context.Background(), m.ID, releaser)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrAlreadyReleased):
				already++
				snapshot = append(snapshot, out)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, already)
	for _, s := range snapshot {
		require.NotNil(t, s)
		assert.Equal(t, model.StatePaymentReleased, s.State)
	}
	assert.Equal(t, 1, f.Payments.Calls())
	assert.Equal(t, 1, f.Payments.Movements())
	assert.Equal(t, 1, countType(f.Events(t, m.ID), model.EventPaymentReleased))
	assert.Len(t, f.OutboxFor(t, m.ID, contractsmq.RoutingPaymentReleased), 1)
}

// 两个独立的协调器（模拟两个进程）共享同一存储
func TestReleasePayment_CompetingCoordinators(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	m := ms[0]
	f.Approve(t, m)
	f.Payments.SetDelay(5 * time.Millisecond)

	other := escrow.NewCoordinator(journal.New(f.Store, ledger.New(), zap.NewNop()), f.Payments, testutil.NewBreaker(), f.Engine.Release, zap.NewNop())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, c := range []*escrow.Coordinator{f.Escrow, other} {
		wg.Add(1)
		go func(i int, c *escrow.Coordinator) {
			defer wg.Done()
			_, errs[i] = c.ReleasePayment(context.Background(), m.ID, releaser)
		}(i, c)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrAlreadyReleased)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, f.Payments.Movements())

	events := f.Events(t, m.ID)
	assert.Equal(t, 1, countType(events, model.EventPaymentReleased))
	require.NoError(t, ledger.Verify(m.ID, events))
}

func TestReleasePayment_SecondCallIsNoop(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	m := ms[0]
	f.Approve(t, m)
	ctx := context.Background()

	first, err := f.Escrow.ReleasePayment(ctx, m.ID, releaser)
	require.NoError(t, err)
	before := len(f.Events(t, m.ID))

	second, err := f.Escrow.ReleasePayment(ctx, m.ID, releaser)
	require.ErrorIs(t, err, apperr.ErrAlreadyReleased)
	assert.Equal(t, first.Payment.ReleaseRef, second.Payment.ReleaseRef)
	assert.Len(t, f.Events(t, m.ID), before)
	assert.Equal(t, 1, f.Payments.Calls())
}

func TestReleasePayment_PaymentsUnavailable(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	m := ms[0]
	f.Approve(t, m)
	ctx := context.Background()

	f.Payments.FailNext(f.Engine.Release.Attempts, fmt.Errorf("payments: %w", context.DeadlineExceeded))
	_, err := f.Escrow.ReleasePayment(ctx, m.ID, releaser)
	require.ErrorIs(t, err, apperr.ErrTemporarilyUnavailable)
	assert.True(t, apperr.IsRetryable(err))
	assert.Equal(t, f.Engine.Release.Attempts, f.Payments.Calls())

	got, err := f.Milestones.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateApproved, got.State)
	assert.Equal(t, model.PaymentPending, got.Payment.Status)
	assert.Nil(t, got.Hold)

	events := f.Events(t, m.ID)
	assert.Equal(t, model.EventReleaseFailed, events[len(events)-1].Type)
	assert.Empty(t, f.OutboxFor(t, m.ID, contractsmq.RoutingPaymentReleased))

	out, err := f.Escrow.ReleasePayment(ctx, m.ID, releaser)
	require.NoError(t, err)
	assert.Equal(t, model.StatePaymentReleased, out.State)
	assert.Equal(t, 1, f.Payments.Movements())
}

func TestReleasePayment_NonRetryableFailureStopsEarly(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	f.Approve(t, ms[0])

	f.Payments.FailNext(10, errors.New("destination account closed"))
	_, err := f.Escrow.ReleasePayment(context.Background(), ms[0].ID, releaser)
	require.ErrorIs(t, err, apperr.ErrTemporarilyUnavailable)
	assert.Equal(t, 1, f.Payments.Calls())
}

func TestReleasePayment_Guards(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000, 300000})
	ctx := context.Background()

	_, err := f.Escrow.ReleasePayment(ctx, ms[0].ID, releaser)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	f.Submit(t, ms[0], "a")
	_, err = f.Escrow.ReleasePayment(ctx, ms[0].ID, releaser)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)

	_, err = f.Escrow.ReleasePayment(ctx, ms[1].ID, testutil.Company)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.Escrow.ReleasePayment(ctx, "missing", releaser)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, f.Payments.Calls())
}

func TestForceRelease(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	m := ms[0]
	f.Approve(t, m)
	ctx := context.Background()

	_, err := f.Escrow.ForceRelease(ctx, m.ID, testutil.Employee, "please")
	require.ErrorIs(t, err, apperr.ErrForbidden)
	_, err = f.Escrow.ForceRelease(ctx, m.ID, testutil.System, "auto")
	require.ErrorIs(t, err, apperr.ErrForbidden)

	out, err := f.Escrow.ForceRelease(ctx, m.ID, testutil.Company, "client signed off by email")
	require.NoError(t, err)
	assert.Equal(t, model.StatePaymentReleased, out.State)

	events := f.Events(t, m.ID)
	assert.Equal(t, []model.AuditEventType{
		model.EventSubmitted, model.EventVerificationStarted, model.EventApproved,
		model.EventForceReleaseRequested, model.EventPaymentReleased,
	}, testutil.EventTypes(events))
	assert.Equal(t, testutil.Company, events[4].Actor)

	again, err := f.Escrow.ForceRelease(ctx, m.ID, testutil.Company, "again")
	require.ErrorIs(t, err, apperr.ErrAlreadyReleased)
	assert.Equal(t, model.StatePaymentReleased, again.State)
	assert.Len(t, f.Events(t, m.ID), 5)
}

func TestReleasePayment_HeldMilestone(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	m := ms[0]
	f.Approve(t, m)
	ctx := context.Background()

	f.Journal.PlaceHold(ctx, m.ID, apperr.ErrInvariantBroken.WithMessage("manual test hold"))

	_, err := f.Escrow.ReleasePayment(ctx, m.ID, releaser)
	require.ErrorIs(t, err, apperr.ErrMilestoneOnHold)
	_, err = f.Escrow.ForceRelease(ctx, m.ID, testutil.Company, "override")
	require.ErrorIs(t, err, apperr.ErrMilestoneOnHold)
	assert.Zero(t, f.Payments.Calls())

	_, err = f.Milestones.ClearHold(ctx, m.ID, testutil.Company, "checked")
	require.NoError(t, err)
	_, err = f.Escrow.ReleasePayment(ctx, m.ID, releaser)
	require.NoError(t, err)
}

// 提交、过期裁决、放款在多个 milestone 上交错执行，账本序号仍然连续
func TestMixedConcurrentTrafficKeepsLedgersGapFree(t *testing.T) {
	f := testutil.NewFixture(t)
	ctx := context.Background()
	_, ms := f.CreateProject(t, []model.Money{100000, 200000, 300000, 400000, 500000, 600000})
	f.Payments.SetDelay(time.Millisecond)

	approved, pending := ms[:3], ms[3:]
	for _, m := range approved {
		f.Approve(t, m)
	}

	const (
		releasesPerMilestone = 5
		staleVerdicts        = 3
		submitsPerMilestone  = 4
	)
	score := 90
	staleVerdict := model.Verdict{Status: model.VerificationApproved, Score: &score}

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		released   int
		submitted  int
		unexpected []error
	)
	record := func(err error, okCounter *int, allowed ...*apperr.Error) {
		mu.Lock()
		defer mu.Unlock()
		if err == nil {
			if okCounter != nil {
				*okCounter++
			}
			return
		}
		for _, a := range allowed {
			if errors.Is(err, a) {
				return
			}
		}
		unexpected = append(unexpected, err)
	}

	for _, m := range approved {
		for i := 0; i < releasesPerMilestone; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.Escrow.ReleasePayment(ctx, id, releaser)
				record(err, &released, apperr.ErrAlreadyReleased)
			}(m.ID)
		}
		for i := 0; i < staleVerdicts; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := f.Milestones.CompleteVerification(ctx, id, 0, staleVerdict)
				record(err, nil, apperr.ErrStaleVerdict)
			}(m.ID)
		}
	}
	for _, m := range pending {
		for i := 0; i < submitsPerMilestone; i++ {
			wg.Add(1)
			go func(m *model.Milestone) {
				defer wg.Done()
				_, err := f.Milestones.Submit(ctx, milestone.SubmitInput{
					MilestoneID: m.ID,
					Actor:       testutil.Employee,
					Files:       testutil.FilesFor(m.Deliverables, "same"),
					Notes:       "same",
				})
				record(err, &submitted, apperr.ErrSubmissionInFlight)
			}(m)
		}
		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			_, err := f.Milestones.CompleteVerification(ctx, id, 0, staleVerdict)
			record(err, nil, apperr.ErrStaleVerdict)
		}(m.ID)
		go func(id string) {
			defer wg.Done()
			_, err := f.Escrow.ReleasePayment(ctx, id, releaser)
			record(err, nil, apperr.ErrInvalidTransition)
		}(m.ID)
	}
	wg.Wait()

	require.Empty(t, unexpected)
	assert.Equal(t, len(approved), released)
	assert.Equal(t, len(pending), submitted)
	assert.Equal(t, len(approved), f.Payments.Movements())

	for _, m := range approved {
		events := f.Events(t, m.ID)
		require.NoError(t, ledger.Verify(m.ID, events))
		assert.Equal(t, 1, countType(events, model.EventPaymentReleased))
		assert.Equal(t, staleVerdicts, countType(events, model.EventStaleVerdictIgnored))
	}
	for _, m := range pending {
		events := f.Events(t, m.ID)
		require.NoError(t, ledger.Verify(m.ID, events))
		assert.Equal(t, 1, countType(events, model.EventSubmitted))
		assert.Equal(t, 1, countType(events, model.EventStaleVerdictIgnored))
		assert.Zero(t, countType(events, model.EventPaymentReleased))
	}
}
