package mqhandler_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	contractsmq "escrowflow/contracts/mq"
	"escrowflow/internal/gateway"
	"escrowflow/internal/model"
	"escrowflow/internal/mqhandler"
	"escrowflow/internal/service/escrow"
	"escrowflow/internal/service/notification"
	"escrowflow/internal/service/verification"
	"escrowflow/internal/testutil"
	"escrowflow/pkg/mq"
)

func raw(t *testing.T, ev contractsmq.MilestoneEvent) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return b
}

func TestReleaseHandler(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	h := mqhandler.NewMilestoneApprovedReleaseHandler(escrow.NewWorker(f.Escrow, nil, 3, zap.NewNop()), zap.NewNop())
	ctx := context.Background()

	err := h.HandleMilestoneApproved(ctx, json.RawMessage(`{not json`))
	assert.True(t, mq.IsPermanent(err))

	err = h.HandleMilestoneApproved(ctx, json.RawMessage(`{"event_id":"e"}`))
	assert.True(t, mq.IsPermanent(err))

	err = h.HandleMilestoneApproved(ctx, raw(t, contractsmq.MilestoneEvent{MilestoneID: "missing"}))
	assert.True(t, mq.IsPermanent(err), "unknown milestone goes to DLQ")

	f.Approve(t, ms[0])
	f.Payments.FailNext(f.Engine.Release.Attempts, fmt.Errorf("payments: %w", context.DeadlineExceeded))
	err = h.HandleMilestoneApproved(ctx, raw(t, contractsmq.MilestoneEvent{MilestoneID: ms[0].ID}))
	require.Error(t, err)
	assert.False(t, mq.IsPermanent(err), "collaborator failures are redelivered")

	require.NoError(t, h.HandleMilestoneApproved(ctx, raw(t, contractsmq.MilestoneEvent{MilestoneID: ms[0].ID})))
	require.NoError(t, h.HandleMilestoneApproved(ctx, raw(t, contractsmq.MilestoneEvent{MilestoneID: ms[0].ID})))
	assert.Equal(t, 1, f.Payments.Movements())
}

type fixedVerifier struct{ verdict model.Verdict }

func (v fixedVerifier) Verify(ctx context.Context, req gateway.Request) (model.Verdict, error) {
	return v.verdict, nil
}

func TestVerificationHandler(t *testing.T) {
	f := testutil.NewFixture(t)
	_, ms := f.CreateProject(t, []model.Money{500000})
	f.Submit(t, ms[0], "a")

	score := 30
	worker := verification.NewWorker(f.Milestones, fixedVerifier{model.Verdict{Status: model.VerificationRejected, Score: &score}}, nil, zap.NewNop())
	h := mqhandler.NewVerificationRequestedHandler(worker, zap.NewNop())
	ctx := context.Background()

	ev := contractsmq.MilestoneEvent{MilestoneID: ms[0].ID, SubmissionVersion: 1}
	require.NoError(t, h.HandleVerificationRequested(ctx, raw(t, ev)))
	// 重复投递：状态已推进，直接 ack
	require.NoError(t, h.HandleVerificationRequested(ctx, raw(t, ev)))

	got, err := f.Milestones.Get(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateRejected, got.State)
	assert.Equal(t, 1, got.RetryCount)
}

func TestNotificationHandler_NoBroadcaster(t *testing.T) {
	f := testutil.NewFixture(t)
	h := mqhandler.NewMilestoneNotificationHandler(notification.NewNotifier(f.Store, nil, nil, zap.NewNop()), zap.NewNop())
	assert.NoError(t, h.HandleMilestoneUpdate(context.Background(), raw(t, contractsmq.MilestoneEvent{MilestoneID: "m"})))
	assert.True(t, mq.IsPermanent(h.HandleMilestoneUpdate(context.Background(), json.RawMessage(`[]`))))
}
