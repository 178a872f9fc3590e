package mq_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/pkg/mq"
	"escrowflow/pkg/trace"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"milestone.approved", "milestone.approved", true},
		{"milestone.*", "milestone.approved", true},
		{"milestone.*", "milestone.payment_released", true},
		{"milestone.*", "milestone.verification.requested", false},
		{"milestone.#", "milestone.verification.requested", true},
		{"milestone.#", "milestone", true},
		{"#", "anything.at.all", true},
		{"*.approved", "milestone.approved", true},
		{"*.approved", "approved", false},
		{"milestone.#.requested", "milestone.verification.requested", true},
		{"milestone.#.requested", "milestone.requested", true},
		{"project.*", "milestone.approved", false},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+"|"+tc.key, func(t *testing.T) {
			assert.Equal(t, tc.want, mq.MatchTopic(tc.pattern, tc.key))
		})
	}
}

func TestLocalBus_FanOutAndTrace(t *testing.T) {
	bus := mq.NewLocalBus(nil)
	defer bus.Close()

	var a, b atomic.Int32
	var gotTrace atomic.Value
	bus.Subscribe("q.a", "milestone.*", func(ctx context.Context, data json.RawMessage) error {
		gotTrace.Store(trace.FromContext(ctx))
		a.Add(1)
		return nil
	})
	bus.Subscribe("q.b", "milestone.approved", func(ctx context.Context, data json.RawMessage) error {
		b.Add(1)
		return nil
	})

	ctx := trace.WithContext(context.Background(), "trace-123")
	require.NoError(t, bus.PublishWithContext(ctx, "milestone.approved", map[string]string{"milestone_id": "m1"}))
	require.NoError(t, bus.PublishWithContext(ctx, "milestone.escalated", map[string]string{"milestone_id": "m1"}))
	bus.Wait()

	assert.Equal(t, int32(2), a.Load())
	assert.Equal(t, int32(1), b.Load())
	assert.Equal(t, "trace-123", gotTrace.Load())
}

func TestLocalBus_RedeliversRetryableErrors(t *testing.T) {
	bus := mq.NewLocalBus(nil).WithRedelivery(5, time.Millisecond)
	defer bus.Close()

	var calls atomic.Int32
	bus.Subscribe("q", "#", func(ctx context.Context, data json.RawMessage) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, bus.PublishWithContext(context.Background(), "milestone.approved", struct{}{}))
	bus.Wait()
	assert.Equal(t, int32(3), calls.Load())
}

func TestLocalBus_PermanentErrorNotRedelivered(t *testing.T) {
	bus := mq.NewLocalBus(nil).WithRedelivery(5, time.Millisecond)
	defer bus.Close()

	var calls atomic.Int32
	bus.Subscribe("q", "#", func(ctx context.Context, data json.RawMessage) error {
		calls.Add(1)
		return mq.Permanent(errors.New("bad payload"))
	})
	require.NoError(t, bus.PublishWithContext(context.Background(), "milestone.approved", struct{}{}))
	bus.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocalBus_ClosedRejectsPublish(t *testing.T) {
	bus := mq.NewLocalBus(nil)
	bus.Close()
	assert.ErrorIs(t, bus.PublishWithContext(context.Background(), "x", struct{}{}), mq.ErrBusClosed)
}
