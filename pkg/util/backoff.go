package util

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retryJitter 每次等待在 [d*(1-j), d*(1+j)] 内随机，避免多个 worker 同步重试
const retryJitter = 0.5

// NewRetryBackOff 指数退避：base 起步，每次翻倍，区间中值不超过 max；不限总时长，由调用方控制次数
func NewRetryBackOff(base, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = retryJitter
	if max > 0 {
		b.MaxInterval = max
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// SleepContext 等待 d 或 context 结束
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
