package util

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const retryKeyPrefix = "escrowflow:retry:"

// RetryCounter 记录某个处理器对某个里程碑的重投次数；rdb 为 nil 时不计数
type RetryCounter struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRetryCounter(rdb *redis.Client, ttl time.Duration) *RetryCounter {
	return &RetryCounter{rdb: rdb, ttl: ttl}
}

// IncrementAndGet 计数加一并返回新值；首次计数时设置过期，之后不续期
func (r *RetryCounter) IncrementAndGet(ctx context.Context, key string) (int64, error) {
	if r == nil || r.rdb == nil {
		return 0, nil
	}

	var incr *redis.IntCmd
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.ExpireNX(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// Reset 处理成功或放弃后清零
func (r *RetryCounter) Reset(ctx context.Context, key string) error {
	if r == nil || r.rdb == nil {
		return nil
	}
	return r.rdb.Del(ctx, key).Err()
}

// FormatRetryKey 生成 handler + milestone 维度的计数 key
func FormatRetryKey(handler string, milestoneID string) string {
	return retryKeyPrefix + handler + ":" + milestoneID
}
