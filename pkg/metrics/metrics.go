package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue", "status"},
	)

	// 验证网关调用延迟（毫秒）
	VerificationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "verification_latency_ms",
			Help:    "Verification gateway latency in milliseconds, including retries",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12), // 100ms to ~200s
		},
		[]string{"outcome"},
	)

	// 验证结果计数
	VerificationOutcomeCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "verification_outcome_total",
			Help: "Verification verdicts by outcome",
		},
		[]string{"outcome"}, // approved, rejected, timed_out, unavailable
	)

	// 放款结果计数
	ReleaseCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_release_total",
			Help: "Escrow release attempts by result",
		},
		[]string{"result"}, // released, already_released, failed
	)

	// 已放款金额（最小货币单位）
	ReleasedAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "escrow_released_amount_minor_total",
			Help: "Sum of released milestone amounts in minor currency units",
		},
	)

	// 不变量破坏计数，任何非零值都需要人工介入
	InvariantViolationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invariant_violation_total",
			Help: "Invariant violations that placed a milestone on hold",
		},
		[]string{"code"},
	)

	// 状态迁移计数
	TransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milestone_transition_total",
			Help: "Milestone state transitions",
		},
		[]string{"from", "to"},
	)

	// Outbox 发布结果
	OutboxPublishCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_total",
			Help: "Outbox events published by result",
		},
		[]string{"routing_key", "result"},
	)

	// 数据库慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"sql"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue, status string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue, status).Observe(float64(duration.Milliseconds()))
}

// RecordVerification 记录一次验证的结果和耗时
func RecordVerification(outcome string, duration time.Duration) {
	VerificationLatency.WithLabelValues(outcome).Observe(float64(duration.Milliseconds()))
	VerificationOutcomeCount.WithLabelValues(outcome).Inc()
}

// IncrementRelease 记录放款结果
func IncrementRelease(result string) {
	ReleaseCount.WithLabelValues(result).Inc()
}

// AddReleasedAmount 累加已放款金额
func AddReleasedAmount(minor int64) {
	if minor > 0 {
		ReleasedAmount.Add(float64(minor))
	}
}

// IncrementInvariantViolation 记录不变量破坏
func IncrementInvariantViolation(code string) {
	InvariantViolationCount.WithLabelValues(code).Inc()
}

// IncrementTransition 记录状态迁移
func IncrementTransition(from, to string) {
	TransitionCount.WithLabelValues(from, to).Inc()
}

// IncrementOutboxPublish 记录 outbox 发布结果
func IncrementOutboxPublish(routingKey, result string) {
	OutboxPublishCount.WithLabelValues(routingKey, result).Inc()
}

// IncrementSlowQuery 记录慢查询
func IncrementSlowQuery(sql string, _ time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
