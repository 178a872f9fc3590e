package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"escrowflow/internal/client"
	"escrowflow/internal/model"
	"escrowflow/pkg/circuitbreaker"
	"escrowflow/pkg/config"
	"escrowflow/pkg/logger"
	"escrowflow/pkg/metrics"
	"escrowflow/pkg/otel"
	"escrowflow/pkg/util"
)

const (
	AnalysisTimedOut   = "verification timed out"
	unavailablePrefix  = "verification unavailable: "
	outcomeApproved    = "approved"
	outcomeRejected    = "rejected"
	outcomeTimedOut    = "timeout"
	outcomeUnavailable = "unavailable"
)

type Request struct {
	MilestoneID       string
	SubmissionVersion int
	Bundle            client.Bundle
}

type Config struct {
	Timeout           time.Duration
	Attempts          int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	ApprovalThreshold int
}

func ConfigFrom(engine config.EngineConfig) Config {
	return Config{
		Timeout:           engine.Verification.Timeout,
		Attempts:          engine.Verification.Attempts,
		BaseBackoff:       engine.Verification.BaseBackoff,
		MaxBackoff:        engine.Verification.MaxBackoff,
		ApprovalThreshold: engine.ApprovalThreshold,
	}
}

// Gateway 调用外部评估服务并按阈值给出 Verdict
// 同一 (milestone, version) 的并发请求共享一次外部调用
type Gateway struct {
	analysis client.AnalysisClient
	breaker  *circuitbreaker.CircuitBreaker
	cfg      Config
	group    singleflight.Group
	logger   *zap.Logger
}

func New(analysis client.AnalysisClient, breaker *circuitbreaker.CircuitBreaker, cfg Config, logger *zap.Logger) *Gateway {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	return &Gateway{
		analysis: analysis,
		breaker:  breaker,
		cfg:      cfg,
		logger:   logger,
	}
}

// Verify 总是在 Timeout 内返回一个 Verdict；只有调用方 ctx 被取消时才返回 error
func (g *Gateway) Verify(ctx context.Context, req Request) (model.Verdict, error) {
	start := time.Now()
	log := logger.WithTrace(ctx, g.logger).With(
		zap.String("milestone_id", req.MilestoneID),
		zap.Int("submission_version", req.SubmissionVersion),
	)

	key := fmt.Sprintf("%s#%d", req.MilestoneID, req.SubmissionVersion)
	ch := g.group.DoChan(key, func() (any, error) {
		// 共享调用不跟随单个调用方取消，只受 Timeout 约束
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.Timeout)
		defer cancel()
		return g.analyzeWithRetry(callCtx, req.Bundle)
	})

	timer := time.NewTimer(g.cfg.Timeout)
	defer timer.Stop()

	var verdict model.Verdict
	var outcome string
	select {
	case <-ctx.Done():
		return model.Verdict{}, ctx.Err()
	case <-timer.C:
		// 协作方无视取消时仍然按时返回
		verdict, outcome = timedOut(), outcomeTimedOut
	case res := <-ch:
		if res.Shared {
			log.Debug("Verification call shared with concurrent request")
		}
		verdict, outcome = g.toVerdict(res.Val, res.Err)
	}

	metrics.RecordVerification(outcome, time.Since(start))
	log.Info("Verification finished",
		zap.String("outcome", outcome),
		zap.String("status", string(verdict.Status)),
		zap.Duration("duration", time.Since(start)),
	)
	return verdict, nil
}

func (g *Gateway) analyzeWithRetry(ctx context.Context, bundle client.Bundle) (client.AnalysisResult, error) {
	var lastErr error
	bo := util.NewRetryBackOff(g.cfg.BaseBackoff, g.cfg.MaxBackoff)
	for attempt := 1; attempt <= g.cfg.Attempts; attempt++ {
		var result client.AnalysisResult
		err := g.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
			ctx, span := otel.CollaboratorSpan(ctx, "analysis", "analyze", bundle.MilestoneID)
			var err error
			result, err = g.analysis.Analyze(ctx, bundle)
			otel.EndSpan(span, err)
			return err
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		retryable, errType := util.IsRetryableError(err)
		g.logger.Warn("Analysis call failed",
			zap.String("milestone_id", bundle.MilestoneID),
			zap.Int("attempt", attempt),
			zap.String("error_type", errType),
			zap.Error(err),
		)
		if !retryable || ctx.Err() != nil || attempt == g.cfg.Attempts {
			break
		}
		if err := util.SleepContext(ctx, bo.NextBackOff()); err != nil {
			lastErr = err
			break
		}
	}
	return client.AnalysisResult{}, lastErr
}

func (g *Gateway) toVerdict(val any, err error) (model.Verdict, string) {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return timedOut(), outcomeTimedOut
		}
		return model.Verdict{
			Status:   model.VerificationRejected,
			Analysis: unavailablePrefix + err.Error(),
		}, outcomeUnavailable
	}

	result := val.(client.AnalysisResult)
	score := ClampScore(result.Score)
	v := model.Verdict{
		Status:     model.VerificationRejected,
		Score:      &score,
		RawVerdict: result.VerdictRaw,
		Analysis:   result.Analysis,
	}
	if score >= g.cfg.ApprovalThreshold {
		v.Status = model.VerificationApproved
		return v, outcomeApproved
	}
	return v, outcomeRejected
}

// ClampScore 四舍五入并限制在 0-100
func ClampScore(score float64) int {
	if math.IsNaN(score) {
		return 0
	}
	return int(math.Max(0, math.Min(100, math.Round(score))))
}

func timedOut() model.Verdict {
	return model.Verdict{Status: model.VerificationRejected, Analysis: AnalysisTimedOut}
}

// IsUnavailable 判断 Verdict 是否由协作方不可用产生
func IsUnavailable(v model.Verdict) bool {
	return v.Score == nil && strings.HasPrefix(v.Analysis, unavailablePrefix)
}
