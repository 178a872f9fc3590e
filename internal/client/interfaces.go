package client

import (
	"context"
	"io"

	"escrowflow/internal/model"
)

// StorageClient 保存上传的文件，返回元数据；引擎只记录元数据
type StorageClient interface {
	PutFile(ctx context.Context, name string, r io.Reader) (model.FileRef, error)
}

// AnalysisClient 外部 AI 评估服务
type AnalysisClient interface {
	Analyze(ctx context.Context, bundle Bundle) (AnalysisResult, error)
}

// PaymentsClient 资金划转；相同 idempotencyKey 的重复请求必须返回同一 releaseRef
type PaymentsClient interface {
	Release(ctx context.Context, idempotencyKey string, amount model.Money, destinationAccount string) (releaseRef string, err error)
}
