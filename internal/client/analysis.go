package client

import (
	"context"

	"escrowflow/pkg/config"
)

type HTTPAnalysisClient struct {
	http httpJSON
}

func NewHTTPAnalysisClient(cfg config.CollaboratorConfig) *HTTPAnalysisClient {
	return &HTTPAnalysisClient{http: newHTTPJSON("analysis", cfg.BaseURL, cfg.APIKey, cfg.Timeout)}
}

// Analyze POST /analyze
func (c *HTTPAnalysisClient) Analyze(ctx context.Context, bundle Bundle) (AnalysisResult, error) {
	var result AnalysisResult
	if err := c.http.post(ctx, "/analyze", nil, bundle, &result); err != nil {
		return AnalysisResult{}, err
	}
	return result, nil
}
