package client

import (
	"context"
	"fmt"

	"escrowflow/internal/model"
	"escrowflow/pkg/config"
)

type HTTPPaymentsClient struct {
	http httpJSON
}

func NewHTTPPaymentsClient(cfg config.CollaboratorConfig) *HTTPPaymentsClient {
	return &HTTPPaymentsClient{http: newHTTPJSON("payments", cfg.BaseURL, cfg.APIKey, cfg.Timeout)}
}

type releaseRequest struct {
	AmountMinor        int64  `json:"amount_minor"`
	DestinationAccount string `json:"destination_account"`
}

type releaseResponse struct {
	ReleaseRef string `json:"release_ref"`
}

// Release POST /releases，Idempotency-Key 保证重试不会重复打款
func (c *HTTPPaymentsClient) Release(ctx context.Context, idempotencyKey string, amount model.Money, destinationAccount string) (string, error) {
	var resp releaseResponse
	err := c.http.post(ctx, "/releases",
		map[string]string{"Idempotency-Key": idempotencyKey},
		releaseRequest{AmountMinor: int64(amount), DestinationAccount: destinationAccount},
		&resp,
	)
	if err != nil {
		return "", err
	}
	if resp.ReleaseRef == "" {
		return "", fmt.Errorf("payments service: empty release_ref")
	}
	return resp.ReleaseRef, nil
}
