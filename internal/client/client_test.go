package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"escrowflow/internal/client"
	"escrowflow/pkg/config"
	"escrowflow/pkg/trace"
	"escrowflow/pkg/util"
)

func TestHTTPAnalysisClient_Analyze(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "trace-1", r.Header.Get(trace.HeaderName()))
		var b client.Bundle
		require.NoError(t, json.NewDecoder(r.Body).Decode(&b))
		assert.Equal(t, "m1", b.MilestoneID)
		_ = json.NewEncoder(w).Encode(client.AnalysisResult{Score: 92, VerdictRaw: "pass", Analysis: "looks complete"})
	}))
	defer srv.Close()

	c := client.NewHTTPAnalysisClient(config.CollaboratorConfig{BaseURL: srv.URL + "/", APIKey: "secret", Timeout: time.Second})
	ctx := trace.WithContext(context.Background(), "trace-1")
	res, err := c.Analyze(ctx, client.Bundle{MilestoneID: "m1", SubmissionVersion: 1})
	require.NoError(t, err)
	assert.Equal(t, 92.0, res.Score)
	assert.Equal(t, "looks complete", res.Analysis)
}

func TestHTTPAnalysisClient_StatusErrorsAreClassified(t *testing.T) {
	status := http.StatusBadGateway
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	c := client.NewHTTPAnalysisClient(config.CollaboratorConfig{BaseURL: srv.URL, Timeout: time.Second})
	_, err := c.Analyze(context.Background(), client.Bundle{})
	var se *client.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadGateway, se.StatusCode)
	retryable, _ := util.IsRetryableError(err)
	assert.True(t, retryable)

	status = http.StatusBadRequest
	_, err = c.Analyze(context.Background(), client.Bundle{})
	retryable, _ = util.IsRetryableError(err)
	assert.False(t, retryable)
}

func TestHTTPPaymentsClient_SendsIdempotencyKey(t *testing.T) {
	seen := map[string]string{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		require.NotEmpty(t, key)
		ref, ok := seen[key]
		if !ok {
			ref = "rel-" + key
			seen[key] = ref
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"release_ref": ref})
	}))
	defer srv.Close()

	c := client.NewHTTPPaymentsClient(config.CollaboratorConfig{BaseURL: srv.URL, Timeout: time.Second})
	ref1, err := c.Release(context.Background(), "m1", 2000000, "acct-1")
	require.NoError(t, err)
	ref2, err := c.Release(context.Background(), "m1", 2000000, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, "rel-m1", ref1)
	assert.Equal(t, ref1, ref2)
}

func TestFSStorage_PutFile(t *testing.T) {
	root := t.TempDir()
	s, err := client.NewFSStorage(root)
	require.NoError(t, err)

	ref, err := s.PutFile(context.Background(), "../design.pdf", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "design.pdf", ref.Name)
	assert.Equal(t, int64(5), ref.SizeBytes)
	assert.True(t, strings.HasPrefix(ref.Checksum, client.ChecksumPrefix))
	assert.Len(t, strings.TrimPrefix(ref.Checksum, client.ChecksumPrefix), 64)

	data, err := os.ReadFile(strings.TrimPrefix(ref.URI, "file://"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	same, err := s.PutFile(context.Background(), "copy.pdf", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, ref.Checksum, same.Checksum)
}

func TestFSStorage_CanceledContext(t *testing.T) {
	s, err := client.NewFSStorage(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.PutFile(ctx, "a.txt", strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
