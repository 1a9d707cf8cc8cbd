package backtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"quantback/internal/config"
	apperrors "quantback/internal/errors"
	"quantback/internal/logger"
)

// RemoteExecutor submits runs to an external backtest server. Transient
// failures (network errors, 5xx) are retried with exponential backoff;
// 4xx responses fail immediately.
type RemoteExecutor struct {
	baseURL    string
	client     *http.Client
	maxRetries uint64
	log        logger.Logger
}

// NewRemoteExecutor builds an executor from remote configuration, or
// returns nil when the remote executor is disabled.
func NewRemoteExecutor(cfg config.RemoteConfig, log logger.Logger) *RemoteExecutor {
	if !cfg.Enabled || cfg.BaseURL == "" {
		return nil
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	return &RemoteExecutor{
		baseURL:    cfg.BaseURL,
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: uint64(cfg.MaxRetries),
		log:        log,
	}
}

// envelope is the remote server response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

// Run submits a single backtest to the remote server.
func (r *RemoteExecutor) Run(ctx context.Context, req *Request) (*Result, error) {
	var result Result
	if err := r.post(ctx, "/api/backtest/run", req, &result); err != nil {
		return nil, err
	}
	result.Executor = "remote"
	return &result, nil
}

// RunBatch submits a batch backtest to the remote server.
func (r *RemoteExecutor) RunBatch(ctx context.Context, req *BatchRequest) ([]*Result, error) {
	var results []*Result
	if err := r.post(ctx, "/api/backtest/batch", req, &results); err != nil {
		return nil, err
	}
	for _, res := range results {
		res.Executor = "remote"
	}
	return results, nil
}

func (r *RemoteExecutor) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to encode remote request")
	}

	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to build remote request"))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(httpReq)
		if err != nil {
			return apperrors.NewAppError(apperrors.ErrCodeNetwork, "remote backtest server unreachable", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return apperrors.NewAppError(apperrors.ErrCodeNetwork, "failed to read remote response", err)
		}

		if resp.StatusCode >= 500 {
			return apperrors.NewAppErrorWithDetails(apperrors.ErrCodeRemoteServer,
				"remote backtest server error",
				fmt.Sprintf("status %d", resp.StatusCode), nil)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(apperrors.NewAppErrorWithDetails(apperrors.ErrCodeInvalidInput,
				"remote backtest request rejected",
				fmt.Sprintf("status %d: %s", resp.StatusCode, string(respBody)), nil))
		}

		var env envelope
		if err := json.Unmarshal(respBody, &env); err != nil {
			return backoff.Permanent(apperrors.WrapError(err, apperrors.ErrCodeRemoteServer, "malformed remote response"))
		}
		if !env.Success {
			return backoff.Permanent(apperrors.NewAppErrorWithDetails(apperrors.ErrCodeBacktestFailed,
				"remote backtest failed", env.Message, nil))
		}
		return json.Unmarshal(env.Data, out)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.maxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeRemoteServer, "remote backtest failed")
	}
	return nil
}
