package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/martinemde/fusion/unifiedllm"
)

// Paths served by the sandbox executor.
const (
	ExecutePath = "/v1/tools/execute"
	HealthPath  = "/healthz"
)

// RemoteRequest is the wire form of a ToolCallRequest.
type RemoteRequest struct {
	InstanceID string          `json:"instance_id"`
	CallID     string          `json:"call_id"`
	ToolName   string          `json:"tool_name"`
	Arguments  json.RawMessage `json:"arguments"`
	TimeoutMs  int64           `json:"timeout_ms"`
}

// RemoteResponse is the wire form of a ToolCallResult.
type RemoteResponse struct {
	CallID      string     `json:"call_id"`
	Status      ToolStatus `json:"status"`
	Payload     string     `json:"payload,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	WallTimeMs  int64      `json:"wall_time_ms"`
}

// ToResult converts the wire response.
func (r RemoteResponse) ToResult() ToolCallResult {
	return ToolCallResult{
		CallID:      r.CallID,
		Status:      r.Status,
		Payload:     r.Payload,
		ErrorDetail: r.ErrorDetail,
		WallTime:    time.Duration(r.WallTimeMs) * time.Millisecond,
	}
}

// NewRemoteResponse converts a result to its wire form.
func NewRemoteResponse(r ToolCallResult) RemoteResponse {
	return RemoteResponse{
		CallID:      r.CallID,
		Status:      r.Status,
		Payload:     r.Payload,
		ErrorDetail: r.ErrorDetail,
		WallTimeMs:  r.WallTime.Milliseconds(),
	}
}

// remoteGrace is added to the call deadline on the client side so the
// sandbox can report its own timeout first.
const remoteGrace = 5 * time.Second

// RemoteExecutor sends tool calls to a sandbox executor over HTTP.
type RemoteExecutor struct {
	baseURL    string
	instanceID string
	client     *http.Client
	retry      unifiedllm.RetryPolicy
	logger     *zap.Logger
}

// RemoteOption configures a RemoteExecutor.
type RemoteOption func(*RemoteExecutor)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteExecutor) {
		r.client = c
	}
}

// WithRemoteRetry sets the retry policy for connection failures.
func WithRemoteRetry(p unifiedllm.RetryPolicy) RemoteOption {
	return func(r *RemoteExecutor) {
		r.retry = p
	}
}

// WithRemoteLogger sets the logger.
func WithRemoteLogger(logger *zap.Logger) RemoteOption {
	return func(r *RemoteExecutor) {
		r.logger = logger
	}
}

// NewRemoteExecutor creates an executor for the sandbox at baseURL acting on
// the workspace identified by instanceID.
func NewRemoteExecutor(baseURL, instanceID string, opts ...RemoteOption) *RemoteExecutor {
	r := &RemoteExecutor{
		baseURL:    strings.TrimRight(baseURL, "/"),
		instanceID: instanceID,
		client:     &http.Client{},
		retry:      DefaultDispatcherConfig().RemoteRetry,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Health checks that the sandbox is reachable.
func (r *RemoteExecutor) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+HealthPath, nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return &unifiedllm.NetworkError{SDKError: unifiedllm.SDKError{Message: "sandbox unreachable", Cause: err}}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return unifiedllm.ErrorFromStatusCode(resp.StatusCode, "sandbox health check failed", "sandbox", nil)
	}
	return nil
}

// Execute posts req and waits for the sandbox's result. Connection failures
// and 5xx responses are retried; once retries are exhausted the result is an
// error flagged Transport.
func (r *RemoteExecutor) Execute(ctx context.Context, req ToolCallRequest) ToolCallResult {
	var timeoutMs int64
	callCtx := ctx
	if deadline, ok := ctx.Deadline(); ok {
		timeoutMs = time.Until(deadline).Milliseconds()
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(context.WithoutCancel(ctx), deadline.Add(remoteGrace))
		defer cancel()
		stop := context.AfterFunc(ctx, func() {
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				cancel()
			}
		})
		defer stop()
	}

	body, err := json.Marshal(RemoteRequest{
		InstanceID: r.instanceID,
		CallID:     req.CallID,
		ToolName:   req.ToolName,
		Arguments:  req.Arguments,
		TimeoutMs:  timeoutMs,
	})
	if err != nil {
		return errorResult(req.CallID, "encode request: %v", err)
	}

	policy := r.retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		r.logger.Warn("sandbox call failed, retrying",
			zap.String("call_id", req.CallID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	resp, err := unifiedllm.Retry(callCtx, policy, func(ctx context.Context) (*RemoteResponse, error) {
		return r.post(ctx, body)
	})
	switch {
	case err == nil:
		return resp.ToResult()
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return ToolCallResult{CallID: req.CallID, Status: StatusTimeout, ErrorDetail: fmt.Sprintf("sandbox did not answer %s in time", req.ToolName)}
	case ctx.Err() != nil:
		return errorResult(req.CallID, "%s cancelled", req.ToolName)
	case unifiedllm.IsRetryable(err):
		res := errorResult(req.CallID, "sandbox unreachable: %v", err)
		res.Transport = true
		return res
	default:
		return errorResult(req.CallID, "sandbox rejected call: %v", err)
	}
}

func (r *RemoteExecutor) post(ctx context.Context, body []byte) (*RemoteResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+ExecutePath, bytes.NewReader(body))
	if err != nil {
		return nil, &unifiedllm.ConfigurationError{SDKError: unifiedllm.SDKError{Message: "build sandbox request", Cause: err}}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &unifiedllm.AbortError{SDKError: unifiedllm.SDKError{Message: "sandbox call interrupted", Cause: err}}
		}
		return nil, &unifiedllm.NetworkError{SDKError: unifiedllm.SDKError{Message: "sandbox request failed", Cause: err}}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, &unifiedllm.NetworkError{SDKError: unifiedllm.SDKError{Message: "read sandbox response", Cause: err}}
	}
	if resp.StatusCode != http.StatusOK {
		msg := errorMessage(data)
		if msg == "" {
			msg = resp.Status
		}
		return nil, unifiedllm.ErrorFromStatusCode(resp.StatusCode, msg, "sandbox", nil)
	}

	var out RemoteResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &unifiedllm.InvalidRequestError{ProviderError: unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: "malformed sandbox response", Cause: err},
			Provider: "sandbox",
		}}
	}
	if out.Status != StatusOK && out.Status != StatusError && out.Status != StatusTimeout {
		return nil, &unifiedllm.InvalidRequestError{ProviderError: unifiedllm.ProviderError{
			SDKError: unifiedllm.SDKError{Message: fmt.Sprintf("unknown result status %q", out.Status)},
			Provider: "sandbox",
		}}
	}
	return &out, nil
}

// errorMessage extracts the message of a {"error":{"message":...}} body,
// falling back to the raw text.
func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return strings.TrimSpace(string(body))
}
