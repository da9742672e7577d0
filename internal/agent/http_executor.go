package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/failure"
)

// HTTPExecutor runs tasks by POSTing the TaskRequest to the agent's
// endpoint. The response body is the task output.
type HTTPExecutor struct {
	client *http.Client
	token  string
	logger *zap.Logger
}

// NewHTTPExecutor creates an executor. A zero timeout means no client-side
// limit beyond the task context.
func NewHTTPExecutor(timeout time.Duration, token string, logger *zap.Logger) *HTTPExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPExecutor{
		client: &http.Client{Timeout: timeout},
		token:  token,
		logger: logger.With(zap.String("component", "http_executor")),
	}
}

// Execute implements Executor.
func (e *HTTPExecutor) Execute(ctx context.Context, a *Agent, req *TaskRequest) (json.RawMessage, error) {
	if a.Endpoint == "" {
		return nil, failure.Mismatch(fmt.Errorf("agent %s has no endpoint", a.ID))
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		// Network failures and client timeouts are worth another attempt.
		return nil, failure.Transient(fmt.Errorf("send request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, failure.Transient(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if len(respBody) == 0 || !json.Valid(respBody) {
			out, _ := json.Marshal(string(respBody))
			return out, nil
		}
		return json.RawMessage(respBody), nil
	}

	e.logger.Debug("agent returned error",
		zap.String("agent", a.ID),
		zap.String("task", req.TaskID),
		zap.Int("status", resp.StatusCode))
	return nil, classifyStatus(resp.StatusCode, respBody)
}

// classifyStatus maps an agent's HTTP status to a recovery kind.
func classifyStatus(code int, body []byte) error {
	err := fmt.Errorf("agent error %d: %s", code, truncate(string(body), 256))
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusServiceUnavailable:
		return failure.Exhausted(err)
	case code == http.StatusNotImplemented:
		return failure.Mismatch(err)
	case code == http.StatusRequestTimeout, code >= 500:
		return failure.Transient(err)
	default:
		return failure.Permanent(err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
