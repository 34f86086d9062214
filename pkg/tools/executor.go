package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"trustpath/pkg/httpx"
)

// Executor runs one tool invocation. Deterministic emulators, HTTP brokers
// and the shadow no-op all satisfy it.
type Executor interface {
	Execute(ctx context.Context, tool string, payload json.RawMessage) (json.RawMessage, error)
}

// HTTPExecutor forwards tool calls to an external broker endpoint.
type HTTPExecutor struct {
	Client     *http.Client
	Endpoint   string
	Headers    map[string]string
	Retries    int
	RetryDelay time.Duration
}

func (h HTTPExecutor) Execute(ctx context.Context, tool string, payload json.RawMessage) (json.RawMessage, error) {
	if h.Endpoint == "" {
		return nil, errors.New("endpoint is empty")
	}
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	body, err := json.Marshal(map[string]any{"tool": tool, "payload": payload})
	if err != nil {
		return nil, err
	}
	status, respBody, err := httpx.RequestJSON(ctx, client, http.MethodPost, h.Endpoint, body, h.Headers, h.Retries, h.RetryDelay)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, errors.New("tool broker upstream error")
	}
	return respBody, nil
}

// ShadowExecutor acknowledges tool calls without side effects. Shadow mode
// still produces step records and evidence; only the external effect is
// suppressed.
type ShadowExecutor struct{}

func (ShadowExecutor) Execute(_ context.Context, tool string, _ json.RawMessage) (json.RawMessage, error) {
	out, _ := json.Marshal(map[string]any{"tool": tool, "shadow": true, "status": "simulated"})
	return out, nil
}
