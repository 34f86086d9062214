// Package agentsdk is the client library agent-framework adapters use to
// submit plans to the gateway and read back the evidence it produced.
package agentsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"trustpath/pkg/models"
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	AuthToken  string
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// PathError is returned when the gateway rejects or aborts a decision path.
// The partial trace is still attached so callers can inspect the evidence
// produced before the failing phase.
type PathError struct {
	Message string
	Trace   *models.Trace
}

func (e *PathError) Error() string {
	return "decision path failed: " + e.Message
}

// ExecutePlan submits a plan and blocks until the full phase sequence has
// run. A *PathError carries the partial trace when a phase fails.
func (c *Client) ExecutePlan(ctx context.Context, plan *models.Plan, execCtx models.ExecutionContext) (*models.Trace, error) {
	payload := map[string]any{
		"plan":    plan,
		"context": execCtx,
	}
	status, body, err := c.postJSON(ctx, "/v1/decision-paths", payload)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnprocessableEntity {
		var failure struct {
			Error string        `json:"error"`
			Trace *models.Trace `json:"trace"`
		}
		if err := json.Unmarshal(body, &failure); err != nil {
			return nil, fmt.Errorf("decode failure response: %w", err)
		}
		return failure.Trace, &PathError{Message: failure.Error, Trace: failure.Trace}
	}
	if status >= 300 {
		return nil, fmt.Errorf("execute failed status=%d body=%s", status, string(body))
	}
	var trace models.Trace
	if err := json.Unmarshal(body, &trace); err != nil {
		return nil, err
	}
	return &trace, nil
}

func (c *Client) Trace(ctx context.Context, traceID string) (*models.Trace, error) {
	var out models.Trace
	if err := c.getJSON(ctx, "/v1/traces/"+traceID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SafetyCase(ctx context.Context, caseID string) (*models.SafetyCase, error) {
	var out models.SafetyCase
	if err := c.getJSON(ctx, "/v1/safety-cases/"+caseID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Certificate(ctx context.Context, certificateID string) (*models.EgressCertificate, error) {
	var out models.EgressCertificate
	if err := c.getJSON(ctx, "/v1/certificates/"+certificateID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Receipt(ctx context.Context, receiptID string) (*models.AccessReceipt, error) {
	var out models.AccessReceipt
	if err := c.getJSON(ctx, "/v1/receipts/"+receiptID, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifySafetyCase asks the gateway to recheck a stored safety case
// signature and reports whether it is still intact.
func (c *Client) VerifySafetyCase(ctx context.Context, caseID string) (bool, error) {
	status, body, err := c.postJSON(ctx, "/v1/safety-cases/"+caseID+"/verify", nil)
	if err != nil {
		return false, err
	}
	if status >= 300 {
		return false, fmt.Errorf("safety case verify failed status=%d body=%s", status, string(body))
	}
	var out struct {
		SignatureValid bool `json:"signature_valid"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return false, err
	}
	return out.SignatureValid, nil
}

// VerifyReceipt re-validates a receipt against the plan step it claims to
// be bound to.
func (c *Client) VerifyReceipt(ctx context.Context, receipt *models.AccessReceipt, plan *models.Plan, stepID, tenant, userID string) (models.VerificationResult, error) {
	payload := map[string]any{
		"receipt": receipt,
		"plan":    plan,
		"step_id": stepID,
		"tenant":  tenant,
	}
	if userID != "" {
		payload["user_id"] = userID
	}
	status, body, err := c.postJSON(ctx, "/v1/receipts/verify", payload)
	if err != nil {
		return models.VerificationResult{}, err
	}
	if status >= 300 {
		return models.VerificationResult{}, fmt.Errorf("receipt verify failed status=%d body=%s", status, string(body))
	}
	var out models.VerificationResult
	if err := json.Unmarshal(body, &out); err != nil {
		return models.VerificationResult{}, err
	}
	return out, nil
}

func (c *Client) CreatePartition(ctx context.Context, tenant string, labels []string) (*models.Partition, error) {
	payload := map[string]any{"tenant": tenant, "labels": labels}
	status, body, err := c.postJSON(ctx, "/v1/partitions", payload)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, fmt.Errorf("create partition failed status=%d body=%s", status, string(body))
	}
	var out models.Partition
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.applyAuth(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	c.applyAuth(httpReq)
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("get %s failed status=%d body=%s", path, resp.StatusCode, string(respBody))
	}
	return json.Unmarshal(respBody, out)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Second}
}

func (c *Client) applyAuth(req *http.Request) {
	if c.AuthToken == "" {
		return
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.AuthToken))
}
