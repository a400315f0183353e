// Package sdk provides a Go client for the actiongate API.
//
// Basic usage:
//
//	c := sdk.NewClient("http://127.0.0.1:8090", "")
//	res, err := c.Submit(ctx, "Please send the Q3 report", map[string]string{"kind": "email"})
//
// Approving a pending request:
//
//	c := sdk.NewClient("http://127.0.0.1:8090", os.Getenv("ACTIONGATE_TOKEN"))
//	a, err := c.Approve(ctx, "gmail-1-send-reply", "alice")
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrNotFound matches an APIError with status 404.
var ErrNotFound = errors.New("not found")

// ErrConflict matches an APIError with status 409: the request already left
// the stage the call expected.
var ErrConflict = errors.New("conflict")

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("actiongate: %s (HTTP %d)", e.Message, e.StatusCode)
}

// Is reports whether the error maps to ErrNotFound or ErrConflict.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// SubmitResponse is returned by POST /v1/items. ID is empty for duplicates.
type SubmitResponse struct {
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate"`
}

// Plan is the execution plan attached to an approval. Credential-named
// parameters arrive masked.
type Plan struct {
	ActionID     string         `json:"action_id"`
	TargetSystem string         `json:"target_system"`
	Operation    string         `json:"operation"`
	Parameters   map[string]any `json:"parameters"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	LastError    string         `json:"last_error,omitempty"`
	DryRun       bool           `json:"dry_run,omitempty"`
}

// Approval is one approval request as the API reports it.
type Approval struct {
	ActionID        string     `json:"action_id"`
	ActionType      string     `json:"action_type"`
	Stage           string     `json:"stage,omitempty"`
	Status          string     `json:"status"`
	RiskLevel       string     `json:"risk_level"`
	RiskFactors     []string   `json:"risk_factors,omitempty"`
	ToolName        string     `json:"tool_name"`
	SourceItem      string     `json:"source_item,omitempty"`
	CreatedAt       time.Time  `json:"created"`
	DecidedBy       string     `json:"decided_by,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	DraftContent    string     `json:"draft_content,omitempty"`
	ImpactAnalysis  string     `json:"impact_analysis,omitempty"`
	BlastRadius     string     `json:"blast_radius,omitempty"`
	Checklist       []string   `json:"checklist,omitempty"`
	Plan            *Plan      `json:"execution_plan,omitempty"`
	Error           string     `json:"error,omitempty"`
	ResultID        string     `json:"result_id,omitempty"`
	Body            string     `json:"body,omitempty"`
}

// LogEntry is one sanitized audit entry.
type LogEntry struct {
	ID              string         `json:"id"`
	Timestamp       string         `json:"timestamp"`
	Day             string         `json:"day"`
	ActionID        string         `json:"action_id"`
	ActionType      string         `json:"action_type"`
	ExecutionStatus string         `json:"execution_status"`
	Executor        string         `json:"executor"`
	ExecutorID      string         `json:"executor_id,omitempty"`
	ToolName        string         `json:"tool_name"`
	SanitizedInputs map[string]any `json:"sanitized_inputs,omitempty"`
	ApprovalReason  string         `json:"approval_reason,omitempty"`
	ApprovalID      string         `json:"approval_id,omitempty"`
	TargetSystem    string         `json:"target_system"`
	Error           string         `json:"error,omitempty"`
	RetryCount      int            `json:"retry_count"`
}

// LogQuery selects audit entries. Date (YYYY-MM-DD) and Days take precedence
// over the filters, in that order.
type LogQuery struct {
	Date         string
	Days         int
	ActionID     string
	Status       string
	TargetSystem string
	Limit        int
}

// Finding is a content rule that matched a draft.
type Finding struct {
	RuleID   string `json:"rule_id"`
	Name     string `json:"name"`
	Severity string `json:"severity"`
	Match    string `json:"match,omitempty"`
}

// PolicyDecision is the boundary's verdict for one action type.
type PolicyDecision struct {
	ActionType      string    `json:"action_type"`
	RequireApproval bool      `json:"require_approval"`
	Risk            string    `json:"risk"`
	Reason          string    `json:"reason"`
	Factors         []string  `json:"factors,omitempty"`
	Checklist       []string  `json:"checklist,omitempty"`
	Findings        []Finding `json:"findings,omitempty"`
}

// Client talks to one actiongate server.
type Client struct {
	baseURL    string
	token      string // empty = no Authorization header
	httpClient *http.Client
}

// NewClient creates a client. The token is sent as a bearer token on every
// request; pass "" when the server has no API token configured.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Health checks the server health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit creates an action item. Resubmitting identical content and metadata
// returns Duplicate instead of a new item.
func (c *Client) Submit(ctx context.Context, content string, metadata map[string]string) (*SubmitResponse, error) {
	req := struct {
		Content  string            `json:"content"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}{content, metadata}
	var resp SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/v1/items", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListApprovals returns the requests in stage, or the pending ones when stage
// is empty.
func (c *Client) ListApprovals(ctx context.Context, stage string) ([]Approval, error) {
	path := "/v1/approvals"
	if stage != "" {
		path += "?stage=" + url.QueryEscape(stage)
	}
	var resp struct {
		Approvals []Approval `json:"approvals"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

// GetApproval returns one request including its reviewer-facing body.
func (c *Client) GetApproval(ctx context.Context, actionID string) (*Approval, error) {
	var resp Approval
	if err := c.do(ctx, http.MethodGet, "/v1/approvals/"+url.PathEscape(actionID), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve approves a pending request on behalf of approver.
func (c *Client) Approve(ctx context.Context, actionID, approver string) (*Approval, error) {
	req := map[string]string{"approver": approver}
	var resp Approval
	if err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(actionID)+"/approve", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reject rejects a pending request. The reason is required.
func (c *Client) Reject(ctx context.Context, actionID, rejecter, reason string) (*Approval, error) {
	req := map[string]string{"rejecter": rejecter, "reason": reason}
	var resp Approval
	if err := c.do(ctx, http.MethodPost, "/v1/approvals/"+url.PathEscape(actionID)+"/reject", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Logs queries the audit log.
func (c *Client) Logs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	v := url.Values{}
	switch {
	case q.Date != "":
		v.Set("date", q.Date)
	case q.Days > 0:
		v.Set("days", strconv.Itoa(q.Days))
	default:
		setIf(v, "action_id", q.ActionID)
		setIf(v, "status", q.Status)
		setIf(v, "target", q.TargetSystem)
		if q.Limit > 0 {
			v.Set("limit", strconv.Itoa(q.Limit))
		}
	}
	path := "/v1/logs"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var resp struct {
		Entries []LogEntry `json:"entries"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// CheckPolicy classifies actionType against the server's boundary. Context
// keys activate handbook exceptions; draft is scanned for risky content.
func (c *Client) CheckPolicy(ctx context.Context, actionType, draft string, actionContext map[string]string) (*PolicyDecision, error) {
	v := url.Values{}
	for k, val := range actionContext {
		v.Set(k, val)
	}
	v.Set("action_type", actionType)
	setIf(v, "draft", draft)
	var resp PolicyDecision
	if err := c.do(ctx, http.MethodGet, "/v1/policy/check?"+v.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func setIf(v url.Values, key, val string) {
	if val != "" {
		v.Set(key, val)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close() //nolint:errcheck // best-effort cleanup

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(io.LimitReader(httpResp.Body, 64<<10)).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: e.Error}
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response (HTTP %d): %w", httpResp.StatusCode, err)
	}
	return nil
}
