// Package agentpilot is a thin Go client for the AgentPilot REST API.
package agentpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the AgentPilot API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Step mirrors a plan step as returned by the API.
type Step struct {
	ID         string            `json:"id"`
	Kind       string            `json:"kind"`
	Parameters map[string]string `json:"parameters"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Status     string            `json:"status"`
	Attempts   int               `json:"attempts"`
	Reason     string            `json:"reason,omitempty"`
	Code       string            `json:"code,omitempty"`
	Result     map[string]string `json:"result,omitempty"`
}

// Plan mirrors a plan snapshot.
type Plan struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	WorkflowID string    `json:"workflow_id,omitempty"`
	Steps      []Step    `json:"steps"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Terminal reports whether the plan reached an end state.
func (p Plan) Terminal() bool {
	switch p.Status {
	case "completed", "aborted", "cancelled":
		return true
	}
	return false
}

// Intent is the classification of a submitted command.
type Intent struct {
	Kind         string            `json:"kind"`
	Parameters   map[string]string `json:"parameters"`
	OriginalText string            `json:"original_text"`
	Note         string            `json:"note,omitempty"`
}

// Submission is returned when a command or workflow is submitted. Plan is nil
// when the command needs clarification.
type Submission struct {
	Intent        *Intent `json:"intent,omitempty"`
	Plan          *Plan   `json:"plan,omitempty"`
	Clarification string  `json:"clarification,omitempty"`
}

// Limit is a capability spending limit.
type Limit struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Capability mirrors a permission store entry.
type Capability struct {
	ID               string `json:"id"`
	Description      string `json:"description"`
	Enabled          bool   `json:"enabled"`
	Limit            *Limit `json:"limit,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
}

// CapabilityUpdate changes a capability. Nil fields are left untouched.
type CapabilityUpdate struct {
	Enabled          *bool  `json:"enabled,omitempty"`
	Limit            *Limit `json:"limit,omitempty"`
	ClearLimit       bool   `json:"clear_limit,omitempty"`
	RequiresApproval *bool  `json:"requires_approval,omitempty"`
}

// Activity is one entry of the activity feed.
type Activity struct {
	ID        string            `json:"id"`
	Seq       uint64            `json:"seq"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	PlanID    string            `json:"plan_id,omitempty"`
	Subject   string            `json:"subject"`
	Status    string            `json:"status,omitempty"`
	Decision  string            `json:"decision,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Code      string            `json:"code,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ActivityFilter narrows ListActivities.
type ActivityFilter struct {
	Kind   string
	PlanID string
	Limit  int
}

// APIError represents a coded error returned by the server.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentpilot api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentpilot api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil, a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets a bearer token sent with every request, for deployments
// that put the API behind an authenticating proxy.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// SubmitCommand classifies text and queues the resulting plan.
func (c *Client) SubmitCommand(ctx context.Context, text string) (Submission, error) {
	var sub Submission
	err := c.send(ctx, http.MethodPost, "/api/v1/commands", nil, map[string]string{"text": text}, &sub)
	return sub, err
}

// RunWorkflow queues a saved workflow.
func (c *Client) RunWorkflow(ctx context.Context, workflowID string) (Submission, error) {
	var sub Submission
	err := c.send(ctx, http.MethodPost, "/api/v1/workflows/"+url.PathEscape(workflowID)+"/run", nil, nil, &sub)
	return sub, err
}

// GetPlan fetches a plan snapshot.
func (c *Client) GetPlan(ctx context.Context, planID string) (Plan, error) {
	var p Plan
	err := c.send(ctx, http.MethodGet, "/api/v1/plans/"+url.PathEscape(planID), nil, nil, &p)
	return p, err
}

// CancelPlan requests cancellation of a queued or running plan.
func (c *Client) CancelPlan(ctx context.Context, planID string) (Plan, error) {
	var p Plan
	err := c.send(ctx, http.MethodPost, "/api/v1/plans/"+url.PathEscape(planID)+"/cancel", nil, nil, &p)
	return p, err
}

// WaitPlan polls until the plan is terminal or ctx ends.
func (c *Client) WaitPlan(ctx context.Context, planID string, interval time.Duration) (Plan, error) {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, err := c.GetPlan(ctx, planID)
		if err != nil || p.Terminal() {
			return p, err
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Capabilities lists the permission store.
func (c *Client) Capabilities(ctx context.Context) ([]Capability, error) {
	var out []Capability
	err := c.send(ctx, http.MethodGet, "/api/v1/capabilities", nil, nil, &out)
	return out, err
}

// UpdateCapability changes a capability.
func (c *Client) UpdateCapability(ctx context.Context, id string, update CapabilityUpdate) (Capability, error) {
	var out Capability
	err := c.send(ctx, http.MethodPatch, "/api/v1/capabilities/"+url.PathEscape(id), nil, update, &out)
	return out, err
}

// ResolveApproval approves or denies a step waiting for approval.
func (c *Client) ResolveApproval(ctx context.Context, planID, stepID string, approved bool) error {
	body := map[string]any{"plan_id": planID, "step_id": stepID, "approved": approved}
	return c.send(ctx, http.MethodPost, "/api/v1/approvals", nil, body, nil)
}

// ListActivities returns the newest activity entries first.
func (c *Client) ListActivities(ctx context.Context, filter ActivityFilter) ([]Activity, error) {
	q := url.Values{}
	if filter.Kind != "" {
		q.Set("kind", filter.Kind)
	}
	if filter.PlanID != "" {
		q.Set("plan_id", filter.PlanID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var out []Activity
	err := c.send(ctx, http.MethodGet, "/api/v1/activities", q, nil, &out)
	return out, err
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL.ResolveReference(&url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
