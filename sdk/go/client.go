package actionlinesdk

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
	"strings"
	"time"
)

// Client is a minimal Actionline HTTP API client.
type Client struct {
	BaseURL  string
	BasePath string
	// BearerToken wins over the header identity when both are set.
	BearerToken string
	ActorID     string
	Role        string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Action is one entry of a screen's action list.
type Action struct {
	ID                 string `json:"id"`
	Label              string `json:"label"`
	Description        string `json:"description,omitempty"`
	RequiredCapability string `json:"required_capability"`
	ScreenScope        string `json:"screen_scope"`
	Priority           int    `json:"priority"`
	Kind               string `json:"kind,omitempty"`
	RequiresApproval   bool   `json:"requires_approval"`
}

type ExecuteInput struct {
	ScreenScope string         `json:"screen_scope"`
	PatientID   string         `json:"patient_id,omitempty"`
	SubjectID   string         `json:"subject_id,omitempty"`
	Aux         map[string]any `json:"aux,omitempty"`
}

type Result struct {
	Success    bool           `json:"success"`
	Message    string         `json:"message"`
	Data       map[string]any `json:"data,omitempty"`
	Deferred   bool           `json:"deferred,omitempty"`
	ErrorKind  string         `json:"error_kind,omitempty"`
	ActivityID string         `json:"activity_id,omitempty"`
	ApprovalID string         `json:"approval_id,omitempty"`
	AuditID    string         `json:"audit_id,omitempty"`
}

type Activity struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      string         `json:"status"`
	SubjectID   string         `json:"subject_id,omitempty"`
	ActionID    string         `json:"action_id,omitempty"`
	Attempts    int            `json:"attempts"`
	Details     map[string]any `json:"details,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

type Approval struct {
	ID                 string     `json:"id"`
	ActionID           string     `json:"action_id"`
	RequiredCapability string     `json:"required_capability,omitempty"`
	RequestedBy        string     `json:"requested_by"`
	RequesterRole      string     `json:"requester_role"`
	RequestedAt        time.Time  `json:"requested_at"`
	Description        string     `json:"description"`
	Priority           int        `json:"priority"`
	Decision           string     `json:"decision"`
	DecidedBy          string     `json:"decided_by,omitempty"`
	DecidedAt          *time.Time `json:"decided_at,omitempty"`
}

type Decision struct {
	Approval Approval `json:"approval"`
	Result   Result   `json:"result"`
}

type AuditEntry struct {
	ID                 string         `json:"id"`
	ActorID            string         `json:"actor_id"`
	Role               string         `json:"role"`
	ActionID           string         `json:"action_id"`
	RequiredCapability string         `json:"required_capability,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	Success            bool           `json:"success"`
	Details            map[string]any `json:"details,omitempty"`
}

type AuditQuery struct {
	ActorID string
	Role    string
	Action  string
	From    time.Time
	To      time.Time
	Limit   int
}

type Metrics struct {
	TotalActions    int     `json:"total_actions"`
	TodayActions    int     `json:"today_actions"`
	WeekActions     int     `json:"week_actions"`
	SuccessRate     float64 `json:"success_rate"`
	MostUsedActions []struct {
		ActionID string `json:"action_id"`
		Count    int    `json:"count"`
	} `json:"most_used_actions"`
	AverageActionsPerDay float64 `json:"average_actions_per_day"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// Actions lists what the caller may do on screen.
func (c *Client) Actions(ctx context.Context, screen string) ([]Action, error) {
	var resp struct {
		Items []Action `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("screens/%s/actions", url.PathEscape(screen)), nil, "", &resp)
	return resp.Items, err
}

// Execute runs an action. A non-empty idempotency key makes retries of the
// same call return the first result.
func (c *Client) Execute(ctx context.Context, actionID string, in ExecuteInput, idempotencyKey string) (Result, error) {
	var resp Result
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("actions/%s/execute", url.PathEscape(actionID)), in, idempotencyKey, &resp)
	return resp, err
}

// Approvals lists approvals; decision may be "", "none", "approved" or "rejected".
func (c *Client) Approvals(ctx context.Context, decision string) ([]Approval, error) {
	endpoint := "approvals"
	if decision != "" {
		endpoint += "?decision=" + url.QueryEscape(decision)
	}
	var resp struct {
		Items []Approval `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp.Items, err
}

func (c *Client) Decide(ctx context.Context, approvalID string, approve bool, idempotencyKey string) (Decision, error) {
	var resp Decision
	endpoint := fmt.Sprintf("approvals/%s/decision", url.PathEscape(approvalID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"approve": approve}, idempotencyKey, &resp)
	return resp, err
}

func (c *Client) Activity(ctx context.Context, id string) (Activity, error) {
	var resp Activity
	err := c.do(ctx, http.MethodGet, "activities/"+url.PathEscape(id), nil, "", &resp)
	return resp, err
}

func (c *Client) Activities(ctx context.Context, subject, status string) ([]Activity, error) {
	q := url.Values{}
	if subject != "" {
		q.Set("subject", subject)
	}
	if status != "" {
		q.Set("status", status)
	}
	endpoint := "activities"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Activity `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp.Items, err
}

// Retry re-runs a failed activity. A non-nil aux replaces the original
// auxiliary context.
func (c *Client) Retry(ctx context.Context, activityID string, aux map[string]any) (Result, error) {
	var body any
	if aux != nil {
		body = map[string]any{"aux": aux}
	}
	var resp Result
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("activities/%s/retry", url.PathEscape(activityID)), body, "", &resp)
	return resp, err
}

func (c *Client) Audit(ctx context.Context, q AuditQuery) ([]AuditEntry, error) {
	v := url.Values{}
	if q.ActorID != "" {
		v.Set("actor", q.ActorID)
	}
	if q.Role != "" {
		v.Set("role", q.Role)
	}
	if q.Action != "" {
		v.Set("action", q.Action)
	}
	if !q.From.IsZero() {
		v.Set("from", q.From.UTC().Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		v.Set("to", q.To.UTC().Format(time.RFC3339))
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	endpoint := "audit"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp struct {
		Items []AuditEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp.Items, err
}

func (c *Client) Metrics(ctx context.Context, role string) (Metrics, error) {
	endpoint := "audit/metrics"
	if role != "" {
		endpoint += "?role=" + url.QueryEscape(role)
	}
	var resp Metrics
	err := c.do(ctx, http.MethodGet, endpoint, nil, "", &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, idempotencyKey string, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
		req.Header.Set("X-Role", c.Role)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
