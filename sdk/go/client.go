package closelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Closeline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// GenerationResult reports the outcome of one generation call. A repeat
// call with identical inputs returns status "no-op" and the original ids.
type GenerationResult struct {
	Status      string   `json:"status"`
	Fingerprint string   `json:"fingerprint"`
	Period      string   `json:"period"`
	InstanceIDs []string `json:"instance_ids"`
	Exceptions  int      `json:"exceptions"`
}

// StageAssignment is the owner snapshot captured at generation time.
type StageAssignment struct {
	Stage       string  `json:"stage"`
	RoleBinding string  `json:"role_binding"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

// Instance represents a close task instance.
type Instance struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	TemplateID  string            `json:"template_id"`
	Category    string            `json:"category"`
	Period      string            `json:"period"`
	Seq         int               `json:"seq"`
	Deadline    string            `json:"deadline"`
	State       string            `json:"state"`
	ResumeState *string           `json:"resume_state,omitempty"`
	Assignments []StageAssignment `json:"assignments"`
	ClosedAt    *string           `json:"closed_at,omitempty"`
	Overdue     bool              `json:"overdue"`
}

// ExceptionEntry is one row of an instance's exception log.
type ExceptionEntry struct {
	ID         int64   `json:"id"`
	InstanceID string  `json:"instance_id"`
	Reason     string  `json:"reason"`
	Note       string  `json:"note,omitempty"`
	RaisedBy   string  `json:"raised_by"`
	RaisedAt   string  `json:"raised_at"`
	ResolvedBy *string `json:"resolved_by,omitempty"`
	ResolvedAt *string `json:"resolved_at,omitempty"`
}

// Run represents a generation run keyed by its fingerprint.
type Run struct {
	Fingerprint     string  `json:"fingerprint"`
	Period          string  `json:"period"`
	CalendarID      string  `json:"calendar_id"`
	CalendarVersion int     `json:"calendar_version"`
	Status          string  `json:"status"`
	InstanceCount   int     `json:"instance_count"`
	ActorID         string  `json:"actor_id"`
	CreatedAt       string  `json:"created_at"`
	CompletedAt     *string `json:"completed_at,omitempty"`
}

// Event represents a ledger entry. PayloadJSON is the raw payload; use
// Payload to decode it.
type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	Period      string `json:"period,omitempty"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}

// Payload decodes the event payload into a map; malformed or empty
// payloads decode to nil.
func (e Event) Payload() map[string]any {
	if e.PayloadJSON == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(e.PayloadJSON), &out); err != nil {
		return nil
	}
	return out
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// GenerateOptions pins generation inputs; zero values select the latest
// calendar and the active template set.
type GenerateOptions struct {
	CalendarVersion int
	TemplateIDs     []string
}

// Generate runs close-task generation for a period.
func (c *Client) Generate(ctx context.Context, year, month int, opts GenerateOptions) (GenerationResult, error) {
	body := map[string]any{}
	if opts.CalendarVersion > 0 {
		body["calendar_version"] = opts.CalendarVersion
	}
	if len(opts.TemplateIDs) > 0 {
		body["template_ids"] = opts.TemplateIDs
	}
	var resp GenerationResult
	endpoint := fmt.Sprintf("v0/periods/%d/%d/generate", year, month)
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// PeriodStatus returns instance counts by state for a period.
func (c *Client) PeriodStatus(ctx context.Context, year, month int) (map[string]int, error) {
	var resp struct {
		Period string         `json:"period"`
		States map[string]int `json:"states"`
	}
	endpoint := fmt.Sprintf("v0/periods/%d/%d/status", year, month)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.States, err
}

// InstanceFilters narrows instance listings. Zero values are ignored.
type InstanceFilters struct {
	Period   string
	State    string
	Category string
	Assignee string
	Overdue  bool
}

// ListInstances returns instances matching the filters.
func (c *Client) ListInstances(ctx context.Context, filters InstanceFilters) ([]Instance, error) {
	q := url.Values{}
	if filters.Period != "" {
		q.Set("period", filters.Period)
	}
	if filters.State != "" {
		q.Set("state", filters.State)
	}
	if filters.Category != "" {
		q.Set("category", filters.Category)
	}
	if filters.Assignee != "" {
		q.Set("assignee", filters.Assignee)
	}
	if filters.Overdue {
		q.Set("overdue", "true")
	}
	endpoint := "v0/instances"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Instance
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetInstance fetches an instance by id.
func (c *Client) GetInstance(ctx context.Context, id string) (Instance, error) {
	var resp Instance
	err := c.do(ctx, http.MethodGet, c.instancePath(id, ""), nil, &resp)
	return resp, err
}

// Transition advances an instance to the target stage. Pass from as the
// last-known state to get optimistic concurrency; leave it empty to apply
// against the current state.
func (c *Client) Transition(ctx context.Context, id, from, to, note string) (Instance, error) {
	body := map[string]any{"to": to}
	if from != "" {
		body["from"] = from
	}
	if note != "" {
		body["note"] = note
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, c.instancePath(id, "transition"), body, &resp)
	return resp, err
}

// FastTrack skips review, moving preparation directly to approval.
func (c *Client) FastTrack(ctx context.Context, id, note string) (Instance, error) {
	body := map[string]any{"to": "approval", "fast_track": true}
	if note != "" {
		body["note"] = note
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, c.instancePath(id, "transition"), body, &resp)
	return resp, err
}

// RaiseException parks an instance with a reason from the fixed taxonomy.
func (c *Client) RaiseException(ctx context.Context, id, reason, note string) (Instance, error) {
	body := map[string]any{"reason": reason}
	if note != "" {
		body["note"] = note
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, c.instancePath(id, "exception"), body, &resp)
	return resp, err
}

// ResolveException closes the open exception and resumes the interrupted state.
func (c *Client) ResolveException(ctx context.Context, id, note string) (Instance, error) {
	body := map[string]any{}
	if note != "" {
		body["note"] = note
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, c.instancePath(id, "exception/resolve"), body, &resp)
	return resp, err
}

// Cancel terminates an instance while preserving its audit trail.
func (c *Client) Cancel(ctx context.Context, id, note string) (Instance, error) {
	body := map[string]any{}
	if note != "" {
		body["note"] = note
	}
	var resp Instance
	err := c.do(ctx, http.MethodPost, c.instancePath(id, "cancel"), body, &resp)
	return resp, err
}

// ListExceptions returns an instance's exception log.
func (c *Client) ListExceptions(ctx context.Context, id string, openOnly bool) ([]ExceptionEntry, error) {
	endpoint := c.instancePath(id, "exceptions")
	if openOnly {
		endpoint += "?open=true"
	}
	var resp []ExceptionEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetRun fetches a generation run by fingerprint.
func (c *Client) GetRun(ctx context.Context, fingerprint string) (Run, error) {
	var resp Run
	endpoint := "v0/runs/" + url.PathEscape(fingerprint)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns ledger entries after the cursor in id order; cursor 0
// starts from the beginning. With limit 0 the server default applies.
func (c *Client) Events(ctx context.Context, after int64, limit int) ([]Event, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprintf("%d", after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) instancePath(id, action string) string {
	p := "v0/instances/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
