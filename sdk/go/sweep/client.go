// Package sweep is a Go client for the sweepd REST API.
package sweep

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Job statuses reported by the server.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Client wraps the HTTP interactions with sweepd.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	apiKey     string
}

// Option customises a Client.
type Option func(*Client)

// WithAPIKey sends key as a bearer token on every request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = strings.TrimSpace(key) }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// SweepRequest asks the server to consolidate Source into Destination.
type SweepRequest struct {
	ID          string `json:"id,omitempty"`
	Chain       string `json:"chain,omitempty"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// SwapRequest asks the server to convert every holding of Source to the
// native asset.
type SwapRequest struct {
	ID     string `json:"id,omitempty"`
	Chain  string `json:"chain,omitempty"`
	Source string `json:"source"`
}

// RunSummary is the subset of a run report most callers need.
type RunSummary struct {
	RunID             string `json:"run_id"`
	Status            string `json:"status"`
	Transferred       int    `json:"transferred"`
	Closed            int    `json:"closed"`
	Converted         int    `json:"converted"`
	NativeTransferred uint64 `json:"native_transferred"`
	Skipped           int    `json:"skipped"`
	StoppedAt         *int   `json:"stopped_at,omitempty"`
	LastConfirmedID   string `json:"last_confirmed_id,omitempty"`
	ErrorCode         string `json:"error_code,omitempty"`
	Error             string `json:"error,omitempty"`
}

// Job is a submitted sweep or swap.
type Job struct {
	ID          string      `json:"id"`
	Mode        string      `json:"mode"`
	Chain       string      `json:"chain,omitempty"`
	Source      string      `json:"source"`
	Destination string      `json:"destination,omitempty"`
	Origin      string      `json:"origin,omitempty"`
	Status      string      `json:"status"`
	Attempts    int         `json:"attempts"`
	MaxRetries  int         `json:"max_retries"`
	LastError   string      `json:"last_error,omitempty"`
	ErrorCode   string      `json:"error_code,omitempty"`
	Summary     *RunSummary `json:"summary,omitempty"`
	CreatedAt   int64       `json:"created_at"`
	UpdatedAt   int64       `json:"updated_at"`
}

// Finished reports whether the job reached a terminal status.
func (j *Job) Finished() bool {
	return j != nil && (j.Status == StatusSucceeded || j.Status == StatusFailed)
}

// Stats aggregates job counts.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Retrying  int `json:"retrying"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// JobList is returned by ListJobs.
type JobList struct {
	Jobs  []*Job `json:"jobs"`
	Stats Stats  `json:"stats"`
}

// ListFilter narrows ListJobs results. Zero values are ignored.
type ListFilter struct {
	Statuses []string
	Source   string
	Since    time.Time
	Query    string
	Limit    int
	Offset   int
}

func (f ListFilter) values() url.Values {
	v := url.Values{}
	if len(f.Statuses) > 0 {
		v.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Source != "" {
		v.Set("source", f.Source)
	}
	if !f.Since.IsZero() {
		v.Set("since", f.Since.UTC().Format(time.RFC3339))
	}
	if f.Query != "" {
		v.Set("q", f.Query)
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	return v
}

// APIError represents a non-2xx response.
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
		return fmt.Sprintf("sweep api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sweep api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the API rooted at rawURL.
func NewClient(rawURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", rawURL)
	}
	c := &Client{baseURL: parsed, httpClient: &http.Client{Timeout: DefaultHTTPTimeout}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SubmitSweep enqueues a sweep job.
func (c *Client) SubmitSweep(ctx context.Context, req SweepRequest) (*Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodPost, "/api/v1/sweeps", nil, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// SubmitSwap enqueues a swap-all job.
func (c *Client) SubmitSwap(ctx context.Context, req SwapRequest) (*Job, error) {
	var job Job
	if err := c.send(ctx, http.MethodPost, "/api/v1/swaps", nil, req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJob fetches a job by identifier.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("sweep: job id is required")
	}
	var job Job
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs lists jobs matching filter together with their stats.
func (c *Client) ListJobs(ctx context.Context, filter ListFilter) (*JobList, error) {
	var list JobList
	if err := c.send(ctx, http.MethodGet, "/api/v1/jobs", filter.values(), nil, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// WaitForJob polls until the job finishes or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Finished() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
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
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
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
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
