package client

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

// Client is the graphlord SDK client.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	retry    RetryPolicy
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends the bearer token required by a daemon with auth enabled.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithRetries sends failed requests again as p allows.
func WithRetries(p RetryPolicy) Option {
	return func(c *Client) { c.retry = p }
}

// NewClient creates a new graphlord client.
// endpoint defaults to "http://127.0.0.1:8090" if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8090"
	}
	c := &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) (Status, error) {
	var status Status
	err := c.do(ctx, http.MethodGet, "/v1/health", nil, "", &status)
	return status, err
}

// GraphStats fetches node and relationship counts.
func (c *Client) GraphStats(ctx context.Context) (GraphStats, error) {
	var st GraphStats
	err := c.do(ctx, http.MethodGet, "/v1/graph", nil, "", &st)
	return st, err
}

// Query runs a statement on the daemon's graph.
func (c *Client) Query(ctx context.Context, query string, params map[string]any) (*QueryResult, error) {
	body, err := json.Marshal(map[string]any{"query": query, "params": params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal query: %w", err)
	}
	var res QueryResult
	if err := c.do(ctx, http.MethodPost, "/v1/query", body, "application/json", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ApplyConcept applies a concept and the concepts it requires.
func (c *Client) ApplyConcept(ctx context.Context, id string) (*RuleResult, error) {
	var res RuleResult
	if err := c.do(ctx, http.MethodPost, "/v1/concepts/"+url.PathEscape(id)+"/apply", nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ValidateConstraint validates a constraint. Violations are reported in
// the result, not as an error.
func (c *Client) ValidateConstraint(ctx context.Context, id string) (*RuleResult, error) {
	var res RuleResult
	if err := c.do(ctx, http.MethodPost, "/v1/constraints/"+url.PathEscape(id)+"/validate", nil, "", &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Analyze evaluates the given rules, or every rule when none are given.
func (c *Client) Analyze(ctx context.Context, ids ...string) (*Report, error) {
	body, err := json.Marshal(map[string]any{"rules": ids})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rules: %w", err)
	}
	var rep Report
	if err := c.do(ctx, http.MethodPost, "/v1/analyze", body, "application/json", &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

// IngestFacts uploads a JSON Lines fact stream.
func (c *Client) IngestFacts(ctx context.Context, r io.Reader) (IngestStats, error) {
	body, err := io.ReadAll(r)
	if err != nil {
		return IngestStats{}, fmt.Errorf("failed to read facts: %w", err)
	}
	var st IngestStats
	err = c.do(ctx, http.MethodPost, "/v1/facts", body, "application/x-ndjson", &st)
	return st, err
}

// Rules lists the loaded rules, optionally only those of one kind.
func (c *Client) Rules(ctx context.Context, kind string) ([]Rule, error) {
	path := "/v1/rules"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var out []Rule
	if err := c.do(ctx, http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Runs fetches recent analysis runs, newest first.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	var runs []Run
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/runs?limit=%d", limit), nil, "", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Run fetches one run with its results.
func (c *Client) Run(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(id), nil, "", &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Report downloads a report.
func (c *Client) Report(ctx context.Context, opts ReportOptions) ([]byte, error) {
	q := url.Values{}
	if opts.Type != "" {
		q.Set("type", opts.Type)
	}
	if opts.Format != "" {
		q.Set("format", opts.Format)
	}
	if opts.RunID != "" {
		q.Set("run_id", opts.RunID)
	}
	if opts.Rule != "" {
		q.Set("rule", opts.Rule)
	}
	if !opts.From.IsZero() {
		q.Set("from", opts.From.Format(time.RFC3339))
	}
	if !opts.To.IsZero() {
		q.Set("to", opts.To.Format(time.RFC3339))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	var buf bytes.Buffer
	if err := c.do(ctx, http.MethodGet, "/v1/reports?"+q.Encode(), nil, "", &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// do sends a request and decodes a 200 response into out, which may be
// a *bytes.Buffer to receive the raw body. Failures are retried as the
// client's RetryPolicy allows.
func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	for attempt := 0; ; attempt++ {
		err := c.once(ctx, method, path, body, contentType, out)
		if err == nil || ctx.Err() != nil || attempt >= c.retry.MaxRetries || !c.retry.ShouldRetry(method, err) {
			return err
		}
		select {
		case <-time.After(c.retry.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, contentType string, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, rd)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = fmt.Sprintf("unexpected_status_%d", resp.StatusCode)
		}
		return apiErr
	}

	if buf, ok := out.(*bytes.Buffer); ok {
		_, err := io.Copy(buf, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
