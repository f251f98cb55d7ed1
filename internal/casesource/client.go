// Package casesource is the client for the upstream case management API.
package casesource

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/linnemanlabs/warden/internal/pipeline"
)

// MaxPageSize is the largest page the API serves.
const MaxPageSize = 50

// Case is one upstream case as returned by the API.
type Case = map[string]any

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. https://cases.example.com/connect/api/v1.
	BaseURL string
	Token   string
	// RequestsPerSecond caps the request rate. Zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	Timeout           time.Duration
}

// Client talks to the case management API. Failures that may clear on retry
// (network, 429, 5xx) come back as pipeline.TransientError; other 4xx as
// pipeline.ValidationError.
type Client struct {
	base    *url.URL
	token   string
	limiter *rate.Limiter
	http    *http.Client
}

// StatusError carries a non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("case api status %d: %s", e.Code, e.Body)
}

// New creates a client.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("case source base url is required")
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid case source url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid case source url scheme %q", u.Scheme)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(opts.Burst, 1))
	}

	return &Client{
		base:    u,
		token:   opts.Token,
		limiter: limiter,
		http: &http.Client{
			Timeout:   opts.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// GetCase returns the full case body.
func (c *Client) GetCase(ctx context.Context, caseID string) (Case, error) {
	if caseID == "" {
		return nil, pipeline.Invalid("case_id", "must not be empty")
	}
	var out Case
	if err := c.do(ctx, http.MethodGet, "/cases/"+url.PathEscape(caseID), nil, nil, &out); err != nil {
		return nil, err
	}
	if data, ok := out["data"].(map[string]any); ok {
		return data, nil
	}
	return out, nil
}

// ListCases returns up to limit cases created since the given time, oldest
// first.
func (c *Client) ListCases(ctx context.Context, since time.Time, limit int) ([]Case, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(clampLimit(limit)))
	q.Set("sort_by", "created_at")
	q.Set("sort_order", "asc")
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339))
	}
	var out struct {
		Data struct {
			Cases []Case `json:"cases"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/cases", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Data.Cases, nil
}

// GetCaseAlerts returns one page of a case's alerts.
func (c *Client) GetCaseAlerts(ctx context.Context, caseID string, skip, limit int) ([]map[string]any, error) {
	var out struct {
		Data struct {
			Docs []struct {
				Found  *bool          `json:"found"`
				Source map[string]any `json:"_source"`
			} `json:"docs"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/cases/"+url.PathEscape(caseID)+"/alerts", pageQuery(skip, limit), nil, &out); err != nil {
		return nil, err
	}
	alerts := make([]map[string]any, 0, len(out.Data.Docs))
	for _, doc := range out.Data.Docs {
		if doc.Found != nil && !*doc.Found {
			continue
		}
		if doc.Source == nil {
			doc.Source = map[string]any{}
		}
		alerts = append(alerts, doc.Source)
	}
	return alerts, nil
}

// GetCaseObservables returns one page of a case's observables.
func (c *Client) GetCaseObservables(ctx context.Context, caseID string, skip, limit int) ([]map[string]any, error) {
	return c.list(ctx, "/cases/"+url.PathEscape(caseID)+"/observables", skip, limit)
}

// GetCaseActivities returns one page of a case's activity log.
func (c *Client) GetCaseActivities(ctx context.Context, caseID string, skip, limit int) ([]map[string]any, error) {
	return c.list(ctx, "/cases/"+url.PathEscape(caseID)+"/activities", skip, limit)
}

// StatusUpdate is the body of a case status change.
type StatusUpdate struct {
	Status               string   `json:"status"`
	Priority             int      `json:"priority"`
	AutomatedActions     []string `json:"automated_actions"`
	RequiredHumanActions []string `json:"required_human_actions"`
}

// UpdateCaseStatus writes the triage outcome back to the case.
func (c *Client) UpdateCaseStatus(ctx context.Context, caseID string, u StatusUpdate) error {
	if caseID == "" {
		return pipeline.Invalid("case_id", "must not be empty")
	}
	return c.do(ctx, http.MethodPut, "/cases/"+url.PathEscape(caseID)+"/update", nil, u, nil)
}

// list decodes endpoints that answer with either a bare array or {"data": [...]}.
func (c *Client) list(ctx context.Context, path string, skip, limit int) ([]map[string]any, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, path, pageQuery(skip, limit), nil, &raw); err != nil {
		return nil, err
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Data []map[string]any `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return wrapped.Data, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	op := method + " " + path
	if err := c.limiter.Wait(ctx); err != nil {
		return pipeline.Transient(op, fmt.Errorf("rate limit wait: %w", err))
	}

	u := *c.base
	u.Path += path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return pipeline.Transient(op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return pipeline.Transient(op, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		serr := &StatusError{Code: resp.StatusCode, Body: truncate(string(respBody), 256)}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return pipeline.Transient(op, serr)
		}
		return &pipeline.ValidationError{Field: path, Reason: "rejected by case api", Err: serr}
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s: %w", op, err)
	}
	return nil
}

func pageQuery(skip, limit int) url.Values {
	q := url.Values{}
	q.Set("skip", strconv.Itoa(max(skip, 0)))
	q.Set("limit", strconv.Itoa(clampLimit(limit)))
	return q
}

func clampLimit(n int) int {
	if n <= 0 || n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
