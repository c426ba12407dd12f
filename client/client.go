package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/api"
	"pkt.systems/sqlgate/internal/correlation"
	"pkt.systems/sqlgate/internal/svcfields"
	"pkt.systems/sqlgate/internal/version"
)

const defaultHTTPTimeout = 5 * time.Minute

// Client talks to one sqlgate server.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	httpTimeout time.Duration
	datasource  string
	logger      pslog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = svcfields.WithSubsystem(logger, "client.sdk")
	}
}

// WithHTTPTimeout bounds each request. Statement waits on the server count
// towards it.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithDatasource sets the datasource used when a call does not name one.
// Empty defers to the server default.
func WithDatasource(name string) Option {
	return func(c *Client) {
		c.datasource = strings.TrimSpace(name)
	}
}

// New constructs a client for baseURL (http://host:port).
func New(baseURL string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("baseURL required")
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		return nil, fmt.Errorf("baseURL %q must use http or https", baseURL)
	}
	c := &Client{
		baseURL:     trimmed,
		httpClient:  &http.Client{},
		httpTimeout: defaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Datasource returns the default datasource of the client.
func (c *Client) Datasource() string { return c.datasource }

func (c *Client) ds(name string) string {
	if name != "" {
		return name
	}
	return c.datasource
}

// Exec runs a statement that returns no rows.
func (c *Client) Exec(ctx context.Context, sql string, args ...any) (*api.ExecResponse, error) {
	var out api.ExecResponse
	if err := c.postJSON(ctx, "/v1/exec", api.StatementRequest{Datasource: c.datasource, SQL: sql, Args: args}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Query runs a statement and returns its rows.
func (c *Client) Query(ctx context.Context, sql string, args ...any) (*api.QueryResponse, error) {
	var out api.QueryResponse
	if err := c.postJSON(ctx, "/v1/query", api.StatementRequest{Datasource: c.datasource, SQL: sql, Args: args}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Statement runs req as-is, honouring req.Datasource.
func (c *Client) Statement(ctx context.Context, query bool, req api.StatementRequest) (*api.QueryResponse, *api.ExecResponse, error) {
	req.Datasource = c.ds(req.Datasource)
	if query {
		var out api.QueryResponse
		if err := c.postJSON(ctx, "/v1/query", req, &out); err != nil {
			return nil, nil, err
		}
		return &out, nil, nil
	}
	var out api.ExecResponse
	if err := c.postJSON(ctx, "/v1/exec", req, &out); err != nil {
		return nil, nil, err
	}
	return nil, &out, nil
}

// XAStart opens a transaction branch and returns its xid.
func (c *Client) XAStart(ctx context.Context) (string, error) {
	var out api.XAStartResponse
	if err := c.postJSON(ctx, "/v1/xa/start", api.XAStartRequest{Datasource: c.datasource}, &out); err != nil {
		return "", err
	}
	return out.XID, nil
}

// XAExec runs a statement inside branch xid. kind is "exec" or "query".
func (c *Client) XAExec(ctx context.Context, xid, kind, sql string, args ...any) (*api.XAExecResponse, error) {
	var out api.XAExecResponse
	req := api.XAExecRequest{Datasource: c.datasource, XID: xid, Kind: kind, SQL: sql, Args: args}
	if err := c.postJSON(ctx, "/v1/xa/exec", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// XAPrepare marks branch xid prepared.
func (c *Client) XAPrepare(ctx context.Context, xid string) error {
	return c.xaBranch(ctx, "/v1/xa/prepare", xid)
}

// XACommit commits branch xid.
func (c *Client) XACommit(ctx context.Context, xid string) error {
	return c.xaBranch(ctx, "/v1/xa/commit", xid)
}

// XARollback rolls branch xid back.
func (c *Client) XARollback(ctx context.Context, xid string) error {
	return c.xaBranch(ctx, "/v1/xa/rollback", xid)
}

func (c *Client) xaBranch(ctx context.Context, path, xid string) error {
	var out api.XABranchResponse
	return c.postJSON(ctx, path, api.XABranchRequest{Datasource: c.datasource, XID: xid}, &out)
}

// Stats returns per-datasource admission snapshots.
func (c *Client) Stats(ctx context.Context) (*api.StatsResponse, error) {
	var out api.StatsResponse
	if err := c.getJSON(ctx, "/v1/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks server liveness.
func (c *Client) Health(ctx context.Context) (*api.HealthResponse, error) {
	var out api.HealthResponse
	if err := c.getJSON(ctx, "/healthz", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(payload); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, buf, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reqCtx, cancel := context.WithTimeout(ctx, c.httpTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", version.UserAgent("client"))
	if id := correlation.ID(ctx); id != "" {
		req.Header.Set(correlation.Header, id)
	}
	c.logger.Trace("client.http.start", "method", method, "path", path)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("client.http.transport_error", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		c.logger.Debug("client.http.error", "method", method, "path", path, "status", resp.StatusCode)
		return decodeError(resp)
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		dec.UseNumber()
		if err := dec.Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return nil
}

// APIError describes an error response from sqlgate.
type APIError struct {
	// Status is the HTTP status code returned by the server.
	Status int
	// Response is the decoded error envelope, when available.
	Response api.ErrorResponse
	// Body contains the raw response body.
	Body []byte
	// RetryAfter is the parsed Retry-After header, when provided.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Response.ErrorCode != "" {
		return fmt.Sprintf("sqlgate: %s (%s)", e.Response.ErrorCode, e.Response.Detail)
	}
	return fmt.Sprintf("sqlgate: status %d", e.Status)
}

// ErrorCode returns the stable error identifier.
func (e *APIError) ErrorCode() string {
	if e == nil {
		return ""
	}
	return e.Response.ErrorCode
}

// RetryAfterDuration returns the recommended back-off hinted by the server.
func (e *APIError) RetryAfterDuration() time.Duration {
	if e == nil {
		return 0
	}
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if e.Response.RetryAfterSeconds > 0 {
		return time.Duration(e.Response.RetryAfterSeconds) * time.Second
	}
	return 0
}

// IsBackendError reports whether err carries a backend failure passed
// through by the server, as opposed to sqlgate shedding load.
func IsBackendError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Response.ErrorCode == "backend_error"
}

func decodeError(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var errResp api.ErrorResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &errResp); err != nil {
			return &APIError{Status: resp.StatusCode, Body: data}
		}
	}
	return &APIError{
		Status:     resp.StatusCode,
		Response:   errResp,
		Body:       data,
		RetryAfter: parseRetryAfterHeader(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfterHeader(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if ts, err := http.ParseTime(raw); err == nil {
		if delay := time.Until(ts); delay > 0 {
			return delay
		}
	}
	return 0
}
