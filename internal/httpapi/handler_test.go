package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pkt.systems/sqlgate/api"
	"pkt.systems/sqlgate/internal/correlation"
	"pkt.systems/sqlgate/internal/datasource"
	"pkt.systems/sqlgate/internal/failure"
)

func newTestServer(t *testing.T, mutate func(*datasource.Config)) (*httptest.Server, *datasource.Registry) {
	t.Helper()
	cfg := datasource.Config{
		Name:              "main",
		Driver:            "sqlite3",
		DSN:               "file:" + t.Name() + "?mode=memory&cache=shared",
		FailureThreshold:  2,
		OpenDuration:      time.Minute,
		TotalSlots:        4,
		SlowPercent:       25,
		SlowTimeout:       time.Second,
		FastTimeout:       time.Second,
		XAMaxTransactions: 1,
		XATimeout:         20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ds, err := datasource.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open datasource: %v", err)
	}
	reg := datasource.NewRegistry()
	if err := reg.Add(ds); err != nil {
		t.Fatalf("add: %v", err)
	}
	h := New(Config{Registry: reg, DefaultDatasource: "main", JSONMaxBytes: 4 << 10, Version: "test"})
	mux := http.NewServeMux()
	h.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = reg.Close()
	})
	return srv, reg
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body any, out any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
	}
	return resp
}

func TestExecAndQueryRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	var execResp api.ExecResponse
	resp := postJSON(t, srv, "/v1/exec", api.StatementRequest{SQL: "CREATE TABLE kv (k TEXT, v INTEGER)"}, &execResp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("create: status %d", resp.StatusCode)
	}
	resp = postJSON(t, srv, "/v1/exec", api.StatementRequest{
		SQL:  "INSERT INTO kv (k, v) VALUES (?, ?)",
		Args: []any{"a", 41},
	}, &execResp)
	if resp.StatusCode != http.StatusOK || execResp.RowsAffected != 1 {
		t.Fatalf("insert: status %d resp %+v", resp.StatusCode, execResp)
	}
	if execResp.Decision.Outcome != "success" || execResp.Decision.Lane != "fast" || execResp.Datasource != "main" {
		t.Fatalf("unexpected decision %+v", execResp)
	}

	var queryResp api.QueryResponse
	resp = postJSON(t, srv, "/v1/query", api.StatementRequest{
		Datasource: "main",
		SQL:        "SELECT k, v + 1 AS v FROM kv WHERE k = ?",
		Args:       []any{"a"},
	}, &queryResp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query: status %d", resp.StatusCode)
	}
	if len(queryResp.Rows) != 1 || queryResp.Rows[0][0] != "a" || queryResp.Rows[0][1] != float64(42) {
		t.Fatalf("unexpected rows %#v", queryResp.Rows)
	}
	if got := resp.Header.Get(correlation.Header); got == "" {
		t.Fatal("expected correlation id header")
	}
}

func TestCorrelationIDEchoed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set(correlation.Header, "abc-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get(correlation.Header); got != "abc-123" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}
	var health api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || health.Status != "ok" || health.Version != "test" {
		t.Fatalf("unexpected health %+v %v", health, err)
	}
}

func TestBackendErrorThenCircuitOpen(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	bad := api.StatementRequest{SQL: "SELECT * FROM nowhere"}
	for i := 0; i < 2; i++ {
		var errResp api.ErrorResponse
		resp := postJSON(t, srv, "/v1/query", bad, &errResp)
		if resp.StatusCode != http.StatusBadGateway || errResp.ErrorCode != "backend_error" {
			t.Fatalf("attempt %d: status %d resp %+v", i, resp.StatusCode, errResp)
		}
		if !strings.Contains(errResp.Detail, "nowhere") {
			t.Fatalf("expected backend message, got %q", errResp.Detail)
		}
	}
	var errResp api.ErrorResponse
	resp := postJSON(t, srv, "/v1/query", bad, &errResp)
	if resp.StatusCode != http.StatusServiceUnavailable || errResp.ErrorCode != "circuit_open" {
		t.Fatalf("expected circuit_open, got %d %+v", resp.StatusCode, errResp)
	}
	if errResp.RetryAfterSeconds != 60 || resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("expected retry after 60s, got %d / %q", errResp.RetryAfterSeconds, resp.Header.Get("Retry-After"))
	}
}

func TestXAFlowAndLimit(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	postJSON(t, srv, "/v1/exec", api.StatementRequest{SQL: "CREATE TABLE t (id INTEGER)"}, nil)

	var start api.XAStartResponse
	resp := postJSON(t, srv, "/v1/xa/start", api.XAStartRequest{}, &start)
	if resp.StatusCode != http.StatusOK || start.XID == "" {
		t.Fatalf("start: %d %+v", resp.StatusCode, start)
	}

	var errResp api.ErrorResponse
	resp = postJSON(t, srv, "/v1/xa/start", api.XAStartRequest{Datasource: "main"}, &errResp)
	if resp.StatusCode != http.StatusTooManyRequests || errResp.ErrorCode != "txn_limit_exceeded" {
		t.Fatalf("expected txn_limit_exceeded, got %d %+v", resp.StatusCode, errResp)
	}

	var execResp api.XAExecResponse
	resp = postJSON(t, srv, "/v1/xa/exec", api.XAExecRequest{XID: start.XID, SQL: "INSERT INTO t VALUES (1)"}, &execResp)
	if resp.StatusCode != http.StatusOK || execResp.RowsAffected != 1 {
		t.Fatalf("xa exec: %d %+v", resp.StatusCode, execResp)
	}
	var branch api.XABranchResponse
	resp = postJSON(t, srv, "/v1/xa/prepare", api.XABranchRequest{XID: start.XID}, &branch)
	if resp.StatusCode != http.StatusOK || branch.State != "prepared" {
		t.Fatalf("prepare: %d %+v", resp.StatusCode, branch)
	}
	resp = postJSON(t, srv, "/v1/xa/commit", api.XABranchRequest{XID: start.XID}, &branch)
	if resp.StatusCode != http.StatusOK || branch.State != "committed" {
		t.Fatalf("commit: %d %+v", resp.StatusCode, branch)
	}
	resp = postJSON(t, srv, "/v1/xa/rollback", api.XABranchRequest{XID: start.XID}, &errResp)
	if resp.StatusCode != http.StatusNotFound || errResp.ErrorCode != "not_found" {
		t.Fatalf("expected not_found, got %d %+v", resp.StatusCode, errResp)
	}

	var stats api.StatsResponse
	statsResp, err := http.Get(srv.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer statsResp.Body.Close()
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if len(stats.Datasources) != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	xa := stats.Datasources[0].XA
	if xa.TotalAcquired != 1 || xa.TotalRejected != 1 || xa.Active != 0 || xa.OpenBranches != 0 {
		t.Fatalf("unexpected xa stats %+v", xa)
	}
	if s := stats.Datasources[0].Slots; !s.Enabled || s.Total != 4 || s.Slow.Size != 1 || s.Fast.Size != 3 {
		t.Fatalf("unexpected slot stats %+v", s)
	}
}

func TestRequestValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	cases := []struct {
		name   string
		path   string
		body   string
		status int
		code   string
	}{
		{"unknown datasource", "/v1/exec", `{"datasource":"other","sql":"select 1"}`, http.StatusNotFound, "not_found"},
		{"missing sql", "/v1/exec", `{}`, http.StatusBadRequest, "invalid_request"},
		{"unknown field", "/v1/exec", `{"sql":"select 1","bogus":true}`, http.StatusBadRequest, "invalid_request"},
		{"object arg", "/v1/query", `{"sql":"select ?","args":[{"a":1}]}`, http.StatusBadRequest, "invalid_request"},
		{"trailing json", "/v1/query", `{"sql":"select 1"} {}`, http.StatusBadRequest, "invalid_request"},
		{"missing xid", "/v1/xa/commit", `{}`, http.StatusBadRequest, "invalid_request"},
		{"too large", "/v1/exec", `{"sql":"` + strings.Repeat("x", 8<<10) + `"}`, http.StatusRequestEntityTooLarge, "request_too_large"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tc.path, "application/json", strings.NewReader(tc.body))
			if err != nil {
				t.Fatalf("post: %v", err)
			}
			defer resp.Body.Close()
			var errResp api.ErrorResponse
			_ = json.NewDecoder(resp.Body).Decode(&errResp)
			if resp.StatusCode != tc.status || errResp.ErrorCode != tc.code {
				t.Fatalf("expected %d/%s, got %d/%+v", tc.status, tc.code, resp.StatusCode, errResp)
			}
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	resp, err := http.Get(srv.URL + "/v1/exec")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestToHTTPError(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
		retry  int64
	}{
		{failure.CapacityExhausted("fast", time.Second), http.StatusServiceUnavailable, "capacity_exhausted", 1},
		{failure.Interrupted("fast slot wait", context.Canceled), failure.StatusClientClosedRequest, "interrupted", 0},
		{failure.TxnLimitExceeded(5, time.Second, nil), http.StatusTooManyRequests, "txn_limit_exceeded", 1},
		{failure.CircuitOpen("fp", errors.New("x"), 1500*time.Millisecond), http.StatusServiceUnavailable, "circuit_open", 2},
		{context.DeadlineExceeded, failure.StatusClientClosedRequest, "interrupted", 0},
		{errors.New("duplicate key"), http.StatusBadGateway, "backend_error", 0},
	}
	for _, tc := range cases {
		got := toHTTPError(tc.err)
		if got.Status != tc.status || got.Code != tc.code || got.RetryAfter != tc.retry {
			t.Fatalf("toHTTPError(%v) = %+v, want %d/%s/%d", tc.err, got, tc.status, tc.code, tc.retry)
		}
	}
}

func TestNormalizeArgs(t *testing.T) {
	got, err := normalizeArgs([]any{json.Number("7"), json.Number("1.5"), "s", true, nil})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got[0] != int64(7) || got[1] != 1.5 || got[2] != "s" || got[3] != true || got[4] != nil {
		t.Fatalf("unexpected args %#v", got)
	}
	if _, err := normalizeArgs([]any{[]any{1}}); !errors.Is(err, failure.ErrInvalid) {
		t.Fatalf("expected invalid for array arg, got %v", err)
	}
}
