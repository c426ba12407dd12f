package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/sqlgate/api"
	"pkt.systems/sqlgate/internal/correlation"
)

func TestNewValidatesBaseURL(t *testing.T) {
	for _, bad := range []string{"", "   ", "unix:///tmp/x.sock", "127.0.0.1:9480"} {
		if _, err := New(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
	cli, err := New("http://127.0.0.1:9480/", WithDatasource(" orders "))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://127.0.0.1:9480" || cli.Datasource() != "orders" {
		t.Fatalf("unexpected client %+v", cli)
	}
}

func TestExecSendsDatasourceAndCorrelation(t *testing.T) {
	var got api.StatementRequest
	var gotCID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/exec" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotCID = r.Header.Get(correlation.Header)
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(api.ExecResponse{Datasource: "orders", RowsAffected: 3, Decision: api.Decision{Lane: "fast", Outcome: "success"}})
	}))
	defer srv.Close()

	cli, err := New(srv.URL, WithDatasource("orders"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := correlation.With(context.Background(), "cid-1")
	res, err := cli.Exec(ctx, "DELETE FROM t WHERE id = ?", 7)
	if err != nil {
		t.Fatalf("exec: %v", err)
	}
	if res.RowsAffected != 3 || res.Decision.Lane != "fast" {
		t.Fatalf("unexpected response %+v", res)
	}
	if got.Datasource != "orders" || got.SQL != "DELETE FROM t WHERE id = ?" || len(got.Args) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
	if gotCID != "cid-1" {
		t.Fatalf("expected correlation header, got %q", gotCID)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{ErrorCode: "capacity_exhausted", Detail: "no fast slot", RetryAfterSeconds: 1})
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.Query(context.Background(), "SELECT 1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T %v", err, err)
	}
	if apiErr.Status != http.StatusServiceUnavailable || apiErr.ErrorCode() != "capacity_exhausted" {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
	if apiErr.RetryAfterDuration() != 2*time.Second {
		t.Fatalf("expected header retry hint to win, got %v", apiErr.RetryAfterDuration())
	}
	if IsBackendError(err) {
		t.Fatal("capacity_exhausted is not a backend error")
	}
}

func TestNonJSONErrorKeepsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway exploded", http.StatusBadGateway)
	}))
	defer srv.Close()
	cli, _ := New(srv.URL)
	_, err := cli.Stats(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadGateway || len(apiErr.Body) == 0 {
		t.Fatalf("unexpected error %v", err)
	}
	if apiErr.Error() != "sqlgate: status 502" {
		t.Fatalf("unexpected message %q", apiErr.Error())
	}
}

func TestXALifecycleRequests(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/v1/xa/start":
			_ = json.NewEncoder(w).Encode(api.XAStartResponse{XID: "x1"})
		case "/v1/xa/exec":
			var req api.XAExecRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.XID != "x1" || req.Kind != "exec" {
				t.Errorf("unexpected xa exec %+v", req)
			}
			_ = json.NewEncoder(w).Encode(api.XAExecResponse{XID: "x1", RowsAffected: 1})
		default:
			var req api.XABranchRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(api.XABranchResponse{XID: req.XID, State: "ok"})
		}
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	ctx := context.Background()
	xid, err := cli.XAStart(ctx)
	if err != nil || xid != "x1" {
		t.Fatalf("start: %q %v", xid, err)
	}
	if _, err := cli.XAExec(ctx, xid, "exec", "INSERT INTO t VALUES (1)"); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := cli.XAPrepare(ctx, xid); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if err := cli.XACommit(ctx, xid); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := cli.XARollback(ctx, xid); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	want := []string{"/v1/xa/start", "/v1/xa/exec", "/v1/xa/prepare", "/v1/xa/commit", "/v1/xa/rollback"}
	if len(paths) != len(want) {
		t.Fatalf("unexpected paths %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("unexpected paths %v", paths)
		}
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	if got := parseRetryAfterHeader("1.5"); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", got)
	}
	if got := parseRetryAfterHeader("0"); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	if got := parseRetryAfterHeader("nonsense"); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}
