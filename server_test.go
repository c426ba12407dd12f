package sqlgate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/client"
	"pkt.systems/sqlgate/internal/clock"
)

func memoryDSN(t *testing.T) string {
	t.Helper()
	return "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared"
}

func startTestServer(t *testing.T, mutate func(*Config), opts ...Option) (*Server, *client.Client) {
	t.Helper()
	cfg := Config{
		Listen:           "127.0.0.1:0",
		StatsLogInterval: -1,
		Datasources: []DatasourceConfig{{
			Name:      "main",
			Driver:    "sqlite3",
			DSN:       memoryDSN(t),
			XATimeout: -1,
		}},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv, stop, err := StartServer(ctx, cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(shutdownCtx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	cli, err := client.New("http://" + srv.ListenerAddr().String())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return srv, cli
}

func TestServerExecQueryRoundTrip(t *testing.T) {
	_, cli := startTestServer(t, nil)
	ctx := context.Background()

	if _, err := cli.Exec(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, name TEXT)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := cli.Exec(ctx, "INSERT INTO items (name) VALUES (?)", "widget")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if res.RowsAffected != 1 || res.Datasource != "main" {
		t.Fatalf("unexpected exec response %+v", res)
	}
	if res.Decision.Outcome != "success" || res.Decision.Fingerprint == "" {
		t.Fatalf("unexpected decision %+v", res.Decision)
	}
	rows, err := cli.Query(ctx, "select name from items where id = ?", 1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows.Rows) != 1 || rows.Rows[0][0] != "widget" {
		t.Fatalf("unexpected rows %+v", rows.Rows)
	}
	health, err := cli.Health(ctx)
	if err != nil || health.Status != "ok" {
		t.Fatalf("health: %+v %v", health, err)
	}
}

func TestServerBreakerOpensForFailingStatement(t *testing.T) {
	_, cli := startTestServer(t, func(cfg *Config) {
		cfg.Datasources[0].FailureThreshold = 2
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := cli.Query(ctx, "SELECT * FROM missing_table")
		if !client.IsBackendError(err) {
			t.Fatalf("attempt %d: expected backend error, got %v", i, err)
		}
	}
	_, err := cli.Query(ctx, "select *   from MISSING_TABLE")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "circuit_open" {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if apiErr.RetryAfterDuration() <= 0 {
		t.Fatalf("expected retry hint on circuit_open")
	}
	if _, err := cli.Exec(ctx, "CREATE TABLE other (id INTEGER)"); err != nil {
		t.Fatalf("unrelated statement should pass: %v", err)
	}
	stats, err := cli.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats.Datasources) != 1 || stats.Datasources[0].Breaker.Open != 1 {
		t.Fatalf("unexpected breaker stats %+v", stats.Datasources)
	}
}

func TestServerXALimitAndShutdownRollback(t *testing.T) {
	srv, cli := startTestServer(t, func(cfg *Config) {
		cfg.Datasources[0].XAMaxTransactions = 1
	})
	ctx := context.Background()
	if _, err := cli.Exec(ctx, "CREATE TABLE ledger (amount INTEGER)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	xid, err := cli.XAStart(ctx)
	if err != nil {
		t.Fatalf("xa start: %v", err)
	}
	if _, err := cli.XAExec(ctx, xid, "exec", "INSERT INTO ledger (amount) VALUES (?)", 10); err != nil {
		t.Fatalf("xa exec: %v", err)
	}
	_, err = cli.XAStart(ctx)
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "txn_limit_exceeded" {
		t.Fatalf("expected txn_limit_exceeded, got %v", err)
	}
	if err := cli.XAPrepare(ctx, xid); err != nil {
		t.Fatalf("xa prepare: %v", err)
	}
	if err := cli.XACommit(ctx, xid); err != nil {
		t.Fatalf("xa commit: %v", err)
	}
	if err := cli.XACommit(ctx, xid); err == nil {
		t.Fatalf("expected second commit to fail")
	}

	open, err := cli.XAStart(ctx)
	if err != nil {
		t.Fatalf("xa start after commit: %v", err)
	}
	if _, err := cli.XAExec(ctx, open, "exec", "INSERT INTO ledger (amount) VALUES (?)", 99); err != nil {
		t.Fatalf("xa exec: %v", err)
	}
	stats, err := cli.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got := stats.Datasources[0].XA.Active; got != 1 {
		t.Fatalf("xa active = %d", got)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestServerRejectsUnknownDatasource(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	other, err := client.New("http://"+srv.ListenerAddr().String(), client.WithDatasource("missing"))
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	_, err = other.Exec(context.Background(), "SELECT 1")
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.ErrorCode() != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestNewServerFailsOnUnreachableDatasource(t *testing.T) {
	_, err := NewServer(Config{
		Listen: "127.0.0.1:0",
		Datasources: []DatasourceConfig{
			{Name: "ok", Driver: "sqlite3", DSN: memoryDSN(t)},
			{Name: "broken", Driver: "sqlite3", DSN: "file:/nonexistent-dir/sqlgate.db?mode=ro"},
		},
	})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("expected datasource open error, got %v", err)
	}
}

func TestServerLogsStatsSamples(t *testing.T) {
	manual := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := newCaptureLogger()
	startTestServer(t, func(cfg *Config) {
		cfg.StatsLogInterval = time.Minute
	}, WithClock(manual), WithLogger(logger))

	deadline := time.Now().Add(5 * time.Second)
	for manual.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sampler never armed its timer")
		}
		time.Sleep(5 * time.Millisecond)
	}
	manual.Advance(time.Minute)
	for logger.count("sqlgate.stats.sample") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no stats sample logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type captureEntry struct {
	level  string
	msg    string
	fields []any
}

type captureLogger struct {
	mu      *sync.Mutex
	fields  []any
	entries *[]captureEntry
}

func newCaptureLogger() *captureLogger {
	entries := make([]captureEntry, 0, 16)
	return &captureLogger{mu: &sync.Mutex{}, entries: &entries}
}

func (l *captureLogger) count(msg string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entry := range *l.entries {
		if entry.msg == msg {
			n++
		}
	}
	return n
}

func (l *captureLogger) record(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fields := append(append([]any{}, l.fields...), args...)
	*l.entries = append(*l.entries, captureEntry{level: level, msg: msg, fields: fields})
}

func (l *captureLogger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *captureLogger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *captureLogger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *captureLogger) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *captureLogger) Log(level pslog.Level, msg string, args ...any) {
	l.record(pslog.LevelString(level), msg, args...)
}
func (l *captureLogger) With(args ...any) pslog.Logger {
	combined := append(append([]any{}, l.fields...), args...)
	return &captureLogger{mu: l.mu, fields: combined, entries: l.entries}
}
func (l *captureLogger) WithLogLevel() pslog.Logger          { return l }
func (l *captureLogger) LogLevel(pslog.Level) pslog.Logger   { return l }
func (l *captureLogger) LogLevelFromEnv(string) pslog.Logger { return l }
