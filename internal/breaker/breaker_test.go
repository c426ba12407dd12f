package breaker

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/internal/clock"
	"pkt.systems/sqlgate/internal/failure"
)

func newTestLedger(threshold int, open time.Duration) (*Ledger, *clock.Manual) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	l := New(Config{
		Datasource:   "test",
		Threshold:    threshold,
		OpenDuration: open,
		Clock:        clk,
		Logger:       pslog.NoopLogger(),
	})
	return l, clk
}

func TestPreCheckUnknownFingerprintIsClosed(t *testing.T) {
	l, _ := newTestLedger(3, time.Minute)
	if err := l.PreCheck("never-seen"); err != nil {
		t.Fatalf("expected closed breaker, got %v", err)
	}
	if got := l.State("never-seen"); got != StateClosed {
		t.Fatalf("expected closed, got %s", got)
	}
}

func TestBreakerOpensAtThresholdAndFailsFast(t *testing.T) {
	l, clk := newTestLedger(3, time.Minute)
	backendErr := errors.New("deadlock detected")

	for i := 0; i < 2; i++ {
		l.OnFailure("fp", backendErr)
		if err := l.PreCheck("fp"); err != nil {
			t.Fatalf("failure %d should not open the breaker: %v", i+1, err)
		}
	}
	l.OnFailure("fp", backendErr)

	err := l.PreCheck("fp")
	if !errors.Is(err, failure.ErrCircuitOpen) {
		t.Fatalf("expected circuit_open, got %v", err)
	}
	if !errors.Is(err, backendErr) {
		t.Fatalf("expected circuit_open to carry the last backend error, got %v", err)
	}
	f, _ := failure.As(err)
	if f.RetryAfter != time.Minute {
		t.Fatalf("expected retry after 1m, got %v", f.RetryAfter)
	}

	clk.Advance(59 * time.Second)
	if err := l.PreCheck("fp"); !errors.Is(err, failure.ErrCircuitOpen) {
		t.Fatalf("expected breaker to stay open inside the window, got %v", err)
	}
	if got := l.State("fp"); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}
}

func TestHalfOpenProbeThenSuccessResets(t *testing.T) {
	l, clk := newTestLedger(2, time.Second)
	l.OnFailure("fp", errors.New("a"))
	l.OnFailure("fp", errors.New("b"))
	if err := l.PreCheck("fp"); err == nil {
		t.Fatal("expected open breaker")
	}

	clk.Advance(time.Second)
	if err := l.PreCheck("fp"); err != nil {
		t.Fatalf("expected half-open probe to be admitted, got %v", err)
	}
	if got := l.State("fp"); got != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", got)
	}

	l.OnSuccess("fp")
	if got := l.State("fp"); got != StateClosed {
		t.Fatalf("expected closed after success, got %s", got)
	}
	l.OnFailure("fp", errors.New("c"))
	if err := l.PreCheck("fp"); err != nil {
		t.Fatalf("a single failure after reset must not reopen the breaker: %v", err)
	}
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	l, clk := newTestLedger(2, time.Second)
	l.OnFailure("fp", errors.New("a"))
	l.OnFailure("fp", errors.New("b"))
	clk.Advance(2 * time.Second)
	if err := l.PreCheck("fp"); err != nil {
		t.Fatalf("expected probe admitted, got %v", err)
	}

	probeErr := errors.New("probe failed")
	l.OnFailure("fp", probeErr)
	err := l.PreCheck("fp")
	if !errors.Is(err, failure.ErrCircuitOpen) || !errors.Is(err, probeErr) {
		t.Fatalf("expected breaker reopened with probe error, got %v", err)
	}
	clk.Advance(999 * time.Millisecond)
	if err := l.PreCheck("fp"); err == nil {
		t.Fatal("expected window to restart from the probe failure")
	}
}

func TestFailuresWhileOpenAreIgnored(t *testing.T) {
	l, clk := newTestLedger(1, time.Minute)
	first := errors.New("first")
	l.OnFailure("fp", first)

	clk.Advance(30 * time.Second)
	l.OnFailure("fp", errors.New("retry storm"))

	err := l.PreCheck("fp")
	if !errors.Is(err, first) {
		t.Fatalf("expected original error to be reported, got %v", err)
	}
	clk.Advance(30 * time.Second)
	if err := l.PreCheck("fp"); err != nil {
		t.Fatalf("ignored failures must not extend the window, got %v", err)
	}
}

func TestOnSuccessWithoutRecordIsNoop(t *testing.T) {
	l, _ := newTestLedger(1, time.Minute)
	l.OnSuccess("missing")
	if snap := l.Snapshot(); snap.Tracked != 0 {
		t.Fatalf("expected empty ledger, got %+v", snap)
	}
}

func TestSnapshotCountsStates(t *testing.T) {
	l, clk := newTestLedger(1, time.Second)
	l.OnFailure("a", errors.New("x"))
	clk.Advance(2 * time.Second)
	l.OnFailure("b", errors.New("y"))
	l.OnFailure("c", errors.New("z"))

	snap := l.Snapshot()
	if snap.Tracked != 3 || snap.Open != 2 || snap.HalfOpen != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.Threshold != 1 || snap.OpenDuration != time.Second {
		t.Fatalf("unexpected config in snapshot %+v", snap)
	}
}

func TestConcurrentFailuresOpenExactlyOnce(t *testing.T) {
	logger := newCaptureLogger()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	l := New(Config{Threshold: 5, OpenDuration: time.Minute, Clock: clk, Logger: logger})

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l.OnFailure("fp", fmt.Errorf("failure %d", i))
		}(i)
	}
	wg.Wait()

	if got := l.State("fp"); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}
	if got := logger.count("sqlgate.breaker.engaged"); got != 1 {
		t.Fatalf("expected exactly one engaged log, got %d", got)
	}
}

func TestConcurrentSuccessAndFailureKeepLedgerConsistent(t *testing.T) {
	l, _ := newTestLedger(3, time.Minute)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			l.OnFailure("fp", errors.New("x"))
		}()
		go func() {
			defer wg.Done()
			l.OnSuccess("fp")
		}()
	}
	wg.Wait()
	l.OnSuccess("fp")
	if got := l.State("fp"); got != StateClosed {
		t.Fatalf("expected closed after final success, got %s", got)
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
	entries := make([]captureEntry, 0, 8)
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
