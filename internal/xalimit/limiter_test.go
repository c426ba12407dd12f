package xalimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/sqlgate/internal/failure"
)

func TestContentionRejectsAfterTimeout(t *testing.T) {
	l := New(Config{Datasource: "test", MaxTransactions: 2, AcquireTimeout: 20 * time.Millisecond})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	err := l.Acquire(ctx)
	if !errors.Is(err, failure.ErrTxnLimitExceeded) {
		t.Fatalf("expected txn_limit_exceeded, got %v", err)
	}
	if errors.Is(err, failure.ErrInterrupted) {
		t.Fatalf("timeout must not be reported as interrupted: %v", err)
	}
	snap := l.Snapshot()
	if snap.Active != 2 || snap.Available != 0 || snap.TotalAcquired != 2 || snap.TotalRejected != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSimultaneousAcquireRejectsExactlyOne(t *testing.T) {
	const maxTxns = 5
	l := New(Config{Datasource: "test", MaxTransactions: maxTxns, AcquireTimeout: 50 * time.Millisecond})
	start := make(chan struct{})
	errs := make(chan error, maxTxns+1)
	var wg sync.WaitGroup
	for i := 0; i < maxTxns+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- l.Acquire(context.Background())
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	failed := 0
	for err := range errs {
		if err == nil {
			continue
		}
		if !errors.Is(err, failure.ErrTxnLimitExceeded) {
			t.Fatalf("unexpected error %v", err)
		}
		failed++
	}
	if failed != 1 {
		t.Fatalf("expected exactly one rejected acquire, got %d", failed)
	}
	snap := l.Snapshot()
	if snap.Active != maxTxns || snap.TotalAcquired != maxTxns || snap.TotalRejected != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestReleaseUnblocksWaiter(t *testing.T) {
	l := New(Config{MaxTransactions: 1, AcquireTimeout: 5 * time.Second})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- l.Acquire(context.Background()) }()

	select {
	case err := <-done:
		t.Fatalf("waiter returned before release: %v", err)
	case <-time.After(30 * time.Millisecond):
	}
	l.Release()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not unblocked")
	}
	if snap := l.Snapshot(); snap.Active != 1 || snap.TotalAcquired != 2 || snap.TotalRejected != 0 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestZeroTimeoutIsNonBlocking(t *testing.T) {
	l := New(Config{MaxTransactions: 1})
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	start := time.Now()
	if err := l.Acquire(context.Background()); !errors.Is(err, failure.ErrTxnLimitExceeded) {
		t.Fatalf("expected txn_limit_exceeded, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("zero timeout acquire blocked")
	}
}

func TestCancelledWaitIsInterrupted(t *testing.T) {
	l := New(Config{MaxTransactions: 1, AcquireTimeout: time.Minute})
	_ = l.Acquire(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	var err error
	select {
	case err = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled acquire did not return")
	}
	if !errors.Is(err, failure.ErrTxnLimitExceeded) || !errors.Is(err, failure.ErrInterrupted) {
		t.Fatalf("expected interrupted txn_limit_exceeded, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled cause, got %v", err)
	}
	if snap := l.Snapshot(); snap.Active != 1 || snap.TotalRejected != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	l.Release()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("permit leaked by interrupted wait: %v", err)
	}
}

func TestUnmatchedReleaseIsIgnored(t *testing.T) {
	l := New(Config{MaxTransactions: 2})
	l.Release()
	l.Release()
	if snap := l.Snapshot(); snap.Active != 0 || snap.Available != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	for i := 0; i < 2; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := l.Acquire(context.Background()); err == nil {
		t.Fatal("unmatched releases must not raise capacity")
	}
}

func TestConcurrentAcquireReleaseNeverExceedsMax(t *testing.T) {
	const maxTxns = 4
	l := New(Config{MaxTransactions: maxTxns, AcquireTimeout: 5 * time.Second})
	var wg sync.WaitGroup
	var mu sync.Mutex
	peak := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if err := l.Acquire(context.Background()); err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				mu.Lock()
				if a := l.Active(); a > peak {
					peak = a
				}
				mu.Unlock()
				l.Release()
			}
		}()
	}
	wg.Wait()
	if peak > maxTxns {
		t.Fatalf("observed %d active permits, max %d", peak, maxTxns)
	}
	snap := l.Snapshot()
	if snap.Active != 0 || snap.TotalAcquired != 32*20 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
