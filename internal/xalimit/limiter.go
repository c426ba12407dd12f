// Package xalimit bounds the number of concurrently open distributed
// transaction branches per datasource. Branches hold a backend connection for
// their whole lifetime, so they are limited separately from the slot pool.
package xalimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/internal/failure"
	"pkt.systems/sqlgate/internal/svcfields"
)

const (
	// DefaultMaxTransactions caps concurrently open branches.
	DefaultMaxTransactions = 50
	// DefaultAcquireTimeout bounds the wait for a branch permit.
	DefaultAcquireTimeout = 60 * time.Second
)

// Config sizes a limiter.
type Config struct {
	Datasource      string
	MaxTransactions int
	// AcquireTimeout bounds Acquire. Zero makes Acquire a single
	// non-blocking attempt.
	AcquireTimeout time.Duration
	Logger         pslog.Logger
}

// Limiter hands out branch permits in FIFO order.
type Limiter struct {
	cfg     Config
	sem     *semaphore.Weighted
	logger  pslog.Logger
	metrics *limiterMetrics

	active   atomic.Int64
	acquired atomic.Int64
	rejected atomic.Int64
}

// New constructs a limiter. MaxTransactions below one falls back to
// DefaultMaxTransactions; a negative AcquireTimeout is treated as zero.
func New(cfg Config) *Limiter {
	if cfg.MaxTransactions <= 0 {
		cfg.MaxTransactions = DefaultMaxTransactions
	}
	if cfg.AcquireTimeout < 0 {
		cfg.AcquireTimeout = 0
	}
	l := &Limiter{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(int64(cfg.MaxTransactions)),
		logger: svcfields.WithDatasource(cfg.Logger, cfg.Datasource, "control.xa"),
	}
	l.metrics = newLimiterMetrics(l.logger, l)
	return l
}

// Acquire waits for a branch permit.
func (l *Limiter) Acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return l.reject(ctx, err)
	}
	if l.cfg.AcquireTimeout == 0 {
		if !l.sem.TryAcquire(1) {
			return l.reject(ctx, nil)
		}
		l.admit(ctx)
		return nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, l.cfg.AcquireTimeout)
	defer cancel()
	if err := l.sem.Acquire(waitCtx, 1); err != nil {
		return l.reject(ctx, ctx.Err())
	}
	l.admit(ctx)
	return nil
}

func (l *Limiter) admit(ctx context.Context) {
	l.active.Add(1)
	l.acquired.Add(1)
	l.metrics.recordAcquired(ctx)
}

// reject counts a failed acquire. cause is the caller's context error when
// the caller gave up, nil on timeout.
func (l *Limiter) reject(ctx context.Context, cause error) error {
	l.rejected.Add(1)
	l.metrics.recordRejected(ctx, cause != nil)
	if cause == nil {
		l.logger.Warn("sqlgate.xa.limit_reached",
			"max_transactions", l.cfg.MaxTransactions,
			"timeout", l.cfg.AcquireTimeout,
		)
	}
	return failure.TxnLimitExceeded(l.cfg.MaxTransactions, l.cfg.AcquireTimeout, cause)
}

// Release returns a permit. Releases without a matching Acquire are ignored.
func (l *Limiter) Release() {
	for {
		cur := l.active.Load()
		if cur <= 0 {
			l.logger.Debug("sqlgate.xa.release_unmatched")
			return
		}
		if l.active.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	l.sem.Release(1)
}

// Active returns the number of held permits.
func (l *Limiter) Active() int { return int(l.active.Load()) }

// Available returns the number of free permits.
func (l *Limiter) Available() int { return l.cfg.MaxTransactions - l.Active() }

// Snapshot describes the limiter for monitoring.
type Snapshot struct {
	MaxTransactions int
	Active          int
	Available       int
	TotalAcquired   int64
	TotalRejected   int64
}

// Snapshot returns current limiter counters.
func (l *Limiter) Snapshot() Snapshot {
	active := l.Active()
	return Snapshot{
		MaxTransactions: l.cfg.MaxTransactions,
		Active:          active,
		Available:       l.cfg.MaxTransactions - active,
		TotalAcquired:   l.acquired.Load(),
		TotalRejected:   l.rejected.Load(),
	}
}
