// Package slots implements the two-lane capacity pool that bounds concurrent
// backend work per datasource. Operations classified slow and fast each own a
// lane; a lane that has been idle long enough may lend permits to the other.
package slots

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/internal/clock"
	"pkt.systems/sqlgate/internal/failure"
	"pkt.systems/sqlgate/internal/svcfields"
)

const (
	// DefaultSlowPercent is the share of slots reserved for slow operations.
	DefaultSlowPercent = 20
	// DefaultIdleTimeout is how long a lane must be idle before lending.
	DefaultIdleTimeout = 10 * time.Second
	// DefaultBorrowWait bounds a single attempt to borrow from the other lane.
	DefaultBorrowWait = 100 * time.Millisecond
)

// Lane identifies a capacity class.
type Lane uint8

const (
	// LaneNone marks slots issued by a disabled pool.
	LaneNone Lane = iota
	// LaneSlow serves operations classified slow.
	LaneSlow
	// LaneFast serves everything else.
	LaneFast
)

func (l Lane) String() string {
	switch l {
	case LaneSlow:
		return "slow"
	case LaneFast:
		return "fast"
	default:
		return "none"
	}
}

// Config sizes a pool.
type Config struct {
	Datasource  string
	Total       int
	SlowPercent int
	IdleTimeout time.Duration
	BorrowWait  time.Duration
	Disabled    bool
	Clock       clock.Clock
	Logger      pslog.Logger
}

type lane struct {
	kind Lane
	sem  *semaphore.Weighted
	size int64

	issued       atomic.Int64 // permits currently held from this semaphore
	active       atomic.Int64 // work running on behalf of this lane
	lastActivity atomic.Int64 // unix nanos, 0 = never
}

func (ln *lane) available() int64 {
	return ln.size - ln.issued.Load()
}

// Slot is a held permit. It remembers the semaphore it came from so release
// always returns it there.
type Slot struct {
	pool      *Pool
	requested Lane
	origin    Lane
	borrowed  bool
	released  atomic.Bool
}

// Lane reports the lane the caller asked for.
func (s *Slot) Lane() Lane {
	if s == nil {
		return LaneNone
	}
	return s.requested
}

// Origin reports the lane whose semaphore issued the permit.
func (s *Slot) Origin() Lane {
	if s == nil {
		return LaneNone
	}
	return s.origin
}

// Borrowed reports whether the permit came from the other lane.
func (s *Slot) Borrowed() bool {
	return s != nil && s.borrowed
}

// Release returns the permit. Repeated calls are no-ops.
func (s *Slot) Release() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Release(s)
}

// Pool is the two-lane capacity pool.
type Pool struct {
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
	metrics *poolMetrics

	slow *lane
	fast *lane

	slowBorrowedToFast atomic.Int64
	fastBorrowedToSlow atomic.Int64
}

// New constructs a pool. Total below one disables the pool.
func New(cfg Config) *Pool {
	if cfg.SlowPercent < 0 {
		cfg.SlowPercent = 0
	}
	if cfg.SlowPercent > 100 {
		cfg.SlowPercent = 100
	}
	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}
	if cfg.BorrowWait <= 0 {
		cfg.BorrowWait = DefaultBorrowWait
	}
	if cfg.Total < 1 {
		cfg.Disabled = true
	}
	p := &Pool{
		cfg:    cfg,
		clock:  clock.Or(cfg.Clock),
		logger: svcfields.WithDatasource(cfg.Logger, cfg.Datasource, "control.slots"),
	}
	if !cfg.Disabled {
		slow, fast := SplitSlots(cfg.Total, cfg.SlowPercent)
		p.slow = &lane{kind: LaneSlow, sem: semaphore.NewWeighted(int64(slow)), size: int64(slow)}
		p.fast = &lane{kind: LaneFast, sem: semaphore.NewWeighted(int64(fast)), size: int64(fast)}
	}
	p.metrics = newPoolMetrics(p.logger, p)
	return p
}

// SplitSlots divides total into slow and fast lanes. The slow lane always has
// at least one slot.
func SplitSlots(total, slowPercent int) (slow, fast int) {
	slow = total * slowPercent / 100
	if slow < 1 {
		slow = 1
	}
	if slow > total {
		slow = total
	}
	return slow, total - slow
}

// Enabled reports whether the pool bounds concurrency.
func (p *Pool) Enabled() bool {
	return !p.cfg.Disabled
}

// AcquireSlow acquires a slot for an operation classified slow.
func (p *Pool) AcquireSlow(ctx context.Context, timeout time.Duration) (*Slot, error) {
	return p.acquire(ctx, LaneSlow, timeout)
}

// AcquireFast acquires a slot for an operation classified fast.
func (p *Pool) AcquireFast(ctx context.Context, timeout time.Duration) (*Slot, error) {
	return p.acquire(ctx, LaneFast, timeout)
}

// Acquire acquires a slot in the given lane.
func (p *Pool) Acquire(ctx context.Context, kind Lane, timeout time.Duration) (*Slot, error) {
	return p.acquire(ctx, kind, timeout)
}

func (p *Pool) lanes(kind Lane) (own, other *lane) {
	if kind == LaneSlow {
		return p.slow, p.fast
	}
	return p.fast, p.slow
}

func (p *Pool) acquire(ctx context.Context, kind Lane, timeout time.Duration) (*Slot, error) {
	if p.cfg.Disabled {
		return &Slot{requested: kind, origin: LaneNone}, nil
	}
	if kind != LaneSlow {
		kind = LaneFast
	}
	if ctx == nil {
		ctx = context.Background()
	}
	own, other := p.lanes(kind)
	now := p.clock.Now()
	own.lastActivity.Store(now.UnixNano())

	if own.sem.TryAcquire(1) {
		return p.grant(kind, own, false), nil
	}

	if p.canBorrow(other, now) {
		borrowCtx, cancel := context.WithTimeout(ctx, p.cfg.BorrowWait)
		err := other.sem.Acquire(borrowCtx, 1)
		cancel()
		if err == nil {
			slot := p.grant(kind, other, true)
			p.logger.Debug("sqlgate.slots.borrowed",
				"lane", kind.String(),
				"from", other.kind.String(),
			)
			return slot, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.metrics.recordRejected(ctx, kind, "interrupted")
			return nil, failure.Interrupted(kind.String()+" slot wait", ctxErr)
		}
	}

	if timeout <= 0 {
		p.metrics.recordRejected(ctx, kind, "exhausted")
		return nil, failure.CapacityExhausted(kind.String(), timeout)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := own.sem.Acquire(waitCtx, 1); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			p.metrics.recordRejected(ctx, kind, "interrupted")
			return nil, failure.Interrupted(kind.String()+" slot wait", ctxErr)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			p.logger.Warn("sqlgate.slots.acquire_error", "lane", kind.String(), "error", err)
		}
		p.metrics.recordRejected(ctx, kind, "exhausted")
		p.logger.Debug("sqlgate.slots.exhausted",
			"lane", kind.String(),
			"timeout", timeout,
		)
		return nil, failure.CapacityExhausted(kind.String(), timeout)
	}
	return p.grant(kind, own, false), nil
}

// canBorrow reports whether other has been idle for at least the idle timeout
// and has spare permits. A lane that was never used does not lend.
func (p *Pool) canBorrow(other *lane, now time.Time) bool {
	last := other.lastActivity.Load()
	if last == 0 {
		return false
	}
	if other.available() <= 0 {
		return false
	}
	return now.Sub(time.Unix(0, last)) >= p.cfg.IdleTimeout
}

func (p *Pool) grant(kind Lane, origin *lane, borrowed bool) *Slot {
	origin.issued.Add(1)
	own, _ := p.lanes(kind)
	own.active.Add(1)
	if borrowed {
		if kind == LaneFast {
			p.slowBorrowedToFast.Add(1)
		} else {
			p.fastBorrowedToSlow.Add(1)
		}
	}
	p.metrics.recordAcquired(context.Background(), kind, borrowed)
	return &Slot{pool: p, requested: kind, origin: origin.kind, borrowed: borrowed}
}

// Release returns slot's permit to the lane that issued it.
func (p *Pool) Release(slot *Slot) {
	if slot == nil || slot.origin == LaneNone || p.cfg.Disabled {
		return
	}
	if !slot.released.CompareAndSwap(false, true) {
		return
	}
	own, _ := p.lanes(slot.requested)
	origin, _ := p.lanes(slot.origin)
	decrementClamped(&own.active)
	if slot.borrowed {
		if slot.requested == LaneFast {
			decrementClamped(&p.slowBorrowedToFast)
		} else {
			decrementClamped(&p.fastBorrowedToSlow)
		}
	}
	decrementClamped(&origin.issued)
	origin.sem.Release(1)
}

func decrementClamped(v *atomic.Int64) {
	for {
		cur := v.Load()
		if cur <= 0 {
			return
		}
		if v.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// LaneSnapshot describes one lane.
type LaneSnapshot struct {
	Size      int
	Active    int
	Available int
	// LastActivity is zero when the lane has never been requested.
	LastActivity time.Time
}

// Snapshot describes the pool for monitoring.
type Snapshot struct {
	Enabled            bool
	Total              int
	Slow               LaneSnapshot
	Fast               LaneSnapshot
	SlowBorrowedToFast int
	FastBorrowedToSlow int
}

// Snapshot returns current pool counters.
func (p *Pool) Snapshot() Snapshot {
	if p.cfg.Disabled {
		return Snapshot{Enabled: false, Total: p.cfg.Total}
	}
	return Snapshot{
		Enabled:            true,
		Total:              p.cfg.Total,
		Slow:               laneSnapshot(p.slow),
		Fast:               laneSnapshot(p.fast),
		SlowBorrowedToFast: int(p.slowBorrowedToFast.Load()),
		FastBorrowedToSlow: int(p.fastBorrowedToSlow.Load()),
	}
}

func laneSnapshot(ln *lane) LaneSnapshot {
	snap := LaneSnapshot{
		Size:      int(ln.size),
		Active:    int(ln.active.Load()),
		Available: int(ln.available()),
	}
	if last := ln.lastActivity.Load(); last != 0 {
		snap.LastActivity = time.Unix(0, last)
	}
	return snap
}
