// Package latency tracks per-fingerprint execution times and classifies
// operations as slow or fast relative to the datasource-wide average.
package latency

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/internal/svcfields"
)

const (
	// smoothingWeight is the weight of the previous average in the EMA.
	smoothingWeight = 4
	// slowFactor marks an operation slow when its average reaches this
	// multiple of the overall average.
	slowFactor = 2.0
	// idleGuardMs disables classification while the overall average is
	// at or below this value.
	idleGuardMs = 1.0
)

type record struct {
	avg   float64
	count int64
}

type entry struct {
	ptr atomic.Pointer[record]
}

// Config wires a ledger to its datasource.
type Config struct {
	Datasource string
	Logger     pslog.Logger
}

// Ledger holds the performance records for one datasource.
type Ledger struct {
	datasource string
	logger     pslog.Logger
	metrics    *latencyMetrics

	entries sync.Map // fingerprint -> *entry
	overall atomic.Uint64

	walkGen      atomic.Uint64
	publishMu    sync.Mutex
	publishedGen uint64
}

// New constructs an empty ledger.
func New(cfg Config) *Ledger {
	l := &Ledger{
		datasource: cfg.Datasource,
		logger:     svcfields.WithDatasource(cfg.Logger, cfg.Datasource, "control.latency"),
	}
	l.metrics = newLatencyMetrics(l.logger, l)
	return l
}

// RecordExecutionTime folds an observed execution time into fingerprint's
// moving average and refreshes the overall average. Empty fingerprints and
// negative durations are ignored.
func (l *Ledger) RecordExecutionTime(fingerprint string, d time.Duration) {
	if fingerprint == "" || d < 0 {
		return
	}
	sample := float64(d) / float64(time.Millisecond)

	value, _ := l.entries.LoadOrStore(fingerprint, &entry{})
	e := value.(*entry)
	for {
		cur := e.ptr.Load()
		next := &record{avg: sample, count: 1}
		if cur != nil {
			next.avg = (cur.avg*smoothingWeight + sample) / (smoothingWeight + 1)
			next.count = cur.count + 1
		}
		if e.ptr.CompareAndSwap(cur, next) {
			if cur == nil {
				l.logger.Trace("sqlgate.latency.tracked", "fingerprint", fingerprint, "avg_ms", next.avg)
			}
			break
		}
	}
	l.recomputeOverall()
	l.metrics.recordSample(sample, l.datasource)
}

// recomputeOverall walks every record on each write. Walks are numbered
// when they start and only the latest-started walk publishes, so a slow walk
// that began before a newer sample cannot overwrite a fresher average.
func (l *Ledger) recomputeOverall() {
	gen := l.walkGen.Add(1)
	var sum float64
	var n int
	l.entries.Range(func(_, value any) bool {
		if rec := value.(*entry).ptr.Load(); rec != nil {
			sum += rec.avg
			n++
		}
		return true
	})
	avg := 0.0
	if n > 0 {
		avg = sum / float64(n)
	}
	l.publishOverall(gen, avg)
}

func (l *Ledger) publishOverall(gen uint64, avg float64) {
	l.publishMu.Lock()
	defer l.publishMu.Unlock()
	if gen < l.publishedGen {
		return
	}
	l.publishedGen = gen
	l.overall.Store(math.Float64bits(avg))
}

// IsSlowOperation reports whether fingerprint averages at least twice the
// overall average. It is always false while the overall average is at or
// below one millisecond.
func (l *Ledger) IsSlowOperation(fingerprint string) bool {
	overall := l.OverallAverage()
	if overall <= idleGuardMs {
		return false
	}
	avg, ok := l.OperationAverage(fingerprint)
	if !ok {
		return false
	}
	return avg >= slowFactor*overall
}

// OperationAverage returns fingerprint's moving average in milliseconds.
func (l *Ledger) OperationAverage(fingerprint string) (float64, bool) {
	value, ok := l.entries.Load(fingerprint)
	if !ok {
		return 0, false
	}
	rec := value.(*entry).ptr.Load()
	if rec == nil {
		return 0, false
	}
	return rec.avg, true
}

// ExecutionCount returns how many samples fingerprint has recorded.
func (l *Ledger) ExecutionCount(fingerprint string) int64 {
	value, ok := l.entries.Load(fingerprint)
	if !ok {
		return 0
	}
	if rec := value.(*entry).ptr.Load(); rec != nil {
		return rec.count
	}
	return 0
}

// OverallAverage returns the mean of all per-fingerprint averages.
func (l *Ledger) OverallAverage() float64 {
	return math.Float64frombits(l.overall.Load())
}

// Snapshot summarises the ledger.
type Snapshot struct {
	Tracked          int
	OverallAverageMs float64
}

// Snapshot returns the tracked fingerprint count and overall average.
func (l *Ledger) Snapshot() Snapshot {
	snap := Snapshot{OverallAverageMs: l.OverallAverage()}
	l.entries.Range(func(_, value any) bool {
		if value.(*entry).ptr.Load() != nil {
			snap.Tracked++
		}
		return true
	})
	return snap
}
