// Package breaker implements the per-operation failure ledger: a circuit
// breaker keyed by operation fingerprint that fails fast once an operation
// has failed repeatedly on the backend.
package breaker

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/internal/clock"
	"pkt.systems/sqlgate/internal/failure"
	"pkt.systems/sqlgate/internal/svcfields"
)

const (
	// DefaultThreshold is the number of recorded failures that opens a breaker.
	DefaultThreshold = 3
	// DefaultOpenDuration is how long an opened breaker fails fast.
	DefaultOpenDuration = 60 * time.Second
)

// State is the externally observable breaker posture for one fingerprint.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota
	// StateOpen fails every call fast.
	StateOpen
	// StateHalfOpen admits a probe after the cooldown elapsed.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker thresholds.
type Config struct {
	// Datasource names the owning datasource for logs and metrics.
	Datasource string
	// Threshold is the failure count that opens the breaker.
	Threshold int
	// OpenDuration is the fail-fast window.
	OpenDuration time.Duration
	Clock        clock.Clock
	Logger       pslog.Logger
}

type record struct {
	mu        sync.Mutex
	removed   bool
	lastErr   error
	failures  int
	openUntil time.Time
}

func (r *record) isOpen(threshold int, now time.Time) bool {
	return r.failures >= threshold && now.Before(r.openUntil)
}

// Ledger tracks failures per fingerprint. The zero value is not usable; use New.
type Ledger struct {
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
	metrics *breakerMetrics

	records sync.Map // fingerprint -> *record
}

// New constructs a ledger.
func New(cfg Config) *Ledger {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultOpenDuration
	}
	l := &Ledger{
		cfg:    cfg,
		clock:  clock.Or(cfg.Clock),
		logger: svcfields.WithDatasource(cfg.Logger, cfg.Datasource, "control.breaker"),
	}
	l.metrics = newBreakerMetrics(l.logger, l)
	return l
}

// PreCheck fails fast with a circuit_open failure while fingerprint's breaker
// is open. Once the cooldown has elapsed the call is admitted as a half-open
// probe without any state change; only OnSuccess closes the breaker.
func (l *Ledger) PreCheck(fingerprint string) error {
	value, ok := l.records.Load(fingerprint)
	if !ok {
		return nil
	}
	rec := value.(*record)
	now := l.clock.Now()

	rec.mu.Lock()
	open := rec.isOpen(l.cfg.Threshold, now)
	last := rec.lastErr
	remaining := rec.openUntil.Sub(now)
	rec.mu.Unlock()

	if !open {
		return nil
	}
	l.metrics.recordRejected(context.Background(), l.cfg.Datasource)
	return failure.CircuitOpen(fingerprint, last, remaining)
}

// OnSuccess clears every failure recorded for fingerprint.
func (l *Ledger) OnSuccess(fingerprint string) {
	value, ok := l.records.LoadAndDelete(fingerprint)
	if !ok {
		return
	}
	rec := value.(*record)
	rec.mu.Lock()
	rec.removed = true
	failures := rec.failures
	rec.mu.Unlock()
	if failures >= l.cfg.Threshold {
		l.logger.Info("sqlgate.breaker.cleared",
			"fingerprint", fingerprint,
			"failures", failures,
		)
	}
}

// OnFailure records a backend failure for fingerprint. Failures reported while
// the breaker is open are ignored so retry storms neither extend the window
// nor replace the reported error.
func (l *Ledger) OnFailure(fingerprint string, err error) {
	for {
		value, _ := l.records.LoadOrStore(fingerprint, &record{})
		rec := value.(*record)
		now := l.clock.Now()

		rec.mu.Lock()
		if rec.removed {
			// Cleared by a concurrent OnSuccess after we loaded it.
			rec.mu.Unlock()
			continue
		}
		if rec.isOpen(l.cfg.Threshold, now) {
			rec.mu.Unlock()
			return
		}
		rec.lastErr = err
		rec.failures++
		failures := rec.failures
		engaged := false
		if failures >= l.cfg.Threshold {
			until := now.Add(l.cfg.OpenDuration)
			if until.After(rec.openUntil) {
				rec.openUntil = until
			}
			engaged = true
		}
		openUntil := rec.openUntil
		rec.mu.Unlock()

		if engaged {
			l.logger.Warn("sqlgate.breaker.engaged",
				"fingerprint", fingerprint,
				"failures", failures,
				"threshold", l.cfg.Threshold,
				"open_until", openUntil,
				"error", err,
			)
			l.metrics.recordEngaged(context.Background(), l.cfg.Datasource)
		} else {
			l.logger.Debug("sqlgate.breaker.failure",
				"fingerprint", fingerprint,
				"failures", failures,
				"threshold", l.cfg.Threshold,
				"error", err,
			)
		}
		return
	}
}

// State reports the breaker posture for fingerprint.
func (l *Ledger) State(fingerprint string) State {
	value, ok := l.records.Load(fingerprint)
	if !ok {
		return StateClosed
	}
	return l.stateOf(value.(*record), l.clock.Now())
}

func (l *Ledger) stateOf(rec *record, now time.Time) State {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	switch {
	case rec.failures < l.cfg.Threshold:
		return StateClosed
	case now.Before(rec.openUntil):
		return StateOpen
	default:
		return StateHalfOpen
	}
}

// Snapshot summarises the ledger for monitoring.
type Snapshot struct {
	Threshold    int
	OpenDuration time.Duration
	Tracked      int
	Open         int
	HalfOpen     int
}

// Snapshot returns current ledger counts.
func (l *Ledger) Snapshot() Snapshot {
	snap := Snapshot{Threshold: l.cfg.Threshold, OpenDuration: l.cfg.OpenDuration}
	now := l.clock.Now()
	l.records.Range(func(_, value any) bool {
		snap.Tracked++
		switch l.stateOf(value.(*record), now) {
		case StateOpen:
			snap.Open++
		case StateHalfOpen:
			snap.HalfOpen++
		}
		return true
	})
	return snap
}
