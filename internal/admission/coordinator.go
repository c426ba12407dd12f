// Package admission composes the breaker, latency ledger and slot pool into
// the single execution path every backend operation takes.
package admission

import (
	"context"
	"errors"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/internal/breaker"
	"pkt.systems/sqlgate/internal/clock"
	"pkt.systems/sqlgate/internal/failure"
	"pkt.systems/sqlgate/internal/latency"
	"pkt.systems/sqlgate/internal/slots"
	"pkt.systems/sqlgate/internal/svcfields"
)

const (
	// DefaultSlowTimeout bounds the wait for a slow-lane slot.
	DefaultSlowTimeout = 120 * time.Second
	// DefaultFastTimeout bounds the wait for a fast-lane slot.
	DefaultFastTimeout = 60 * time.Second
)

// Outcome labels how an execution ended.
type Outcome string

const (
	OutcomeSuccess           Outcome = "success"
	OutcomeCircuitOpen       Outcome = "circuit_open"
	OutcomeCapacityExhausted Outcome = "capacity_exhausted"
	OutcomeInterrupted       Outcome = "interrupted"
	OutcomeBackendError      Outcome = "backend_error"
)

// Decision describes one pass through the coordinator.
type Decision struct {
	Fingerprint string
	Lane        slots.Lane
	Borrowed    bool
	Outcome     Outcome
	// Duration is the backend execution time; zero when the backend was
	// never called.
	Duration time.Duration
	Err      error
}

// Config wires a coordinator to the subsystems of one datasource.
type Config struct {
	Datasource  string
	Breaker     *breaker.Ledger
	Latency     *latency.Ledger
	Slots       *slots.Pool
	SlowTimeout time.Duration
	FastTimeout time.Duration
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Coordinator runs backend callbacks under admission control.
type Coordinator struct {
	cfg     Config
	clock   clock.Clock
	logger  pslog.Logger
	metrics *coordinatorMetrics
}

// New constructs a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Breaker == nil || cfg.Latency == nil || cfg.Slots == nil {
		return nil, errors.New("admission: breaker, latency ledger and slot pool are required")
	}
	if cfg.SlowTimeout <= 0 {
		cfg.SlowTimeout = DefaultSlowTimeout
	}
	if cfg.FastTimeout <= 0 {
		cfg.FastTimeout = DefaultFastTimeout
	}
	logger := svcfields.WithDatasource(cfg.Logger, cfg.Datasource, "control.admission")
	return &Coordinator{
		cfg:     cfg,
		clock:   clock.Or(cfg.Clock),
		logger:  logger,
		metrics: newCoordinatorMetrics(logger, cfg.Datasource),
	}, nil
}

// Execute runs fn for the operation identified by fingerprint. Local
// rejections (circuit_open, capacity_exhausted, interrupted) are returned as
// *failure.Failure without calling fn. Errors from fn are returned unchanged.
func (c *Coordinator) Execute(ctx context.Context, fingerprint string, fn func(context.Context) error) (Decision, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	decision := Decision{Fingerprint: fingerprint}

	if err := c.cfg.Breaker.PreCheck(fingerprint); err != nil {
		return c.finish(ctx, decision, OutcomeCircuitOpen, err), err
	}

	kind := slots.LaneFast
	timeout := c.cfg.FastTimeout
	if c.cfg.Latency.IsSlowOperation(fingerprint) {
		kind = slots.LaneSlow
		timeout = c.cfg.SlowTimeout
	}
	decision.Lane = kind

	slot, err := c.cfg.Slots.Acquire(ctx, kind, timeout)
	if err != nil {
		outcome := OutcomeCapacityExhausted
		if errors.Is(err, failure.ErrInterrupted) {
			outcome = OutcomeInterrupted
		}
		return c.finish(ctx, decision, outcome, err), err
	}
	decision.Borrowed = slot.Borrowed()

	start := c.clock.Now()
	err = c.invoke(ctx, slot, fn)
	decision.Duration = clock.Since(c.clock, start)

	if err == nil {
		c.cfg.Latency.RecordExecutionTime(fingerprint, decision.Duration)
		c.cfg.Breaker.OnSuccess(fingerprint)
		return c.finish(ctx, decision, OutcomeSuccess, nil), nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		// The caller went away; the backend did not fail the operation.
		return c.finish(ctx, decision, OutcomeInterrupted, err), err
	}
	c.cfg.Breaker.OnFailure(fingerprint, err)
	return c.finish(ctx, decision, OutcomeBackendError, err), err
}

// invoke releases slot on every path, including a panic in fn.
func (c *Coordinator) invoke(ctx context.Context, slot *slots.Slot, fn func(context.Context) error) error {
	defer c.cfg.Slots.Release(slot)
	return fn(ctx)
}

func (c *Coordinator) finish(ctx context.Context, d Decision, outcome Outcome, err error) Decision {
	d.Outcome = outcome
	d.Err = err
	c.metrics.record(ctx, d)
	switch outcome {
	case OutcomeSuccess:
		c.logger.Trace("sqlgate.execute.ok",
			"fingerprint", d.Fingerprint,
			"lane", d.Lane.String(),
			"borrowed", d.Borrowed,
			"duration", d.Duration,
		)
	case OutcomeBackendError:
		c.logger.Debug("sqlgate.execute.backend_error",
			"fingerprint", d.Fingerprint,
			"lane", d.Lane.String(),
			"duration", d.Duration,
			"error", err,
		)
	default:
		c.logger.Debug("sqlgate.execute.rejected",
			"fingerprint", d.Fingerprint,
			"outcome", string(outcome),
			"error", err,
		)
	}
	return d
}

// Run is Execute for callbacks that produce a value.
func Run[T any](ctx context.Context, c *Coordinator, fingerprint string, fn func(context.Context) (T, error)) (T, Decision, error) {
	var result T
	decision, err := c.Execute(ctx, fingerprint, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, decision, err
}
