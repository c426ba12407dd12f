// Package datasource binds a backend database to its own admission-control
// subsystems and exposes the operations the HTTP surface dispatches to.
package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/internal/admission"
	"pkt.systems/sqlgate/internal/breaker"
	"pkt.systems/sqlgate/internal/clock"
	"pkt.systems/sqlgate/internal/failure"
	"pkt.systems/sqlgate/internal/fingerprint"
	"pkt.systems/sqlgate/internal/latency"
	"pkt.systems/sqlgate/internal/session"
	"pkt.systems/sqlgate/internal/slots"
	"pkt.systems/sqlgate/internal/svcfields"
	"pkt.systems/sqlgate/internal/xalimit"
)

// OpKind selects how a statement is run.
type OpKind string

const (
	// OpExec runs a statement that returns no rows.
	OpExec OpKind = "exec"
	// OpQuery runs a statement and returns its rows.
	OpQuery OpKind = "query"
)

// Request is a single statement.
type Request struct {
	Kind OpKind
	SQL  string
	Args []any
}

// Result is the outcome of a statement.
type Result struct {
	Columns      []string
	Rows         [][]any
	RowsAffected int64
	LastInsertID int64
	Decision     admission.Decision
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type handler func(ctx context.Context, q querier, req Request) (Result, error)

// Datasource is one backend database and its admission state.
type Datasource struct {
	name   string
	driver string
	db     *sql.DB
	logger pslog.Logger
	clock  clock.Clock

	breaker  *breaker.Ledger
	latency  *latency.Ledger
	slots    *slots.Pool
	xa       *xalimit.Limiter
	sessions *session.Registry
	coord    *admission.Coordinator

	handlers map[OpKind]handler
}

// Open connects to the backend described by cfg.
func Open(ctx context.Context, cfg Config) (*Datasource, error) {
	driver, err := DriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("datasource %s: open: %w", cfg.Name, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("datasource %s: ping: %w", cfg.Name, err)
	}
	ds, err := newDatasource(cfg, driver, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return ds, nil
}

func newDatasource(cfg Config, driver string, db *sql.DB) (*Datasource, error) {
	logger := svcfields.WithDatasource(cfg.Logger, cfg.Name, "datasource")
	clk := clock.Or(cfg.Clock)
	ds := &Datasource{
		name:   cfg.Name,
		driver: driver,
		db:     db,
		logger: logger,
		clock:  clk,
		breaker: breaker.New(breaker.Config{
			Datasource:   cfg.Name,
			Threshold:    cfg.FailureThreshold,
			OpenDuration: cfg.OpenDuration,
			Clock:        clk,
			Logger:       cfg.Logger,
		}),
		latency: latency.New(latency.Config{Datasource: cfg.Name, Logger: cfg.Logger}),
		slots: slots.New(slots.Config{
			Datasource:  cfg.Name,
			Total:       cfg.TotalSlots,
			SlowPercent: cfg.SlowPercent,
			IdleTimeout: cfg.IdleTimeout,
			Disabled:    cfg.PoolDisabled,
			Clock:       clk,
			Logger:      cfg.Logger,
		}),
		xa: xalimit.New(xalimit.Config{
			Datasource:      cfg.Name,
			MaxTransactions: cfg.XAMaxTransactions,
			AcquireTimeout:  cfg.XATimeout,
			Logger:          cfg.Logger,
		}),
		sessions: session.New(session.Config{Datasource: cfg.Name, Clock: clk, Logger: cfg.Logger}),
	}
	coord, err := admission.New(admission.Config{
		Datasource:  cfg.Name,
		Breaker:     ds.breaker,
		Latency:     ds.latency,
		Slots:       ds.slots,
		SlowTimeout: cfg.SlowTimeout,
		FastTimeout: cfg.FastTimeout,
		Clock:       clk,
		Logger:      cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	ds.coord = coord
	ds.handlers = map[OpKind]handler{
		OpExec:  execHandler,
		OpQuery: queryHandler,
	}
	if ds.slots.Enabled() {
		db.SetMaxOpenConns(cfg.TotalSlots + ds.xa.Snapshot().MaxTransactions)
	}
	return ds, nil
}

// Name returns the datasource name.
func (d *Datasource) Name() string { return d.name }

// Driver returns the database/sql driver name.
func (d *Datasource) Driver() string { return d.driver }

// DB returns the backend handle.
func (d *Datasource) DB() *sql.DB { return d.db }

// Execute runs req under admission control.
func (d *Datasource) Execute(ctx context.Context, req Request) (Result, error) {
	return d.run(ctx, d.db, req)
}

func (d *Datasource) run(ctx context.Context, q querier, req Request) (Result, error) {
	if req.Kind == "" {
		req.Kind = OpExec
	}
	h, ok := d.handlers[req.Kind]
	if !ok {
		return Result{}, failure.Invalid("unknown operation kind %q", req.Kind)
	}
	if req.SQL == "" {
		return Result{}, failure.Invalid("sql is required")
	}
	fp := fingerprint.Of(req.SQL)
	res, decision, err := admission.Run(ctx, d.coord, fp, func(ctx context.Context) (Result, error) {
		return h(ctx, q, req)
	})
	res.Decision = decision
	return res, err
}

func execHandler(ctx context.Context, q querier, req Request) (Result, error) {
	r, err := q.ExecContext(ctx, req.SQL, req.Args...)
	if err != nil {
		return Result{}, err
	}
	var res Result
	if n, err := r.RowsAffected(); err == nil {
		res.RowsAffected = n
	}
	if id, err := r.LastInsertId(); err == nil {
		res.LastInsertID = id
	}
	return res, nil
}

func queryHandler(ctx context.Context, q querier, req Request) (Result, error) {
	rows, err := q.QueryContext(ctx, req.SQL, req.Args...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}
	res := Result{Columns: cols, Rows: make([][]any, 0)}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return Result{}, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// XAStart opens a transaction branch and returns its id. The branch holds a
// transaction permit until XACommit or XARollback.
func (d *Datasource) XAStart(ctx context.Context) (string, error) {
	if err := d.xa.Acquire(ctx); err != nil {
		return "", err
	}
	// The branch outlives the request that opened it.
	tx, err := d.db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		d.xa.Release()
		return "", err
	}
	b := d.sessions.Register(tx)
	d.logger.Info("sqlgate.xa.started", "xid", b.ID)
	return b.ID, nil
}

// XAExec runs req inside branch id.
func (d *Datasource) XAExec(ctx context.Context, id string, req Request) (Result, error) {
	b, err := d.sessions.Get(id)
	if err != nil {
		return Result{}, err
	}
	return d.execBranch(ctx, b, req)
}

// execBranch runs req on b once no other statement or finish holds it. A
// branch finished while we waited is reported as gone and never reaches the
// coordinator, so it cannot count against the breaker.
func (d *Datasource) execBranch(ctx context.Context, b *session.Branch, req Request) (Result, error) {
	b.Lock()
	defer b.Unlock()
	switch state := b.State(); state {
	case session.StateActive:
	case session.StateDone:
		return Result{}, failure.NotFound("transaction branch %q not found", b.ID)
	default:
		return Result{}, failure.Invalid("transaction branch %q is %s", b.ID, state)
	}
	return d.run(ctx, b.Tx(), req)
}

// XAPrepare marks branch id prepared; it then only accepts commit or rollback.
func (d *Datasource) XAPrepare(ctx context.Context, id string) error {
	b, err := d.sessions.Get(id)
	if err != nil {
		return err
	}
	b.Lock()
	defer b.Unlock()
	_, err = d.sessions.MarkPrepared(id)
	return err
}

// XACommit commits branch id and releases its permit.
func (d *Datasource) XACommit(ctx context.Context, id string) error {
	return d.finish(id, "commit", func(tx *sql.Tx) error { return tx.Commit() })
}

// XARollback rolls branch id back and releases its permit.
func (d *Datasource) XARollback(ctx context.Context, id string) error {
	return d.finish(id, "rollback", func(tx *sql.Tx) error { return tx.Rollback() })
}

func (d *Datasource) finish(id, action string, fn func(*sql.Tx) error) error {
	b, err := d.sessions.Remove(id)
	if err != nil {
		return err
	}
	defer d.xa.Release()
	b.Lock()
	defer b.Unlock()
	defer b.Finish()
	if err := fn(b.Tx()); err != nil {
		d.logger.Warn("sqlgate.xa."+action+".failed", "xid", id, "error", err)
		return err
	}
	d.logger.Info("sqlgate.xa."+action, "xid", id, "age", d.clock.Now().Sub(b.Created))
	return nil
}

// Stats is a read-only view of every subsystem of the datasource.
type Stats struct {
	Name     string
	Driver   string
	Breaker  breaker.Snapshot
	Latency  latency.Snapshot
	Slots    slots.Snapshot
	XA       xalimit.Snapshot
	Sessions session.Snapshot
	DB       sql.DBStats
}

// Stats snapshots the datasource.
func (d *Datasource) Stats() Stats {
	return Stats{
		Name:     d.name,
		Driver:   d.driver,
		Breaker:  d.breaker.Snapshot(),
		Latency:  d.latency.Snapshot(),
		Slots:    d.slots.Snapshot(),
		XA:       d.xa.Snapshot(),
		Sessions: d.sessions.Snapshot(),
		DB:       d.db.Stats(),
	}
}

// Close rolls back open branches and closes the backend handle.
func (d *Datasource) Close() error {
	var errs []error
	for _, b := range d.sessions.Drain() {
		b.Lock()
		if err := b.Tx().Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			errs = append(errs, fmt.Errorf("rollback %s: %w", b.ID, err))
		}
		b.Finish()
		b.Unlock()
		d.xa.Release()
		d.logger.Warn("sqlgate.xa.abandoned", "xid", b.ID)
	}
	if err := d.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
