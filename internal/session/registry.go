// Package session keeps track of open distributed-transaction branches.
package session

import (
	"database/sql"
	"sync"
	"time"

	"github.com/rs/xid"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/internal/clock"
	"pkt.systems/sqlgate/internal/failure"
	"pkt.systems/sqlgate/internal/svcfields"
)

// State is the lifecycle position of a branch.
type State string

const (
	// StateActive accepts statements.
	StateActive State = "active"
	// StatePrepared has voted to commit and only accepts commit or rollback.
	StatePrepared State = "prepared"
	// StateDone has been committed, rolled back or abandoned.
	StateDone State = "done"
)

// Branch is one open transaction branch bound to a backend connection.
type Branch struct {
	ID         string
	Datasource string
	Created    time.Time

	exec  sync.Mutex
	mu    sync.Mutex
	tx    *sql.Tx
	state State
}

// Tx returns the branch transaction.
func (b *Branch) Tx() *sql.Tx { return b.tx }

// State reports the branch state.
func (b *Branch) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Finish moves the branch to StateDone. Callers hold Lock so a statement
// waiting on the branch observes the terminal state before touching the tx.
func (b *Branch) Finish() {
	b.mu.Lock()
	b.state = StateDone
	b.mu.Unlock()
}

// Lock serialises work on the branch connection.
func (b *Branch) Lock() { b.exec.Lock() }

// Unlock releases Lock.
func (b *Branch) Unlock() { b.exec.Unlock() }

// Config wires a registry.
type Config struct {
	Datasource string
	Clock      clock.Clock
	Logger     pslog.Logger
}

// Registry maps branch ids to open branches.
type Registry struct {
	datasource string
	clock      clock.Clock
	logger     pslog.Logger

	mu       sync.RWMutex
	branches map[string]*Branch
}

// New constructs an empty registry.
func New(cfg Config) *Registry {
	return &Registry{
		datasource: cfg.Datasource,
		clock:      clock.Or(cfg.Clock),
		logger:     svcfields.WithDatasource(cfg.Logger, cfg.Datasource, "xa.sessions"),
		branches:   make(map[string]*Branch),
	}
}

// Register records tx as a new active branch.
func (r *Registry) Register(tx *sql.Tx) *Branch {
	b := &Branch{
		ID:         xid.New().String(),
		Datasource: r.datasource,
		Created:    r.clock.Now(),
		tx:         tx,
		state:      StateActive,
	}
	r.mu.Lock()
	r.branches[b.ID] = b
	r.mu.Unlock()
	r.logger.Debug("sqlgate.xa.branch.registered", "xid", b.ID)
	return b
}

// Get returns the branch with id.
func (r *Registry) Get(id string) (*Branch, error) {
	r.mu.RLock()
	b, ok := r.branches[id]
	r.mu.RUnlock()
	if !ok {
		return nil, failure.NotFound("transaction branch %q not found", id)
	}
	return b, nil
}

// MarkPrepared moves an active branch to prepared.
func (r *Registry) MarkPrepared(id string) (*Branch, error) {
	b, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive {
		return nil, failure.Invalid("transaction branch %q is %s", id, b.state)
	}
	b.state = StatePrepared
	return b, nil
}

// Remove unregisters id and returns the branch.
func (r *Registry) Remove(id string) (*Branch, error) {
	r.mu.Lock()
	b, ok := r.branches[id]
	if ok {
		delete(r.branches, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, failure.NotFound("transaction branch %q not found", id)
	}
	r.logger.Debug("sqlgate.xa.branch.removed", "xid", id, "age", r.clock.Now().Sub(b.Created))
	return b, nil
}

// Drain removes and returns every branch.
func (r *Registry) Drain() []*Branch {
	r.mu.Lock()
	out := make([]*Branch, 0, len(r.branches))
	for id, b := range r.branches {
		out = append(out, b)
		delete(r.branches, id)
	}
	r.mu.Unlock()
	return out
}

// Snapshot counts open branches by state.
type Snapshot struct {
	Active   int
	Prepared int
}

// Snapshot returns branch counts.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var snap Snapshot
	for _, b := range r.branches {
		if b.State() == StatePrepared {
			snap.Prepared++
		} else {
			snap.Active++
		}
	}
	return snap
}
