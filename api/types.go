package api

// StatementRequest models the JSON payload for POST /v1/exec and POST /v1/query.
type StatementRequest struct {
	// Datasource names the backend to run against. Empty selects the server default.
	Datasource string `json:"datasource,omitempty"`
	// SQL is the statement text passed to the backend unchanged.
	SQL string `json:"sql"`
	// Args are positional statement arguments.
	Args []any `json:"args,omitempty"`
}

// Decision reports how admission control handled a statement.
type Decision struct {
	// Fingerprint is the normalized statement hash used by the breaker and latency ledgers.
	Fingerprint string `json:"fingerprint"`
	// Lane is the capacity lane the statement ran in (slow or fast).
	Lane string `json:"lane"`
	// Borrowed reports whether the slot was borrowed from the other lane.
	Borrowed bool `json:"borrowed,omitempty"`
	// Outcome is success or the failure class.
	Outcome string `json:"outcome"`
	// DurationMs is the backend execution time in milliseconds.
	DurationMs float64 `json:"duration_ms"`
}

// ExecResponse is returned by POST /v1/exec.
type ExecResponse struct {
	// Datasource echoes the datasource that ran the statement.
	Datasource string `json:"datasource"`
	// RowsAffected is reported by the backend driver when supported.
	RowsAffected int64 `json:"rows_affected"`
	// LastInsertID is reported by the backend driver when supported.
	LastInsertID int64 `json:"last_insert_id,omitempty"`
	// Decision describes admission control for this statement.
	Decision Decision `json:"decision"`
}

// QueryResponse is returned by POST /v1/query.
type QueryResponse struct {
	// Datasource echoes the datasource that ran the statement.
	Datasource string `json:"datasource"`
	// Columns lists result column names in order.
	Columns []string `json:"columns"`
	// Rows holds result values positionally matching Columns.
	Rows [][]any `json:"rows"`
	// Decision describes admission control for this statement.
	Decision Decision `json:"decision"`
}

// XAStartRequest models the JSON payload for POST /v1/xa/start.
type XAStartRequest struct {
	// Datasource names the backend. Empty selects the server default.
	Datasource string `json:"datasource,omitempty"`
}

// XAStartResponse is returned when a transaction branch is opened.
type XAStartResponse struct {
	Datasource string `json:"datasource"`
	// XID identifies the branch in later XA calls.
	XID string `json:"xid"`
}

// XAExecRequest models the JSON payload for POST /v1/xa/exec.
type XAExecRequest struct {
	Datasource string `json:"datasource,omitempty"`
	XID        string `json:"xid"`
	// Kind selects exec (default) or query.
	Kind string `json:"kind,omitempty"`
	SQL  string `json:"sql"`
	Args []any  `json:"args,omitempty"`
}

// XAExecResponse is returned by POST /v1/xa/exec. Query fields are set only
// for kind=query.
type XAExecResponse struct {
	Datasource   string   `json:"datasource"`
	XID          string   `json:"xid"`
	RowsAffected int64    `json:"rows_affected,omitempty"`
	LastInsertID int64    `json:"last_insert_id,omitempty"`
	Columns      []string `json:"columns,omitempty"`
	Rows         [][]any  `json:"rows,omitempty"`
	Decision     Decision `json:"decision"`
}

// XABranchRequest models prepare, commit and rollback payloads.
type XABranchRequest struct {
	Datasource string `json:"datasource,omitempty"`
	XID        string `json:"xid"`
}

// XABranchResponse reports the branch state after prepare, commit or rollback.
type XABranchResponse struct {
	Datasource string `json:"datasource"`
	XID        string `json:"xid"`
	// State is prepared, committed or rolled_back.
	State string `json:"state"`
}

// BreakerStats summarises the failure ledger.
type BreakerStats struct {
	Threshold           int   `json:"threshold"`
	OpenDurationSeconds int64 `json:"open_duration_seconds"`
	Tracked             int   `json:"tracked"`
	Open                int   `json:"open"`
	HalfOpen            int   `json:"half_open"`
}

// LatencyStats summarises the latency ledger.
type LatencyStats struct {
	Tracked          int     `json:"tracked"`
	OverallAverageMs float64 `json:"overall_average_ms"`
}

// LaneStats describes one capacity lane.
type LaneStats struct {
	Size      int `json:"size"`
	Active    int `json:"active"`
	Available int `json:"available"`
	// LastActivityUnix is zero when the lane has never been requested.
	LastActivityUnix int64 `json:"last_activity_unix,omitempty"`
}

// SlotStats summarises the capacity pool.
type SlotStats struct {
	Enabled            bool      `json:"enabled"`
	Total              int       `json:"total"`
	Slow               LaneStats `json:"slow"`
	Fast               LaneStats `json:"fast"`
	SlowBorrowedToFast int       `json:"slow_borrowed_to_fast"`
	FastBorrowedToSlow int       `json:"fast_borrowed_to_slow"`
}

// XAStats summarises the transaction limiter and open branches.
type XAStats struct {
	MaxTransactions int   `json:"max_transactions"`
	Active          int   `json:"active"`
	Available       int   `json:"available"`
	TotalAcquired   int64 `json:"total_acquired"`
	TotalRejected   int64 `json:"total_rejected"`
	OpenBranches    int   `json:"open_branches"`
	Prepared        int   `json:"prepared_branches"`
}

// ConnectionStats mirrors database/sql pool counters.
type ConnectionStats struct {
	MaxOpen int `json:"max_open"`
	Open    int `json:"open"`
	InUse   int `json:"in_use"`
	Idle    int `json:"idle"`
}

// DatasourceStats is the monitoring view of one datasource.
type DatasourceStats struct {
	Name        string          `json:"name"`
	Driver      string          `json:"driver"`
	Breaker     BreakerStats    `json:"breaker"`
	Latency     LatencyStats    `json:"latency"`
	Slots       SlotStats       `json:"slots"`
	XA          XAStats         `json:"xa"`
	Connections ConnectionStats `json:"connections"`
}

// StatsResponse is returned by GET /v1/stats.
type StatsResponse struct {
	Datasources []DatasourceStats `json:"datasources"`
}

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable sqlgate error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
	// RetryAfterSeconds is the server-provided retry hint in seconds.
	RetryAfterSeconds int64 `json:"retry_after_seconds,omitempty"`
}
