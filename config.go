package sqlgate

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/sqlgate/internal/admission"
	"pkt.systems/sqlgate/internal/breaker"
	"pkt.systems/sqlgate/internal/datasource"
	"pkt.systems/sqlgate/internal/slots"
	"pkt.systems/sqlgate/internal/xalimit"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9350"
	// DefaultListenProto controls the network used when none is configured.
	DefaultListenProto = "tcp"
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultJSONMaxBytes caps request bodies.
	DefaultJSONMaxBytes int64 = 1 << 20
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultStatsLogInterval is the cadence of sqlgate.stats.sample logs.
	DefaultStatsLogInterval = time.Minute

	// DefaultDatasourceName names the datasource used when none is configured.
	DefaultDatasourceName = "default"
	// DefaultDriver is the backend driver of the implicit datasource.
	DefaultDriver = "sqlite3"
	// DefaultDSN is the DSN of the implicit datasource: a shared in-memory sqlite database.
	DefaultDSN = "file:sqlgate?mode=memory&cache=shared"

	// DefaultFailureThreshold opens a breaker after this many backend failures.
	DefaultFailureThreshold = breaker.DefaultThreshold
	// DefaultOpenDuration is how long an open breaker fails fast.
	DefaultOpenDuration = breaker.DefaultOpenDuration
	// DefaultTotalSlots is the per-datasource execution slot count.
	DefaultTotalSlots = 20
	// DefaultSlowPercent is the share of slots reserved for slow operations.
	DefaultSlowPercent = slots.DefaultSlowPercent
	// DefaultIdleTimeout is how long a lane must be idle before it lends slots.
	DefaultIdleTimeout = slots.DefaultIdleTimeout
	// DefaultSlowTimeout bounds waiting for a slow-lane slot.
	DefaultSlowTimeout = admission.DefaultSlowTimeout
	// DefaultFastTimeout bounds waiting for a fast-lane slot.
	DefaultFastTimeout = admission.DefaultFastTimeout
	// DefaultXAMaxTransactions caps concurrently open XA branches.
	DefaultXAMaxTransactions = xalimit.DefaultMaxTransactions
	// DefaultXATimeout bounds waiting for an XA permit.
	DefaultXATimeout = xalimit.DefaultAcquireTimeout

	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
)

// DatasourceConfig describes one backend and its admission settings.
// Zero values take the package defaults. A negative XATimeout makes XA
// admission non-blocking.
type DatasourceConfig struct {
	Name   string `yaml:"name" mapstructure:"name"`
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`

	FailureThreshold int           `yaml:"failure-threshold" mapstructure:"failure-threshold"`
	OpenDuration     time.Duration `yaml:"open-duration" mapstructure:"open-duration"`

	TotalSlots   int           `yaml:"total-slots" mapstructure:"total-slots"`
	SlowPercent  int           `yaml:"slow-percent" mapstructure:"slow-percent"`
	IdleTimeout  time.Duration `yaml:"idle-timeout" mapstructure:"idle-timeout"`
	SlowTimeout  time.Duration `yaml:"slow-timeout" mapstructure:"slow-timeout"`
	FastTimeout  time.Duration `yaml:"fast-timeout" mapstructure:"fast-timeout"`
	PoolDisabled bool          `yaml:"pool-disabled" mapstructure:"pool-disabled"`

	XAMaxTransactions int           `yaml:"xa-max-transactions" mapstructure:"xa-max-transactions"`
	XATimeout         time.Duration `yaml:"xa-timeout" mapstructure:"xa-timeout"`
}

// Config captures the server configuration.
type Config struct {
	Listen                 string
	ListenProto            string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	JSONMaxBytes      int64
	ShutdownTimeout   time.Duration
	ReadHeaderTimeout time.Duration
	// StatsLogInterval controls periodic admission snapshots in the log.
	// Zero applies the default unless StatsLogIntervalSet; negative disables.
	StatsLogInterval    time.Duration
	StatsLogIntervalSet bool

	// DefaultDatasource receives requests that do not name one. Empty selects
	// the first configured datasource.
	DefaultDatasource string
	Datasources       []DatasourceConfig
}

// Validate applies defaults and rejects invalid settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp, tcp4, tcp6 or unix (got %q)", c.ListenProto)
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if c.JSONMaxBytes <= 0 {
		c.JSONMaxBytes = DefaultJSONMaxBytes
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.StatsLogInterval == 0 && !c.StatsLogIntervalSet {
		c.StatsLogInterval = DefaultStatsLogInterval
	}
	if c.StatsLogInterval < 0 {
		c.StatsLogInterval = 0
	}
	if len(c.Datasources) == 0 {
		c.Datasources = []DatasourceConfig{{Name: DefaultDatasourceName, Driver: DefaultDriver, DSN: DefaultDSN}}
	}
	seen := make(map[string]struct{}, len(c.Datasources))
	for i := range c.Datasources {
		ds := &c.Datasources[i]
		if err := ds.validate(); err != nil {
			return fmt.Errorf("config: datasource %d: %w", i, err)
		}
		if _, dup := seen[ds.Name]; dup {
			return fmt.Errorf("config: datasource %q configured twice", ds.Name)
		}
		seen[ds.Name] = struct{}{}
	}
	c.DefaultDatasource = strings.TrimSpace(c.DefaultDatasource)
	if c.DefaultDatasource == "" {
		c.DefaultDatasource = c.Datasources[0].Name
	}
	if _, ok := seen[c.DefaultDatasource]; !ok {
		return fmt.Errorf("config: default datasource %q is not configured", c.DefaultDatasource)
	}
	return nil
}

func (d *DatasourceConfig) validate() error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(d.Name, " \t/") {
		return fmt.Errorf("name %q must not contain whitespace or '/'", d.Name)
	}
	if _, err := datasource.DriverName(d.Driver); err != nil {
		return fmt.Errorf("%s: %w", d.Name, err)
	}
	if strings.TrimSpace(d.DSN) == "" {
		return fmt.Errorf("%s: dsn is required", d.Name)
	}
	switch {
	case d.FailureThreshold < 0:
		return fmt.Errorf("%s: failure threshold must be >= 0", d.Name)
	case d.OpenDuration < 0:
		return fmt.Errorf("%s: open duration must be >= 0", d.Name)
	case d.TotalSlots < 0:
		return fmt.Errorf("%s: total slots must be >= 0", d.Name)
	case d.SlowPercent < 0 || d.SlowPercent > 100:
		return fmt.Errorf("%s: slow percent must be within 0..100", d.Name)
	case d.IdleTimeout < 0, d.SlowTimeout < 0, d.FastTimeout < 0:
		return fmt.Errorf("%s: slot timeouts must be >= 0", d.Name)
	case d.XAMaxTransactions < 0:
		return fmt.Errorf("%s: xa max transactions must be >= 0", d.Name)
	}
	if d.FailureThreshold == 0 {
		d.FailureThreshold = DefaultFailureThreshold
	}
	if d.OpenDuration == 0 {
		d.OpenDuration = DefaultOpenDuration
	}
	if d.TotalSlots == 0 && !d.PoolDisabled {
		d.TotalSlots = DefaultTotalSlots
	}
	if d.SlowPercent == 0 {
		d.SlowPercent = DefaultSlowPercent
	}
	if d.IdleTimeout == 0 {
		d.IdleTimeout = DefaultIdleTimeout
	}
	if d.SlowTimeout == 0 {
		d.SlowTimeout = DefaultSlowTimeout
	}
	if d.FastTimeout == 0 {
		d.FastTimeout = DefaultFastTimeout
	}
	if d.XAMaxTransactions == 0 {
		d.XAMaxTransactions = DefaultXAMaxTransactions
	}
	if d.XATimeout == 0 {
		d.XATimeout = DefaultXATimeout
	}
	return nil
}

// datasourceConfig converts d into the runtime configuration.
func (d DatasourceConfig) datasourceConfig() datasource.Config {
	xaTimeout := d.XATimeout
	if xaTimeout < 0 {
		xaTimeout = 0
	}
	return datasource.Config{
		Name:              d.Name,
		Driver:            d.Driver,
		DSN:               d.DSN,
		FailureThreshold:  d.FailureThreshold,
		OpenDuration:      d.OpenDuration,
		TotalSlots:        d.TotalSlots,
		SlowPercent:       d.SlowPercent,
		IdleTimeout:       d.IdleTimeout,
		SlowTimeout:       d.SlowTimeout,
		FastTimeout:       d.FastTimeout,
		PoolDisabled:      d.PoolDisabled,
		XAMaxTransactions: d.XAMaxTransactions,
		XATimeout:         xaTimeout,
	}
}

// DefaultConfigDir returns the directory holding the sqlgate config file.
// SQLGATE_CONFIG_DIR overrides $HOME/.sqlgate.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("SQLGATE_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".sqlgate"), nil
}
