package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate"
	"pkt.systems/sqlgate/internal/datasource"
	"pkt.systems/sqlgate/internal/svcfields"
	"pkt.systems/sqlgate/internal/version"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("SQLGATE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "sqlgate")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Root failures are logged, subcommand failures printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(name string, short bool) *pflag.Flag {
		for _, set := range []*pflag.FlagSet{root.Flags(), root.PersistentFlags()} {
			var flag *pflag.Flag
			if short {
				flag = set.ShorthandLookup(name)
			} else {
				flag = set.Lookup(name)
			}
			if flag != nil {
				return flag
			}
		}
		return nil
	}
	anySubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookup(strings.TrimPrefix(arg, "--"), false)
			if flag == nil {
				return !anySubcommand(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			shorts := strings.TrimPrefix(arg, "-")
			for idx, ch := range shorts {
				flag := lookup(string(ch), true)
				if flag == nil {
					return !anySubcommand(args[i:])
				}
				if flag.NoOptDefVal == "" {
					if idx == len(shorts)-1 && i < len(args) {
						i++
					}
					break
				}
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := sqlgate.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, sqlgate.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// serverFlagNames are bound to viper so each can come from a flag, the
// SQLGATE_* environment or the config file.
var serverFlagNames = []string{
	"listen", "listen-proto", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint",
	"json-max", "shutdown-timeout", "stats-log-interval", "log-level",
	"default-datasource", "datasource",
	"failure-threshold", "open-duration",
	"total-slots", "slow-percent", "idle-timeout", "slow-timeout", "fast-timeout", "pool-disabled",
	"xa-max-transactions", "xa-timeout",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sqlgate",
		Short:         "sqlgate is a resilience proxy for SQL databases with per-statement circuit breaking, slow/fast capacity lanes and an XA branch limiter",
		SilenceErrors: true,
		Example: `
  # Shared in-memory sqlite (development)
  sqlgate

  # PostgreSQL and MySQL behind one proxy, orders is the default
  sqlgate --datasource orders=pgx:postgres://app@db/orders \
          --datasource legacy=mysql:app:secret@tcp(mysql:3306)/legacy

  # Tighter breaker and a larger pool for every datasource
  SQLGATE_FAILURE_THRESHOLD=5 SQLGATE_TOTAL_SLOTS=64 sqlgate --datasource main=sqlite3:file:/var/lib/sqlgate/main.db

  # Prometheus metrics and OTLP tracing
  sqlgate --metrics-listen :9351 --otlp-endpoint grpc://otel-collector:4317
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			ctx := cmd.Context()
			svcfields.WithSubsystem(logger, "server.lifecycle.init").WithLogLevel().Info(
				"welcome to sqlgate",
				"version", version.Current(),
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			cfg, configFile, err := resolveServerConfig()
			if err != nil {
				return err
			}
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := sqlgate.NewServer(cfg, sqlgate.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.sqlgate/"+sqlgate.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	addClientFlags(cmd)

	flags := cmd.Flags()
	flags.String("listen", sqlgate.DefaultListen, "listen address")
	flags.String("listen-proto", sqlgate.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("metrics-listen", sqlgate.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", sqlgate.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("json-max", humanizeBytes(sqlgate.DefaultJSONMaxBytes), "maximum JSON request body size")
	flags.Duration("shutdown-timeout", sqlgate.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.Duration("stats-log-interval", sqlgate.DefaultStatsLogInterval, "interval between sqlgate.stats.sample logs (0 disables)")
	flags.String("default-datasource", "", "datasource used when a request names none (defaults to the first)")
	flags.StringArray("datasource", nil, "datasource as name=driver:dsn (repeatable; drivers sqlite3, pgx, mysql)")
	flags.Int("failure-threshold", sqlgate.DefaultFailureThreshold, "backend failures that open a statement's breaker")
	flags.Duration("open-duration", sqlgate.DefaultOpenDuration, "how long an open breaker fails fast")
	flags.Int("total-slots", sqlgate.DefaultTotalSlots, "execution slots per datasource (0 disables the pool)")
	flags.Int("slow-percent", sqlgate.DefaultSlowPercent, "share of slots reserved for slow statements")
	flags.Duration("idle-timeout", sqlgate.DefaultIdleTimeout, "idle time before a lane lends slots to the other")
	flags.Duration("slow-timeout", sqlgate.DefaultSlowTimeout, "maximum wait for a slow-lane slot")
	flags.Duration("fast-timeout", sqlgate.DefaultFastTimeout, "maximum wait for a fast-lane slot")
	flags.Bool("pool-disabled", false, "disable capacity lanes")
	flags.Int("xa-max-transactions", sqlgate.DefaultXAMaxTransactions, "maximum concurrently open XA branches per datasource")
	flags.Duration("xa-timeout", sqlgate.DefaultXATimeout, "maximum wait for an XA branch permit (negative fails immediately)")

	viper.SetEnvPrefix("SQLGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	bindFlag("config")
	for _, name := range serverFlagNames {
		bindFlag(name)
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	for _, sub := range newClientCommands() {
		cmd.AddCommand(sub)
	}
	return cmd
}

// resolveServerConfig reads the config file, then merges flags and the
// environment into a validated sqlgate.Config.
func resolveServerConfig() (sqlgate.Config, string, error) {
	configFile, err := loadConfigFile()
	if err != nil {
		return sqlgate.Config{}, "", err
	}
	var cfg sqlgate.Config
	if err := bindConfig(&cfg); err != nil {
		return sqlgate.Config{}, "", err
	}
	if err := cfg.Validate(); err != nil {
		return sqlgate.Config{}, "", err
	}
	return cfg, configFile, nil
}

func bindConfig(cfg *sqlgate.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	if maxBytes := viper.GetString("json-max"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.StatsLogInterval = viper.GetDuration("stats-log-interval")
	cfg.StatsLogIntervalSet = true
	cfg.DefaultDatasource = viper.GetString("default-datasource")

	var fromFile []sqlgate.DatasourceConfig
	if viper.InConfig("datasources") {
		if err := viper.UnmarshalKey("datasources", &fromFile); err != nil {
			return fmt.Errorf("parse datasources: %w", err)
		}
	}
	fromFlags, err := parseDatasourceSpecs(viper.GetStringSlice("datasource"))
	if err != nil {
		return err
	}
	defaults := datasourceDefaults()
	for _, ds := range append(fromFile, fromFlags...) {
		cfg.Datasources = append(cfg.Datasources, mergeDatasourceDefaults(ds, defaults))
	}
	if len(cfg.Datasources) == 0 {
		cfg.Datasources = []sqlgate.DatasourceConfig{mergeDatasourceDefaults(sqlgate.DatasourceConfig{
			Name:   sqlgate.DefaultDatasourceName,
			Driver: sqlgate.DefaultDriver,
			DSN:    sqlgate.DefaultDSN,
		}, defaults)}
	}
	return nil
}

func parseDatasourceSpecs(specs []string) ([]sqlgate.DatasourceConfig, error) {
	out := make([]sqlgate.DatasourceConfig, 0, len(specs))
	for _, spec := range specs {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		name, driver, dsn, err := datasource.ParseSpec(spec)
		if err != nil {
			return nil, err
		}
		out = append(out, sqlgate.DatasourceConfig{Name: name, Driver: driver, DSN: dsn})
	}
	return out, nil
}

// datasourceDefaults collects the admission flags that apply to every
// datasource lacking its own setting.
func datasourceDefaults() sqlgate.DatasourceConfig {
	return sqlgate.DatasourceConfig{
		FailureThreshold:  viper.GetInt("failure-threshold"),
		OpenDuration:      viper.GetDuration("open-duration"),
		TotalSlots:        viper.GetInt("total-slots"),
		SlowPercent:       viper.GetInt("slow-percent"),
		IdleTimeout:       viper.GetDuration("idle-timeout"),
		SlowTimeout:       viper.GetDuration("slow-timeout"),
		FastTimeout:       viper.GetDuration("fast-timeout"),
		PoolDisabled:      viper.GetBool("pool-disabled"),
		XAMaxTransactions: viper.GetInt("xa-max-transactions"),
		XATimeout:         viper.GetDuration("xa-timeout"),
	}
}

func mergeDatasourceDefaults(ds, defaults sqlgate.DatasourceConfig) sqlgate.DatasourceConfig {
	if ds.FailureThreshold == 0 {
		ds.FailureThreshold = defaults.FailureThreshold
	}
	if ds.OpenDuration == 0 {
		ds.OpenDuration = defaults.OpenDuration
	}
	if ds.TotalSlots == 0 {
		ds.TotalSlots = defaults.TotalSlots
	}
	if ds.SlowPercent == 0 {
		ds.SlowPercent = defaults.SlowPercent
	}
	if ds.IdleTimeout == 0 {
		ds.IdleTimeout = defaults.IdleTimeout
	}
	if ds.SlowTimeout == 0 {
		ds.SlowTimeout = defaults.SlowTimeout
	}
	if ds.FastTimeout == 0 {
		ds.FastTimeout = defaults.FastTimeout
	}
	ds.PoolDisabled = ds.PoolDisabled || defaults.PoolDisabled || ds.TotalSlots == 0
	if ds.XAMaxTransactions == 0 {
		ds.XAMaxTransactions = defaults.XAMaxTransactions
	}
	if ds.XATimeout == 0 {
		ds.XATimeout = defaults.XATimeout
	}
	return ds
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
