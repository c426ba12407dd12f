package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/sqlgate"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage sqlgate configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.sqlgate/" + sqlgate.DefaultConfigFileName
	if dir, err := sqlgate.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, sqlgate.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default sqlgate configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := sqlgate.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, sqlgate.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string              `yaml:"listen"`
	ListenProto            string              `yaml:"listen-proto"`
	MetricsListen          string              `yaml:"metrics-listen"`
	PprofListen            string              `yaml:"pprof-listen"`
	EnableProfilingMetrics bool                `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string              `yaml:"otlp-endpoint"`
	JSONMax                string              `yaml:"json-max"`
	ShutdownTimeout        string              `yaml:"shutdown-timeout"`
	StatsLogInterval       string              `yaml:"stats-log-interval"`
	LogLevel               string              `yaml:"log-level"`
	DefaultDatasource      string              `yaml:"default-datasource"`
	FailureThreshold       int                 `yaml:"failure-threshold"`
	OpenDuration           string              `yaml:"open-duration"`
	TotalSlots             int                 `yaml:"total-slots"`
	SlowPercent            int                 `yaml:"slow-percent"`
	IdleTimeout            string              `yaml:"idle-timeout"`
	SlowTimeout            string              `yaml:"slow-timeout"`
	FastTimeout            string              `yaml:"fast-timeout"`
	PoolDisabled           bool                `yaml:"pool-disabled"`
	XAMaxTransactions      int                 `yaml:"xa-max-transactions"`
	XATimeout              string              `yaml:"xa-timeout"`
	Datasources            []datasourceDefault `yaml:"datasources"`
}

// datasourceDefault is one datasources entry. Admission fields are left
// out so the top-level values apply.
type datasourceDefault struct {
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:            sqlgate.DefaultListen,
		ListenProto:       sqlgate.DefaultListenProto,
		MetricsListen:     sqlgate.DefaultMetricsListen,
		PprofListen:       sqlgate.DefaultPprofListen,
		JSONMax:           humanizeBytes(sqlgate.DefaultJSONMaxBytes),
		ShutdownTimeout:   sqlgate.DefaultShutdownTimeout.String(),
		StatsLogInterval:  sqlgate.DefaultStatsLogInterval.String(),
		LogLevel:          "info",
		DefaultDatasource: sqlgate.DefaultDatasourceName,
		FailureThreshold:  sqlgate.DefaultFailureThreshold,
		OpenDuration:      sqlgate.DefaultOpenDuration.String(),
		TotalSlots:        sqlgate.DefaultTotalSlots,
		SlowPercent:       sqlgate.DefaultSlowPercent,
		IdleTimeout:       sqlgate.DefaultIdleTimeout.String(),
		SlowTimeout:       sqlgate.DefaultSlowTimeout.String(),
		FastTimeout:       sqlgate.DefaultFastTimeout.String(),
		XAMaxTransactions: sqlgate.DefaultXAMaxTransactions,
		XATimeout:         sqlgate.DefaultXATimeout.String(),
		Datasources: []datasourceDefault{{
			Name:   sqlgate.DefaultDatasourceName,
			Driver: sqlgate.DefaultDriver,
			DSN:    sqlgate.DefaultDSN,
		}},
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}

	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
