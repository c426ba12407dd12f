package datasource

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/internal/clock"
)

// Config describes one backend database and its admission settings.
type Config struct {
	Name   string
	Driver string
	DSN    string

	FailureThreshold int
	OpenDuration     time.Duration

	TotalSlots   int
	SlowPercent  int
	IdleTimeout  time.Duration
	SlowTimeout  time.Duration
	FastTimeout  time.Duration
	PoolDisabled bool

	XAMaxTransactions int
	XATimeout         time.Duration

	Clock  clock.Clock
	Logger pslog.Logger
}

// DriverName maps a configured driver to the database/sql driver name.
func DriverName(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	case "pgx", "postgres", "postgresql":
		return "pgx", nil
	case "mysql", "mariadb":
		return "mysql", nil
	default:
		return "", fmt.Errorf("datasource: unsupported driver %q (want sqlite3, pgx or mysql)", driver)
	}
}

// ParseSpec parses "name=driver:dsn" as accepted by the --datasource flag.
func ParseSpec(spec string) (name, driver, dsn string, err error) {
	name, rest, ok := strings.Cut(spec, "=")
	if !ok || strings.TrimSpace(name) == "" {
		return "", "", "", fmt.Errorf("datasource: %q must be name=driver:dsn", spec)
	}
	driver, dsn, ok = strings.Cut(rest, ":")
	if !ok || strings.TrimSpace(driver) == "" || dsn == "" {
		return "", "", "", fmt.Errorf("datasource: %q must be name=driver:dsn", spec)
	}
	if _, err := DriverName(driver); err != nil {
		return "", "", "", err
	}
	return strings.TrimSpace(name), strings.TrimSpace(driver), dsn, nil
}
