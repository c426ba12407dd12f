package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey tags log entries with the emitting subsystem.
	SubsystemKey = pslog.TrustedString("sys")
	// DatasourceKey tags log entries with the datasource they concern.
	DatasourceKey = pslog.TrustedString("datasource")
)

// Subsystem joins non-empty parts into a dotted subsystem path.
func Subsystem(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.Trim(part, ". ")
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// WithSubsystem attaches a subsystem tag to every entry written through the
// returned logger. A nil logger yields a no-op logger.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithDatasource scopes logger to one datasource and subsystem.
func WithDatasource(logger pslog.Logger, datasource, subsystem string) pslog.Logger {
	logger = WithSubsystem(logger, subsystem)
	if datasource = strings.TrimSpace(datasource); datasource != "" {
		logger = logger.With(DatasourceKey, datasource)
	}
	return logger
}
