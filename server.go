package sqlgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/internal/clock"
	"pkt.systems/sqlgate/internal/datasource"
	"pkt.systems/sqlgate/internal/httpapi"
	"pkt.systems/sqlgate/internal/svcfields"
	"pkt.systems/sqlgate/internal/version"
)

// Server wraps the HTTP server, the datasource registry and telemetry.
type Server struct {
	cfg        Config
	logger     pslog.Logger
	registry   *datasource.Registry
	handler    *httpapi.Handler
	httpSrv    *http.Server
	clock      clock.Clock
	telemetry  *telemetry
	socketPath string

	mu           sync.Mutex
	listener     net.Listener
	shutdown     bool
	lastServeErr error
	samplerStop  chan struct{}
	samplerDone  sync.WaitGroup
	readyOnce    sync.Once
	readyCh      chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint used for tracing.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// NewServer opens every configured datasource and prepares the HTTP server.
// Example:
//
//	cfg := sqlgate.Config{
//	    Listen:      "127.0.0.1:9350",
//	    Datasources: []sqlgate.DatasourceConfig{{Name: "main", Driver: "pgx", DSN: os.Getenv("DATABASE_URL")}},
//	}
//	srv, err := sqlgate.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	serverClock := clock.Or(o.Clock)
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}
	ver := version.Current()

	tel, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
		Version:                ver,
	}, svcfields.WithSubsystem(logger, "server.telemetry"))
	if err != nil {
		return nil, err
	}
	abort := func(err error, registry *datasource.Registry) (*Server, error) {
		if registry != nil {
			_ = registry.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
		return nil, err
	}

	registry := datasource.NewRegistry()
	for _, dsCfg := range cfg.Datasources {
		rc := dsCfg.datasourceConfig()
		rc.Clock = serverClock
		rc.Logger = logger
		ds, err := datasource.Open(context.Background(), rc)
		if err != nil {
			return abort(err, registry)
		}
		if err := registry.Add(ds); err != nil {
			_ = ds.Close()
			return abort(err, registry)
		}
		svcfields.WithDatasource(logger, dsCfg.Name, "server.lifecycle.init").Info("sqlgate.datasource.opened",
			"driver", ds.Driver(),
			"total_slots", dsCfg.TotalSlots,
			"slow_percent", dsCfg.SlowPercent,
			"pool_disabled", dsCfg.PoolDisabled,
			"failure_threshold", dsCfg.FailureThreshold,
			"open_duration", dsCfg.OpenDuration,
			"xa_max_transactions", dsCfg.XAMaxTransactions,
		)
	}

	handler := httpapi.New(httpapi.Config{
		Registry:          registry,
		DefaultDatasource: cfg.DefaultDatasource,
		JSONMaxBytes:      cfg.JSONMaxBytes,
		TracingEnabled:    tel != nil && tel.tracing,
		Version:           ver,
		Logger:            logger,
	})
	mux := http.NewServeMux()
	handler.Register(mux)

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(errorLogWriter{logger: svcfields.WithSubsystem(logger, "api.http.server")}, "", 0),
	}

	return &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, "server.lifecycle"),
		registry:  registry,
		handler:   handler,
		httpSrv:   httpSrv,
		clock:     serverClock,
		telemetry: tel,
		readyCh:   make(chan struct{}),
	}, nil
}

// Handler returns the HTTP handler so sqlgate can be mounted inside an
// existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.mu.Unlock()
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("sqlgate.server.listening",
		"network", s.cfg.ListenProto,
		"address", ln.Addr().String(),
		"datasources", s.registry.Names(),
		"default_datasource", s.cfg.DefaultDatasource,
		"version", version.Current(),
	)
	s.startSampler()
	defer s.stopSampler()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown stops accepting requests, waits for in-flight ones, rolls back
// open XA branches and closes every datasource.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	s.logger.Info("sqlgate.server.shutdown.begin")
	s.signalReady()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.stopSampler()
	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	if err := s.registry.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := s.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	if s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error("sqlgate.server.shutdown.failed", "error", err)
		return err
	}
	s.logger.Info("sqlgate.server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the Prometheus listener address, if enabled.
func (s *Server) MetricsAddr() net.Addr {
	if s.telemetry == nil {
		return nil
	}
	return s.telemetry.metricsAddr
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// startSampler logs a snapshot of every datasource on each interval tick.
func (s *Server) startSampler() {
	if s.cfg.StatsLogInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.samplerStop != nil {
		s.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	s.samplerStop = stopCh
	s.samplerDone.Add(1)
	interval := s.cfg.StatsLogInterval
	s.mu.Unlock()
	go func() {
		defer s.samplerDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				s.logStats()
			}
		}
	}()
}

func (s *Server) stopSampler() {
	s.mu.Lock()
	stopCh := s.samplerStop
	s.samplerStop = nil
	s.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
		s.samplerDone.Wait()
	}
}

func (s *Server) logStats() {
	for _, st := range s.registry.Stats() {
		svcfields.WithDatasource(s.logger, st.Name, "server.stats").Info("sqlgate.stats.sample",
			"breaker_tracked", st.Breaker.Tracked,
			"breaker_open", st.Breaker.Open,
			"latency_tracked", st.Latency.Tracked,
			"latency_overall_ms", st.Latency.OverallAverageMs,
			"slots_enabled", st.Slots.Enabled,
			"slow_active", st.Slots.Slow.Active,
			"fast_active", st.Slots.Fast.Active,
			"slow_lent_to_fast", st.Slots.SlowBorrowedToFast,
			"fast_lent_to_slow", st.Slots.FastBorrowedToSlow,
			"xa_active", st.XA.Active,
			"xa_rejected", st.XA.TotalRejected,
			"db_open_connections", st.DB.OpenConnections,
		)
	}
}

// errorLogWriter routes net/http server errors into the structured logger.
type errorLogWriter struct {
	logger pslog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("sqlgate.http.server_error", "message", string(bytes.TrimSpace(p)))
	return len(p), nil
}

// StartServer starts a server in a background goroutine and waits until it
// accepts connections. The returned stop function shuts it down.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = http.ErrServerClosed
		}
		return nil, nil, err
	case <-srv.readyCh:
	case <-waitCtx.Done():
		_ = srv.Shutdown(context.Background())
		<-errCh
		return nil, nil, waitCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
			}
			if err := <-errCh; err != nil && stopErr == nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
