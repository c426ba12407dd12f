// Package httpapi exposes datasources over the sqlgate HTTP/JSON surface.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/sqlgate/api"
	"pkt.systems/sqlgate/internal/correlation"
	"pkt.systems/sqlgate/internal/datasource"
	"pkt.systems/sqlgate/internal/failure"
	"pkt.systems/sqlgate/internal/svcfields"
)

// DefaultJSONMaxBytes bounds request bodies when Config.JSONMaxBytes is unset.
const DefaultJSONMaxBytes int64 = 1 << 20

// Config wires a Handler.
type Config struct {
	Registry          *datasource.Registry
	DefaultDatasource string
	JSONMaxBytes      int64
	// TracingEnabled wraps every route with otelhttp and opens per-operation spans.
	TracingEnabled bool
	Version        string
	Logger         pslog.Logger
}

// Handler serves the sqlgate API.
type Handler struct {
	registry          *datasource.Registry
	defaultDatasource string
	jsonMaxBytes      int64
	tracingEnabled    bool
	version           string
	logger            pslog.Logger
	tracer            trace.Tracer
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New constructs a Handler.
func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	maxBytes := cfg.JSONMaxBytes
	if maxBytes <= 0 {
		maxBytes = DefaultJSONMaxBytes
	}
	registry := cfg.Registry
	if registry == nil {
		registry = datasource.NewRegistry()
	}
	return &Handler{
		registry:          registry,
		defaultDatasource: cfg.DefaultDatasource,
		jsonMaxBytes:      maxBytes,
		tracingEnabled:    cfg.TracingEnabled,
		version:           cfg.Version,
		logger:            logger,
		tracer:            otel.Tracer("pkt.systems/sqlgate/httpapi"),
	}
}

// Register installs every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /v1/exec", h.wrap("exec", h.handleExec))
	mux.Handle("POST /v1/query", h.wrap("query", h.handleQuery))
	mux.Handle("POST /v1/xa/start", h.wrap("xa.start", h.handleXAStart))
	mux.Handle("POST /v1/xa/exec", h.wrap("xa.exec", h.handleXAExec))
	mux.Handle("POST /v1/xa/prepare", h.wrap("xa.prepare", h.handleXAPrepare))
	mux.Handle("POST /v1/xa/commit", h.wrap("xa.commit", h.handleXACommit))
	mux.Handle("POST /v1/xa/rollback", h.wrap("xa.rollback", h.handleXARollback))
	mux.Handle("GET /v1/stats", h.wrap("stats", h.handleStats))
	mux.Handle("GET /healthz", h.wrap("healthz", h.handleHealth))
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := "api.http." + operation
	spanName := "sqlgate.op." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if id, ok := correlation.Normalize(r.Header.Get(correlation.Header)); ok {
			ctx = correlation.With(ctx, id)
		}
		ctx, cid := correlation.Ensure(ctx)
		w.Header().Set(correlation.Header, cid)

		var span trace.Span
		if h.tracingEnabled {
			ctx, span = h.tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("sqlgate.operation", operation),
					attribute.String("sqlgate.cid", cid),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", xid.New().String(),
			"cid", cid,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			herr := toHTTPError(err)
			if h.tracingEnabled {
				span.RecordError(err)
				span.SetStatus(codes.Error, herr.Code)
				span.SetAttributes(
					attribute.String("sqlgate.error_code", herr.Code),
					attribute.Int("sqlgate.error_status", herr.Status),
				)
			}
			logger.Debug("http.request.error", "elapsed", time.Since(start), "error", err)
			h.handleError(ctx, w, herr)
			return
		}
		if h.tracingEnabled {
			span.SetStatus(codes.Ok, "")
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !h.tracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, "sqlgate.http."+operation,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}

type httpError struct {
	Status     int
	Code       string
	Detail     string
	RetryAfter int64
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return h.Code + ": " + h.Detail
	}
	return h.Code
}

// toHTTPError maps locally synthesized failures to their status and passes
// backend errors through as backend_error with the driver's message.
func toHTTPError(err error) httpError {
	var herr httpError
	if errors.As(err, &herr) {
		return herr
	}
	if f, ok := failure.As(err); ok {
		status := f.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		return httpError{
			Status:     status,
			Code:       string(f.Code),
			Detail:     f.Detail,
			RetryAfter: retryAfterSeconds(f.RetryAfter),
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return httpError{
			Status: failure.StatusClientClosedRequest,
			Code:   string(failure.CodeInterrupted),
			Detail: err.Error(),
		}
	}
	return httpError{Status: http.StatusBadGateway, Code: "backend_error", Detail: err.Error()}
}

func retryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, herr httpError) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	if herr.Status >= http.StatusInternalServerError && herr.Code != "backend_error" {
		logger.Warn("http.request.failure", "status", herr.Status, "code", herr.Code, "detail", herr.Detail)
	} else {
		logger.Debug("http.request.failure", "status", herr.Status, "code", herr.Code, "detail", herr.Detail)
	}
	headers := map[string]string{}
	if herr.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(herr.RetryAfter, 10)
	}
	h.writeJSON(w, herr.Status, api.ErrorResponse{
		ErrorCode:         herr.Code,
		Detail:            herr.Detail,
		RetryAfterSeconds: herr.RetryAfter,
	}, headers)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
