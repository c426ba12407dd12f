package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/sqlgate/api"
	"pkt.systems/sqlgate/internal/datasource"
	"pkt.systems/sqlgate/internal/failure"
)

type xaBranchOp func(*datasource.Datasource, context.Context, string) error

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) error {
	return h.decodeBody(w, r, dst, false)
}

func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) error {
	return h.decodeBody(w, r, dst, true)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	body := http.MaxBytesReader(w, r.Body, h.jsonMaxBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return httpError{
				Status: http.StatusRequestEntityTooLarge,
				Code:   "request_too_large",
				Detail: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}
		}
		return failure.Invalid("invalid JSON body: %v", err)
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); !errors.Is(err, io.EOF) {
		return failure.Invalid("unexpected trailing JSON value")
	}
	return nil
}

// normalizeArgs converts decoded JSON values into driver-friendly arguments.
// Numbers become int64 when integral, float64 otherwise; objects and arrays
// are rejected.
func normalizeArgs(in []any) ([]any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]any, len(in))
	for i, v := range in {
		switch val := v.(type) {
		case json.Number:
			if n, err := val.Int64(); err == nil {
				out[i] = n
				continue
			}
			f, err := val.Float64()
			if err != nil {
				return nil, failure.Invalid("argument %d: %v", i, err)
			}
			out[i] = f
		case nil, string, bool:
			out[i] = val
		default:
			return nil, failure.Invalid("argument %d: unsupported type %T", i, v)
		}
	}
	return out, nil
}

func toAPIDecision(res datasource.Result) api.Decision {
	d := res.Decision
	return api.Decision{
		Fingerprint: d.Fingerprint,
		Lane:        d.Lane.String(),
		Borrowed:    d.Borrowed,
		Outcome:     string(d.Outcome),
		DurationMs:  float64(d.Duration) / float64(time.Millisecond),
	}
}

func toAPIStats(s datasource.Stats) api.DatasourceStats {
	out := api.DatasourceStats{
		Name:   s.Name,
		Driver: s.Driver,
		Breaker: api.BreakerStats{
			Threshold:           s.Breaker.Threshold,
			OpenDurationSeconds: int64(s.Breaker.OpenDuration / time.Second),
			Tracked:             s.Breaker.Tracked,
			Open:                s.Breaker.Open,
			HalfOpen:            s.Breaker.HalfOpen,
		},
		Latency: api.LatencyStats{
			Tracked:          s.Latency.Tracked,
			OverallAverageMs: s.Latency.OverallAverageMs,
		},
		Slots: api.SlotStats{
			Enabled:            s.Slots.Enabled,
			Total:              s.Slots.Total,
			Slow:               toAPILane(s.Slots.Slow.Size, s.Slots.Slow.Active, s.Slots.Slow.Available, s.Slots.Slow.LastActivity),
			Fast:               toAPILane(s.Slots.Fast.Size, s.Slots.Fast.Active, s.Slots.Fast.Available, s.Slots.Fast.LastActivity),
			SlowBorrowedToFast: s.Slots.SlowBorrowedToFast,
			FastBorrowedToSlow: s.Slots.FastBorrowedToSlow,
		},
		XA: api.XAStats{
			MaxTransactions: s.XA.MaxTransactions,
			Active:          s.XA.Active,
			Available:       s.XA.Available,
			TotalAcquired:   s.XA.TotalAcquired,
			TotalRejected:   s.XA.TotalRejected,
			OpenBranches:    s.Sessions.Active + s.Sessions.Prepared,
			Prepared:        s.Sessions.Prepared,
		},
		Connections: api.ConnectionStats{
			MaxOpen: s.DB.MaxOpenConnections,
			Open:    s.DB.OpenConnections,
			InUse:   s.DB.InUse,
			Idle:    s.DB.Idle,
		},
	}
	return out
}

func toAPILane(size, active, available int, last time.Time) api.LaneStats {
	lane := api.LaneStats{Size: size, Active: active, Available: available}
	if !last.IsZero() {
		lane.LastActivityUnix = last.Unix()
	}
	return lane
}
