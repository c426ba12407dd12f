package httpapi

import (
	"net/http"
	"strings"

	"pkt.systems/sqlgate/api"
	"pkt.systems/sqlgate/internal/datasource"
	"pkt.systems/sqlgate/internal/failure"
)

func (h *Handler) datasource(name string) (*datasource.Datasource, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = h.defaultDatasource
	}
	if name == "" {
		return nil, failure.Invalid("datasource is required")
	}
	return h.registry.Get(name)
}

func (h *Handler) handleExec(w http.ResponseWriter, r *http.Request) error {
	return h.handleStatement(w, r, datasource.OpExec)
}

func (h *Handler) handleQuery(w http.ResponseWriter, r *http.Request) error {
	return h.handleStatement(w, r, datasource.OpQuery)
}

func (h *Handler) handleStatement(w http.ResponseWriter, r *http.Request, kind datasource.OpKind) error {
	var req api.StatementRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	ds, err := h.datasource(req.Datasource)
	if err != nil {
		return err
	}
	args, err := normalizeArgs(req.Args)
	if err != nil {
		return err
	}
	res, err := ds.Execute(r.Context(), datasource.Request{Kind: kind, SQL: req.SQL, Args: args})
	if err != nil {
		return err
	}
	if kind == datasource.OpQuery {
		h.writeJSON(w, http.StatusOK, api.QueryResponse{
			Datasource: ds.Name(),
			Columns:    res.Columns,
			Rows:       res.Rows,
			Decision:   toAPIDecision(res),
		}, nil)
		return nil
	}
	h.writeJSON(w, http.StatusOK, api.ExecResponse{
		Datasource:   ds.Name(),
		RowsAffected: res.RowsAffected,
		LastInsertID: res.LastInsertID,
		Decision:     toAPIDecision(res),
	}, nil)
	return nil
}

func (h *Handler) handleXAStart(w http.ResponseWriter, r *http.Request) error {
	var req api.XAStartRequest
	if err := h.decodeOptional(w, r, &req); err != nil {
		return err
	}
	ds, err := h.datasource(req.Datasource)
	if err != nil {
		return err
	}
	id, err := ds.XAStart(r.Context())
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.XAStartResponse{Datasource: ds.Name(), XID: id}, nil)
	return nil
}

func (h *Handler) handleXAExec(w http.ResponseWriter, r *http.Request) error {
	var req api.XAExecRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	if req.XID == "" {
		return failure.Invalid("xid is required")
	}
	ds, err := h.datasource(req.Datasource)
	if err != nil {
		return err
	}
	args, err := normalizeArgs(req.Args)
	if err != nil {
		return err
	}
	kind := datasource.OpKind(strings.ToLower(strings.TrimSpace(req.Kind)))
	res, err := ds.XAExec(r.Context(), req.XID, datasource.Request{Kind: kind, SQL: req.SQL, Args: args})
	if err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.XAExecResponse{
		Datasource:   ds.Name(),
		XID:          req.XID,
		RowsAffected: res.RowsAffected,
		LastInsertID: res.LastInsertID,
		Columns:      res.Columns,
		Rows:         res.Rows,
		Decision:     toAPIDecision(res),
	}, nil)
	return nil
}

func (h *Handler) handleXAPrepare(w http.ResponseWriter, r *http.Request) error {
	return h.handleXABranch(w, r, "prepared", (*datasource.Datasource).XAPrepare)
}

func (h *Handler) handleXACommit(w http.ResponseWriter, r *http.Request) error {
	return h.handleXABranch(w, r, "committed", (*datasource.Datasource).XACommit)
}

func (h *Handler) handleXARollback(w http.ResponseWriter, r *http.Request) error {
	return h.handleXABranch(w, r, "rolled_back", (*datasource.Datasource).XARollback)
}

func (h *Handler) handleXABranch(w http.ResponseWriter, r *http.Request, state string, op xaBranchOp) error {
	var req api.XABranchRequest
	if err := h.decode(w, r, &req); err != nil {
		return err
	}
	if req.XID == "" {
		return failure.Invalid("xid is required")
	}
	ds, err := h.datasource(req.Datasource)
	if err != nil {
		return err
	}
	if err := op(ds, r.Context(), req.XID); err != nil {
		return err
	}
	h.writeJSON(w, http.StatusOK, api.XABranchResponse{Datasource: ds.Name(), XID: req.XID, State: state}, nil)
	return nil
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) error {
	stats := h.registry.Stats()
	resp := api.StatsResponse{Datasources: make([]api.DatasourceStats, 0, len(stats))}
	for _, s := range stats {
		resp.Datasources = append(resp.Datasources, toAPIStats(s))
	}
	h.writeJSON(w, http.StatusOK, resp, nil)
	return nil
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) error {
	h.writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: h.version}, nil)
	return nil
}
