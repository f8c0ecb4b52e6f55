package gateway

import (
	"fmt"
	"net/http"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/governor"
)

type conduitRequest struct {
	PortID    string `json:"portId"`
	ClusterID string `json:"clusterId"`
	ToolID    string `json:"toolId"`
}

type conduitReport struct {
	ConduitID string `json:"conduitId"`
	// Kind is "failure" or "timeout".
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}

type computeUsageRequest struct {
	Request governor.Request `json:"request"`
	Actual  float64          `json:"actual"`
}

type budgetsResponse struct {
	Budgets []governor.Budget `json:"budgets"`
}

// Admission decisions are answered with 200 whether allowed or denied; the
// body carries the verdict.
func (s *Server) handleConduitEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Conduits == nil {
		s.unavailable(w, "conduit governor")
		return
	}
	var req conduitRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Conduits.EvaluateConduit(r.Context(), req.PortID, req.ClusterID, req.ToolID))
}

func (s *Server) handleConduitReport(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Conduits == nil {
		s.unavailable(w, "conduit governor")
		return
	}
	var req conduitReport
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var err error
	switch req.Kind {
	case "failure":
		err = s.cfg.Conduits.ReportFailure(r.Context(), req.ConduitID, req.Reason)
	case "timeout":
		err = s.cfg.Conduits.ReportTimeout(r.Context(), req.ConduitID)
	default:
		err = fmt.Errorf("%w: kind must be failure or timeout", bus.ErrValidation)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConduitUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Conduits == nil {
		s.unavailable(w, "conduit governor")
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusOK, map[string]any{"conduits": s.cfg.Conduits.Conduits()})
		return
	}
	u, err := s.cfg.Conduits.Usage(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleComputeEvaluate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Compute == nil {
		s.unavailable(w, "compute governor")
		return
	}
	var req governor.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.cfg.Compute.Evaluate(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleComputeUsage(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Compute == nil {
		s.unavailable(w, "compute governor")
		return
	}
	var req computeUsageRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.cfg.Compute.RecordUsage(r.Context(), req.Request, req.Actual); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetsResponse{Budgets: s.cfg.Compute.Budgets().Budgets()})
}

func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Compute == nil {
		s.unavailable(w, "compute governor")
		return
	}
	writeJSON(w, http.StatusOK, budgetsResponse{Budgets: s.cfg.Compute.Budgets().Budgets()})
}
