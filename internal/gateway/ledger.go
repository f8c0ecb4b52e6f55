package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/ledger"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
)

type historyResponse struct {
	Events []persistence.VectorEvent `json:"events"`
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.unavailable(w, "vector ledger")
		return
	}
	var req ledger.LogRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.cfg.Ledger.LogVectorEvent(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.unavailable(w, "vector ledger")
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: limit must be an integer", bus.ErrValidation))
			return
		}
		limit = n
	}
	events, err := s.cfg.Ledger.GetVectorHistory(r.Context(), q.Get("objectType"), q.Get("objectId"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []persistence.VectorEvent{}
	}
	writeJSON(w, http.StatusOK, historyResponse{Events: events})
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.unavailable(w, "vector ledger")
		return
	}
	proof, err := s.cfg.Ledger.GetProof(r.Context(), r.URL.Query().Get("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

// handleVerify always answers 200 once the request is well formed; an
// unknown id is reported in the body as reason "not_found".
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.unavailable(w, "vector ledger")
		return
	}
	var req ledger.VerifyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.cfg.Ledger.VerifyVectorEvent(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// rollupDate reads ?date=YYYY-MM-DD, defaulting to yesterday (UTC).
func rollupDate(r *http.Request) (time.Time, error) {
	raw := r.URL.Query().Get("date")
	if raw == "" {
		return time.Now().UTC().AddDate(0, 0, -1), nil
	}
	return ledger.ParseDate(raw)
}

func (s *Server) handleRunRollup(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.unavailable(w, "vector ledger")
		return
	}
	day, err := rollupDate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	root, err := s.cfg.Ledger.RunVectorRollup(r.Context(), day)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}

func (s *Server) handleGetRollup(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		s.unavailable(w, "vector ledger")
		return
	}
	day, err := rollupDate(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	root, err := s.cfg.Ledger.GetRollup(r.Context(), day.Format(ledger.DateLayout))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, root)
}
