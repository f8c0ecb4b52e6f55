package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/BrandonDucar/dream-net-sub003/internal/bus"
	"github.com/BrandonDucar/dream-net-sub003/internal/persistence"
	"github.com/BrandonDucar/dream-net-sub003/internal/rail"
)

type healthResponse struct {
	Healthy           bool      `json:"healthy"`
	DBOK              bool      `json:"db_ok"`
	Version           string    `json:"version,omitempty"`
	ConfigFingerprint string    `json:"config_fingerprint,omitempty"`
	SigningEnabled    bool      `json:"signing_enabled"`
	Bus               bus.Stats `json:"bus"`
	PersistedEvents   int64     `json:"persisted_events"`
	AuditDenials      int64     `json:"audit_denials"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{
		DBOK:              true,
		Version:           s.cfg.Version,
		ConfigFingerprint: s.cfg.ConfigFingerprint,
		AuditDenials:      s.cfg.Audit.DenyCount(),
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(ctx); err != nil {
			s.logger.Warn("healthz: store ping failed", "error", err)
			resp.DBOK = false
		}
		if n, err := s.cfg.Store.TotalEventCount(ctx); err == nil {
			resp.PersistedEvents = n
		}
	}
	if s.cfg.Bus != nil {
		resp.Bus = s.cfg.Bus.Stats()
		resp.SigningEnabled = s.cfg.Bus.SigningEnabled()
	}
	resp.Healthy = resp.DBOK
	status := http.StatusOK
	if !resp.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleRailJobs(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.Rail == nil {
		s.unavailable(w, "magnetic rail")
		return
	}
	jobs := s.cfg.Rail.Jobs()
	if jobs == nil {
		jobs = []rail.JobInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleRailRun runs a job now. A handler failure is reported in the body;
// the job stays scheduled either way.
func (s *Server) handleRailRun(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Rail == nil {
		s.unavailable(w, "magnetic rail")
		return
	}
	id := r.URL.Query().Get("id")
	err := s.cfg.Rail.RunJob(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "ok": true})
	case statusFor(err) == http.StatusNotFound:
		s.writeError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"jobId": id, "ok": false, "error": err.Error()})
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Watchdog == nil {
		s.unavailable(w, "watchdog")
		return
	}
	res, err := s.cfg.Watchdog.RunSnapshot(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		s.unavailable(w, "store")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	alerts, err := s.cfg.Store.ListAlerts(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []persistence.WatchdogAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}
