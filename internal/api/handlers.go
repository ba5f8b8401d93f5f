package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldacoustics/slmgate/internal/store"
)

func unitID(r *http.Request) string {
	return chi.URLParam(r, "unit_id")
}

// -------------------------------------------------------------------------
// Registry
// -------------------------------------------------------------------------

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	configs, err := s.svc.Store().ListConfigs(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": configs,
		"count":   len(configs),
	})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.svc.Store().GetConfig(r.Context(), unitID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// handlePutConfig upserts the device row: absent fields keep their current
// value (or the documented default on first registration).
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var upd store.ConfigUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid config body: " + err.Error()})
		return
	}

	cfg, err := s.svc.Store().ApplyConfig(r.Context(), unitID(r), upd)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteDevice(r.Context(), unitID(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// -------------------------------------------------------------------------
// Status
// -------------------------------------------------------------------------

func (s *Server) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.svc.Store().ListStatuses(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"statuses": statuses,
		"count":    len(statuses),
	})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Store().GetStatus(r.Context(), unitID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handlePostStatus is the external-writer upsert: partial scalar update,
// last_seen stamped.
func (s *Server) handlePostStatus(w http.ResponseWriter, r *http.Request) {
	var upd store.StatusUpdate
	if err := decodeJSON(r, &upd); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid status body: " + err.Error()})
		return
	}

	id := unitID(r)
	if err := s.svc.Store().ApplyStatusUpdate(r.Context(), id, upd, time.Now()); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.svc.Store().GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// -------------------------------------------------------------------------
// Device Logs
// -------------------------------------------------------------------------

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.LogFilter{
		Level:    q.Get("level"),
		Category: q.Get("category"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid since timestamp: " + err.Error()})
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid offset"})
			return
		}
		f.Offset = n
	}

	entries, err := s.svc.Store().QueryLogs(r.Context(), unitID(r), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  entries,
		"count": len(entries),
	})
}

func (s *Server) handleLogStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Store().LogStatsFor(r.Context(), unitID(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
