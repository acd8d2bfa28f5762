package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/ephem"
	"github.com/neo/neotrack/internal/sched"
	"github.com/neo/neotrack/internal/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody decodes a JSON request body into v. An empty body is accepted
// and leaves v at its zero value.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trksubs []string `json:"trksubs"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	results, err := s.deps.Engine.Refresh(r.Context(), req.Trksubs)
	if err != nil {
		s.logger.Error("observability refresh failed", "error", err)
		writeError(w, http.StatusInternalServerError, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) handleListObservability(w http.ResponseWriter, r *http.Request) {
	results, err := s.deps.Store.ListObservability(r.Context())
	if err != nil {
		s.logger.Error("listing observability failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(results),
		"results": results,
	})
}

func (s *Server) handleObservableTargets(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	results, err := s.deps.Store.ListObservable(r.Context(), now)
	if err != nil {
		s.logger.Error("listing observable targets failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"as_of":   now,
		"count":   len(results),
		"targets": results,
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	trksub := r.PathValue("trksub")
	when := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid at: want RFC3339")
			return
		}
		when = t.UTC()
	}

	pos, err := s.deps.Predictor.Predict(r.Context(), trksub, when)
	if err != nil {
		if errors.Is(err, ephem.ErrNotAvailable) {
			writeError(w, http.StatusNotFound, "no ephemeris available for "+trksub)
			return
		}
		s.logger.Error("prediction failed", "trksub", trksub, "error", err)
		writeError(w, http.StatusInternalServerError, "prediction failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trksub":   trksub,
		"at":       when,
		"position": pos,
	})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Sessions.Snapshot())
}

func (s *Server) handleSessionStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CalibrationFilter   string  `json:"calibration_filter"`
		DarkExposureSeconds float64 `json:"dark_exposure_seconds"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sess, err := s.deps.Sessions.Start(r.Context(), req.CalibrationFilter, req.DarkExposureSeconds)
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleSessionPause(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Pause(r.Context())
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Resume(r.Context())
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.End(r.Context())
	if err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNoSession):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrSessionActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusConflict, err.Error())
	}
}

func (s *Server) handleTargetMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.deps.Sessions.SetTargetMode(r.Context(), domain.TargetMode(req.Mode)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, selected := s.deps.Sessions.TargetMode()
	writeJSON(w, http.StatusOK, map[string]any{
		"target_mode":     mode,
		"selected_target": selected,
	})
}

func (s *Server) handleSelectTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trksub string `json:"trksub"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Trksub == "" {
		writeError(w, http.StatusBadRequest, "trksub is required")
		return
	}

	if err := s.deps.Sessions.SelectTarget(r.Context(), req.Trksub); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode, selected := s.deps.Sessions.TargetMode()
	writeJSON(w, http.StatusOK, map[string]any{
		"target_mode":     mode,
		"selected_target": selected,
	})
}

func (s *Server) handleRecordCalibration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Type  string `json:"type"`
		Count int    `json:"count"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	if err := s.deps.Sessions.RecordCalibration(req.Type, req.Count); err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Sessions.Snapshot())
}

func (s *Server) handleKickoff(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Pilot.Kickoff(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, sched.ErrSequenceRunning):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, sched.ErrSessionPaused):
			writeError(w, http.StatusLocked, err.Error())
		case errors.Is(err, sched.ErrNoTarget):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, sched.ErrMissingCoords):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("kickoff failed", "error", err)
			writeError(w, http.StatusInternalServerError, "kickoff failed")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"plan":    plan,
		"running": s.deps.Pilot.Running(),
	})
}

func (s *Server) handleAcquire(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trksub string `json:"trksub"`
		Target string `json:"target"`
		Filter string `json:"filter"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Trksub == "" {
		writeError(w, http.StatusBadRequest, "trksub is required")
		return
	}
	if req.Target == "" {
		req.Target = req.Trksub
	}
	if req.Filter == "" {
		req.Filter = "L"
	}

	// One mount command stream: a manual acquire holds the same guard as a
	// queued capture sequence.
	if err := s.deps.Pilot.BeginManual(); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer s.deps.Pilot.EndManual()

	// Slew and settle alone can take minutes; lift the server-wide write
	// deadline for this response. ResponseControllers that do not support
	// deadlines (tests) are left as-is.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("clearing write deadline failed", "error", err)
	}

	result := s.deps.Acquire.Acquire(r.Context(), req.Trksub, req.Target, req.Filter)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("target")
	limit := queryLimit(r, 50)

	logs, err := s.deps.Store.ListCaptureLogs(r.Context(), target, limit)
	if err != nil {
		s.logger.Error("listing captures failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(logs),
		"captures": logs,
	})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	notes := s.deps.Notifications.Recent(queryLimit(r, 50))
	writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(notes),
		"notifications": notes,
	})
}

func (s *Server) handleWeather(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Weather.Status(r.Context()))
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	presets := s.deps.Presets.Presets()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(presets),
		"presets": presets,
	})
}
