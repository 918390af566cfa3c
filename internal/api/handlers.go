package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/webhook-runner/internal/history"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Verification: map[string]string{
			"commit": orDisabled(s.config.CommitVerification),
			"tag":    orDisabled(s.config.TagVerification),
		},
		History: s.deps.History != nil,
	}
	if s.deps.Pool != nil {
		resp.Workers = WorkerStatus{Capacity: s.deps.Pool.Capacity(), InUse: s.deps.Pool.InUse()}
		if resp.Workers.InUse >= resp.Workers.Capacity {
			resp.Status = "saturated"
		}
	}
	if s.deps.Repository != nil {
		h := s.deps.Repository.Handle()
		resp.Repository.LastSynced = h.LastSynced
		if !h.SyncedAt.IsZero() {
			syncedAt := h.SyncedAt
			resp.Repository.SyncedAt = &syncedAt
		}
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleGetJob handles GET /job/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}
	jobID := chi.URLParam(r, "jobID")

	run, err := s.deps.History.GetRun(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, history.ErrRunNotFound) {
			// Running jobs are recorded only when they finish.
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to retrieve job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
		return
	}

	respondJSON(w, http.StatusOK, JobStatusResponse{
		JobID:       run.JobID,
		DeliveryID:  run.DeliveryID,
		Kind:        string(run.Kind),
		Ref:         run.Ref,
		ObjectID:    run.ObjectID,
		Status:      string(run.Status),
		ExitCode:    run.ExitCode,
		Stdout:      run.Stdout,
		Stderr:      run.Stderr,
		Error:       run.Error,
		StartedAt:   run.StartedAt,
		CompletedAt: run.FinishedAt,
		DurationMS:  run.Duration().Milliseconds(),
	})
}

// handleListDeliveries handles GET /deliveries?limit=N, newest first.
func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history is disabled")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	deliveries, err := s.deps.History.ListDeliveries(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to list deliveries", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list deliveries")
		return
	}
	respondJSON(w, http.StatusOK, DeliveryListResponse{Deliveries: deliveries})
}

func orDisabled(v string) string {
	if v == "" {
		return "disabled"
	}
	return v
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
