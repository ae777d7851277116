package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lcrespo/backwatch/internal/executor"
	"github.com/lcrespo/backwatch/internal/track"
)

// Feature binds one tracked task family (backtests or sweeps) to its
// store and its engine submission call.
type Feature struct {
	Store  *track.Store
	Submit func(ctx context.Context, params json.RawMessage) (string, error)
}

type submitAccepted struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(f *Feature) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var params json.RawMessage
		if err := decodeJSON(r, &params); err != nil && !errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		feature := f.Store.Feature()
		began := time.Now()
		taskID, err := f.Submit(r.Context(), params)
		s.metrics.ObservePollStage("submit", time.Since(began))
		if err != nil {
			s.metrics.IncSubmission(feature, "error")
			s.log.Warnw("submission failed", "feature", feature, "error", err)
			var apiErr *executor.APIError
			if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
				respondError(w, http.StatusBadRequest, "engine_rejected", err.Error())
				return
			}
			respondError(w, http.StatusBadGateway, "submit_failed", err.Error())
			return
		}
		s.metrics.IncSubmission(feature, "ok")

		f.Store.Enqueue(taskID, modeFromParams(params))
		respondJSON(w, http.StatusAccepted, submitAccepted{
			TaskID: taskID,
			Status: string(track.StatusPending),
		})
	}
}

func (s *Server) handleList(f *Feature) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, f.Store.View())
	}
}

func (s *Server) handleGetTask(f *Feature) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := strings.TrimSpace(chi.URLParam(r, "id"))
		if taskID == "" {
			respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
			return
		}
		task, ok := f.Store.Task(taskID)
		if !ok {
			respondError(w, http.StatusNotFound, "task_not_found", "task "+taskID+" is not tracked")
			return
		}
		respondJSON(w, http.StatusOK, task)
	}
}

func (s *Server) handleSelectTask(f *Feature) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := strings.TrimSpace(chi.URLParam(r, "id"))
		if taskID == "" {
			respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
			return
		}
		if !f.Store.Select(taskID) {
			respondError(w, http.StatusNotFound, "task_not_found", "task "+taskID+" is not tracked")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"selected_id": taskID,
		})
	}
}

func (s *Server) handleRemoveTask(f *Feature) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := strings.TrimSpace(chi.URLParam(r, "id"))
		if taskID == "" {
			respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
			return
		}
		if !f.Store.Remove(taskID) {
			respondError(w, http.StatusNotFound, "task_not_found", "task "+taskID+" is not tracked")
			return
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"task_id": taskID,
			"removed": true,
		})
	}
}

func (s *Server) handleClearFinished(f *Feature) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]any{
			"dropped": f.Store.ClearFinished(),
		})
	}
}

// modeFromParams pulls an optional top-level mode hint out of the opaque
// submission payload. The first fetched status document replaces it.
func modeFromParams(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var probe struct {
		Mode string `json:"mode"`
	}
	if err := json.Unmarshal(params, &probe); err != nil {
		return ""
	}
	return strings.TrimSpace(probe.Mode)
}
