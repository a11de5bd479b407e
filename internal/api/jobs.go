package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/cache"
	"github.com/JakeFAU/render-cache/internal/pipeline"
	"github.com/JakeFAU/render-cache/internal/render"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 1000
)

type submitJobRequest struct {
	URL      string `json:"url"`
	Priority string `json:"priority"`
}

// submitJob handles POST /v1/render/jobs with {"url": ..., "priority": ...}.
// It returns 202 with the job id, 400 for bad input, 429 when the host is
// rate limited and 503 when the scheduler cannot take more work.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	priority, err := render.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h, err := s.pipeline.Render(r.Context(), req.URL, priority)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, cache.ErrInvalidKey):
			status = http.StatusBadRequest
		case errors.Is(err, pipeline.ErrHostNotAllowed):
			status = http.StatusForbidden
		case errors.Is(err, pipeline.ErrRateLimited):
			status = http.StatusTooManyRequests
		case errors.Is(err, render.ErrQueueFull), errors.Is(err, render.ErrSchedulerClosed):
			w.Header().Set("Retry-After", "5")
			status = http.StatusServiceUnavailable
		default:
			s.logger.Error("submit render failed", zap.String("url", req.URL), zap.Error(err))
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": h.ID()})
}

// listJobs handles GET /v1/render/jobs?status=&limit= over the finished-job
// history, newest first.
func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var filter render.Status
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		if filter, err = parseStatus(raw); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	history := s.jobs.History(0)
	jobs := make([]render.Job, 0, min(limit, len(history)))
	for _, job := range history {
		if filter != "" && job.Status != filter {
			continue
		}
		jobs = append(jobs, job)
		if len(jobs) == limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// getJob handles GET /v1/render/jobs/{job_id}.
func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.jobs.Job(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

// cancelJob handles POST /v1/render/jobs/{job_id}/cancel. It returns 409
// when the job already finished.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.jobs.Cancel(jobID) {
		writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": string(render.StatusCancelled)})
		return
	}
	job, ok := s.jobs.Job(jobID)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusConflict, map[string]string{
		"job_id": jobID,
		"status": string(job.Status),
		"error":  "job already finished",
	})
}

func parseJobID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "job_id")
	if raw == "" {
		return "", errors.New("job_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errors.New("invalid job_id")
	}
	return id.String(), nil
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

func parseStatus(input string) (render.Status, error) {
	switch strings.ToLower(input) {
	case "succeeded", "success":
		return render.StatusSucceeded, nil
	case "fallback", "succeeded_via_fallback":
		return render.StatusSucceededViaFallback, nil
	case "failed", "error":
		return render.StatusFailed, nil
	case "cancelled", "canceled":
		return render.StatusCancelled, nil
	default:
		return "", errors.New("invalid status")
	}
}
