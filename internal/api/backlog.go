package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/queue"
	"github.com/JakeFAU/render-cache/internal/render"
)

// Backlog accepts render requests for whichever replica has capacity.
type Backlog interface {
	Publish(ctx context.Context, req queue.Request) error
}

// enqueue handles POST /v1/render/backlog. The request is only published;
// no job exists until a feeder admits it, so the response carries no id.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request) {
	var body submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	priority, err := render.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := queue.Request{URL: body.URL, Priority: priority}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.backlog.Publish(r.Context(), req); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, queue.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		s.logger.Error("backlog publish failed", zap.String("url", req.URL), zap.Error(err))
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"url": req.URL, "priority": priority.String()})
}
