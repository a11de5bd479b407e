package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/render-cache/internal/breaker"
	"github.com/JakeFAU/render-cache/internal/cache"
	"github.com/JakeFAU/render-cache/internal/metrics"
	"github.com/JakeFAU/render-cache/internal/pipeline"
	"github.com/JakeFAU/render-cache/internal/render"
	"github.com/JakeFAU/render-cache/internal/scheduler"
)

// Pipeline is the render pipeline surface used by the API.
type Pipeline interface {
	Render(ctx context.Context, rawURL string, priority render.Priority) (*scheduler.Handle, error)
	Invalidate(ctx context.Context, rawURL string) (bool, error)
	Status() pipeline.Status
}

// Jobs exposes scheduler job state.
type Jobs interface {
	Job(jobID string) (render.Job, bool)
	Cancel(jobID string) bool
	History(limit int) []render.Job
}

// Breakers exposes circuit state and manual reset.
type Breakers interface {
	Snapshots() []breaker.Snapshot
	Reset(name string) bool
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Config tunes the operator server.
type Config struct {
	// APIKey, when set, is required on /v1 routes via X-API-Key or ?api_key=.
	APIKey         string
	RequestTimeout time.Duration
	// Backlog, when set, enables POST /v1/render/backlog.
	Backlog Backlog
}

// Server wires HTTP handlers to the pipeline, scheduler and breaker.
type Server struct {
	router   chi.Router
	pipeline Pipeline
	jobs     Jobs
	breakers Breakers
	backlog  Backlog
	checks   []ReadinessCheck
	logger   *zap.Logger
}

const readyTimeout = 3 * time.Second

// NewServer constructs a Server with middleware and routes.
func NewServer(
	pipe Pipeline,
	jobs Jobs,
	breakers Breakers,
	cfg Config,
	logger *zap.Logger,
	checks ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		pipeline: pipe,
		jobs:     jobs,
		breakers: breakers,
		backlog:  cfg.Backlog,
		checks:   checks,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/render", func(r chi.Router) {
			r.Get("/stats", s.stats)
			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listJobs)
				r.Post("/", s.submitJob)
				r.Route("/{job_id}", func(r chi.Router) {
					r.Get("/", s.getJob)
					r.Post("/cancel", s.cancelJob)
				})
			})
			if s.backlog != nil {
				r.Post("/backlog", s.enqueue)
			}
		})
		r.Route("/breakers", func(r chi.Router) {
			r.Get("/", s.listBreakers)
			r.Post("/{name}/reset", s.resetBreaker)
		})
		r.Delete("/cache", s.invalidate)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	for _, check := range s.checks {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pipeline.Status())
}

func (s *Server) listBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.Snapshots()})
}

func (s *Server) resetBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if !s.breakers.Reset(name) {
		writeError(w, http.StatusNotFound, "breaker not found")
		return
	}
	s.logger.Info("breaker reset via API", zap.String("circuit", name))
	writeJSON(w, http.StatusOK, map[string]string{"name": name, "state": breaker.StateClosed.String()})
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeError(w, http.StatusBadRequest, "url query parameter required")
		return
	}
	deleted, err := s.pipeline.Invalidate(r.Context(), target)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, cache.ErrInvalidKey) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": target, "deleted": deleted})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
