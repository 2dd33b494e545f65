// Package api exposes the HTTP interface for the crawler service.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/minorsearch/crawler/internal/crawl"
	"github.com/minorsearch/crawler/internal/scheduler"
)

// Server wires HTTP handlers to the scheduler.
type Server struct {
	router    chi.Router
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(sched *scheduler.Scheduler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		scheduler: sched,
		logger:    logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.scheduleRun)
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/status", s.runStatus)
				r.Get("/result", s.runResult)
				r.Post("/cancel", s.cancelRun)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type scheduleRequest struct {
	Projects []projectRequest `json:"projects"`
}

type projectRequest struct {
	ID             string            `json:"id"`
	Query          string            `json:"query"`
	RelatedQueries []string          `json:"related_queries"`
	Metadata       map[string]string `json:"metadata"`
	CrawlLimit     *int              `json:"crawl_limit"`
	ChunkSize      *int              `json:"chunk_size"`
	Seeds          []seedRequest     `json:"seeds"`
}

type seedRequest struct {
	URL        string            `json:"url"`
	Metadata   map[string]string `json:"metadata"`
	CrawlLimit *int              `json:"crawl_limit"`
	ChunkSize  *int              `json:"chunk_size"`
}

func (s *Server) scheduleRun(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	projects := make([]crawl.Project, 0, len(req.Projects))
	for _, p := range req.Projects {
		projects = append(projects, toProject(p))
	}

	run, err := s.scheduler.Schedule(r.Context(), projects...)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": run.ID()})
}

func toProject(req projectRequest) crawl.Project {
	params := crawl.Params{
		CrawlLimit: valueOrDefault(req.CrawlLimit, 0),
		ChunkSize:  valueOrDefault(req.ChunkSize, 0),
	}
	seeds := make([]crawl.Seed, 0, len(req.Seeds))
	for _, seed := range req.Seeds {
		seeds = append(seeds, crawl.Seed{
			URL: seed.URL,
			Params: crawl.Params{
				CrawlLimit: valueOrDefault(seed.CrawlLimit, 0),
				ChunkSize:  valueOrDefault(seed.ChunkSize, 0),
			},
			Metadata: seed.Metadata,
		})
	}
	return crawl.Project{
		ID:             req.ID,
		Query:          req.Query,
		RelatedQueries: req.RelatedQueries,
		Metadata:       req.Metadata,
		Params:         params,
		Seeds:          seeds,
	}
}

func (s *Server) runStatus(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":       run.ID(),
		"state":        string(run.State()),
		"pending_jobs": run.Pending(),
		"cancelled":    run.Cancelled(),
	})
}

func (s *Server) runResult(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	result, done := run.Result()
	if !done {
		s.writeError(w, http.StatusConflict, "run has not completed")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if err := s.scheduler.Cancel(runID); err != nil {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"run_id": runID, "status": "cancelling"})
}

func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*crawl.Run, bool) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.scheduler.Get(runID)
	if err != nil {
		if errors.Is(err, crawl.ErrRunNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
		} else {
			s.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return nil, false
	}
	return run, true
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
