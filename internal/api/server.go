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

	"github.com/JakeFAU/source-collector/internal/collector"
	"github.com/JakeFAU/source-collector/internal/metrics"
	"github.com/JakeFAU/source-collector/internal/scheduler"
)

// RunController is the scheduler surface the API drives.
type RunController interface {
	Trigger(reason string) bool
	Running() bool
	Last() (scheduler.LastRun, bool)
}

// RecordLister exposes the tracked source records.
type RecordLister interface {
	List() []collector.SourceRecord
}

// ReadyFunc reports whether downstream dependencies are usable.
type ReadyFunc func(ctx context.Context) error

// Server wires HTTP handlers to the scheduler and metadata store.
type Server struct {
	router  chi.Router
	runs    RunController
	records RecordLister
	ready   ReadyFunc
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. ready may be nil.
func NewServer(runs RunController, records RecordLister, ready ReadyFunc, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{runs: runs, records: records, ready: ready, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/runs", s.triggerRun)
		r.Get("/runs/last", s.lastRun)
		r.Get("/records", s.listRecords)
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

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) triggerRun(w http.ResponseWriter, _ *http.Request) {
	queued := s.runs.Trigger(scheduler.ReasonManual)
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"queued":  queued,
		"running": s.runs.Running(),
	})
}

func (s *Server) lastRun(w http.ResponseWriter, _ *http.Request) {
	last, ok := s.runs.Last()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no run has completed yet")
		return
	}
	s.writeJSON(w, http.StatusOK, newRunResponse(last))
}

func (s *Server) listRecords(w http.ResponseWriter, _ *http.Request) {
	records := s.records.List()
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, newRecordResponse(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

type runResponse struct {
	Reason     string          `json:"reason"`
	Started    time.Time       `json:"started"`
	Finished   time.Time       `json:"finished"`
	Published  int             `json:"published"`
	Skipped    int             `json:"skipped"`
	Failures   int             `json:"failures"`
	Error      string          `json:"error,omitempty"`
	Sources    []sourceOutcome `json:"sources"`
	DurationMS int64           `json:"duration_ms"`
}

type sourceOutcome struct {
	Source     string `json:"source"`
	URL        string `json:"url"`
	DocumentID string `json:"document_id,omitempty"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
}

func newRunResponse(last scheduler.LastRun) runResponse {
	sum := last.Summary
	resp := runResponse{
		Reason:     last.Reason,
		Started:    sum.Started,
		Finished:   sum.Finished,
		Published:  sum.Count(collector.StatePublished),
		Skipped:    sum.Count(collector.StateSkipped),
		Failures:   sum.Failures(),
		Sources:    []sourceOutcome{},
		DurationMS: sum.Finished.Sub(sum.Started).Milliseconds(),
	}
	if last.Err != nil {
		resp.Error = last.Err.Error()
	}
	for _, report := range sum.Reports {
		for _, o := range report.Outcomes {
			so := sourceOutcome{
				Source:     report.Source,
				URL:        o.URL,
				DocumentID: o.DocumentID,
				State:      string(o.FinalState),
			}
			if o.Err != nil {
				so.Error = o.Err.Error()
			}
			resp.Sources = append(resp.Sources, so)
		}
	}
	return resp
}

type recordResponse struct {
	URL          string     `json:"url"`
	LastModified *time.Time `json:"last_modified,omitempty"`
	ETag         string     `json:"etag,omitempty"`
	ContentHash  string     `json:"content_hash"`
	DocumentID   string     `json:"document_id"`
}

func newRecordResponse(rec collector.SourceRecord) recordResponse {
	out := recordResponse{URL: rec.URL, ETag: rec.ETag, ContentHash: rec.ContentHash, DocumentID: rec.DocumentID}
	if !rec.LastModified.IsZero() {
		lm := rec.LastModified
		out.LastModified = &lm
	}
	return out
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
				zap.String("request_id", reqID),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"internal server error"}` + "\n"))
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
