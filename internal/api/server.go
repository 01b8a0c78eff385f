// Package api exposes the HTTP status interface for the notifier service.
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

	"github.com/JakeFAU/bilibili-notifier/internal/metrics"
	"github.com/JakeFAU/bilibili-notifier/internal/poller"
	"github.com/JakeFAU/bilibili-notifier/internal/state"
)

// StatusSource reports the poll loop's current phase and last cycle.
type StatusSource interface {
	Status() poller.Status
}

// Snapshotter exposes a copy of the dedup state.
type Snapshotter interface {
	Snapshot() state.Snapshot
}

// Server wires HTTP handlers to the poll loop and state store.
type Server struct {
	router chi.Router
	status StatusSource
	state  Snapshotter
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(status StatusSource, snap Snapshotter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		status: status,
		state:  snap,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.getStatus)
		r.Get("/state", s.getState)
		r.Get("/state/{mid}", s.getAccountState)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

// readyz reports ready once a cycle has finished and persisted.
func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	st := s.status.Status()
	switch {
	case st.LastReport == nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"}, s.logger)
	case st.LastError != nil:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded",
			"error":  st.LastError.Error(),
		}, s.logger)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
	}
}

type statusResponse struct {
	Phase     string       `json:"phase"`
	LastCycle *cycleReport `json:"last_cycle,omitempty"`
	LastError string       `json:"last_error,omitempty"`
}

type cycleReport struct {
	CycleID             string       `json:"cycle_id"`
	StartedAt           time.Time    `json:"started_at"`
	DurationMS          int64        `json:"duration_ms"`
	Pairs               int          `json:"pairs"`
	FailedPairs         []pairFailed `json:"failed_pairs,omitempty"`
	Seeded              int          `json:"seeded"`
	New                 int          `json:"new"`
	Notified            int          `json:"notified"`
	FailedNotifications int          `json:"failed_notifications"`
	Deferred            int          `json:"deferred"`
}

type pairFailed struct {
	MID   int64  `json:"mid"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func (s *Server) getStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.status.Status()
	resp := statusResponse{Phase: string(st.Phase)}
	if st.LastError != nil {
		resp.LastError = st.LastError.Error()
	}
	if r := st.LastReport; r != nil {
		report := &cycleReport{
			CycleID:             r.CycleID,
			StartedAt:           r.StartedAt,
			DurationMS:          r.Duration.Milliseconds(),
			Pairs:               r.Pairs,
			Seeded:              r.Seeded,
			New:                 r.New,
			Notified:            r.Notified,
			FailedNotifications: r.FailedNotifications,
			Deferred:            r.Deferred,
		}
		for _, f := range r.FailedPairs {
			report.FailedPairs = append(report.FailedPairs, pairFailed{
				MID:   f.Pair.MID,
				Kind:  string(f.Pair.Kind),
				Error: f.Err.Error(),
			})
		}
		resp.LastCycle = report
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
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
			logger.Debug("request completed",
				zap.String("request_id", reqID),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
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
					writeError(w, http.StatusInternalServerError, "internal server error", logger)
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

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}
