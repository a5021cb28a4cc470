package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/assertion-verifier/internal/events"
	"github.com/JakeFAU/assertion-verifier/internal/metrics"
	"github.com/JakeFAU/assertion-verifier/internal/validation"
	"github.com/JakeFAU/assertion-verifier/internal/verification"
)

// Gate applies admission control ahead of the verify handler.
type Gate interface {
	Busy(next http.Handler) http.Handler
	LimitBody(next http.Handler) http.Handler
}

// Readiness reports whether the process accepts new work.
type Readiness interface {
	Ready() bool
}

// Deps are the collaborators of a Server.
type Deps struct {
	Dispatcher     verification.Dispatcher
	Gate           Gate
	Readiness      Readiness
	Events         events.Emitter
	Clock          verification.Clock
	Logger         *zap.Logger
	MetricsEnabled bool
}

// Server wires HTTP handlers to the dispatcher.
type Server struct {
	router     chi.Router
	dispatcher verification.Dispatcher
	readiness  Readiness
	events     events.Emitter
	clock      verification.Clock
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter := deps.Events
	if emitter == nil {
		emitter = events.Nop{}
	}
	s := &Server{
		dispatcher: deps.Dispatcher,
		readiness:  deps.Readiness,
		events:     emitter,
		clock:      deps.Clock,
		logger:     logger.Named("api"),
	}

	r := chi.NewRouter()
	if deps.MetricsEnabled {
		r.Use(metrics.Middleware)
	}
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	if deps.MetricsEnabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if deps.Gate != nil {
			r.Use(deps.Gate.Busy)
			r.Use(deps.Gate.LimitBody)
		}
		r.Post("/verify", s.verify)
		r.Post("/", s.verify)
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

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.readiness != nil && !s.readiness.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	start := s.now()

	req, err := validation.Validate(r)
	if err != nil {
		status, reason := http.StatusBadRequest, err.Error()
		if verr, ok := verification.AsError(err); ok {
			status, reason = verr.Status(), verr.Reason
		}
		s.logVerify(events.ResultFailure, reason, req.Audience)
		writeJSON(w, status, verification.FailureBody(reason))
		s.emit(start, events.ResultFailure, reason, req.Audience, status)
		return
	}

	out := s.dispatcher.Dispatch(r.Context(), req)
	status, body := verification.Normalize(out, req.Audience)
	writeJSON(w, status, body)

	if out.Kind == verification.OutcomeSuccess {
		s.logVerify(events.ResultSuccess, "", out.Success.Audience)
		s.emit(start, events.ResultSuccess, "", req.Audience, status)
		return
	}
	reason, _ := body["reason"].(string)
	s.logger.Info("assertion_failure")
	s.logVerify(events.ResultFailure, reason, req.Audience)
	s.emit(start, events.ResultFailure, reason, req.Audience, status)
}

func (s *Server) logVerify(result events.Result, reason, rp string) {
	fields := []zap.Field{zap.String("result", string(result)), zap.String("rp", rp)}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	s.logger.Info("verify", fields...)
}

func (s *Server) emit(start time.Time, result events.Result, reason, rp string, status int) {
	now := s.now()
	s.events.Emit(events.Event{
		TS:     now,
		Result: result,
		Reason: reason,
		RP:     rp,
		Status: status,
		Dur:    now.Sub(start),
	})
}

func (s *Server) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
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

// RequestID returns the request ID stored by the server middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		// Query strings may carry assertions; only the path is logged.
		s.logger.Info("request completed",
			zap.String("request_id", RequestID(r.Context())),
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
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error("panic recovered", zap.Any("error", rec), zap.String("request_id", RequestID(r.Context())))
				writeJSON(w, http.StatusInternalServerError, verification.FailureBody("internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}
