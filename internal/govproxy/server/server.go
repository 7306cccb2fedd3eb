// Package server exposes the governance proxy over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/vaibhaw-/govproxy/internal/govproxy/logger"
	"github.com/vaibhaw-/govproxy/internal/govproxy/model"
	"github.com/vaibhaw-/govproxy/internal/govproxy/report"
)

const maxBodyBytes = 1 << 20

// Evaluator is the part of *proxy.Proxy the server calls.
type Evaluator interface {
	ExecuteSecureQuery(ctx context.Context, q model.AgentQuery) model.Verdict
	Validate(ctx context.Context, q model.AgentQuery) (model.ValidationResult, error)
	RecordExecution(ctx context.Context, q model.AgentQuery, rows int64, elapsed time.Duration, execErr error) error
}

type Options struct {
	Version string
	// AuditFiles backs GET /v1/governance/audit/{correlationId}. The route
	// is not mounted when empty.
	AuditFiles      []string
	ShutdownTimeout time.Duration
	Now             func() time.Time
}

type Server struct {
	eval   Evaluator
	opts   Options
	router chi.Router
}

func New(eval Evaluator, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{eval: eval, opts: opts}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(governanceHeaders(s.opts.Version))
	r.Use(requestLogger)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.opts.Version})
	})
	r.Route("/v1/governance", func(r chi.Router) {
		r.Post("/execute", s.handleExecute)
		r.Post("/validate", s.handleValidate)
		r.Post("/executions", s.handleExecution)
		if len(s.opts.AuditFiles) > 0 {
			r.Get("/audit/{correlationId}", s.handleTrail)
		}
	})
	return r
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.L().Infow("HTTP server listening", "addr", addr, "version", s.opts.Version)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	logger.L().Infow("HTTP server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	v := s.eval.ExecuteSecureQuery(r.Context(), q)
	w.Header().Set(HeaderCorrelationID, v.CorrelationID)
	writeJSON(w, statusFor(v), NewExecuteResponse(v))
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	q, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	res, err := s.eval.Validate(r.Context(), q)
	resp := ValidationResponse{
		ValidationResult: res,
		CorrelationID:    q.CorrelationID,
		Timestamp:        s.opts.Now().UTC(),
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, resp)
	case err != nil:
		logger.L().Errorw("Validation could not be audited", "correlation_id", q.CorrelationID, "error", err)
		writeError(w, http.StatusServiceUnavailable, q.CorrelationID, "audit unavailable")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	var rep ExecutionReport
	if err := decodeJSON(w, r, &rep); err != nil {
		writeError(w, http.StatusBadRequest, CorrelationIDFromContext(r.Context()), err.Error())
		return
	}
	if rep.Query.CorrelationID == "" {
		writeError(w, http.StatusBadRequest, "", "query.correlationId is required")
		return
	}
	var execErr error
	if rep.Error != "" {
		execErr = errors.New(rep.Error)
	}
	elapsed := time.Duration(rep.ElapsedMs) * time.Millisecond
	if err := s.eval.RecordExecution(r.Context(), rep.Query, rep.Rows, elapsed, execErr); err != nil {
		logger.L().Errorw("Execution could not be audited", "correlation_id", rep.Query.CorrelationID, "error", err)
		writeError(w, http.StatusServiceUnavailable, rep.Query.CorrelationID, "audit unavailable")
		return
	}
	w.Header().Set(HeaderCorrelationID, rep.Query.CorrelationID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "correlationId")
	trail, err := report.Trail(r.Context(), s.opts.AuditFiles, id)
	if err != nil {
		logger.L().Warnw("Audit trail lookup failed", "correlation_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, id, "audit trail unavailable")
		return
	}
	if len(trail) == 0 {
		writeError(w, http.StatusNotFound, id, "no audit entries")
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

// decodeQuery reads an AgentQuery, filling the correlation ID from the
// request when the body omits it. The client address always comes from the
// connection; a different body value is kept as ClaimedIPAddress.
func (s *Server) decodeQuery(w http.ResponseWriter, r *http.Request) (model.AgentQuery, bool) {
	var q model.AgentQuery
	id := CorrelationIDFromContext(r.Context())
	if err := decodeJSON(w, r, &q); err != nil {
		writeError(w, http.StatusBadRequest, id, err.Error())
		return q, false
	}
	if q.CorrelationID == "" {
		q.CorrelationID = id
	}
	if ip := clientIP(r); q.IPAddress != ip {
		if q.IPAddress != "" {
			q.ClaimedIPAddress = q.IPAddress
		}
		q.IPAddress = ip
	}
	w.Header().Set(HeaderCorrelationID, q.CorrelationID)
	return q, true
}

// statusFor maps a verdict onto an HTTP status. The body is the verdict in
// every case.
func statusFor(v model.Verdict) int {
	switch v.State {
	case model.StateAllowed:
		return http.StatusOK
	case model.StateValidationFailed:
		return http.StatusUnprocessableEntity
	case model.StateAuthorizationFailed:
		if v.Authorization != nil && v.Authorization.RateLimit.IsExceeded {
			return http.StatusTooManyRequests
		}
		return http.StatusForbidden
	case model.StatePIIDenied:
		return http.StatusForbidden
	case model.StateAuditFailed:
		return http.StatusServiceUnavailable
	case model.StateTimedOut:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Warnw("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, correlationID, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, CorrelationID: correlationID})
}
