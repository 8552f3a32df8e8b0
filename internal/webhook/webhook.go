// Package webhook exposes run orchestration over HTTP.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/torosent/crankfleet/internal/fleet"
	"github.com/torosent/crankfleet/internal/invocation"
	"github.com/torosent/crankfleet/internal/tracing"
)

// Defaults applied by NewService.
const (
	DefaultTimeout      = 30 * time.Minute
	DefaultMaxBodyBytes = 1 << 20
)

// Invoker runs one request to completion.
type Invoker interface {
	Invoke(ctx context.Context, req fleet.RunRequest) invocation.Response
}

// InvokerFactory builds the clients for a single run. It is called once per
// POST /runs so no client, cache or collector outlives its run.
type InvokerFactory func(ctx context.Context) (Invoker, error)

// Options configures a Service.
type Options struct {
	// Timeout bounds a whole run, readiness wait included.
	Timeout      time.Duration
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Service serves POST /runs and GET /health. Runs are serialized: a run
// owns the fleet it launches until its coordinator starts.
type Service struct {
	newInvoker InvokerFactory
	opts       Options
	slot       chan struct{}
}

// NewService creates a Service that builds an Invoker per run with newInvoker.
func NewService(newInvoker InvokerFactory, opts Options) *Service {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{newInvoker: newInvoker, opts: opts, slot: make(chan struct{}, 1)}
}

// Router returns the HTTP handler with the standard middleware stack.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	s.AddRoutes(r)
	return r
}

// AddRoutes mounts the service routes on r.
func (s *Service) AddRoutes(r chi.Router) {
	r.Get("/health", s.Health)
	r.Post("/runs", s.CreateRun)
}

// Health reports that the service is up.
func (s *Service) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CreateRun decodes a RunRequest and answers with the run's Response. The
// HTTP status mirrors the response's status_code. A caller that goes away
// while another run holds the slot gets a 500 without starting anything.
func (s *Service) CreateRun(w http.ResponseWriter, r *http.Request) {
	ctx := tracing.ExtractHTTPHeaders(r.Context(), r.Header)
	reqID := middleware.GetReqID(ctx)

	var req fleet.RunRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.opts.Logger.Error("error parsing run request", "error", err, "request_id", reqID)
		resp := invocation.NewResponse(nil, fleet.ConfigurationError("unable to parse request body: %v", err))
		writeJSON(w, resp.StatusCode, resp)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		s.opts.Logger.Warn("run abandoned while waiting for the active run", "request_id", reqID, "error", ctx.Err())
		resp := invocation.NewResponse(fleet.NewRunResult(req.RunID),
			fleet.OrchestrationError("waiting for the active run: %v", ctx.Err()))
		writeJSON(w, resp.StatusCode, resp)
		return
	}
	resp := s.invoke(ctx, req)
	<-s.slot

	if resp.Body.RunID != "" {
		w.Header().Set("X-Run-ID", resp.Body.RunID)
	}
	writeJSON(w, resp.StatusCode, resp)
}

func (s *Service) invoke(ctx context.Context, req fleet.RunRequest) invocation.Response {
	inv, err := s.newInvoker(ctx)
	if err != nil {
		s.opts.Logger.Error("invocation setup failed", "error", err)
		return invocation.NewResponse(fleet.NewRunResult(req.RunID), err)
	}
	return inv.Invoke(ctx, req)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("error writing response", "error", err)
	}
}
