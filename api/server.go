// Package api is the HTTP façade over the environment registry. It extracts
// parameters, calls the registry and translates errors into status codes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"backend-go-simulation-api/audit"
	"backend-go-simulation-api/design"
	"backend-go-simulation-api/environment"
	"backend-go-simulation-api/internal/logger"
	"backend-go-simulation-api/registry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxBodyBytes = 8 << 20

// AuditTrail lists the recorded lifecycle events of an environment.
type AuditTrail interface {
	Events(ctx context.Context, instanceID string) ([]audit.Event, error)
}

// Options configures the router.
type Options struct {
	Version string
	// APIKey enables X-API-Key authentication when non-empty.
	APIKey string
	// AllowShutdown enables POST /shutdown/.
	AllowShutdown bool
	// OnShutdown is invoked (once, asynchronously) after a shutdown request
	// has closed every environment.
	OnShutdown func()
	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
	// Audit serves GET /envs/{id}/events/ when non-nil.
	Audit AuditTrail
}

type server struct {
	reg          *registry.Registry
	opts         Options
	shutdownOnce sync.Once
}

// EnvCreateRequest is accepted for compatibility; the environment kind is
// chosen by server configuration, not by the caller.
type EnvCreateRequest struct {
	EnvID string `json:"env_id,omitempty"`
}

type EnvCreateResponse struct {
	InstanceID string `json:"instance_id"`
}

type EnvListResponse struct {
	AllEnvs map[string]string `json:"all_envs"`
}

type EnvBuildRequest struct {
	SimulationSchema map[string]any `json:"simulation_schema"`
}

type EnvRunRequest struct {
	SimulationTime *float64 `json:"simulation_time"`
}

type ServiceStatus struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// NewRouter wires up the simulation endpoints.
//
// Split out from main() so it can be exercised with httptest without booting
// telemetry or optional integrations.
func NewRouter(reg *registry.Registry, opts Options) http.Handler {
	if opts.Version == "" {
		opts.Version = "0.1.0"
	}
	s := &server{reg: reg, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			"http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	})
	r.Use(traceIDMiddleware)
	r.Use(apiKeyMiddleware(opts.APIKey))
	r.Use(requestLogMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, "Not Found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
	})

	r.Get("/", s.handleRoot)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	r.Get("/schema/robot-design", s.handleDesignSchema)

	r.Route("/envs", func(r chi.Router) {
		r.Post("/", s.handleCreate)
		r.Get("/", s.handleList)
		r.Post("/{instanceID}/build/", s.handleBuild)
		r.Post("/{instanceID}/run/", s.handleRun)
		r.Post("/{instanceID}/close/", s.handleClose)
		r.Get("/{instanceID}/status/", s.handleStatus)
		if opts.Audit != nil {
			r.Get("/{instanceID}/events/", s.handleEvents)
		}
	})

	if opts.AllowShutdown {
		r.Post("/shutdown/", s.handleShutdown)
	}

	return r
}

func (s *server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ServiceStatus{Status: "running", Version: s.opts.Version})
}

func (s *server) handleDesignSchema(w http.ResponseWriter, r *http.Request) {
	b, err := design.Schema()
	if err != nil {
		logger.NewContextLogger(r.Context()).Error("design_schema_failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// POST /envs/
func (s *server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req EnvCreateRequest
	if err := decodeBody(r, &req, true); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	instanceID, err := s.reg.Create(r.Context())
	if err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, EnvCreateResponse{InstanceID: instanceID})
}

// GET /envs/
func (s *server) handleList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, EnvListResponse{AllEnvs: s.reg.List()})
}

// POST /envs/{instanceID}/build/
func (s *server) handleBuild(w http.ResponseWriter, r *http.Request) {
	var req EnvBuildRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SimulationSchema == nil {
		writeJSONError(w, http.StatusBadRequest, "simulation_schema is required and must be an object")
		return
	}

	if err := s.reg.Build(r.Context(), chi.URLParam(r, "instanceID"), environment.Schema(req.SimulationSchema)); err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// POST /envs/{instanceID}/run/
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req EnvRunRequest
	if err := decodeBody(r, &req, false); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SimulationTime == nil {
		writeJSONError(w, http.StatusBadRequest, "simulation_time is required")
		return
	}

	result, err := s.reg.Run(r.Context(), chi.URLParam(r, "instanceID"), *req.SimulationTime)
	if err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// POST /envs/{instanceID}/close/
func (s *server) handleClose(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Close(r.Context(), chi.URLParam(r, "instanceID")); err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /envs/{instanceID}/status/
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.reg.Status(chi.URLParam(r, "instanceID"))
	if err != nil {
		s.writeRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type auditEvent struct {
	TraceID   string          `json:"trace_id,omitempty"`
	Timestamp string          `json:"timestamp"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// GET /envs/{instanceID}/events/
//
// Closed environments keep their audit trail, so unknown identifiers yield
// an empty list rather than an error.
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")
	evs, err := s.opts.Audit.Events(r.Context(), instanceID)
	if err != nil {
		logger.NewContextLogger(r.Context()).Error("audit_query_failed", "instance_id", instanceID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	out := make([]auditEvent, 0, len(evs))
	for _, ev := range evs {
		ae := auditEvent{TraceID: ev.TraceID, Timestamp: ev.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z07:00"), EventType: ev.EventType}
		if ev.Data != "" && json.Valid([]byte(ev.Data)) {
			ae.Data = json.RawMessage(ev.Data)
		}
		out = append(out, ae)
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance_id": instanceID, "events": out})
}

// POST /shutdown/
func (s *server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	lg := logger.NewContextLogger(r.Context())
	lg.Info("remote_shutdown_requested", "live_envs", s.reg.Len())

	if err := s.reg.CloseAll(r.Context()); err != nil {
		lg.Error("close_all_failed", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Failed to close all environments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "shutting down"})

	if s.opts.OnShutdown != nil {
		s.shutdownOnce.Do(func() { go s.opts.OnShutdown() })
	}
}

// writeRegistryError maps registry and backend errors onto status codes.
// Client errors carry their message verbatim; anything else is an opaque 5xx.
func (s *server) writeRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	var rerr *registry.Error
	switch {
	case errors.As(err, &rerr):
		writeJSONError(w, http.StatusBadRequest, rerr.Message)
	case errors.Is(err, environment.ErrInvalidSchema), errors.Is(err, environment.ErrInvalidDuration):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusServiceUnavailable, "Request cancelled")
	default:
		logger.NewContextLogger(r.Context()).Error("backend_failure", "path", r.URL.Path, "error", err)
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// decodeBody decodes a JSON request body into dst. An empty body is accepted
// only when allowEmpty is set.
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			if allowEmpty {
				return nil
			}
			return errors.New("Request body is required")
		}
		return fmt.Errorf("Invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"message": msg})
}
