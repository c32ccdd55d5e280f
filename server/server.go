// Package server is the HTTP boundary of the coordinator: the worker-facing
// registration/update/poll surface, the UI-facing flow/run/statistics
// surface, client-process supervision, static report serving, and the
// operational endpoints (/metrics, /healthz).
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/flowcoord/flowcoord/flow"
	"github.com/flowcoord/flowcoord/supervisor"
)

// Options configure the boundary around its collaborators.
type Options struct {
	// ReportsDir is served read-only under /reports/.
	ReportsDir string
	// Metrics, when set, is mounted at /metrics (a promhttp handler).
	Metrics http.Handler
	Logger  *logrus.Logger
}

// Server routes HTTP requests to the engine, the store, and the supervisor.
type Server struct {
	engine *flow.Engine
	store  flow.Store
	sup    *supervisor.Supervisor
	logger *logrus.Logger
	mux    *http.ServeMux
}

// New assembles the boundary. Routes use Go 1.22 method+wildcard patterns.
func New(engine *flow.Engine, store flow.Store, sup *supervisor.Supervisor, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		engine: engine,
		store:  store,
		sup:    sup,
		logger: logger,
		mux:    http.NewServeMux(),
	}

	// Client-process supervision.
	s.mux.HandleFunc("GET /api/client/configs", s.handleClientConfigs)
	s.mux.HandleFunc("GET /api/client/status", s.handleClientStatus)
	s.mux.HandleFunc("POST /api/client/start", s.handleClientStart)
	s.mux.HandleFunc("POST /api/client/stop", s.handleClientStop)

	// Flow and run surface. Register and log-append each have a legacy
	// alias; both paths serve the same handler.
	s.mux.HandleFunc("POST /api/engine/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/flows", s.handleRegister)
	s.mux.HandleFunc("GET /api/engine/flows", s.handleFlows)
	s.mux.HandleFunc("GET /api/engine/runs", s.handleRuns)
	s.mux.HandleFunc("GET /api/engine/runs/{runId}", s.handleGetRun)
	s.mux.HandleFunc("POST /api/engine/trigger/{flowId}", s.handleTrigger)
	s.mux.HandleFunc("POST /api/engine/run/{flowId}", s.handleCreateRun)
	s.mux.HandleFunc("POST /api/runs/{runId}/tasks/{taskIndex}/state", s.handleTaskState)
	s.mux.HandleFunc("POST /api/runs/{runId}/complete", s.handleComplete)
	s.mux.HandleFunc("POST /api/flows/{runId}/logs", s.handleRunLog)
	s.mux.HandleFunc("POST /api/engine/runs/{runId}/logs", s.handleRunLog)
	s.mux.HandleFunc("POST /api/runs/{runId}/tasks/{taskIndex}/logs", s.handleTaskLog)
	s.mux.HandleFunc("DELETE /api/runs/{runId}", s.handleDeleteRun)

	// Worker poll and heartbeat.
	s.mux.HandleFunc("GET /api/execution-requests", s.handlePoll)
	s.mux.HandleFunc("POST /api/heartbeat", s.handleHeartbeat)

	// Statistics.
	s.mux.HandleFunc("GET /api/statistics", s.handleStatistics)
	s.mux.HandleFunc("GET /api/statistics/task-history/{flowName}/{taskName}", s.handleTaskHistory)
	s.mux.HandleFunc("GET /api/statistics/flow-history/{flowName}", s.handleFlowHistory)
	s.mux.HandleFunc("DELETE /api/statistics", s.handleClearStatistics)

	// Reports and operational surface.
	if opts.ReportsDir != "" {
		s.mux.Handle("GET /reports/",
			http.StripPrefix("/reports/", http.FileServer(http.Dir(opts.ReportsDir))))
	}
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, extra map[string]interface{}) {
	body := map[string]interface{}{"success": true}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"success": false, "error": msg})
}

// decodeBody decodes a JSON request body into v. An empty body is allowed
// and leaves v zero-valued.
func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
