package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/flowcoord/flowcoord/flow"
	"github.com/flowcoord/flowcoord/flow/stats"
)

// ---- client supervision ----

func (s *Server) handleClientConfigs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Clients())
}

func (s *Server) handleClientStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sup.Status())
}

func (s *Server) handleClientStart(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ClientID string `json:"clientId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" {
		writeError(w, http.StatusBadRequest, "clientId is required")
		return
	}
	if err := s.sup.Start(req.ClientID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeSuccess(w, nil)
}

// handleClientStop stops the worker process, then fails the runs it was
// executing. The order matters: a dead worker cannot race updates into
// runs that are about to be failed.
func (s *Server) handleClientStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	failed := s.engine.FailAllRunning(r.Context(), "user stopped")
	writeSuccess(w, map[string]interface{}{"failedRuns": failed})
}

// ---- flows and runs ----

type registerTaskRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	EstimatedTime int64  `json:"estimatedTime,omitempty"`
	CrucialPass   bool   `json:"crucialPass,omitempty"`
}

type registerRequest struct {
	Name              string                `json:"name"`
	Description       string                `json:"description,omitempty"`
	Tags              map[string]string     `json:"tags,omitempty"`
	Tasks             []registerTaskRequest `json:"tasks"`
	AutoTrigger       bool                  `json:"autoTrigger,omitempty"`
	AutoTriggerConfig string                `json:"autoTriggerConfig,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	payload := flow.RegisterPayload{
		Name:              req.Name,
		Description:       req.Description,
		Tags:              req.Tags,
		AutoTrigger:       req.AutoTrigger,
		AutoTriggerConfig: req.AutoTriggerConfig,
	}
	for _, t := range req.Tasks {
		payload.Tasks = append(payload.Tasks, flow.TaskPayload{
			Name:        t.Name,
			Description: t.Description,
			EstimatedMs: t.EstimatedTime,
			CrucialPass: t.CrucialPass,
		})
	}

	def, err := s.engine.RegisterFlow(r.Context(), payload)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	if def.AutoTrigger {
		opts := s.triggerOptions(def.AutoTriggerConfig)
		if _, err := s.engine.TriggerFlow(r.Context(), def.ID, opts); err != nil {
			s.logger.WithError(err).WithField("flow", def.Name).Warn("auto-trigger failed")
		}
	}
	writeSuccess(w, map[string]interface{}{"flow": def})
}

func (s *Server) handleFlows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Flows())
}

func (s *Server) handleRuns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Runs())
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.engine.GetRun(r.PathValue("runId"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// triggerOptions stamps the active client's identity onto a new run.
func (s *Server) triggerOptions(configuration string) flow.TriggerOptions {
	opts := flow.TriggerOptions{Configuration: configuration}
	if active := s.sup.Active(); active != nil {
		opts.ClientName = active.Name
		opts.ClientColor = active.Color
	}
	return opts
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Configuration string `json:"configuration,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	runID, err := s.engine.TriggerFlow(r.Context(), r.PathValue("flowId"), s.triggerOptions(req.Configuration))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"runId": runID})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Configuration string `json:"configuration,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	runID, err := s.engine.CreateRun(r.Context(), r.PathValue("flowId"), s.triggerOptions(req.Configuration))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeSuccess(w, map[string]interface{}{"runId": runID})
}

type taskStateRequest struct {
	State         string           `json:"state"`
	Progress      *float64         `json:"progress,omitempty"`
	Duration      *int64           `json:"durationMs,omitempty"`
	Result        *flow.TaskResult `json:"result,omitempty"`
	TaskName      string           `json:"taskName,omitempty"`
	EstimatedTime *int64           `json:"estimatedTime,omitempty"`
	CrucialPass   *bool            `json:"crucialPass,omitempty"`
}

func (s *Server) handleTaskState(w http.ResponseWriter, r *http.Request) {
	taskIndex, err := strconv.Atoi(r.PathValue("taskIndex"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "task index must be an integer")
		return
	}
	var req taskStateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ignored, err := s.engine.UpdateTaskState(r.Context(), r.PathValue("runId"), taskIndex, req.State, flow.TaskUpdate{
		Progress:    req.Progress,
		DurationMs:  req.Duration,
		Result:      req.Result,
		TaskName:    req.TaskName,
		EstimatedMs: req.EstimatedTime,
		CrucialPass: req.CrucialPass,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if ignored {
		writeSuccess(w, map[string]interface{}{"ignored": true})
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req := struct {
		TaskCount *int `json:"taskCount,omitempty"`
	}{}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	taskCount := -1 // absent means keep the predicted shape
	if req.TaskCount != nil {
		taskCount = *req.TaskCount
	}
	if err := s.engine.CompleteFlow(r.Context(), r.PathValue("runId"), taskCount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Log string `json:"log"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.AppendRunLog(r.Context(), r.PathValue("runId"), req.Log); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeSuccess(w, nil)
}

func (s *Server) handleTaskLog(w http.ResponseWriter, r *http.Request) {
	taskIndex, err := strconv.Atoi(r.PathValue("taskIndex"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "task index must be an integer")
		return
	}
	var req struct {
		Log string `json:"log"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.engine.AppendTaskLog(r.Context(), r.PathValue("runId"), taskIndex, req.Log); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeSuccess(w, nil)
}

// handleDeleteRun returns 404 both for unknown runs and for runs still in
// flight; the UI treats "cannot delete" and "gone" the same way.
func (s *Server) handleDeleteRun(w http.ResponseWriter, r *http.Request) {
	err := s.engine.DeleteRun(r.Context(), r.PathValue("runId"))
	if errors.Is(err, flow.ErrNotFound) || errors.Is(err, flow.ErrRunActive) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, nil)
}

// ---- worker poll and heartbeat ----

// handlePoll is the worker's long-poll for execution requests. A timeout
// returns JSON null; the worker polls again.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	req, err := s.engine.Dispatcher().Poll(r.Context(), 0)
	if err != nil {
		// Client went away mid-poll; nothing to answer.
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, _ *http.Request) {
	s.engine.Dispatcher().Heartbeat()
	writeSuccess(w, nil)
}

// ---- statistics ----

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	taskStats, err := s.store.GetAllTaskStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	flowStats, err := s.store.GetAllFlowStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	nested := map[string]map[string]stats.TaskStats{}
	for _, ts := range taskStats {
		if nested[ts.FlowName] == nil {
			nested[ts.FlowName] = map[string]stats.TaskStats{}
		}
		nested[ts.FlowName][ts.TaskName] = ts
	}
	flat := map[string]stats.FlowStats{}
	for _, fs := range flowStats {
		flat[fs.FlowName] = fs
	}
	writeSuccess(w, map[string]interface{}{
		"taskStatistics": nested,
		"flowStatistics": flat,
	})
}

func historyLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 0 // store default
	}
	return limit
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	flowName, taskName := r.PathValue("flowName"), r.PathValue("taskName")
	history, err := s.store.TaskHistory(r.Context(), flowName, taskName, historyLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ts, err := s.store.GetTaskStats(r.Context(), flowName, taskName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, map[string]interface{}{"history": history, "stats": ts})
}

func (s *Server) handleFlowHistory(w http.ResponseWriter, r *http.Request) {
	flowName := r.PathValue("flowName")
	history, err := s.store.FlowHistory(r.Context(), flowName, historyLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	fs, err := s.store.GetFlowStats(r.Context(), flowName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, map[string]interface{}{"history": history, "stats": fs})
}

// handleClearStatistics drops both statistics tables. Learned structures
// are not statistics and survive.
func (s *Server) handleClearStatistics(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearStats(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, nil)
}

// writeEngineError maps engine errors onto the HTTP taxonomy.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, flow.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case flow.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
