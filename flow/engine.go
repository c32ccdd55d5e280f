package flow

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/flowcoord/flowcoord/flow/dispatch"
	"github.com/flowcoord/flowcoord/flow/emit"
	"github.com/flowcoord/flowcoord/flow/stats"
)

const (
	// defaultEstimatedMs is the task estimate used when neither the worker
	// nor recorded statistics supply one.
	defaultEstimatedMs int64 = 1000

	// defaultTickInterval drives progress recomputation and in-flight
	// outlier checks.
	defaultTickInterval = 100 * time.Millisecond

	// defaultLivenessInterval drives the heartbeat watchdog.
	defaultLivenessInterval = time.Second
)

// Engine is the workflow-execution coordinator core: it owns the flow
// library and the run list, applies task-state updates from the worker,
// computes weighted progress, consults the statistics store for outlier
// warnings, and writes every mutation through to the Store.
//
// All mutating operations serialize on one exclusive guard; getters take the
// shared guard and return deep snapshots. Listener notification and event
// emission happen after the guard is released.
type Engine struct {
	mu    sync.RWMutex
	store Store

	dispatcher  *dispatch.Dispatcher
	emitter     emit.Emitter
	metrics     *Metrics
	reporter    Reporter
	logger      *logrus.Logger
	sensitivity stats.Sensitivity
	simulation  bool

	tickInterval     time.Duration
	livenessInterval time.Duration

	now func() time.Time

	flows []*Definition // live library, registration order
	runs  []*Run        // newest first

	subMu sync.Mutex
	subs  []*subscriber

	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	closed  bool
}

// subscriber is one state-change listener: a cap-1 channel signalled
// non-blockingly after every mutation.
type subscriber struct {
	ch chan struct{}
}

// New creates an engine over the given store. Call Start before use.
func New(store Store, opts ...Option) (*Engine, error) {
	cfg := &engineConfig{
		emitter:          emit.NewNullEmitter(),
		logger:           logrus.StandardLogger(),
		sensitivity:      stats.Normal,
		tickInterval:     defaultTickInterval,
		livenessInterval: defaultLivenessInterval,
		heartbeatTimeout: dispatch.DefaultHeartbeatTimeout,
	}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.dispatcher == nil {
		cfg.dispatcher = dispatch.New(cfg.heartbeatTimeout)
	}

	return &Engine{
		store:            store,
		dispatcher:       cfg.dispatcher,
		emitter:          cfg.emitter,
		metrics:          cfg.metrics,
		reporter:         cfg.reporter,
		logger:           cfg.logger,
		sensitivity:      cfg.sensitivity,
		simulation:       cfg.simulation,
		tickInterval:     cfg.tickInterval,
		livenessInterval: cfg.livenessInterval,
		now:              time.Now,
		done:             make(chan struct{}),
	}, nil
}

// Dispatcher returns the dispatcher the engine enqueues execution requests
// on. The boundary serves Poll and Heartbeat from it.
func (e *Engine) Dispatcher() *dispatch.Dispatcher {
	return e.dispatcher
}

// Start loads persisted state, recovers runs stranded by a previous process,
// and launches the tick and liveness loops. A run found in a non-terminal
// state was owned by a process that died; it is failed with a "server
// restarted" system log so the invariant "no non-terminal run exists in
// memory unless the current process owns it" holds from the first request.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true

	flows, err := e.store.LoadAllFlows(ctx)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	runs, err := e.store.LoadAllRuns(ctx)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.flows = flows
	e.runs = runs

	recovered := 0
	now := e.now()
	for _, run := range e.runs {
		if run.State.Terminal() {
			continue
		}
		recovered++
		e.failRunLocked(ctx, run, now, "server restarted", true)
	}
	e.mu.Unlock()

	if recovered > 0 {
		e.logger.WithField("runs", recovered).Warn("recovered stuck runs from previous process")
		e.emitter.Emit(emit.Event{
			Msg:  "restart_recovery",
			Meta: map[string]interface{}{"runs": recovered},
		})
		e.notify()
	}

	e.wg.Add(2)
	go e.tickLoop()
	go e.livenessLoop()
	return nil
}

// Close stops the background loops. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.done)
	e.wg.Wait()
	return nil
}

// Subscribe registers a state-change listener and returns its signal channel
// plus a cancel function. The channel has capacity 1 and is signalled
// non-blockingly after every mutation; subscribers drain it and re-read
// engine state. Signals coalesce: one pending signal may cover several
// mutations.
func (e *Engine) Subscribe() (<-chan struct{}, func()) {
	sub := &subscriber{ch: make(chan struct{}, 1)}

	e.subMu.Lock()
	e.subs = append(e.subs, sub)
	e.subMu.Unlock()

	cancel := func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		for i, cand := range e.subs {
			if cand == sub {
				e.subs = append(e.subs[:i], e.subs[i+1:]...)
				return
			}
		}
	}
	return sub.ch, cancel
}

// notify signals every subscriber in subscription order. Never called with
// the engine guard held, so a subscriber draining its channel and calling a
// getter cannot deadlock.
func (e *Engine) notify() {
	e.subMu.Lock()
	subs := make([]*subscriber, len(e.subs))
	copy(subs, e.subs)
	e.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

// RegisterPayload is the worker's flow registration request.
type RegisterPayload struct {
	Name              string
	Description       string
	Tags              map[string]string
	Tasks             []TaskPayload
	AutoTrigger       bool
	AutoTriggerConfig string
}

// TaskPayload is one task in a registration request.
type TaskPayload struct {
	Name        string
	Description string
	EstimatedMs int64
	CrucialPass bool
}

// RegisterFlow registers a flow definition. Idempotent on name: when a live
// definition with the same name exists, it is returned unchanged.
//
// Each task's effective estimate prefers recorded statistics over the
// worker's guess once at least two samples exist; weights are recomputed
// from the effective estimates.
func (e *Engine) RegisterFlow(ctx context.Context, payload RegisterPayload) (*Definition, error) {
	if payload.Name == "" {
		return nil, NewValidationError("flow name is required")
	}
	if len(payload.Tasks) == 0 {
		return nil, NewValidationError("flow must declare at least one task")
	}

	e.mu.Lock()
	for _, def := range e.flows {
		if def.Name == payload.Name {
			snapshot := mustCopy(def)
			e.mu.Unlock()
			return snapshot, nil
		}
	}

	def := &Definition{
		ID:                uuid.New().String(),
		Name:              payload.Name,
		Description:       payload.Description,
		Tags:              payload.Tags,
		AutoTrigger:       payload.AutoTrigger,
		AutoTriggerConfig: payload.AutoTriggerConfig,
		CreatedAt:         e.now(),
	}
	for _, t := range payload.Tasks {
		est := t.EstimatedMs
		if est <= 0 {
			est = defaultEstimatedMs
		}
		if ts := e.taskStats(ctx, payload.Name, t.Name); ts != nil && ts.SampleCount >= 2 {
			est = int64(math.Round(ts.AvgMs))
		}
		def.Tasks = append(def.Tasks, TaskDef{
			ID:          uuid.New().String(),
			Name:        t.Name,
			Description: t.Description,
			EstimatedMs: est,
			CrucialPass: t.CrucialPass,
		})
	}
	recomputeDefWeights(def.Tasks)

	e.flows = append(e.flows, def)
	if err := e.store.SaveFlow(ctx, def); err != nil {
		e.persistFailed(def.ID, "flow", err)
	}
	snapshot := mustCopy(def)
	e.mu.Unlock()

	e.notify()
	return snapshot, nil
}

// Flows returns a snapshot of the live flow library.
func (e *Engine) Flows() []*Definition {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return mustCopy(e.flows)
}

// Runs returns a snapshot of the run list, newest first.
func (e *Engine) Runs() []*Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.runs == nil {
		return []*Run{}
	}
	return mustCopy(e.runs)
}

// GetRun returns a snapshot of one run.
func (e *Engine) GetRun(runID string) (*Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	run := e.findRunLocked(runID)
	if run == nil {
		return nil, ErrNotFound
	}
	return mustCopy(run), nil
}

// TriggerOptions carry the optional attributes of a trigger request.
type TriggerOptions struct {
	Configuration string
	ClientColor   string
	ClientName    string
}

// TriggerFlow materializes a run from a registered flow and enqueues a
// dispatch request for the worker's long-poll.
func (e *Engine) TriggerFlow(ctx context.Context, flowID string, opts TriggerOptions) (string, error) {
	return e.startRun(ctx, flowID, opts, true)
}

// CreateRun materializes a run without dispatching, for flows the worker
// executes on its own initiative.
func (e *Engine) CreateRun(ctx context.Context, flowID string, opts TriggerOptions) (string, error) {
	return e.startRun(ctx, flowID, opts, false)
}

func (e *Engine) startRun(ctx context.Context, flowID string, opts TriggerOptions, dispatchIt bool) (string, error) {
	e.mu.Lock()

	var def *Definition
	defIdx := -1
	for i, cand := range e.flows {
		if cand.ID == flowID {
			def, defIdx = cand, i
			break
		}
	}
	if def == nil {
		e.mu.Unlock()
		return "", ErrNotFound
	}

	// Prefer the structure learned from the last successful run of this
	// flow name; the registration's task list is the fallback. Either way
	// estimates are refreshed from current statistics.
	var taskRuns []*TaskRun
	learned, err := e.store.GetLearnedStructure(ctx, def.Name)
	if err != nil {
		e.logger.WithError(err).WithField("flow", def.Name).Warn("failed to load learned structure")
		learned = nil
	}
	if len(learned) > 0 {
		for _, entry := range learned {
			est := entry.EstimatedMs
			if est <= 0 {
				est = defaultEstimatedMs
			}
			if ts := e.taskStats(ctx, def.Name, entry.TaskName); ts != nil {
				est = int64(math.Round(ts.AvgMs))
			}
			taskRuns = append(taskRuns, &TaskRun{
				ID:          uuid.New().String(),
				Name:        entry.TaskName,
				State:       StatePending,
				EstimatedMs: est,
			})
		}
	} else {
		for _, td := range def.Tasks {
			est := td.EstimatedMs
			if ts := e.taskStats(ctx, def.Name, td.Name); ts != nil {
				est = int64(math.Round(ts.AvgMs))
			}
			taskRuns = append(taskRuns, &TaskRun{
				ID:          uuid.New().String(),
				Name:        td.Name,
				State:       StatePending,
				EstimatedMs: est,
			})
		}
	}
	recomputeWeights(taskRuns)

	run := &Run{
		ID:            uuid.New().String(),
		FlowID:        def.ID,
		FlowName:      def.Name,
		State:         StateRunning,
		StartTime:     e.now(),
		Configuration: opts.Configuration,
		Tags:          def.Tags,
		Tasks:         taskRuns,
		ClientColor:   opts.ClientColor,
		ClientName:    opts.ClientName,
		Logs:          []LogEntry{},
	}

	e.runs = append([]*Run{run}, e.runs...)
	e.persistRun(ctx, run)

	// Library entries are single-shot: triggering consumes the definition,
	// and the worker must re-register before the flow can run again.
	e.flows = append(e.flows[:defIdx], e.flows[defIdx+1:]...)
	if err := e.store.DeleteFlow(ctx, def.ID); err != nil {
		e.persistFailed(def.ID, "flow delete", err)
	}
	e.mu.Unlock()

	e.metrics.RunStarted()
	if dispatchIt {
		e.dispatcher.Enqueue(&dispatch.Request{
			RunID:         run.ID,
			FlowName:      run.FlowName,
			Configuration: run.Configuration,
		})
		e.metrics.SetQueueDepth(e.dispatcher.QueueDepth())
	}
	e.emitter.Emit(emit.Event{
		RunID: run.ID,
		Flow:  run.FlowName,
		Msg:   "run_started",
		Meta:  map[string]interface{}{"dispatched": dispatchIt},
	})
	e.notify()
	return run.ID, nil
}

// TaskUpdate carries the optional fields of a task-state update.
type TaskUpdate struct {
	Progress    *float64
	DurationMs  *int64
	Result      *TaskResult
	TaskName    string
	EstimatedMs *int64
	CrucialPass *bool
}

// UpdateTaskState applies one worker-reported task transition.
//
// Returns ignored=true when the update targets a task (or run) already in a
// terminal state; the update is dropped so a lagging worker cannot
// un-terminate a task the stop path has failed. Unknown runs return
// ErrNotFound; a task index beyond the list without a task name is a
// validation error, with a name it grows the list.
func (e *Engine) UpdateTaskState(ctx context.Context, runID string, taskIndex int, stateRaw string, upd TaskUpdate) (bool, error) {
	newState, err := ParseState(stateRaw)
	if err != nil {
		return false, err
	}
	if taskIndex < 0 {
		return false, NewValidationError("task index must not be negative")
	}

	e.mu.Lock()

	run := e.findRunLocked(runID)
	if run == nil {
		e.mu.Unlock()
		return false, ErrNotFound
	}
	if run.State.Terminal() {
		e.mu.Unlock()
		e.logger.WithFields(logrus.Fields{"run": runID, "task": taskIndex}).
			Debug("ignoring update for terminal run")
		return true, nil
	}

	if taskIndex >= len(run.Tasks) {
		if upd.TaskName == "" {
			e.mu.Unlock()
			return false, NewValidationError("task index beyond the task list requires a task name")
		}
		e.growTasksLocked(ctx, run, taskIndex, upd)
	}

	task := run.Tasks[taskIndex]
	if upd.TaskName != "" && upd.TaskName != task.Name {
		task.Name = upd.TaskName
	}

	if task.State.Terminal() {
		e.mu.Unlock()
		e.logger.WithFields(logrus.Fields{"run": runID, "task": taskIndex, "state": stateRaw}).
			Debug("ignoring update for terminal task")
		return true, nil
	}

	now := e.now()
	events := []emit.Event{{
		RunID: run.ID,
		Flow:  run.FlowName,
		Task:  task.Name,
		Msg:   "task_state",
		Meta:  map[string]interface{}{"state": string(newState)},
	}}

	switch newState {
	case StateRunning:
		justStarted := task.StartTime == nil
		if justStarted {
			start := now
			task.StartTime = &start
		}
		task.State = StateRunning
		if justStarted {
			if upd.Progress != nil {
				task.Progress = clampProgress(*upd.Progress, 99)
			}
		} else {
			elapsed := now.Sub(*task.StartTime)
			task.Progress = serverProgress(elapsed, task.EstimatedMs)
		}
		if warned := e.refreshWarningLocked(ctx, run, task, now); warned != nil {
			events = append(events, *warned)
		}

	case StateCompleted:
		end := now
		task.EndTime = &end
		task.State = StateCompleted
		task.Progress = 100
		duration := int64(0)
		if upd.DurationMs != nil {
			duration = *upd.DurationMs
		} else if task.StartTime != nil {
			duration = now.Sub(*task.StartTime).Milliseconds()
		}
		task.DurationMs = duration
		if duration > 0 {
			if ev := e.foldTaskSampleLocked(ctx, run, task, duration); ev != nil {
				events = append(events, *ev)
			}
			e.metrics.TaskDuration(run.FlowName, task.Name, float64(duration))
		}

	case StateFailed:
		end := now
		task.EndTime = &end
		task.State = StateFailed
		// Progress stays where the worker left it.

	case StatePending:
		task.State = StatePending
	}

	if upd.Result != nil {
		task.Result = upd.Result
	}

	// Rollup: a failed task fails the run; otherwise recompute weighted
	// progress. Completion is never inferred here, the worker signals it
	// explicitly because it may visit fewer tasks than predicted.
	if anyFailed(run.Tasks) {
		if !run.State.Terminal() {
			run.State = StateFailed
			end := now
			run.EndTime = &end
			run.Progress = weightedProgress(run.Tasks)
			e.requestReportLocked(run)
			events = append(events, emit.Event{
				RunID: run.ID,
				Flow:  run.FlowName,
				Msg:   "run_failed",
				Meta:  map[string]interface{}{"reason": "task failed"},
			})
			e.metrics.RunFailed("task failed")
		}
	} else {
		// Even with every predicted task completed the run stays below 100
		// until the worker signals completion; it may still grow more tasks.
		p := weightedProgress(run.Tasks)
		if !run.State.Terminal() && p > 99 {
			p = 99
		}
		run.Progress = p
	}
	e.persistRun(ctx, run)
	e.mu.Unlock()

	for _, ev := range events {
		e.emitter.Emit(ev)
	}
	e.notify()
	return false, nil
}

// growTasksLocked extends run's task list through taskIndex. Every padded
// slot receives a copy of the same placeholder value, duplicate IDs
// included; this mirrors the behavior workers depend on today. The estimate
// prefers recorded statistics, then the worker's hint, then the default.
func (e *Engine) growTasksLocked(ctx context.Context, run *Run, taskIndex int, upd TaskUpdate) {
	est := defaultEstimatedMs
	if upd.EstimatedMs != nil && *upd.EstimatedMs > 0 {
		est = *upd.EstimatedMs
	}
	if ts := e.taskStats(ctx, run.FlowName, upd.TaskName); ts != nil {
		est = int64(math.Round(ts.AvgMs))
	}

	placeholder := TaskRun{
		ID:          uuid.New().String(),
		Name:        upd.TaskName,
		State:       StatePending,
		EstimatedMs: est,
	}
	for len(run.Tasks) <= taskIndex {
		slot := placeholder
		run.Tasks = append(run.Tasks, &slot)
	}
	recomputeWeights(run.Tasks)
}

// refreshWarningLocked re-runs outlier detection for a running task against
// its elapsed time, attaching or clearing the performance warning. Returns
// an event when a warning is newly attached.
func (e *Engine) refreshWarningLocked(ctx context.Context, run *Run, task *TaskRun, now time.Time) *emit.Event {
	if task.StartTime == nil {
		return nil
	}
	ts := e.taskStats(ctx, run.FlowName, task.Name)
	if ts == nil {
		return nil
	}
	elapsed := float64(now.Sub(*task.StartTime).Milliseconds())
	warning := stats.Detect(elapsed, ts.AvgMs, ts.StdDev(), ts.SampleCount, e.sensitivity)

	hadWarning := task.Warning != nil
	task.Warning = warning
	if warning != nil && !hadWarning {
		e.metrics.OutlierDetected()
		return &emit.Event{
			RunID: run.ID,
			Flow:  run.FlowName,
			Task:  task.Name,
			Msg:   "outlier_detected",
			Meta:  map[string]interface{}{"warning": warning.Message},
		}
	}
	return nil
}

// foldTaskSampleLocked applies the statistics update policy on completion:
// a slow outlier keeps its warning and is never folded in; a normal sample
// (or the first ever) updates the stored statistic.
func (e *Engine) foldTaskSampleLocked(ctx context.Context, run *Run, task *TaskRun, durationMs int64) *emit.Event {
	ts := e.taskStats(ctx, run.FlowName, task.Name)
	if ts != nil {
		warning := stats.Detect(float64(durationMs), ts.AvgMs, ts.StdDev(), ts.SampleCount, e.sensitivity)
		if warning != nil {
			task.Warning = warning
			e.metrics.OutlierDetected()
			return &emit.Event{
				RunID: run.ID,
				Flow:  run.FlowName,
				Task:  task.Name,
				Msg:   "outlier_detected",
				Meta:  map[string]interface{}{"warning": warning.Message, "duration_ms": durationMs},
			}
		}
	}
	task.Warning = nil
	if err := e.store.UpdateTaskStats(ctx, run.FlowName, task.Name, durationMs); err != nil {
		e.persistFailed(run.ID, "task stats", err)
	}
	return nil
}

// CompleteFlow is the worker's explicit completion signal. The task list is
// truncated to the count the worker actually visited; a run completes only
// when every remaining task completed.
func (e *Engine) CompleteFlow(ctx context.Context, runID string, actualTaskCount int) error {
	e.mu.Lock()

	run := e.findRunLocked(runID)
	if run == nil {
		e.mu.Unlock()
		return ErrNotFound
	}
	if run.State.Terminal() {
		e.mu.Unlock()
		return nil
	}

	if actualTaskCount >= 0 && actualTaskCount < len(run.Tasks) {
		run.Tasks = run.Tasks[:actualTaskCount]
		recomputeWeights(run.Tasks)
	}

	now := e.now()
	var events []emit.Event

	switch {
	case len(run.Tasks) > 0 && allCompleted(run.Tasks):
		run.State = StateCompleted
		run.Progress = 100
		if run.EndTime == nil {
			end := now
			run.EndTime = &end
		}
		e.requestReportLocked(run)

		duration := run.EndTime.Sub(run.StartTime).Milliseconds()
		if duration > 0 && !anyWarned(run.Tasks) {
			if err := e.store.UpdateFlowStats(ctx, run.FlowName, duration); err != nil {
				e.persistFailed(run.ID, "flow stats", err)
			}
		}

		entries := make([]StructureEntry, 0, len(run.Tasks))
		for _, task := range run.Tasks {
			est := task.DurationMs
			if est <= 0 {
				est = task.EstimatedMs
			}
			entries = append(entries, StructureEntry{TaskName: task.Name, EstimatedMs: est})
		}
		if err := e.store.SaveLearnedStructure(ctx, run.FlowName, entries); err != nil {
			e.persistFailed(run.ID, "learned structure", err)
		}

		e.metrics.RunCompleted()
		events = append(events, emit.Event{
			RunID: run.ID,
			Flow:  run.FlowName,
			Msg:   "run_completed",
			Meta:  map[string]interface{}{"duration_ms": duration},
		})

	case anyFailed(run.Tasks):
		run.State = StateFailed
		end := now
		run.EndTime = &end
		run.Progress = weightedProgress(run.Tasks)
		e.requestReportLocked(run)
		e.metrics.RunFailed("task failed")
		events = append(events, emit.Event{
			RunID: run.ID,
			Flow:  run.FlowName,
			Msg:   "run_failed",
			Meta:  map[string]interface{}{"reason": "task failed"},
		})
	}

	e.persistRun(ctx, run)
	e.mu.Unlock()

	for _, ev := range events {
		e.emitter.Emit(ev)
	}
	e.notify()
	return nil
}

// AppendRunLog appends one flow-level log line to a run. Terminal runs are
// left untouched.
func (e *Engine) AppendRunLog(ctx context.Context, runID, line string) error {
	e.mu.Lock()
	run := e.findRunLocked(runID)
	if run == nil {
		e.mu.Unlock()
		return ErrNotFound
	}
	if run.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	run.Logs = append(run.Logs, LogEntry{Ts: e.now(), Line: line})
	e.persistRun(ctx, run)
	e.mu.Unlock()

	e.notify()
	return nil
}

// AppendTaskLog appends one log line to a task slot.
func (e *Engine) AppendTaskLog(ctx context.Context, runID string, taskIndex int, line string) error {
	e.mu.Lock()
	run := e.findRunLocked(runID)
	if run == nil {
		e.mu.Unlock()
		return ErrNotFound
	}
	if taskIndex < 0 || taskIndex >= len(run.Tasks) {
		e.mu.Unlock()
		return NewValidationError("task index out of range")
	}
	if run.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	task := run.Tasks[taskIndex]
	task.Logs = append(task.Logs, LogEntry{Ts: e.now(), Line: line})
	e.persistRun(ctx, run)
	e.mu.Unlock()

	e.notify()
	return nil
}

// FailAllRunning fails every run still in flight, appending reason as a
// system log line. Only the currently-Running task of each run is failed;
// tasks still Pending were never attempted and stay Pending. Returns the
// number of runs failed.
//
// The stop endpoint calls this with "user stopped"; the heartbeat watchdog
// with "Lost connection". The sweep happens immediately, with no grace
// delay for in-flight worker updates; late updates bounce off the terminal
// guard instead.
func (e *Engine) FailAllRunning(ctx context.Context, reason string) int {
	e.mu.Lock()
	now := e.now()
	failed := 0
	for _, run := range e.runs {
		if run.State.Terminal() {
			continue
		}
		failed++
		e.failRunLocked(ctx, run, now, reason, false)
		e.metrics.RunFailed(reason)
	}
	e.mu.Unlock()

	if failed > 0 {
		e.emitter.Emit(emit.Event{
			Msg:  "stop_all",
			Meta: map[string]interface{}{"reason": reason, "runs": failed},
		})
		e.notify()
	}
	return failed
}

// failRunLocked transitions one run to Failed: running tasks are failed, a
// system log records why, and a report is requested before the terminal
// persist. The stop and watchdog paths leave pending tasks pending (they
// were never attempted); restart recovery fails them too, because the
// process that would have run them is gone.
func (e *Engine) failRunLocked(ctx context.Context, run *Run, now time.Time, reason string, failPending bool) {
	for _, task := range run.Tasks {
		if task.State == StateRunning || (failPending && task.State == StatePending) {
			task.State = StateFailed
			end := now
			task.EndTime = &end
		}
	}
	run.State = StateFailed
	end := now
	run.EndTime = &end
	run.Progress = weightedProgress(run.Tasks)
	run.Logs = append(run.Logs, LogEntry{Ts: now, Line: reason})
	e.requestReportLocked(run)
	e.persistRun(ctx, run)
}

// DeleteRun removes a terminal run. Runs still in flight are refused with
// ErrRunActive. When the deleted run was the last one of its flow name, the
// flow's recorded statistics are purged with it.
func (e *Engine) DeleteRun(ctx context.Context, runID string) error {
	e.mu.Lock()

	idx := -1
	for i, run := range e.runs {
		if run.ID == runID {
			idx = i
			break
		}
	}
	if idx == -1 {
		e.mu.Unlock()
		return ErrNotFound
	}
	run := e.runs[idx]
	if !run.State.Terminal() {
		e.mu.Unlock()
		return ErrRunActive
	}

	flowName := run.FlowName
	e.runs = append(e.runs[:idx], e.runs[idx+1:]...)
	if err := e.store.DeleteRun(ctx, runID); err != nil {
		e.persistFailed(runID, "run delete", err)
	}

	remaining := false
	for _, cand := range e.runs {
		if cand.FlowName == flowName {
			remaining = true
			break
		}
	}
	if !remaining {
		if err := e.store.DeleteTaskStatsForFlow(ctx, flowName); err != nil {
			e.persistFailed(runID, "task stats purge", err)
		}
		if err := e.store.DeleteFlowStats(ctx, flowName); err != nil {
			e.persistFailed(runID, "flow stats purge", err)
		}
	}
	e.mu.Unlock()

	e.notify()
	return nil
}

// tickLoop recomputes in-flight warnings (and, in simulation mode, advances
// task progress) every tick until Close.
func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick re-evaluates outlier warnings on every running task. Changes notify
// listeners without a store write; warnings reach disk on the next rollup
// save.
func (e *Engine) tick() {
	ctx := context.Background()
	now := e.now()

	e.mu.Lock()
	var events []emit.Event
	changed := false
	for _, run := range e.runs {
		if run.State != StateRunning {
			continue
		}
		if e.simulation {
			if e.simulateLocked(ctx, run, now) {
				changed = true
			}
		}
		for _, task := range run.Tasks {
			if task.State != StateRunning || task.StartTime == nil {
				continue
			}
			before := task.Warning
			if ev := e.refreshWarningLocked(ctx, run, task, now); ev != nil {
				events = append(events, *ev)
			}
			if warningChanged(before, task.Warning) {
				changed = true
			}
		}
	}
	e.mu.Unlock()

	for _, ev := range events {
		e.emitter.Emit(ev)
	}
	if changed {
		e.notify()
	}
}

// simulateLocked advances one run without a worker: the first pending task
// starts, running tasks gain progress, and a task that reaches 100 percent
// completes. Only used when simulation mode is on.
func (e *Engine) simulateLocked(ctx context.Context, run *Run, now time.Time) bool {
	for _, task := range run.Tasks {
		switch task.State {
		case StatePending:
			start := now
			task.StartTime = &start
			task.State = StateRunning
			return true
		case StateRunning:
			task.Progress += 5 + rand.Float64()*10
			if task.Progress >= 100 {
				task.Progress = 100
				task.State = StateCompleted
				end := now
				task.EndTime = &end
				if task.StartTime != nil {
					task.DurationMs = now.Sub(*task.StartTime).Milliseconds()
				}
			}
			run.Progress = weightedProgress(run.Tasks)
			return true
		case StateFailed:
			return false
		}
	}
	// Every task completed; close the run out.
	run.State = StateCompleted
	run.Progress = 100
	end := now
	run.EndTime = &end
	e.persistRun(ctx, run)
	return true
}

// livenessLoop runs the heartbeat watchdog every liveness interval.
func (e *Engine) livenessLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.livenessInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.metrics.SetQueueDepth(e.dispatcher.QueueDepth())
			if e.dispatcher.LivenessCheck(e.now()) {
				e.workerLost()
			}
		}
	}
}

// workerLost fails all in-flight runs after the worker went silent. The
// dispatcher clears its heartbeat sentinel on firing, so a worker that
// stays gone triggers this exactly once.
func (e *Engine) workerLost() {
	e.logger.Warn("worker heartbeat timed out, failing in-flight runs")
	e.metrics.WatchdogFired()
	e.emitter.Emit(emit.Event{Msg: "worker_lost"})
	e.FailAllRunning(context.Background(), "Lost connection")
}

// persistRun writes a run through to the store. Failures are logged and
// counted but not rolled back; the in-memory state is authoritative and
// runs ahead of disk until the next successful save.
func (e *Engine) persistRun(ctx context.Context, run *Run) {
	if err := e.store.SaveRun(ctx, run); err != nil {
		e.persistFailed(run.ID, "run", err)
	}
}

func (e *Engine) persistFailed(id, entity string, err error) {
	e.logger.WithError(err).WithFields(logrus.Fields{"entity": entity, "id": id}).
		Error("store write failed, in-memory state kept")
	e.metrics.PersistFailure()
	e.emitter.Emit(emit.Event{
		RunID: id,
		Msg:   "persist_failure",
		Meta:  map[string]interface{}{"entity": entity, "error": err.Error()},
	})
}

// requestReportLocked asks the reporter for a report path so the terminal
// persist already carries it. Report failures never block the transition.
func (e *Engine) requestReportLocked(run *Run) {
	if e.reporter == nil {
		return
	}
	path, err := e.reporter.Generate(mustCopy(run))
	if err != nil {
		e.logger.WithError(err).WithField("run", run.ID).Error("report generation failed")
		return
	}
	run.ReportPath = path
}

// taskStats loads the statistic for one (flow, task) pair, flattening load
// errors to "no statistics": statistics are advisory and must never block
// an update.
func (e *Engine) taskStats(ctx context.Context, flowName, taskName string) *stats.TaskStats {
	ts, err := e.store.GetTaskStats(ctx, flowName, taskName)
	if err != nil {
		e.logger.WithError(err).WithFields(logrus.Fields{"flow": flowName, "task": taskName}).
			Warn("failed to load task statistics")
		return nil
	}
	return ts
}

func (e *Engine) findRunLocked(runID string) *Run {
	for _, run := range e.runs {
		if run.ID == runID {
			return run
		}
	}
	return nil
}

// recomputeWeights rebalances task weights from estimated durations:
// weight_i = estimated_i / Σ estimated, uniform when the sum is zero.
func recomputeWeights(tasks []*TaskRun) {
	if len(tasks) == 0 {
		return
	}
	var sum int64
	for _, task := range tasks {
		sum += task.EstimatedMs
	}
	if sum <= 0 {
		uniform := 1.0 / float64(len(tasks))
		for _, task := range tasks {
			task.Weight = uniform
		}
		return
	}
	for _, task := range tasks {
		task.Weight = float64(task.EstimatedMs) / float64(sum)
	}
}

// recomputeDefWeights is recomputeWeights for definition tasks.
func recomputeDefWeights(tasks []TaskDef) {
	if len(tasks) == 0 {
		return
	}
	var sum int64
	for _, task := range tasks {
		sum += task.EstimatedMs
	}
	if sum <= 0 {
		uniform := 1.0 / float64(len(tasks))
		for i := range tasks {
			tasks[i].Weight = uniform
		}
		return
	}
	for i := range tasks {
		tasks[i].Weight = float64(tasks[i].EstimatedMs) / float64(sum)
	}
}

// weightedProgress is floor(Σ wᵢ·pᵢ / Σ wᵢ), where a completed task earns
// 100, a running or failed task its current progress, and a pending task 0.
func weightedProgress(tasks []*TaskRun) float64 {
	var sumW, earned float64
	for _, task := range tasks {
		sumW += task.Weight
		switch task.State {
		case StateCompleted:
			earned += task.Weight * 100
		case StateRunning, StateFailed:
			earned += task.Weight * task.Progress
		}
	}
	if sumW == 0 {
		return 0
	}
	return math.Floor(earned / sumW)
}

// serverProgress is the server-authoritative progress of a running task,
// capped below 100 so only completion reaches it.
func serverProgress(elapsed time.Duration, estimatedMs int64) float64 {
	if estimatedMs <= 0 {
		return 0
	}
	p := 100 * float64(elapsed.Milliseconds()) / float64(estimatedMs)
	return clampProgress(p, 99)
}

func clampProgress(p, max float64) float64 {
	if p < 0 {
		return 0
	}
	if p > max {
		return max
	}
	return p
}

func anyFailed(tasks []*TaskRun) bool {
	for _, task := range tasks {
		if task.State == StateFailed {
			return true
		}
	}
	return false
}

func allCompleted(tasks []*TaskRun) bool {
	for _, task := range tasks {
		if task.State != StateCompleted {
			return false
		}
	}
	return true
}

func anyWarned(tasks []*TaskRun) bool {
	for _, task := range tasks {
		if task.Warning != nil {
			return true
		}
	}
	return false
}

func warningChanged(before, after *stats.Warning) bool {
	if (before == nil) != (after == nil) {
		return true
	}
	return before != nil && before.Message != after.Message
}
