package flow

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/flowcoord/flowcoord/flow/stats"
)

// fakeStore is an in-memory Store for engine tests. Unlike the production
// memory store it allows seeding statistics directly and injecting write
// failures.
type fakeStore struct {
	mu        sync.Mutex
	flows     map[string]*Definition
	runs      map[string]*Run
	taskStats map[string]*stats.TaskStats
	flowStats map[string]*stats.FlowStats
	learned   map[string][]StructureEntry
	saveErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		flows:     map[string]*Definition{},
		runs:      map[string]*Run{},
		taskStats: map[string]*stats.TaskStats{},
		flowStats: map[string]*stats.FlowStats{},
		learned:   map[string][]StructureEntry{},
	}
}

func statsKey(flowName, taskName string) string { return flowName + "\x00" + taskName }

func (s *fakeStore) seedTaskStats(flowName, taskName string, count int64, avg, m2 float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskStats[statsKey(flowName, taskName)] = &stats.TaskStats{
		FlowName: flowName, TaskName: taskName,
		SampleCount: count, AvgMs: avg, M2: m2,
	}
}

func (s *fakeStore) SaveFlow(_ context.Context, def *Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.flows[def.ID] = mustCopy(def)
	return nil
}

func (s *fakeStore) LoadAllFlows(_ context.Context) ([]*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Definition
	for _, def := range s.flows {
		out = append(out, mustCopy(def))
	}
	return out, nil
}

func (s *fakeStore) DeleteFlow(_ context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flows, flowID)
	return nil
}

func (s *fakeStore) SaveRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.runs[run.ID] = mustCopy(run)
	return nil
}

func (s *fakeStore) LoadRun(_ context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	return mustCopy(run), nil
}

func (s *fakeStore) LoadAllRuns(_ context.Context) ([]*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Run
	for _, run := range s.runs {
		out = append(out, mustCopy(run))
	}
	return out, nil
}

func (s *fakeStore) DeleteRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

func (s *fakeStore) GetTaskStats(_ context.Context, flowName, taskName string) (*stats.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.taskStats[statsKey(flowName, taskName)]
	if !ok {
		return nil, nil
	}
	cp := *ts
	return &cp, nil
}

func (s *fakeStore) GetAllFlowTaskStats(_ context.Context, flowName string) (map[string]stats.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]stats.TaskStats{}
	for _, ts := range s.taskStats {
		if ts.FlowName == flowName {
			out[ts.TaskName] = *ts
		}
	}
	return out, nil
}

func (s *fakeStore) GetAllTaskStats(_ context.Context) ([]stats.TaskStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stats.TaskStats
	for _, ts := range s.taskStats {
		out = append(out, *ts)
	}
	return out, nil
}

func (s *fakeStore) UpdateTaskStats(_ context.Context, flowName, taskName string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := statsKey(flowName, taskName)
	ts, ok := s.taskStats[key]
	if !ok {
		ts = &stats.TaskStats{FlowName: flowName, TaskName: taskName}
		s.taskStats[key] = ts
	}
	acc := ts.Acc().Add(float64(durationMs))
	ts.SampleCount, ts.AvgMs, ts.M2 = acc.Count, acc.Mean, acc.M2
	return nil
}

func (s *fakeStore) DeleteTaskStatsForFlow(_ context.Context, flowName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ts := range s.taskStats {
		if ts.FlowName == flowName {
			delete(s.taskStats, key)
		}
	}
	return nil
}

func (s *fakeStore) GetFlowStats(_ context.Context, flowName string) (*stats.FlowStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.flowStats[flowName]
	if !ok {
		return nil, nil
	}
	cp := *fs
	return &cp, nil
}

func (s *fakeStore) GetAllFlowStats(_ context.Context) ([]stats.FlowStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []stats.FlowStats
	for _, fs := range s.flowStats {
		out = append(out, *fs)
	}
	return out, nil
}

func (s *fakeStore) UpdateFlowStats(_ context.Context, flowName string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.flowStats[flowName]
	if !ok {
		fs = &stats.FlowStats{FlowName: flowName}
		s.flowStats[flowName] = fs
	}
	acc := fs.Acc().Add(float64(durationMs))
	fs.SampleCount, fs.AvgMs, fs.M2 = acc.Count, acc.Mean, acc.M2
	return nil
}

func (s *fakeStore) DeleteFlowStats(_ context.Context, flowName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStats, flowName)
	return nil
}

func (s *fakeStore) ClearStats(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskStats = map[string]*stats.TaskStats{}
	s.flowStats = map[string]*stats.FlowStats{}
	return nil
}

func (s *fakeStore) TaskHistory(_ context.Context, _, _ string, _ int) ([]HistorySample, error) {
	return nil, nil
}

func (s *fakeStore) FlowHistory(_ context.Context, _ string, _ int) ([]HistorySample, error) {
	return nil, nil
}

func (s *fakeStore) SaveLearnedStructure(_ context.Context, flowName string, entries []StructureEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.learned[flowName] = append([]StructureEntry(nil), entries...)
	return nil
}

func (s *fakeStore) GetLearnedStructure(_ context.Context, flowName string) ([]StructureEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StructureEntry(nil), s.learned[flowName]...), nil
}

func (s *fakeStore) Close() error { return nil }

// manualClock returns a settable time source. Only safe for engines whose
// background loops are not started.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(t *testing.T, st Store, opts ...Option) (*Engine, *manualClock) {
	t.Helper()
	engine, err := New(st, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	clock := newManualClock()
	engine.now = clock.Now
	t.Cleanup(func() { _ = engine.Close() })
	return engine, clock
}

func registerTwoTaskFlow(t *testing.T, engine *Engine) *Definition {
	t.Helper()
	def, err := engine.RegisterFlow(context.Background(), RegisterPayload{
		Name: "nightly",
		Tasks: []TaskPayload{
			{Name: "compile", EstimatedMs: 1000},
			{Name: "test", EstimatedMs: 3000},
		},
	})
	if err != nil {
		t.Fatalf("RegisterFlow failed: %v", err)
	}
	return def
}

func running() string { return string(StateRunning) }

func TestEngine_RegisterTriggerComplete(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	engine, clock := newTestEngine(t, st)

	def := registerTwoTaskFlow(t, engine)
	if got := def.Tasks[0].Weight; math.Abs(got-0.25) > 1e-9 {
		t.Errorf("task 0 weight = %v, want 0.25", got)
	}
	if got := def.Tasks[1].Weight; math.Abs(got-0.75) > 1e-9 {
		t.Errorf("task 1 weight = %v, want 0.75", got)
	}

	runID, err := engine.TriggerFlow(ctx, def.ID, TriggerOptions{Configuration: "cfg=1"})
	if err != nil {
		t.Fatalf("TriggerFlow failed: %v", err)
	}

	run, err := engine.GetRun(runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.State != StateRunning {
		t.Errorf("run state = %v, want running", run.State)
	}
	if run.Progress != 0 {
		t.Errorf("initial progress = %v, want 0", run.Progress)
	}

	// Triggering consumed the definition.
	if got := len(engine.Flows()); got != 0 {
		t.Errorf("library has %d flows after trigger, want 0", got)
	}
	if _, err := engine.TriggerFlow(ctx, def.ID, TriggerOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("re-trigger error = %v, want ErrNotFound", err)
	}

	// Task 0: running then completed in 900ms.
	if _, err := engine.UpdateTaskState(ctx, runID, 0, running(), TaskUpdate{}); err != nil {
		t.Fatalf("task 0 running: %v", err)
	}
	clock.Advance(900 * time.Millisecond)
	d0 := int64(900)
	if _, err := engine.UpdateTaskState(ctx, runID, 0, "COMPLETED", TaskUpdate{DurationMs: &d0}); err != nil {
		t.Fatalf("task 0 completed: %v", err)
	}

	run, _ = engine.GetRun(runID)
	if run.Progress != 25 {
		t.Errorf("progress after task 0 = %v, want 25", run.Progress)
	}

	// Task 1: running then completed in 2800ms.
	if _, err := engine.UpdateTaskState(ctx, runID, 1, running(), TaskUpdate{}); err != nil {
		t.Fatalf("task 1 running: %v", err)
	}
	clock.Advance(3100 * time.Millisecond)
	d1 := int64(2800)
	if _, err := engine.UpdateTaskState(ctx, runID, 1, "completed", TaskUpdate{DurationMs: &d1}); err != nil {
		t.Fatalf("task 1 completed: %v", err)
	}

	// Every predicted task is done, but only the completion signal may take
	// the run to 100; until then it holds just under, still running.
	run, _ = engine.GetRun(runID)
	if run.State != StateRunning {
		t.Fatalf("pre-completion state = %v, want running", run.State)
	}
	if run.Progress != 99 {
		t.Errorf("pre-completion progress = %v, want 99", run.Progress)
	}

	if err := engine.CompleteFlow(ctx, runID, 2); err != nil {
		t.Fatalf("CompleteFlow failed: %v", err)
	}

	run, _ = engine.GetRun(runID)
	if run.State != StateCompleted {
		t.Fatalf("run state = %v, want completed", run.State)
	}
	if run.Progress != 100 {
		t.Errorf("final progress = %v, want 100", run.Progress)
	}
	if run.EndTime == nil {
		t.Error("completed run has no end time")
	}

	// Statistics folded for both tasks and the flow.
	ts, _ := st.GetTaskStats(ctx, "nightly", "compile")
	if ts == nil || ts.SampleCount != 1 || ts.AvgMs != 900 {
		t.Errorf("compile stats = %+v, want count 1 avg 900", ts)
	}
	fs, _ := st.GetFlowStats(ctx, "nightly")
	if fs == nil || fs.SampleCount != 1 {
		t.Errorf("flow stats = %+v, want one sample", fs)
	}

	// Learned structure captures the observed sequence with real durations.
	learned, _ := st.GetLearnedStructure(ctx, "nightly")
	want := []StructureEntry{{TaskName: "compile", EstimatedMs: 900}, {TaskName: "test", EstimatedMs: 2800}}
	if len(learned) != 2 || learned[0] != want[0] || learned[1] != want[1] {
		t.Errorf("learned structure = %+v, want %+v", learned, want)
	}
}

func TestEngine_OutlierKeptOutOfStats(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	// 20 samples, mean 1000ms, variance 2500 (stddev 50ms).
	st.seedTaskStats("nightly", "compile", 20, 1000, 19*2500)
	engine, clock := newTestEngine(t, st)

	def := registerTwoTaskFlow(t, engine)
	runID, err := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})
	if err != nil {
		t.Fatalf("TriggerFlow failed: %v", err)
	}

	if _, err := engine.UpdateTaskState(ctx, runID, 0, running(), TaskUpdate{}); err != nil {
		t.Fatalf("task running: %v", err)
	}
	clock.Advance(1640 * time.Millisecond)
	// 1640ms is 12.8 standard deviations above the mean.
	slow := int64(1640)
	if _, err := engine.UpdateTaskState(ctx, runID, 0, "completed", TaskUpdate{DurationMs: &slow}); err != nil {
		t.Fatalf("task completed: %v", err)
	}

	run, _ := engine.GetRun(runID)
	task := run.Tasks[0]
	if task.Warning == nil {
		t.Fatal("expected a performance warning on the outlier sample")
	}
	wantMsg := "1.6s (12.8σ from 1.0s avg, n=20)"
	if task.Warning.Message != wantMsg {
		t.Errorf("warning message = %q, want %q", task.Warning.Message, wantMsg)
	}

	// The outlier must not pollute the statistic.
	ts, _ := st.GetTaskStats(ctx, "nightly", "compile")
	if ts.SampleCount != 20 || ts.AvgMs != 1000 {
		t.Errorf("stats after outlier = count %d avg %v, want unchanged 20/1000", ts.SampleCount, ts.AvgMs)
	}

	// A normal sample on a later run folds in.
	def = registerTwoTaskFlow(t, engine)
	runID2, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})
	if _, err := engine.UpdateTaskState(ctx, runID2, 0, running(), TaskUpdate{}); err != nil {
		t.Fatalf("task running: %v", err)
	}
	normal := int64(1010)
	if _, err := engine.UpdateTaskState(ctx, runID2, 0, "completed", TaskUpdate{DurationMs: &normal}); err != nil {
		t.Fatalf("task completed: %v", err)
	}
	ts, _ = st.GetTaskStats(ctx, "nightly", "compile")
	if ts.SampleCount != 21 {
		t.Errorf("stats after normal sample = count %d, want 21", ts.SampleCount)
	}
}

func TestEngine_TerminalGuardAfterStopAll(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeStore())

	def := registerTwoTaskFlow(t, engine)
	runID, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})
	if _, err := engine.UpdateTaskState(ctx, runID, 0, running(), TaskUpdate{}); err != nil {
		t.Fatalf("task running: %v", err)
	}

	if failed := engine.FailAllRunning(ctx, "user stopped"); failed != 1 {
		t.Fatalf("FailAllRunning failed %d runs, want 1", failed)
	}

	run, _ := engine.GetRun(runID)
	if run.State != StateFailed {
		t.Fatalf("run state = %v, want failed", run.State)
	}
	if run.Tasks[0].State != StateFailed {
		t.Errorf("running task state = %v, want failed", run.Tasks[0].State)
	}
	if run.Tasks[1].State != StatePending {
		t.Errorf("pending task state = %v, want pending (never attempted)", run.Tasks[1].State)
	}
	if n := len(run.Logs); n == 0 || run.Logs[n-1].Line != "user stopped" {
		t.Errorf("expected trailing 'user stopped' log, got %+v", run.Logs)
	}

	// A lagging worker update must bounce off the terminal guard.
	ignored, err := engine.UpdateTaskState(ctx, runID, 0, "completed", TaskUpdate{})
	if err != nil {
		t.Fatalf("late update errored: %v", err)
	}
	if !ignored {
		t.Error("late update was applied, want ignored")
	}
	run, _ = engine.GetRun(runID)
	if run.Tasks[0].State != StateFailed {
		t.Errorf("task state after late update = %v, want failed", run.Tasks[0].State)
	}
}

func TestEngine_DynamicGrowth(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeStore())

	def, err := engine.RegisterFlow(ctx, RegisterPayload{
		Name:  "adhoc",
		Tasks: []TaskPayload{{Name: "first", EstimatedMs: 1000}},
	})
	if err != nil {
		t.Fatalf("RegisterFlow failed: %v", err)
	}
	runID, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})

	// Growth without a task name is refused.
	if _, err := engine.UpdateTaskState(ctx, runID, 3, running(), TaskUpdate{}); !IsValidation(err) {
		t.Errorf("nameless growth error = %v, want validation error", err)
	}

	// Growth to index 2 pads slot 1 and fills slot 2.
	est := int64(2000)
	if _, err := engine.UpdateTaskState(ctx, runID, 2, running(), TaskUpdate{TaskName: "extra", EstimatedMs: &est}); err != nil {
		t.Fatalf("growth update failed: %v", err)
	}

	run, _ := engine.GetRun(runID)
	if len(run.Tasks) != 3 {
		t.Fatalf("task count = %d, want 3", len(run.Tasks))
	}
	if run.Tasks[1].ID != run.Tasks[2].ID {
		t.Errorf("padded slots have distinct IDs %q / %q; padding copies one placeholder", run.Tasks[1].ID, run.Tasks[2].ID)
	}
	if run.Tasks[2].Name != "extra" || run.Tasks[2].State != StateRunning {
		t.Errorf("grown slot = %+v, want running 'extra'", run.Tasks[2])
	}
	var sum float64
	for _, task := range run.Tasks {
		sum += task.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("weights sum to %v after growth, want 1", sum)
	}
}

func TestEngine_TriggerDispatchesCreateRunDoesNot(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeStore())

	def := registerTwoTaskFlow(t, engine)
	runID, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{Configuration: "cfg=1"})

	req, err := engine.Dispatcher().Poll(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if req == nil || req.RunID != runID || req.FlowName != "nightly" || req.Configuration != "cfg=1" {
		t.Errorf("dispatched request = %+v, want run %s", req, runID)
	}

	def = registerTwoTaskFlow(t, engine)
	if _, err := engine.CreateRun(ctx, def.ID, TriggerOptions{}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	req, err = engine.Dispatcher().Poll(ctx, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if req != nil {
		t.Errorf("CreateRun dispatched %+v, want no dispatch", req)
	}
}

func TestEngine_WatchdogFiresOncePerSilence(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	engine, err := New(st,
		WithLivenessInterval(5*time.Millisecond),
		WithHeartbeatTimeout(25*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Close()

	def, _ := engine.RegisterFlow(ctx, RegisterPayload{
		Name:  "watched",
		Tasks: []TaskPayload{{Name: "only", EstimatedMs: 1000}},
	})
	runID, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})

	engine.Dispatcher().Heartbeat()
	time.Sleep(150 * time.Millisecond)

	run, _ := engine.GetRun(runID)
	if run.State != StateFailed {
		t.Fatalf("run state after silence = %v, want failed", run.State)
	}
	if n := len(run.Logs); n == 0 || run.Logs[n-1].Line != "Lost connection" {
		t.Errorf("expected 'Lost connection' log, got %+v", run.Logs)
	}

	// The sentinel cleared on firing: without a fresh heartbeat the watchdog
	// must not fire again.
	def, _ = engine.RegisterFlow(ctx, RegisterPayload{
		Name:  "watched2",
		Tasks: []TaskPayload{{Name: "only", EstimatedMs: 1000}},
	})
	runID2, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})
	time.Sleep(100 * time.Millisecond)

	run, _ = engine.GetRun(runID2)
	if run.State != StateRunning {
		t.Fatalf("run state without heartbeat = %v, want running (watchdog must not re-fire)", run.State)
	}

	// A new heartbeat re-arms it.
	engine.Dispatcher().Heartbeat()
	time.Sleep(150 * time.Millisecond)
	run, _ = engine.GetRun(runID2)
	if run.State != StateFailed {
		t.Errorf("run state after re-armed silence = %v, want failed", run.State)
	}
}

func TestEngine_RestartRecovery(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()

	start := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	stranded := &Run{
		ID:        "stranded-1",
		FlowName:  "nightly",
		State:     StateRunning,
		StartTime: start,
		Tasks: []*TaskRun{
			{ID: "t1", Name: "compile", State: StateRunning, StartTime: &start, Weight: 0.5, EstimatedMs: 1000},
			{ID: "t2", Name: "test", State: StatePending, Weight: 0.5, EstimatedMs: 1000},
		},
	}
	if err := st.SaveRun(ctx, stranded); err != nil {
		t.Fatalf("seed run: %v", err)
	}

	engine, err := New(st)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer engine.Close()

	run, err := engine.GetRun("stranded-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if run.State != StateFailed {
		t.Errorf("recovered run state = %v, want failed", run.State)
	}
	if run.EndTime == nil {
		t.Error("recovered run has no end time")
	}
	// No process is coming back for any of them: the pending task fails
	// alongside the running one.
	for i, task := range run.Tasks {
		if task.State != StateFailed {
			t.Errorf("recovered task %d state = %v, want failed", i, task.State)
		}
	}
	if n := len(run.Logs); n == 0 || run.Logs[n-1].Line != "server restarted" {
		t.Errorf("expected 'server restarted' log, got %+v", run.Logs)
	}

	// The store mirrors the recovery.
	persisted, err := st.LoadRun(ctx, "stranded-1")
	if err != nil {
		t.Fatalf("LoadRun failed: %v", err)
	}
	if persisted.State != StateFailed {
		t.Errorf("persisted state = %v, want failed", persisted.State)
	}
}

func TestEngine_RegisterFlowIdempotent(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeStore())

	first := registerTwoTaskFlow(t, engine)
	second := registerTwoTaskFlow(t, engine)
	if first.ID != second.ID {
		t.Errorf("re-registration produced a new definition %q, want %q", second.ID, first.ID)
	}
	if got := len(engine.Flows()); got != 1 {
		t.Errorf("library has %d flows, want 1", got)
	}

	if _, err := engine.RegisterFlow(ctx, RegisterPayload{Name: ""}); !IsValidation(err) {
		t.Errorf("empty name error = %v, want validation error", err)
	}
	if _, err := engine.RegisterFlow(ctx, RegisterPayload{Name: "empty"}); !IsValidation(err) {
		t.Errorf("no-tasks error = %v, want validation error", err)
	}
}

func TestEngine_EstimateRefreshFromStats(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.seedTaskStats("nightly", "compile", 5, 2500, 0)
	st.seedTaskStats("nightly", "test", 1, 9000, 0)
	engine, _ := newTestEngine(t, st)

	def, err := engine.RegisterFlow(ctx, RegisterPayload{
		Name: "nightly",
		Tasks: []TaskPayload{
			{Name: "compile", EstimatedMs: 1000},
			{Name: "test", EstimatedMs: 3000},
		},
	})
	if err != nil {
		t.Fatalf("RegisterFlow failed: %v", err)
	}
	if def.Tasks[0].EstimatedMs != 2500 {
		t.Errorf("estimate with 5 samples = %d, want 2500 from stats", def.Tasks[0].EstimatedMs)
	}
	// A single sample is not enough to override the worker's guess.
	if def.Tasks[1].EstimatedMs != 3000 {
		t.Errorf("estimate with 1 sample = %d, want the registered 3000", def.Tasks[1].EstimatedMs)
	}
}

func TestEngine_LearnedStructureShapesRun(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.learned["nightly"] = []StructureEntry{
		{TaskName: "setup", EstimatedMs: 500},
		{TaskName: "verify", EstimatedMs: 1500},
	}
	engine, _ := newTestEngine(t, st)

	def := registerTwoTaskFlow(t, engine)
	runID, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})

	run, _ := engine.GetRun(runID)
	if len(run.Tasks) != 2 {
		t.Fatalf("task count = %d, want 2 from learned structure", len(run.Tasks))
	}
	if run.Tasks[0].Name != "setup" || run.Tasks[1].Name != "verify" {
		t.Errorf("task names = %q/%q, want setup/verify", run.Tasks[0].Name, run.Tasks[1].Name)
	}
	if math.Abs(run.Tasks[0].Weight-0.25) > 1e-9 || math.Abs(run.Tasks[1].Weight-0.75) > 1e-9 {
		t.Errorf("weights = %v/%v, want 0.25/0.75", run.Tasks[0].Weight, run.Tasks[1].Weight)
	}
}

func TestEngine_CompleteFlowTruncates(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeStore())

	def, _ := engine.RegisterFlow(ctx, RegisterPayload{
		Name: "short",
		Tasks: []TaskPayload{
			{Name: "a", EstimatedMs: 1000},
			{Name: "b", EstimatedMs: 1000},
			{Name: "c", EstimatedMs: 1000},
		},
	})
	runID, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})

	for i := 0; i < 2; i++ {
		d := int64(800)
		if _, err := engine.UpdateTaskState(ctx, runID, i, running(), TaskUpdate{}); err != nil {
			t.Fatalf("task %d running: %v", i, err)
		}
		if _, err := engine.UpdateTaskState(ctx, runID, i, "completed", TaskUpdate{DurationMs: &d}); err != nil {
			t.Fatalf("task %d completed: %v", i, err)
		}
	}

	// The worker visited only two of the three predicted tasks.
	if err := engine.CompleteFlow(ctx, runID, 2); err != nil {
		t.Fatalf("CompleteFlow failed: %v", err)
	}

	run, _ := engine.GetRun(runID)
	if run.State != StateCompleted {
		t.Fatalf("run state = %v, want completed", run.State)
	}
	if len(run.Tasks) != 2 {
		t.Errorf("task count = %d, want truncated to 2", len(run.Tasks))
	}
	var sum float64
	for _, task := range run.Tasks {
		sum += task.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("weights sum to %v after truncation, want 1", sum)
	}
}

func TestEngine_TaskFailureFailsRun(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeStore())

	def := registerTwoTaskFlow(t, engine)
	runID, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})

	d := int64(900)
	if _, err := engine.UpdateTaskState(ctx, runID, 0, running(), TaskUpdate{}); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.UpdateTaskState(ctx, runID, 0, "completed", TaskUpdate{DurationMs: &d}); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.UpdateTaskState(ctx, runID, 1, running(), TaskUpdate{}); err != nil {
		t.Fatal(err)
	}
	if _, err := engine.UpdateTaskState(ctx, runID, 1, "FAILED", TaskUpdate{}); err != nil {
		t.Fatal(err)
	}

	run, _ := engine.GetRun(runID)
	if run.State != StateFailed {
		t.Fatalf("run state = %v, want failed", run.State)
	}
	if run.EndTime == nil {
		t.Error("failed run has no end time")
	}
	// Only the completed task's weight is earned: floor(0.25 * 100) = 25.
	if run.Progress != 25 {
		t.Errorf("progress = %v, want 25", run.Progress)
	}
}

func TestEngine_DeleteRun(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	st.seedTaskStats("nightly", "compile", 3, 1000, 0)
	engine, _ := newTestEngine(t, st)

	def := registerTwoTaskFlow(t, engine)
	runID, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})

	if err := engine.DeleteRun(ctx, runID); !errors.Is(err, ErrRunActive) {
		t.Errorf("delete of active run = %v, want ErrRunActive", err)
	}
	if err := engine.DeleteRun(ctx, "no-such-run"); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete of unknown run = %v, want ErrNotFound", err)
	}

	engine.FailAllRunning(ctx, "user stopped")
	if err := engine.DeleteRun(ctx, runID); err != nil {
		t.Fatalf("delete of terminal run failed: %v", err)
	}
	if _, err := engine.GetRun(runID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted run still readable: %v", err)
	}

	// Last run of the flow name gone: its statistics go with it.
	ts, _ := st.GetTaskStats(ctx, "nightly", "compile")
	if ts != nil {
		t.Errorf("stats survived deletion of the flow's last run: %+v", ts)
	}
}

func TestEngine_AppendLogs(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeStore())

	def := registerTwoTaskFlow(t, engine)
	runID, _ := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})

	if err := engine.AppendRunLog(ctx, runID, "starting up"); err != nil {
		t.Fatalf("AppendRunLog failed: %v", err)
	}
	if err := engine.AppendTaskLog(ctx, runID, 0, "compiling"); err != nil {
		t.Fatalf("AppendTaskLog failed: %v", err)
	}
	if err := engine.AppendTaskLog(ctx, runID, 9, "nope"); !IsValidation(err) {
		t.Errorf("out-of-range task log = %v, want validation error", err)
	}
	if err := engine.AppendRunLog(ctx, "no-such-run", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown run log = %v, want ErrNotFound", err)
	}

	run, _ := engine.GetRun(runID)
	if len(run.Logs) != 1 || run.Logs[0].Line != "starting up" {
		t.Errorf("run logs = %+v", run.Logs)
	}
	if len(run.Tasks[0].Logs) != 1 || run.Tasks[0].Logs[0].Line != "compiling" {
		t.Errorf("task logs = %+v", run.Tasks[0].Logs)
	}

	// Terminal runs take no more log lines.
	engine.FailAllRunning(ctx, "user stopped")
	before, _ := engine.GetRun(runID)
	if err := engine.AppendRunLog(ctx, runID, "too late"); err != nil {
		t.Fatalf("append to terminal run errored: %v", err)
	}
	after, _ := engine.GetRun(runID)
	if len(after.Logs) != len(before.Logs) {
		t.Error("terminal run accepted a log line")
	}
}

func TestEngine_PersistFailureKeepsMemory(t *testing.T) {
	ctx := context.Background()
	st := newFakeStore()
	engine, _ := newTestEngine(t, st)

	def := registerTwoTaskFlow(t, engine)
	st.mu.Lock()
	st.saveErr = errors.New("disk full")
	st.mu.Unlock()

	runID, err := engine.TriggerFlow(ctx, def.ID, TriggerOptions{})
	if err != nil {
		t.Fatalf("TriggerFlow surfaced a store error: %v", err)
	}
	if _, err := engine.GetRun(runID); err != nil {
		t.Errorf("run missing from memory after failed persist: %v", err)
	}
}

func TestEngine_SubscribeNotifies(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t, newFakeStore())

	ch, cancel := engine.Subscribe()
	defer cancel()

	registerTwoTaskFlow(t, engine)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after a mutation")
	}

	// Signals coalesce; after draining, a fresh mutation signals again.
	def, _ := engine.RegisterFlow(ctx, RegisterPayload{
		Name:  "another",
		Tasks: []TaskPayload{{Name: "x", EstimatedMs: 100}},
	})
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification after second mutation")
	}

	cancel()
	if _, err := engine.TriggerFlow(ctx, def.ID, TriggerOptions{}); err != nil {
		t.Fatalf("TriggerFlow failed: %v", err)
	}
	select {
	case <-ch:
		t.Error("cancelled subscriber still notified")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWeightedProgress(t *testing.T) {
	tasks := []*TaskRun{
		{State: StateCompleted, Weight: 0.25},
		{State: StateRunning, Weight: 0.75, Progress: 50},
	}
	if got := weightedProgress(tasks); got != 62 {
		t.Errorf("weightedProgress = %v, want floor(25+37.5) = 62", got)
	}

	if got := weightedProgress(nil); got != 0 {
		t.Errorf("empty progress = %v, want 0", got)
	}

	all := []*TaskRun{
		{State: StateCompleted, Weight: 0.5},
		{State: StateCompleted, Weight: 0.5},
	}
	if got := weightedProgress(all); got != 100 {
		t.Errorf("all-completed progress = %v, want 100", got)
	}
}

func TestRecomputeWeights(t *testing.T) {
	tasks := []*TaskRun{
		{EstimatedMs: 1000},
		{EstimatedMs: 2000},
		{EstimatedMs: 7000},
	}
	recomputeWeights(tasks)
	var sum float64
	for _, task := range tasks {
		sum += task.Weight
	}
	if math.Abs(sum-1) > 1e-6 {
		t.Errorf("weights sum to %v, want 1", sum)
	}
	if tasks[2].Weight != 0.7 {
		t.Errorf("dominant weight = %v, want 0.7", tasks[2].Weight)
	}

	// Zero estimates degrade to uniform weights.
	zero := []*TaskRun{{}, {}, {}, {}}
	recomputeWeights(zero)
	for i, task := range zero {
		if math.Abs(task.Weight-0.25) > 1e-9 {
			t.Errorf("uniform weight[%d] = %v, want 0.25", i, task.Weight)
		}
	}
}
