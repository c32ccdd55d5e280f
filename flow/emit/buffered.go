package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// run ID, with query and filter support.
//
// Use cases:
//   - Engine and boundary tests asserting on emitted event sequences
//   - Development debugging
//
// Warning: events are never evicted; this emitter is not meant for
// long-lived production deployments.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events
}

// HistoryFilter selects a subset of a run's events. All set fields must
// match (AND logic); zero values mean "no filter".
type HistoryFilter struct {
	Task string // filter by task name
	Msg  string // filter by event kind
}

// NewBufferedEmitter creates an empty buffered emitter. Safe for concurrent
// use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores the event under its run ID.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns all events recorded for a run, in emission order. The
// returned slice is a copy.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns a run's events matching the filter, in emission
// order.
func (b *BufferedEmitter) HistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events[runID] {
		if filter.Task != "" && event.Task != filter.Task {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		result = append(result, event)
	}
	if result == nil {
		result = []Event{}
	}
	return result
}

// Clear drops all events recorded for one run.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.events, runID)
}

// ClearAll drops every recorded event.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = make(map[string][]Event)
}
