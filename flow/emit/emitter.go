package emit

// Emitter receives and processes observability events from the engine.
//
// Implementations should be:
//   - Non-blocking: the engine emits from its mutation paths
//   - Thread-safe: the tick loop and HTTP handlers emit concurrently
//   - Resilient: a failing backend must not take the coordinator down
//
// Emit should not panic; errors are handled internally.
type Emitter interface {
	Emit(event Event)
}
