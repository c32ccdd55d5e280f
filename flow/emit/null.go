package emit

// NullEmitter implements Emitter by discarding all events.
//
// It is the engine's default when no emitter is configured, so the engine
// never has to nil-check before emitting.
type NullEmitter struct{}

// NewNullEmitter creates an emitter that discards everything. Safe for
// concurrent use; zero overhead.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {}
