package flow

import (
	"encoding/json"
	"fmt"
)

// deepCopy clones a value through a JSON round-trip. Engine getters hand out
// deep snapshots rather than references into guarded state, so callers can
// never observe (or cause) a mutation that bypasses the engine guard.
//
// Works for anything JSON-marshalable; every persisted entity in this
// package qualifies. Unexported fields are not carried over.
func deepCopy[T any](v T) (T, error) {
	var zero T

	data, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	var copied T
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return copied, nil
}

// mustCopy is deepCopy for values the engine itself constructed; a marshal
// failure on those is a programming error, so it panics instead of returning
// an error the callers could do nothing with.
func mustCopy[T any](v T) T {
	copied, err := deepCopy(v)
	if err != nil {
		panic(fmt.Sprintf("flow: snapshot copy failed: %v", err))
	}
	return copied
}
