package events

// Event represents a structured state change emitted by a ledger module.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (receipt logs, off-chain
// indexers, the transferd watcher).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default for engines whose callers do not care about event output.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}
