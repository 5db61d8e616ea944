package events

import "sync"

// Event represents a structured state change emitted by the core.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. audit sinks, logs).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans every event out to each configured emitter in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// Buffer holds emitted events until Flush forwards them to the target. Hosts use
// it so that events only leave the process once the state writes of the same
// call have been committed.
type Buffer struct {
	mu      sync.Mutex
	target  Emitter
	pending []Event
}

// NewBuffer constructs a buffer in front of target.
func NewBuffer(target Emitter) *Buffer {
	if target == nil {
		target = NoopEmitter{}
	}
	return &Buffer{target: target}
}

// Emit implements the Emitter interface.
func (b *Buffer) Emit(evt Event) {
	if b == nil || evt == nil {
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, evt)
	b.mu.Unlock()
}

// Pending returns a copy of the buffered events.
func (b *Buffer) Pending() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.pending...)
}

// Flush forwards buffered events to the target and empties the buffer.
func (b *Buffer) Flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	target := b.target
	b.mu.Unlock()
	for _, evt := range pending {
		target.Emit(evt)
	}
}

// Reset drops buffered events without forwarding them.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}
