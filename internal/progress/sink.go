package progress

import "context"

// Sink consumes batches of events. Consume may be called from the hub
// goroutine only, but Close can race with nothing else.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts single events without blocking.
type Emitter interface {
	Emit(evt Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

// Emit calls f.
func (f EmitterFunc) Emit(evt Event) { f(evt) }

// Discard drops every event.
var Discard Emitter = EmitterFunc(func(Event) {})
