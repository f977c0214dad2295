package progress

import "context"

// Sink receives batches of committed transitions from the Hub. Consume may be
// called again after an error; it must respect ctx.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter accepts one event without blocking the caller.
type Emitter interface {
	Emit(evt Event)
}

// NopEmitter drops every event.
type NopEmitter struct{}

// Emit implements Emitter.
func (NopEmitter) Emit(Event) {}
