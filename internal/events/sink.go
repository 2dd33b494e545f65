package events

import "context"

// Sink consumes batches of lifecycle events. Implementations must honor ctx
// deadlines and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies this interface so
// emitters stay agnostic about buffering and persistence.
type Emitter interface {
	Emit(evt Event)
}

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// NopEmitter returns an Emitter that discards everything.
func NopEmitter() Emitter { return nopEmitter{} }
