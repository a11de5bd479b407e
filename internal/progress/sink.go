package progress

import "context"

// Sink consumes batches of events. Implementations must honor ctx deadlines
// and tolerate Close being called once after the final Consume.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events. Hub satisfies it; a nil Emitter
// field in a component means events are not reported.
type Emitter interface {
	Emit(evt Event)
}
