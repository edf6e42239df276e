package tracehist

import (
	"context"
	"errors"
	"fmt"
)

// Event is one trace event handed to a state provider during a replay.
type Event interface {
	// Timestamp returns the event time in trace time units.
	Timestamp() int64
}

// Trace streams events to event requests. The trace framework owns the
// implementation.
type Trace interface {
	// ReadEvents delivers, in time order, every event whose timestamp falls
	// inside [start, end] to the handler. It returns once all events are
	// delivered, or earlier when the context is cancelled.
	ReadEvents(ctx context.Context, start, end int64, handle func(Event)) error
}

// StateProvider turns trace events into state changes on its assigned state
// writer. A partial history drives a dedicated provider instance bound to
// the shadow state system.
type StateProvider interface {
	// ProcessEvent applies one event's state changes.
	ProcessEvent(ev Event)

	// StartTime returns the timestamp of the start of the trace.
	StartTime() int64

	// AssignedStateSystem returns the state writer this provider feeds.
	AssignedStateSystem() StateWriter

	// WaitForEmptyQueue blocks until every queued event has been applied.
	// Providers without an internal queue return immediately.
	WaitForEmptyQueue()

	// Trace returns the trace this provider reads from.
	Trace() Trace

	// Dispose releases the provider's resources.
	Dispose()
}

// eventRequest re-feeds a slice of the trace through a state provider. It
// mirrors the framework's event request protocol: send starts the streaming,
// waitForCompletion blocks until every event has been handled and the
// provider's queue has drained.
type eventRequest struct {
	provider StateProvider
	start    int64
	end      int64
	done     chan error
}

func newEventRequest(provider StateProvider, start, end int64) *eventRequest {
	return &eventRequest{
		provider: provider,
		start:    start,
		end:      end,
		done:     make(chan error, 1),
	}
}

func (r *eventRequest) send(ctx context.Context) {
	go func() {
		err := r.provider.Trace().ReadEvents(ctx, r.start, r.end, r.provider.ProcessEvent)
		if err == nil {
			r.provider.WaitForEmptyQueue()
		}
		r.done <- err
	}()
}

func (r *eventRequest) waitForCompletion(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	case err := <-r.done:
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		return err
	}
}
