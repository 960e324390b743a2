// Package cqueue implements callcore/pkg/call.CompletionQueue as a
// buffered channel of completed events, the same non-blocking "signal a
// Done channel, drop if full" contract the teacher's RPC Call.done uses.
package cqueue

import (
	"context"
	"errors"
)

// ErrShutdown is returned by Next once the queue has been shut down and
// no buffered event remains.
var ErrShutdown = errors.New("cqueue: completion queue is shut down")

// Event is one delivered batch completion.
type Event struct {
	Tag any
	Err error
}

// Queue is a CompletionQueue backed by a buffered channel. Posting never
// blocks the caller: when the queue is full, the event being posted is
// dropped rather than stall the combiner thread driving it, mirroring the
// teacher's "don't block here" comment on Call.done.
type Queue struct {
	events   chan Event
	isServer bool
	done     chan struct{}
}

// New creates a completion queue with the given buffer depth. isServer
// marks the queue as eligible to service server-side accept batches,
// satisfying call.CompletionQueue.IsServerQueue.
func New(depth int, isServer bool) *Queue {
	if depth <= 0 {
		depth = 64
	}
	return &Queue{
		events:   make(chan Event, depth),
		isServer: isServer,
		done:     make(chan struct{}),
	}
}

// Post implements call.CompletionQueue. If the buffer is full, the event
// is dropped rather than blocking the caller — the caller is expected to
// size the queue generously relative to outstanding batches.
func (q *Queue) Post(tag any, err error) {
	select {
	case q.events <- Event{Tag: tag, Err: err}:
	default:
	}
}

// IsServerQueue implements call.CompletionQueue.
func (q *Queue) IsServerQueue() bool { return q.isServer }

// Next blocks until an event is posted, the queue shuts down, or ctx is
// done.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	select {
	case ev := <-q.events:
		return ev, nil
	default:
	}
	select {
	case ev, ok := <-q.events:
		if !ok {
			return Event{}, ErrShutdown
		}
		return ev, nil
	case <-q.done:
		return Event{}, ErrShutdown
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Shutdown makes Next return ErrShutdown once the buffer is empty. Events
// already buffered are still returned by Next first; Post does not check
// for shutdown.
func (q *Queue) Shutdown() {
	select {
	case <-q.done:
	default:
		close(q.done)
	}
}
