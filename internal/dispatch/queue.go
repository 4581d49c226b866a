// Package dispatch provides the single execution context on which subscriber
// callbacks run. Work posted to a Queue runs one item at a time, in order, on
// one goroutine, so consumers never see concurrent callbacks.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Executor runs posted work on its own execution context.
type Executor interface {
	Post(fn func()) bool
}

// Queue is a serial executor backed by a single goroutine.
type Queue struct {
	mu      sync.Mutex
	pending []func()
	closed  bool
	wake    chan struct{}
	done    chan struct{}
	logger  zerolog.Logger
}

// NewQueue starts a queue.
func NewQueue(logger zerolog.Logger) *Queue {
	q := &Queue{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "dispatch").Logger(),
	}
	go q.run()
	return q
}

// Post appends fn to the queue. It returns false once the queue is closed.
func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync blocks until every item posted before the call has run.
func (q *Queue) Sync() {
	ran := make(chan struct{})
	if !q.Post(func() { close(ran) }) {
		<-q.done
		return
	}
	<-ran
}

// Close stops accepting work, runs what is already queued and waits for the
// queue goroutine to exit. Calling Close from inside posted work deadlocks.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		select {
		case q.wake <- struct{}{}:
		default:
		}
	}
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.wake
			continue
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.invoke(fn)
	}
}

func (q *Queue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Str("panic", fmt.Sprint(r)).
				Msg("Recovered panic in dispatched callback")
		}
	}()
	fn()
}
