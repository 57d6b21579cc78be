package mipstream

import (
	"sync"
	"time"
)

// Completion is the outcome of one asynchronous level fetch. Loader
// goroutines push completions; the frame goroutine applies them with
// CompletionQueue.Dispatch, so no fetch goroutine ever touches GPU state.
type Completion struct {
	store      *MipChainStore
	level      MipLevel
	generation uint64
	payload    []byte
	err        error
	elapsed    time.Duration
}

// Level returns the mip level the completion belongs to.
func (c Completion) Level() MipLevel { return c.level }

// Err returns the load error, or nil on success.
func (c Completion) Err() error { return c.err }

// CompletionQueue hands fetch completions from loader goroutines to the
// frame goroutine.
//
// CompletionQueue is safe for concurrent use.
type CompletionQueue struct {
	mu      sync.Mutex
	pending []Completion
	notify  chan struct{}
}

// NewCompletionQueue creates an empty queue.
func NewCompletionQueue() *CompletionQueue {
	return &CompletionQueue{notify: make(chan struct{}, 1)}
}

func (q *CompletionQueue) push(c Completion) {
	q.mu.Lock()
	q.pending = append(q.pending, c)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Dispatch applies every pending completion to its store and returns
// how many of them changed state. Stale and failed completions are
// consumed without changing state. Call it from the frame goroutine.
func (q *CompletionQueue) Dispatch() int {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	applied := 0
	for _, c := range batch {
		if c.store.complete(c) {
			applied++
		}
	}
	return applied
}

// Pending returns the number of completions waiting for Dispatch.
func (q *CompletionQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Notify returns a channel that receives a value after completions are
// pushed. Several pushes may collapse into one notification.
func (q *CompletionQueue) Notify() <-chan struct{} {
	return q.notify
}
