package janus

import (
	"context"
	"sync"
	"sync/atomic"
)

// responseQueue is an unbounded FIFO of frames for one scope (the session or a
// single handle).
//
// The dispatch loop is the only producer. Dequeue blocks until a frame is
// available, the queue is closed, or ctx is done.
type responseQueue struct {
	mu     sync.Mutex
	frames []Response
	closed bool
	cause  error

	wake chan struct{}
	done chan struct{}

	drops atomic.Uint64
}

func newResponseQueue() *responseQueue {
	return &responseQueue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (q *responseQueue) DropCount() uint64 {
	return q.drops.Load()
}

// Enqueue appends resp. It never blocks and returns false if the frame was
// discarded.
func (q *responseQueue) Enqueue(resp Response) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.drops.Add(1)
		return false
	}
	q.frames = append(q.frames, resp)
	q.mu.Unlock()
	q.signal()
	return true
}

// Dequeue pops the oldest frame.
func (q *responseQueue) Dequeue(ctx context.Context) (Response, error) {
	for {
		q.mu.Lock()
		for len(q.frames) > 0 {
			resp := q.frames[0]
			q.frames[0] = Response{}
			q.frames = q.frames[1:]
			more := len(q.frames) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return resp, nil
		}
		if q.closed {
			cause := q.cause
			q.mu.Unlock()
			return Response{}, cause
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.done:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
}

// Err returns the close cause, or nil while the queue is open.
func (q *responseQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		return nil
	}
	return q.cause
}

// Discard removes buffered frames carrying transaction and reports how many
// were removed.
func (q *responseQueue) Discard(transaction string) int {
	if transaction == "" {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.frames[:0]
	removed := 0
	for _, resp := range q.frames {
		if resp.Transaction == transaction {
			removed++
			continue
		}
		kept = append(kept, resp)
	}
	for i := len(kept); i < len(q.frames); i++ {
		q.frames[i] = Response{}
	}
	q.frames = kept
	q.drops.Add(uint64(removed))
	return removed
}

// Close fails current and future Dequeue calls with cause. Buffered frames are
// discarded. Only the first call has an effect.
func (q *responseQueue) Close(cause error) {
	if cause == nil {
		cause = errQueueClosed
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.cause = cause
	for i := range q.frames {
		q.frames[i] = Response{}
	}
	q.frames = nil
	q.mu.Unlock()
	close(q.done)
}

func (q *responseQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// maxAbandoned bounds how many given-up transactions a session remembers.
// Beyond it the oldest is forgotten.
const maxAbandoned = 256

// abandonedSet remembers transactions whose waiter gave up so their replies
// can be dropped whichever queue they would land in. Not safe for concurrent
// use; the session guards it with pendingMu.
type abandonedSet struct {
	set   map[string]struct{}
	order []string
}

func (a *abandonedSet) add(transaction string) {
	if transaction == "" {
		return
	}
	if a.set == nil {
		a.set = make(map[string]struct{})
	}
	if _, ok := a.set[transaction]; ok {
		return
	}
	if len(a.order) >= maxAbandoned {
		delete(a.set, a.order[0])
		a.order[0] = ""
		a.order = a.order[1:]
	}
	a.order = append(a.order, transaction)
	a.set[transaction] = struct{}{}
}

// take reports whether transaction was abandoned and forgets it.
func (a *abandonedSet) take(transaction string) bool {
	if transaction == "" {
		return false
	}
	if _, ok := a.set[transaction]; !ok {
		return false
	}
	delete(a.set, transaction)
	return true
}

func (a *abandonedSet) len() int { return len(a.set) }
