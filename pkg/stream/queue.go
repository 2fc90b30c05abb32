package stream

import (
	"sync"

	"github.com/frameprof/frameprof/pkg/model"
)

// frameQueue is the bounded per-client send buffer. The publishing path
// pushes and never blocks: when the queue is full the oldest queued
// frame is dropped, so a stalled client loses its most stale data first
// and catches up to the live edge when it resumes.
type frameQueue struct {
	mu      sync.Mutex
	items   []*model.Frame
	cap     int
	dropped uint64
	closed  bool

	wake chan struct{}
}

func newFrameQueue(capacity int) *frameQueue {
	return &frameQueue{cap: capacity, wake: make(chan struct{}, 1)}
}

// push enqueues f. It reports whether an older frame was dropped to
// make room. Pushing to a closed queue is a silent no-op.
func (q *frameQueue) push(f *model.Frame) (droppedOldest bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.items) >= q.cap {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		droppedOldest = true
	}
	q.items = append(q.items, f)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return droppedOldest
}

// pop blocks until a frame is available or the queue is closed and
// fully drained. ok == false means the consumer should finish up.
func (q *frameQueue) pop() (f *model.Frame, ok bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			f = q.items[0]
			copy(q.items, q.items[1:])
			q.items = q.items[:len(q.items)-1]
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}
		<-q.wake
	}
}

// close stops accepting new frames. Frames already queued remain
// poppable so the consumer can drain.
func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *frameQueue) droppedFrames() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *frameQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
