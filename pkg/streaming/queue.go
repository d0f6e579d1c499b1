package streaming

import "sync"

// FrameQueue is an unbounded single-producer single-consumer frame buffer.
// Push never blocks; Frames() yields frames in push order and is closed once
// Close has been called and the buffer has drained. A consumer that stops
// receiving mid-stream must call Discard so the pump can drop the remainder
// and exit.
type FrameQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       []Frame
	closed    bool
	discarded bool
	out       chan Frame
	done      chan struct{}

	closeOnce   sync.Once
	discardOnce sync.Once
}

func NewFrameQueue() *FrameQueue {
	q := &FrameQueue{
		out:  make(chan Frame),
		done: make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *FrameQueue) Push(f Frame) {
	q.mu.Lock()
	if q.closed || q.discarded {
		q.mu.Unlock()
		return
	}
	q.buf = append(q.buf, f)
	q.cond.Signal()
	q.mu.Unlock()
}

// Close marks the queue finished. Buffered frames are still delivered before
// Frames() is closed. Close is idempotent.
func (q *FrameQueue) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.cond.Signal()
		q.mu.Unlock()
	})
}

// Discard abandons the consumer side: undelivered frames are dropped and the
// pump exits instead of blocking on a receiver that is gone. Idempotent, and
// harmless after the stream has fully drained.
func (q *FrameQueue) Discard() {
	q.discardOnce.Do(func() {
		q.mu.Lock()
		q.discarded = true
		q.buf = nil
		close(q.done)
		q.cond.Signal()
		q.mu.Unlock()
	})
}

func (q *FrameQueue) Frames() <-chan Frame {
	return q.out
}

func (q *FrameQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.closed && !q.discarded {
			q.cond.Wait()
		}
		if q.discarded || (len(q.buf) == 0 && q.closed) {
			q.mu.Unlock()
			close(q.out)
			return
		}
		f := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		select {
		case q.out <- f:
		case <-q.done:
			close(q.out)
			return
		}
	}
}
