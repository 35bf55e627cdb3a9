package mem

import (
	"sync"
	"time"

	"pipelined.dev/pipeline/engine"
)

// bufferQueue is a queue of buffers which can block on both ends. Limit
// of zero means unlimited queue.
type bufferQueue struct {
	mu       sync.Mutex
	items    []*engine.Buffer
	limit    int
	eos      bool
	flushing bool
	dropped  uint64
	changed  chan struct{}
}

func newBufferQueue(limit int) *bufferQueue {
	return &bufferQueue{
		limit:   limit,
		changed: make(chan struct{}),
	}
}

// broadcast wakes all waiters. Must be called with lock held.
func (q *bufferQueue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// put appends buffer. If queue is full, leaky queue drops the oldest
// buffer, otherwise put blocks up to timeout. Negative timeout blocks
// until there is space or queue is flushed.
func (q *bufferQueue) put(b *engine.Buffer, leaky bool, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		q.mu.Lock()
		switch {
		case q.flushing:
			q.mu.Unlock()
			return engine.ErrFlushing
		case q.eos:
			q.mu.Unlock()
			return engine.ErrEOS
		case q.limit == 0 || len(q.items) < q.limit:
			q.items = append(q.items, b)
			q.broadcast()
			q.mu.Unlock()
			return nil
		case leaky:
			oldest := q.items[0]
			q.items = append(q.items[1:], b)
			q.dropped++
			q.broadcast()
			q.mu.Unlock()
			oldest.Release()
			return nil
		}
		changed := q.changed
		q.mu.Unlock()
		select {
		case <-changed:
		case <-timer:
			return engine.ErrBusy
		}
	}
}

// get removes the first buffer. It blocks up to timeout, zero timeout
// means a single attempt.
func (q *bufferQueue) get(timeout time.Duration) (*engine.Buffer, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	for {
		q.mu.Lock()
		switch {
		case len(q.items) > 0:
			b := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.broadcast()
			q.mu.Unlock()
			return b, nil
		case q.flushing:
			q.mu.Unlock()
			return nil, engine.ErrFlushing
		case q.eos:
			q.mu.Unlock()
			return nil, engine.ErrEOS
		}
		if timer == nil {
			q.mu.Unlock()
			return nil, engine.ErrTimeout
		}
		changed := q.changed
		q.mu.Unlock()
		select {
		case <-changed:
		case <-timer:
			return nil, engine.ErrTimeout
		}
	}
}

func (q *bufferQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *bufferQueue) setEOS() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.eos = true
	q.broadcast()
}

func (q *bufferQueue) isEOS() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.eos
}

// flush releases queued buffers and unblocks all waiters.
func (q *bufferQueue) flush() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.flushing = true
	q.broadcast()
	q.mu.Unlock()
	for _, b := range items {
		b.Release()
	}
}

// reset makes flushed queue usable again.
func (q *bufferQueue) reset() {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.flushing = false
	q.eos = false
	q.dropped = 0
	q.broadcast()
	q.mu.Unlock()
	for _, b := range items {
		b.Release()
	}
}
