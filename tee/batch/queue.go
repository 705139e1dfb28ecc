// Package batch accumulates validated intents between flushes.
package batch

import (
	"sync"
	"time"

	"github.com/R3E-Network/confidential_sequencer/tee/intent"
)

// Batch is the ordered set of intents taken by one drain.
type Batch struct {
	Intents   []*intent.SwapIntent
	DrainedAt time.Time
}

// Len returns the number of intents in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Intents)
}

// Queue is a FIFO of intents waiting for the next flush. All methods are
// safe for concurrent use; Enqueue never blocks on a flush in progress
// beyond the short critical section.
type Queue struct {
	mu      sync.Mutex
	pending []*intent.SwapIntent
	now     func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{now: time.Now}
}

// Enqueue appends an intent.
func (q *Queue) Enqueue(si *intent.SwapIntent) {
	if si == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, si)
	q.mu.Unlock()
}

// Drain removes and returns up to max intents in arrival order. max <= 0
// drains everything. It returns nil when the queue is empty.
func (q *Queue) Drain(max int) *Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}

	var taken []*intent.SwapIntent
	if max <= 0 || max >= len(q.pending) {
		taken = q.pending
		q.pending = nil
	} else {
		taken = make([]*intent.SwapIntent, max)
		copy(taken, q.pending[:max])
		rest := make([]*intent.SwapIntent, len(q.pending)-max)
		copy(rest, q.pending[max:])
		q.pending = rest
	}

	return &Batch{Intents: taken, DrainedAt: q.now()}
}

// Requeue puts a batch back at the front of the queue in its original
// order, ahead of anything enqueued since the drain.
func (q *Queue) Requeue(b *Batch) {
	if b.Len() == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]*intent.SwapIntent, 0, len(b.Intents)+len(q.pending))
	merged = append(merged, b.Intents...)
	merged = append(merged, q.pending...)
	q.pending = merged
}

// Len returns the number of queued intents.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
