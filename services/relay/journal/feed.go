package journal

import (
	"sync"
	"sync/atomic"
)

// DefaultSubscriberBuffer is the per-subscriber queue used when Subscribe
// is given a non-positive size.
const DefaultSubscriberBuffer = 32

// Feed fans journal entries out to live subscribers. A subscriber that
// falls behind misses entries rather than stalling the recorder.
type Feed struct {
	mu      sync.Mutex
	subs    map[uint64]chan Entry
	next    uint64
	closed  bool
	dropped atomic.Uint64
}

func NewFeed() *Feed {
	return &Feed{subs: make(map[uint64]chan Entry)}
}

// Subscribe returns a channel of entries and a cancel func. The channel is
// closed by cancel or by Close.
func (f *Feed) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	ch := make(chan Entry, buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	id := f.next
	f.next++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
		})
	}
}

func (f *Feed) Publish(e Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- e:
		default:
			f.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Dropped counts entries skipped because a subscriber was full.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}

// Close ends every subscription. Later Publish calls are no-ops.
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
