package journal

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/R3E-Network/confidential_sequencer/internal/logging"
)

const (
	DefaultRecorderBuffer  = 1024
	DefaultRecorderTimeout = 5 * time.Second
)

// Recorder writes entries to a Store off the caller's goroutine. Record
// never blocks; entries are dropped when the queue is full.
type Recorder struct {
	store   Store
	feed    *Feed
	timeout time.Duration
	log     *logging.Logger

	mu      sync.RWMutex
	queue   chan Entry
	once    sync.Once
	stopped bool
	dropped atomic.Uint64

	wg sync.WaitGroup
}

func NewRecorder(store Store, buffer int, timeout time.Duration, log *logging.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	if timeout <= 0 {
		timeout = DefaultRecorderTimeout
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Recorder{
		store:   store,
		timeout: timeout,
		log:     log.Component("journal"),
		queue:   make(chan Entry, buffer),
	}
}

// WithFeed publishes every stored entry to feed. Call before Start.
func (r *Recorder) WithFeed(feed *Feed) *Recorder {
	r.feed = feed
	return r
}

func (r *Recorder) Start() {
	r.once.Do(func() {
		r.wg.Add(1)
		go r.run()
	})
}

// Stop drains queued entries and waits for the writer, or for ctx.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("journal stop: %w", ctx.Err())
	}
}

func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) Record(e Entry) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.stopped {
		return false
	}

	select {
	case r.queue <- e:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.store.Put(ctx, e); err != nil {
			r.log.Warn(ctx, "journal write failed", map[string]interface{}{
				"batch_hash": e.BatchHash,
				"error":      err.Error(),
			})
		} else if r.feed != nil {
			r.feed.Publish(e)
		}
		cancel()
	}
}
