package sequencer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/confidential_sequencer/internal/logging"
	"github.com/R3E-Network/confidential_sequencer/internal/metrics"
	"github.com/R3E-Network/confidential_sequencer/tee/batch"
	"github.com/R3E-Network/confidential_sequencer/tee/protocol"
)

type FlusherConfig struct {
	Queue        *batch.Queue
	Signer       BatchSigner
	Sink         Pusher
	Interval     time.Duration
	MaxBatchSize int
	Logger       *logging.Logger
}

// Flusher drains the queue on a fixed interval, signs it in batches and
// pushes the call data to the host. Failed batches go back to the front of
// the queue.
type Flusher struct {
	queue    *batch.Queue
	signer   BatchSigner
	sink     Pusher
	interval time.Duration
	maxSize  int
	log      *logging.Logger

	// mu serializes flushes.
	mu sync.Mutex
}

func NewFlusher(cfg FlusherConfig) (*Flusher, error) {
	if cfg.Queue == nil || cfg.Signer == nil || cfg.Sink == nil {
		return nil, fmt.Errorf("queue, signer and sink are required")
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	maxSize := cfg.MaxBatchSize
	if maxSize <= 0 {
		maxSize = DefaultMaxBatchSize
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Flusher{
		queue:    cfg.Queue,
		signer:   cfg.Signer,
		sink:     cfg.Sink,
		interval: interval,
		maxSize:  maxSize,
		log:      log.Component("flusher"),
	}, nil
}

// Run flushes every interval until ctx is cancelled.
func (f *Flusher) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = f.FlushNow(ctx)
		}
	}
}

// FlushNow drains everything queued when it is called, signing and pushing
// it in batches of at most MaxBatchSize. It stops at the first failure; the
// failed batch goes back to the front of the queue and earlier batches stay
// delivered. An empty queue is a no-op.
func (f *Flusher) FlushNow(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() { metrics.SetQueueDepth(f.queue.Len()) }()

	// Intents arriving during the flush wait for the next one, so a busy
	// queue cannot hold the flush open forever.
	for remaining := f.queue.Len(); remaining > 0; {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := f.maxSize
		if remaining < n {
			n = remaining
		}
		b := f.queue.Drain(n)
		if b == nil {
			return nil
		}
		if err := f.flushBatch(ctx, b); err != nil {
			return err
		}
		remaining -= b.Len()
	}
	return nil
}

// flushBatch signs and pushes one drained batch, requeueing it on failure.
func (f *Flusher) flushBatch(ctx context.Context, b *batch.Batch) error {
	auth, err := f.signer.Sign(b.Intents)
	if err != nil {
		f.queue.Requeue(b)
		metrics.RecordBatch("sign_failed", b.Len())
		f.log.Error(ctx, "batch signing failed, requeued", map[string]interface{}{
			"size":  b.Len(),
			"error": err.Error(),
		})
		return fmt.Errorf("sign batch: %w", err)
	}

	if err := f.sink.Push(protocol.FormatBatchTx(auth.CallData)); err != nil {
		f.queue.Requeue(b)
		metrics.RecordBatch("push_failed", b.Len())
		f.log.Warn(ctx, "batch push failed, requeued", map[string]interface{}{
			"size":       b.Len(),
			"batch_hash": auth.Hash.Hex(),
			"error":      err.Error(),
		})
		return fmt.Errorf("push batch: %w", err)
	}

	metrics.RecordBatch("signed", b.Len())
	f.log.Info(ctx, "batch pushed", map[string]interface{}{
		"size":       b.Len(),
		"batch_hash": auth.Hash.Hex(),
		"remaining":  f.queue.Len(),
	})
	return nil
}
