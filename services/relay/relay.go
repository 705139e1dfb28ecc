// Package relay connects the persistent enclave link to settlement
// submission and the batch journal.
package relay

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/R3E-Network/confidential_sequencer/internal/logging"
	"github.com/R3E-Network/confidential_sequencer/services/relay/journal"
	"github.com/R3E-Network/confidential_sequencer/tee/signer"
)

const DefaultQueueSize = 64

// Submitter sends batch call data on-chain.
type Submitter interface {
	Submit(ctx context.Context, callData []byte) (common.Hash, error)
}

type Config struct {
	// Submitter may be nil; batches are then only journaled.
	Submitter Submitter
	Recorder  *journal.Recorder
	QueueSize int
	Logger    *logging.Logger
}

type job struct {
	entry    journal.Entry
	callData []byte
}

// Pipeline receives pushed batches and submits them one at a time in
// arrival order.
type Pipeline struct {
	submitter Submitter
	recorder  *journal.Recorder
	jobs      chan job
	log       *logging.Logger
	now       func() time.Time
}

func New(cfg Config) *Pipeline {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Pipeline{
		submitter: cfg.Submitter,
		recorder:  cfg.Recorder,
		jobs:      make(chan job, size),
		log:       log.Component("relay"),
		now:       time.Now,
	}
}

// HandleBatch is the persist.BatchHandler for the persistent link.
func (p *Pipeline) HandleBatch(ctx context.Context, callData []byte) {
	now := p.now()
	entry := journal.Entry{
		Status:     journal.StatusReceived,
		ReceivedAt: now,
		UpdatedAt:  now,
	}

	intents, sig, err := signer.DecodeCallData(callData)
	if err != nil {
		p.log.Error(ctx, "undecodable batch from enclave", map[string]interface{}{
			"error": err.Error(),
			"bytes": len(callData),
		})
		return
	}
	hash, err := signer.BatchHash(intents)
	if err != nil {
		p.log.Error(ctx, "cannot hash pushed batch", map[string]interface{}{"error": err.Error()})
		return
	}
	entry.BatchHash = hash.Hex()
	entry.IntentCount = len(intents)
	if addr, err := signer.RecoverAddress(hash, sig); err == nil {
		entry.Signer = addr.Hex()
	}

	p.log.Info(ctx, "batch received", map[string]interface{}{
		"batch_hash": entry.BatchHash,
		"intents":    entry.IntentCount,
		"signer":     entry.Signer,
	})

	// Recorded before the worker can see the job so the journal never
	// ends on "received" after a submission.
	p.record(entry)
	if p.submitter == nil {
		return
	}

	select {
	case p.jobs <- job{entry: entry, callData: callData}:
	default:
		entry.Status = journal.StatusFailed
		entry.Error = "submission queue full"
		p.record(entry)
		p.log.Warn(ctx, "submission queue full, batch dropped", map[string]interface{}{
			"batch_hash": entry.BatchHash,
		})
	}
}

// Run submits queued batches until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-p.jobs:
			p.submit(ctx, j)
		}
	}
}

func (p *Pipeline) submit(ctx context.Context, j job) {
	entry := j.entry
	txHash, err := p.submitter.Submit(ctx, j.callData)
	entry.UpdatedAt = p.now()
	if err != nil {
		entry.Status = journal.StatusFailed
		entry.Error = err.Error()
		p.log.Error(ctx, "batch submission failed", map[string]interface{}{
			"batch_hash": entry.BatchHash,
			"error":      err.Error(),
		})
	} else {
		entry.Status = journal.StatusSubmitted
		entry.TxHash = txHash.Hex()
	}
	p.record(entry)
}

func (p *Pipeline) record(e journal.Entry) {
	if p.recorder == nil {
		return
	}
	if !p.recorder.Record(e) {
		p.log.Warn(context.Background(), "journal entry dropped", map[string]interface{}{
			"batch_hash": e.BatchHash,
			"status":     string(e.Status),
		})
	}
}

// Pending returns the number of batches waiting for submission.
func (p *Pipeline) Pending() int {
	return len(p.jobs)
}
