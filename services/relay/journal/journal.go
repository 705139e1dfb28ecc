// Package journal records what the relay did with every batch the enclave
// pushed, keyed by the batch hash.
package journal

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrNotFound = errors.New("batch not found")

// Status of a batch on the host side.
type Status string

const (
	StatusReceived  Status = "received"
	StatusSubmitted Status = "submitted"
	StatusFailed    Status = "failed"
)

// Entry describes one pushed batch.
type Entry struct {
	BatchHash   string    `json:"batch_hash"`
	IntentCount int       `json:"intent_count"`
	Signer      string    `json:"signer,omitempty"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Status      Status    `json:"status"`
	Error       string    `json:"error,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists journal entries.
type Store interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, batchHash string) (Entry, error)
}

// NormalizeHash lowercases a batch hash and ensures the 0x prefix.
func NormalizeHash(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	if !strings.HasPrefix(h, "0x") {
		h = "0x" + h
	}
	return h
}
