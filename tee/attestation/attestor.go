// Package attestation produces attestation documents that bind the enclave
// public key to a caller-supplied nonce and the enclave's code measurement.
package attestation

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

const (
	MinNonceSize = 16
	MaxNonceSize = 64
)

var (
	ErrEmptyNonce      = errors.New("empty nonce")
	ErrNonceOutOfRange = fmt.Errorf("nonce must be between %d and %d bytes", MinNonceSize, MaxNonceSize)
	ErrDeviceFailure   = errors.New("attestation device failure")
)

// Session is one open handle on the attestation device.
type Session interface {
	Attest(nonce, userData, publicKey []byte) ([]byte, error)
	Close() error
}

// Device opens sessions on an attestation device.
type Device interface {
	Open() (Session, error)
}

// Config holds attestor configuration.
type Config struct {
	Device Device
	// PublicKey is the uncompressed enclave public key embedded in every document.
	PublicKey []byte
}

// Attestor requests fresh documents from the device. Documents are never cached.
type Attestor struct {
	mu        sync.Mutex
	device    Device
	publicKey []byte
}

// New creates a new attestor.
func New(cfg Config) (*Attestor, error) {
	if cfg.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if len(cfg.PublicKey) == 0 {
		return nil, fmt.Errorf("public_key is required")
	}

	pub := make([]byte, len(cfg.PublicKey))
	copy(pub, cfg.PublicKey)
	return &Attestor{
		device:    cfg.Device,
		publicKey: pub,
	}, nil
}

// ValidateNonce enforces the accepted nonce length.
func ValidateNonce(nonce []byte) error {
	if len(nonce) == 0 {
		return ErrEmptyNonce
	}
	if len(nonce) < MinNonceSize || len(nonce) > MaxNonceSize {
		return fmt.Errorf("%w: got %d", ErrNonceOutOfRange, len(nonce))
	}
	return nil
}

// Attest opens the device, requests a document for nonce and closes the
// device again on every path.
func (a *Attestor) Attest(ctx context.Context, nonce []byte) (doc []byte, err error) {
	if err := ValidateNonce(nonce); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The device handles one request at a time.
	a.mu.Lock()
	defer a.mu.Unlock()

	sess, err := a.device.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrDeviceFailure, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil && err == nil {
			doc = nil
			err = fmt.Errorf("%w: close: %v", ErrDeviceFailure, cerr)
		}
	}()

	doc, err = sess.Attest(nonce, nil, a.publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceFailure, err)
	}
	if len(doc) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrDeviceFailure)
	}
	return doc, nil
}
