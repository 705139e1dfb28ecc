// Package tee provides the trust root of the sequencer enclave.
// The enclave private key is generated here and never leaves the process.
package tee

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/confidential_sequencer/tee/attestation"
	"github.com/R3E-Network/confidential_sequencer/tee/enclave"
	"github.com/R3E-Network/confidential_sequencer/tee/keys"
)

// ErrNotReady is returned by accessors before Start or after Stop.
var ErrNotReady = errors.New("trust root not ready")

// Config holds TrustRoot configuration.
type Config struct {
	// EnclaveID is the unique identifier for this enclave
	EnclaveID string

	// Mode specifies simulation or hardware mode
	Mode enclave.Mode

	// Device overrides the attestation device. Defaults to the NSM in
	// hardware mode and a simulated device otherwise.
	Device attestation.Device

	// Random is the entropy source for the enclave key. Defaults to crypto/rand.
	Random io.Reader
}

// TrustRoot owns the runtime, the enclave identity and the attestor.
type TrustRoot struct {
	mu sync.RWMutex

	config  Config
	runtime enclave.Runtime

	identity *keys.Identity
	attestor *attestation.Attestor

	ready bool
}

// New creates a new TrustRoot.
func New(cfg Config) (*TrustRoot, error) {
	if cfg.EnclaveID == "" {
		return nil, fmt.Errorf("enclave_id is required")
	}
	if cfg.Mode == "" {
		cfg.Mode = enclave.ModeSimulation
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}

	runtime, err := enclave.New(enclave.Config{
		Mode:      cfg.Mode,
		EnclaveID: cfg.EnclaveID,
	})
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}

	return &TrustRoot{
		config:  cfg,
		runtime: runtime,
	}, nil
}

// Start initializes the runtime, generates the enclave key and wires the attestor.
func (t *TrustRoot) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ready {
		return nil
	}

	if err := t.runtime.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize runtime: %w", err)
	}

	identity, err := keys.NewIdentity(t.config.Random)
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}

	device := t.config.Device
	if device == nil {
		if t.config.Mode == enclave.ModeHardware {
			device = attestation.NSMDevice{}
		} else {
			sim, err := attestation.NewSimulatedDevice(t.runtime)
			if err != nil {
				identity.Zero()
				return fmt.Errorf("create simulated device: %w", err)
			}
			device = sim
		}
	}

	attestor, err := attestation.New(attestation.Config{
		Device:    device,
		PublicKey: crypto.FromECDSAPub(identity.PublicKey()),
	})
	if err != nil {
		identity.Zero()
		return fmt.Errorf("create attestor: %w", err)
	}

	t.identity = identity
	t.attestor = attestor
	t.ready = true
	return nil
}

// Stop zeroes the enclave key and shuts the runtime down.
func (t *TrustRoot) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.ready {
		return nil
	}

	if t.identity != nil {
		t.identity.Zero()
	}

	if err := t.runtime.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown runtime: %w", err)
	}

	t.ready = false
	return nil
}

// Health checks if the TrustRoot is healthy.
func (t *TrustRoot) Health(ctx context.Context) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.ready {
		return ErrNotReady
	}

	return t.runtime.Health(ctx)
}

// Mode returns the enclave mode.
func (t *TrustRoot) Mode() enclave.Mode {
	return t.config.Mode
}

// Identity returns the enclave key holder.
func (t *TrustRoot) Identity() (*keys.Identity, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.ready {
		return nil, ErrNotReady
	}
	return t.identity, nil
}

// Attestor returns the attestor bound to the enclave public key.
func (t *TrustRoot) Attestor() (*attestation.Attestor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.ready {
		return nil, ErrNotReady
	}
	return t.attestor, nil
}

// NewSimulation creates a TrustRoot in simulation mode.
func NewSimulation(enclaveID string) (*TrustRoot, error) {
	return New(Config{
		EnclaveID: enclaveID,
		Mode:      enclave.ModeSimulation,
	})
}
