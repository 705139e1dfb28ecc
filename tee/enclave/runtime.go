// Package enclave provides the enclave runtime abstraction.
package enclave

import (
	"context"
	"crypto/sha512"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Mode specifies the enclave operation mode.
type Mode string

const (
	ModeSimulation Mode = "simulation"
	ModeHardware   Mode = "hardware"
)

// ErrNotReady is returned before Initialize or after Shutdown.
var ErrNotReady = errors.New("enclave not ready")

// NSMDevicePath is the Nitro Secure Module character device.
const NSMDevicePath = "/dev/nsm"

// Config holds enclave configuration.
type Config struct {
	Mode      Mode
	EnclaveID string
}

// Runtime provides the enclave runtime abstraction.
type Runtime interface {
	// Lifecycle
	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Health(ctx context.Context) error

	// Identity
	EnclaveID() string
	Mode() Mode

	// GetMeasurement returns the simulated code measurement (PCR0). Hardware
	// mode reports measurements through the attestation device instead.
	GetMeasurement() ([]byte, error)
}

// runtimeImpl implements Runtime.
type runtimeImpl struct {
	mu     sync.RWMutex
	config Config
	ready  bool
}

// New creates a new enclave runtime.
func New(cfg Config) (Runtime, error) {
	if cfg.EnclaveID == "" {
		return nil, fmt.Errorf("enclave_id is required")
	}
	switch cfg.Mode {
	case ModeSimulation, ModeHardware:
	case "":
		cfg.Mode = ModeSimulation
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}

	return &runtimeImpl{
		config: cfg,
	}, nil
}

// Initialize checks that the platform matches the configured mode.
func (r *runtimeImpl) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ready {
		return nil
	}

	if r.config.Mode == ModeHardware {
		if _, err := os.Stat(NSMDevicePath); err != nil {
			return fmt.Errorf("hardware mode requires %s: %w", NSMDevicePath, err)
		}
	}

	r.ready = true
	return nil
}

// Shutdown shuts down the enclave runtime.
func (r *runtimeImpl) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ready = false
	return nil
}

// Health checks if the runtime is healthy.
func (r *runtimeImpl) Health(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.ready {
		return ErrNotReady
	}
	return nil
}

// EnclaveID returns the enclave identifier.
func (r *runtimeImpl) EnclaveID() string {
	return r.config.EnclaveID
}

// Mode returns the enclave mode.
func (r *runtimeImpl) Mode() Mode {
	return r.config.Mode
}

// GetMeasurement returns a SHA-384 sized measurement derived from the
// enclave ID, matching the width of Nitro PCR values.
func (r *runtimeImpl) GetMeasurement() ([]byte, error) {
	h := sha512.New384()
	h.Write([]byte("PCR0"))
	h.Write([]byte(r.config.EnclaveID))
	return h.Sum(nil), nil
}

// =============================================================================
// Utility Functions
// =============================================================================

// ZeroBytes securely zeros a byte slice.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
