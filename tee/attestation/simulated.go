package attestation

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/confidential_sequencer/tee/enclave"
)

var errSessionClosed = errors.New("session closed")

// SimulatedDevice emits COSE_Sign1 documents shaped like Nitro documents,
// signed with an in-memory secp256k1 key. It is used outside real enclaves.
type SimulatedDevice struct {
	moduleID string
	pcr0     []byte
	key      *ecdsa.PrivateKey
	now      func() time.Time

	mu    sync.Mutex
	opens int
}

// NewSimulatedDevice creates a device reporting rt's measurement as PCR0.
func NewSimulatedDevice(rt enclave.Runtime) (*SimulatedDevice, error) {
	if rt == nil {
		return nil, fmt.Errorf("runtime is required")
	}
	pcr0, err := rt.GetMeasurement()
	if err != nil {
		return nil, fmt.Errorf("get measurement: %w", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate simulation key: %w", err)
	}
	return &SimulatedDevice{
		moduleID: rt.EnclaveID(),
		pcr0:     pcr0,
		key:      key,
		now:      time.Now,
	}, nil
}

// SigningKey returns the public key that verifies simulated documents.
func (d *SimulatedDevice) SigningKey() *ecdsa.PublicKey {
	return &d.key.PublicKey
}

// Opens reports how many sessions are currently open.
func (d *SimulatedDevice) Opens() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

func (d *SimulatedDevice) Open() (Session, error) {
	d.mu.Lock()
	d.opens++
	d.mu.Unlock()
	return &simSession{dev: d}, nil
}

type simSession struct {
	dev    *SimulatedDevice
	closed bool
}

func (s *simSession) Attest(nonce, userData, publicKey []byte) ([]byte, error) {
	if s.closed {
		return nil, errSessionClosed
	}
	d := s.dev

	payload, err := encMode.Marshal(Document{
		ModuleID:  d.moduleID,
		Digest:    "SHA384",
		Timestamp: uint64(d.now().UnixMilli()),
		PCRs: map[uint][]byte{
			0: d.pcr0,
			1: make([]byte, len(d.pcr0)),
			2: make([]byte, len(d.pcr0)),
		},
		Certificate: crypto.FromECDSAPub(&d.key.PublicKey),
		CABundle:    [][]byte{},
		PublicKey:   publicKey,
		UserData:    userData,
		Nonce:       nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	protected, err := encMode.Marshal(map[int]int{1: coseAlgES256K})
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}

	digest, err := sigStructure(protected, payload)
	if err != nil {
		return nil, fmt.Errorf("encode sig structure: %w", err)
	}
	sig, err := crypto.Sign(digest, d.key)
	if err != nil {
		return nil, fmt.Errorf("sign document: %w", err)
	}

	return encMode.Marshal(coseSign1{
		Protected:   protected,
		Unprotected: map[int]interface{}{},
		Payload:     payload,
		Signature:   sig[:64],
	})
}

func (s *simSession) Close() error {
	if s.closed {
		return errSessionClosed
	}
	s.closed = true
	s.dev.mu.Lock()
	s.dev.opens--
	s.dev.mu.Unlock()
	return nil
}
