// Package keys holds the enclave's signing identity. The private key is
// generated in memory at startup and never leaves this package.
package keys

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/confidential_sequencer/tee/envelope"
	"github.com/R3E-Network/confidential_sequencer/tee/intent"
)

// ErrIdentityDestroyed is returned after Zero has wiped the key.
var ErrIdentityDestroyed = errors.New("enclave identity destroyed")

// Identity is the enclave's secp256k1 key pair.
type Identity struct {
	mu      sync.RWMutex
	priv    *ecdsa.PrivateKey
	pub     ecdsa.PublicKey
	address common.Address
}

// NewIdentity generates a fresh key pair from random (crypto/rand when nil).
func NewIdentity(random io.Reader) (*Identity, error) {
	if random == nil {
		random = rand.Reader
	}
	priv, err := ecdsa.GenerateKey(crypto.S256(), random)
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return &Identity{
		priv:    priv,
		pub:     priv.PublicKey,
		address: crypto.PubkeyToAddress(priv.PublicKey),
	}, nil
}

// PublicKey returns a copy of the public key.
func (i *Identity) PublicKey() *ecdsa.PublicKey {
	pub := i.pub
	return &pub
}

// PublicKeyHex returns the 0x-prefixed uncompressed public key.
func (i *Identity) PublicKeyHex() string {
	return envelope.MarshalPublicKeyHex(&i.pub)
}

// Address returns the account address whose signatures the settlement
// contract accepts.
func (i *Identity) Address() common.Address {
	return i.address
}

// SignHash signs a 32 byte digest. The signature is r||s||v with v in {0,1}.
func (i *Identity) SignHash(hash []byte) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.priv == nil {
		return nil, ErrIdentityDestroyed
	}
	sig, err := crypto.Sign(hash, i.priv)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return sig, nil
}

// OpenEnvelope decrypts and validates an envelope addressed to this identity.
func (i *Identity) OpenEnvelope(env *envelope.Envelope) (*intent.SwapIntent, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if i.priv == nil {
		return nil, ErrIdentityDestroyed
	}
	return envelope.Decrypt(env, i.priv)
}

// Zero wipes the private scalar. The identity is unusable afterwards.
func (i *Identity) Zero() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.priv != nil && i.priv.D != nil {
		i.priv.D.SetInt64(0)
	}
	i.priv = nil
}
