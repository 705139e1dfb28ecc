package signer

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/confidential_sequencer/tee/intent"
)

var (
	ErrEmptyBatch = errors.New("empty batch")
	// ErrEncodingOrSigning marks a failure that is fatal to the current batch
	// only. The caller requeues the batch.
	ErrEncodingOrSigning = errors.New("batch encoding or signing failed")
	ErrInvalidSignature  = errors.New("invalid signature")
)

// HashSigner signs 32 byte digests with a key it never exposes.
type HashSigner interface {
	SignHash(hash []byte) ([]byte, error)
	Address() common.Address
}

// Authorization is a signed batch ready for the settlement contract.
type Authorization struct {
	Intents   []*intent.SwapIntent
	Hash      common.Hash
	Signature []byte
	CallData  []byte
}

// Signer produces authorizations with the enclave identity.
type Signer struct {
	key HashSigner
}

// New creates a signer around key.
func New(key HashSigner) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	return &Signer{key: key}, nil
}

// Address returns the address the contract must recover.
func (s *Signer) Address() common.Address {
	return s.key.Address()
}

// Sign encodes, hashes and signs a non-empty batch of intents.
func (s *Signer) Sign(intents []*intent.SwapIntent) (*Authorization, error) {
	if len(intents) == 0 {
		return nil, ErrEmptyBatch
	}

	hash, err := BatchHash(intents)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingOrSigning, err)
	}

	sig, err := s.key.SignHash(PersonalHash(hash))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingOrSigning, err)
	}
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("%w: signature length %d", ErrEncodingOrSigning, len(sig))
	}
	if sig[crypto.RecoveryIDOffset] < 27 {
		sig[crypto.RecoveryIDOffset] += 27
	}

	callData, err := PackCallData(intents, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingOrSigning, err)
	}

	return &Authorization{
		Intents:   intents,
		Hash:      hash,
		Signature: sig,
		CallData:  callData,
	}, nil
}

// PersonalHash wraps hash in the "\x19Ethereum Signed Message:\n32" prefix.
func PersonalHash(hash common.Hash) []byte {
	return accounts.TextHash(hash.Bytes())
}

// RecoverAddress returns the signer of a batch hash. v may be 0/1 or 27/28.
func RecoverAddress(hash common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrInvalidSignature, len(signature))
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	if sig[crypto.RecoveryIDOffset] > 1 {
		return common.Address{}, fmt.Errorf("%w: bad recovery id", ErrInvalidSignature)
	}

	pub, err := crypto.SigToPub(PersonalHash(hash), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
