package attestation

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/fxamacker/cbor/v2"
)

// Document is the payload of a Nitro style attestation document.
type Document struct {
	ModuleID    string          `cbor:"module_id"`
	Digest      string          `cbor:"digest"`
	Timestamp   uint64          `cbor:"timestamp"`
	PCRs        map[uint][]byte `cbor:"pcrs"`
	Certificate []byte          `cbor:"certificate"`
	CABundle    [][]byte        `cbor:"cabundle"`
	PublicKey   []byte          `cbor:"public_key"`
	UserData    []byte          `cbor:"user_data"`
	Nonce       []byte          `cbor:"nonce"`
}

// coseSign1 is the COSE_Sign1 envelope around the payload.
type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected map[int]interface{}
	Payload     []byte
	Signature   []byte
}

// ErrInvalidDocument is returned by ParseDocument and VerifySimulated.
var ErrInvalidDocument = errors.New("invalid attestation document")

// coseAlgES256K is the COSE algorithm id for ECDSA over secp256k1.
const coseAlgES256K = -47

var encMode = func() cbor.EncMode {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// ParseDocument decodes a COSE_Sign1 attestation document and its payload.
// It does not verify the certificate chain.
func ParseDocument(raw []byte) (*Document, error) {
	var msg coseSign1
	if err := cbor.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	var doc Document
	if err := cbor.Unmarshal(msg.Payload, &doc); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidDocument, err)
	}
	return &doc, nil
}

// sigStructure builds the COSE Sig_structure digest for Signature1.
func sigStructure(protected, payload []byte) ([]byte, error) {
	encoded, err := encMode.Marshal([]interface{}{"Signature1", protected, []byte{}, payload})
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(encoded)
	return digest[:], nil
}

// VerifySimulated checks the signature of a document produced by a
// SimulatedDevice with signing key pub.
func VerifySimulated(raw []byte, pub *ecdsa.PublicKey) error {
	var msg coseSign1
	if err := cbor.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	digest, err := sigStructure(msg.Protected, msg.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if len(msg.Signature) != 64 {
		return fmt.Errorf("%w: signature length %d", ErrInvalidDocument, len(msg.Signature))
	}
	if !crypto.VerifySignature(crypto.FromECDSAPub(pub), digest, msg.Signature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidDocument)
	}
	return nil
}
