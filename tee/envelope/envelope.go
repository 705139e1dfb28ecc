// Package envelope implements the ECIES-style envelope that keeps swap
// intents confidential between the user and the enclave.
//
// Scheme: ephemeral secp256k1 key, ECDH against the recipient key, AES key =
// SHA-256 of the uncompressed shared point (04||X||Y), AES-256-GCM with a
// 12 byte IV and a detached 16 byte tag.
package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/confidential_sequencer/tee/enclave"
	"github.com/R3E-Network/confidential_sequencer/tee/intent"
)

const (
	IVSize        = 12
	TagSize       = 16
	PublicKeySize = 65
)

var (
	ErrMalformedEnvelope    = errors.New("malformed envelope")
	ErrAuthenticationFailed = errors.New("envelope authentication failed")
	// ErrInvalidSchema aliases the intent schema error so callers can match
	// on one package.
	ErrInvalidSchema = intent.ErrInvalidSchema
)

// Envelope is the JSON object a client submits.
type Envelope struct {
	EphPub string `json:"ephPub"`
	IV     string `json:"iv"`
	Tag    string `json:"tag"`
	Data   string `json:"data"`
}

// ParseEnvelope decodes the client JSON form. Unknown fields are rejected.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedEnvelope)
	}
	return &env, nil
}

// Marshal returns the client JSON form.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// decoded holds the binary fields after shape validation.
type decoded struct {
	ephPub *ecdsa.PublicKey
	iv     []byte
	tag    []byte
	data   []byte
}

// decode validates every field before any cryptographic work happens.
func (e *Envelope) decode() (*decoded, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	pubHex := strings.ToLower(strings.TrimSpace(e.EphPub))
	pubHex = strings.TrimPrefix(pubHex, "0x")
	if len(pubHex) != PublicKeySize*2 || !strings.HasPrefix(pubHex, "04") {
		return nil, fmt.Errorf("%w: ephPub must be 130 hex chars starting with 04", ErrMalformedEnvelope)
	}
	pubBytes, err := hex.DecodeString(pubHex)
	if err != nil {
		return nil, fmt.Errorf("%w: ephPub is not hex", ErrMalformedEnvelope)
	}
	pub, err := crypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: ephPub is not on secp256k1", ErrMalformedEnvelope)
	}

	iv, err := base64.StdEncoding.DecodeString(e.IV)
	if err != nil || len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d base64 bytes", ErrMalformedEnvelope, IVSize)
	}
	tag, err := base64.StdEncoding.DecodeString(e.Tag)
	if err != nil || len(tag) != TagSize {
		return nil, fmt.Errorf("%w: tag must be %d base64 bytes", ErrMalformedEnvelope, TagSize)
	}
	data, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not base64", ErrMalformedEnvelope)
	}

	return &decoded{ephPub: pub, iv: iv, tag: tag, data: data}, nil
}

// sharedKey derives the AES key from priv and the peer public key.
func sharedKey(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	curve := crypto.S256()
	if !curve.IsOnCurve(pub.X, pub.Y) {
		return nil, fmt.Errorf("%w: point not on curve", ErrMalformedEnvelope)
	}
	x, y := curve.ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x == nil || (x.Sign() == 0 && y.Sign() == 0) {
		return nil, fmt.Errorf("%w: degenerate shared point", ErrMalformedEnvelope)
	}

	point := make([]byte, PublicKeySize)
	point[0] = 0x04
	x.FillBytes(point[1:33])
	y.FillBytes(point[33:])
	key := sha256.Sum256(point)
	enclave.ZeroBytes(point)
	return key[:], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals an intent for the holder of recipient's private key.
func Encrypt(si *intent.SwapIntent, recipient *ecdsa.PublicKey) (*Envelope, error) {
	if si == nil {
		return nil, fmt.Errorf("intent is required")
	}
	plaintext, err := json.Marshal(si)
	if err != nil {
		return nil, fmt.Errorf("marshal intent: %w", err)
	}
	return EncryptPayload(rand.Reader, plaintext, recipient)
}

// EncryptPayload seals arbitrary plaintext. A fresh ephemeral key is drawn
// from random for every call.
func EncryptPayload(random io.Reader, plaintext []byte, recipient *ecdsa.PublicKey) (*Envelope, error) {
	if recipient == nil {
		return nil, fmt.Errorf("recipient public key is required")
	}
	if random == nil {
		random = rand.Reader
	}

	eph, err := ecdsa.GenerateKey(crypto.S256(), random)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	defer eph.D.SetInt64(0)

	key, err := sharedKey(eph, recipient)
	if err != nil {
		return nil, err
	}
	defer enclave.ZeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(random, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return &Envelope{
		EphPub: hex.EncodeToString(crypto.FromECDSAPub(&eph.PublicKey)),
		IV:     base64.StdEncoding.EncodeToString(iv),
		Tag:    base64.StdEncoding.EncodeToString(tag),
		Data:   base64.StdEncoding.EncodeToString(ct),
	}, nil
}

// Open validates and decrypts an envelope, returning the raw plaintext.
func Open(env *Envelope, priv *ecdsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("recipient private key is required")
	}
	d, err := env.decode()
	if err != nil {
		return nil, err
	}

	key, err := sharedKey(priv, d.ephPub)
	if err != nil {
		return nil, err
	}
	defer enclave.ZeroBytes(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(d.data)+TagSize)
	sealed = append(sealed, d.data...)
	sealed = append(sealed, d.tag...)

	plaintext, err := gcm.Open(nil, d.iv, sealed, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// Decrypt opens an envelope and validates the payload as a swap intent.
func Decrypt(env *Envelope, priv *ecdsa.PrivateKey) (*intent.SwapIntent, error) {
	plaintext, err := Open(env, priv)
	if err != nil {
		return nil, err
	}
	defer enclave.ZeroBytes(plaintext)
	return intent.Decode(plaintext)
}

// =============================================================================
// Key helpers
// =============================================================================

// MarshalPublicKeyHex returns the 0x-prefixed uncompressed public key.
func MarshalPublicKeyHex(pub *ecdsa.PublicKey) string {
	return "0x" + hex.EncodeToString(crypto.FromECDSAPub(pub))
}

// ParsePublicKeyHex parses an uncompressed public key with optional 0x prefix.
func ParsePublicKeyHex(s string) (*ecdsa.PublicKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	pub, err := crypto.UnmarshalPubkey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// PubKeyToAddress returns the account address of pub.
func PubKeyToAddress(pub *ecdsa.PublicKey) common.Address {
	return crypto.PubkeyToAddress(*pub)
}

// PubKeyHexToAddress returns the EIP-55 checksummed address of a hex public key.
func PubKeyHexToAddress(s string) (string, error) {
	pub, err := ParsePublicKeyHex(s)
	if err != nil {
		return "", err
	}
	return PubKeyToAddress(pub).Hex(), nil
}
