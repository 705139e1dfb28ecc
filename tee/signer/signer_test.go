package signer

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_sequencer/tee/intent"
	"github.com/R3E-Network/confidential_sequencer/tee/keys"
)

func mkIntent(nonce uint64) *intent.SwapIntent {
	return &intent.SwapIntent{
		User:         common.HexToAddress("0xAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaa"),
		TokenIn:      common.HexToAddress("0xBBBBbbbbBBBBbbbbBBBBbbbbBBBBbbbbBBBBbbbb"),
		TokenOut:     common.HexToAddress("0xCCCCccccCCCCccccCCCCccccCCCCccccCCCCcccc"),
		AmountIn:     big.NewInt(100),
		MinOut:       big.NewInt(90),
		DirectPayout: nonce%2 == 0,
		Nonce:        nonce,
		Deadline:     1700003600,
	}
}

func newSigner(t *testing.T) (*Signer, *keys.Identity) {
	t.Helper()
	id, err := keys.NewIdentity(nil)
	require.NoError(t, err)
	s, err := New(id)
	require.NoError(t, err)
	return s, id
}

type failingKey struct{ addr common.Address }

func (f failingKey) SignHash([]byte) ([]byte, error) { return nil, errors.New("device gone") }
func (f failingKey) Address() common.Address         { return f.addr }

func TestEncodeIntents_Layout(t *testing.T) {
	encoded, err := EncodeIntents([]*intent.SwapIntent{mkIntent(1)})
	require.NoError(t, err)

	// offset word, length word, eight static tuple words
	require.Len(t, encoded, 32*10)
	assert.Equal(t, big.NewInt(32), new(big.Int).SetBytes(encoded[0:32]))
	assert.Equal(t, big.NewInt(1), new(big.Int).SetBytes(encoded[32:64]))
	assert.Equal(t, common.HexToAddress("0xAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaaAAAAaaaa").Bytes(), encoded[64+12:96])
	assert.Equal(t, big.NewInt(100), new(big.Int).SetBytes(encoded[160:192]))
	assert.Equal(t, big.NewInt(90), new(big.Int).SetBytes(encoded[192:224]))
	assert.Equal(t, big.NewInt(0), new(big.Int).SetBytes(encoded[224:256]))
	assert.Equal(t, big.NewInt(1), new(big.Int).SetBytes(encoded[256:288]))
	assert.Equal(t, big.NewInt(1700003600), new(big.Int).SetBytes(encoded[288:320]))
}

func TestBatchHash_DeterministicAndOrderSensitive(t *testing.T) {
	a, b := mkIntent(1), mkIntent(2)

	h1, err := BatchHash([]*intent.SwapIntent{a, b})
	require.NoError(t, err)
	h2, err := BatchHash([]*intent.SwapIntent{mkIntent(1), mkIntent(2)})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	swapped, err := BatchHash([]*intent.SwapIntent{b, a})
	require.NoError(t, err)
	assert.NotEqual(t, h1, swapped)
}

func TestSign_RecoversEnclaveAddress(t *testing.T) {
	s, id := newSigner(t)

	auth, err := s.Sign([]*intent.SwapIntent{mkIntent(1), mkIntent(2), mkIntent(3)})
	require.NoError(t, err)
	require.Len(t, auth.Signature, 65)
	v := auth.Signature[64]
	assert.True(t, v == 27 || v == 28, "v=%d", v)

	addr, err := RecoverAddress(auth.Hash, auth.Signature)
	require.NoError(t, err)
	assert.Equal(t, id.Address(), addr)
	assert.Equal(t, id.Address(), s.Address())
}

func TestSign_EmptyBatch(t *testing.T) {
	s, _ := newSigner(t)
	_, err := s.Sign(nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestSign_KeyFailureIsBatchFatal(t *testing.T) {
	s, err := New(failingKey{})
	require.NoError(t, err)

	_, err = s.Sign([]*intent.SwapIntent{mkIntent(1)})
	assert.ErrorIs(t, err, ErrEncodingOrSigning)
}

func TestSign_IncompleteIntent(t *testing.T) {
	s, _ := newSigner(t)
	bad := mkIntent(1)
	bad.MinOut = nil

	_, err := s.Sign([]*intent.SwapIntent{bad})
	assert.ErrorIs(t, err, ErrEncodingOrSigning)
}

func TestCallData_RoundTrip(t *testing.T) {
	s, _ := newSigner(t)
	batch := []*intent.SwapIntent{mkIntent(4), mkIntent(5)}

	auth, err := s.Sign(batch)
	require.NoError(t, err)

	selector := crypto.Keccak256([]byte("batchSwap((address,address,address,uint128,uint128,bool,uint64,uint256)[],bytes)"))[:4]
	assert.True(t, bytes.Equal(selector, auth.CallData[:4]))

	intents, sig, err := DecodeCallData(auth.CallData)
	require.NoError(t, err)
	assert.Equal(t, auth.Signature, sig)
	require.Len(t, intents, 2)
	assert.Equal(t, batch[1].Nonce, intents[1].Nonce)
	assert.Equal(t, batch[0].Deadline, intents[0].Deadline)
	assert.Equal(t, 0, batch[0].AmountIn.Cmp(intents[0].AmountIn))

	rehash, err := BatchHash(intents)
	require.NoError(t, err)
	assert.Equal(t, auth.Hash, rehash)
}

func TestDecodeCallData_Invalid(t *testing.T) {
	_, _, err := DecodeCallData([]byte{1, 2})
	assert.Error(t, err)
	_, _, err = DecodeCallData([]byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	assert.Error(t, err)
}

func TestRecoverAddress_Invalid(t *testing.T) {
	_, err := RecoverAddress(common.Hash{}, make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	sig := make([]byte, 65)
	sig[64] = 30
	_, err = RecoverAddress(common.Hash{}, sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
