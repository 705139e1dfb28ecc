package tee

import (
	"bytes"
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_sequencer/tee/attestation"
	"github.com/R3E-Network/confidential_sequencer/tee/enclave"
	"github.com/R3E-Network/confidential_sequencer/tee/keys"
)

func TestTrustRootLifecycle(t *testing.T) {
	tr, err := NewSimulation("seq-root")
	require.NoError(t, err)
	assert.Equal(t, enclave.ModeSimulation, tr.Mode())

	ctx := context.Background()
	assert.ErrorIs(t, tr.Health(ctx), ErrNotReady)
	_, err = tr.Identity()
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, tr.Start(ctx))
	require.NoError(t, tr.Start(ctx))
	assert.NoError(t, tr.Health(ctx))

	id, err := tr.Identity()
	require.NoError(t, err)
	att, err := tr.Attestor()
	require.NoError(t, err)

	nonce := bytes.Repeat([]byte{7}, 32)
	raw, err := att.Attest(ctx, nonce)
	require.NoError(t, err)
	doc, err := attestation.ParseDocument(raw)
	require.NoError(t, err)
	assert.Equal(t, crypto.FromECDSAPub(id.PublicKey()), doc.PublicKey)

	require.NoError(t, tr.Stop(ctx))
	assert.ErrorIs(t, tr.Health(ctx), ErrNotReady)

	_, err = id.SignHash(make([]byte, 32))
	assert.ErrorIs(t, err, keys.ErrIdentityDestroyed)
}

func TestNewRequiresEnclaveID(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
