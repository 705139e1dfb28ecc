package enclave

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeLifecycle(t *testing.T) {
	rt, err := New(Config{EnclaveID: "seq-test"})
	require.NoError(t, err)
	assert.Equal(t, ModeSimulation, rt.Mode())

	ctx := context.Background()
	assert.ErrorIs(t, rt.Health(ctx), ErrNotReady)

	require.NoError(t, rt.Initialize(ctx))
	require.NoError(t, rt.Initialize(ctx))
	assert.NoError(t, rt.Health(ctx))

	require.NoError(t, rt.Shutdown(ctx))
	assert.ErrorIs(t, rt.Health(ctx), ErrNotReady)
}

func TestMeasurementIsStablePerEnclave(t *testing.T) {
	a, err := New(Config{EnclaveID: "a"})
	require.NoError(t, err)
	b, err := New(Config{EnclaveID: "b"})
	require.NoError(t, err)

	ma1, _ := a.GetMeasurement()
	ma2, _ := a.GetMeasurement()
	mb, _ := b.GetMeasurement()

	assert.Len(t, ma1, 48)
	assert.Equal(t, ma1, ma2)
	assert.NotEqual(t, ma1, mb)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{EnclaveID: "x", Mode: "sgx"})
	assert.Error(t, err)
}

func TestZeroBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	ZeroBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
