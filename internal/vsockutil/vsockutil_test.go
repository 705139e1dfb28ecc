package vsockutil

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListenAndDialSimulation(t *testing.T) {
	l, err := Listen(Endpoint{Mode: ModeSimulation, Address: "127.0.0.1:0"})
	require.NoError(t, err)
	defer l.Close()

	accepted := make(chan error, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			c.Close()
		}
		accepted <- err
	}()

	conn, err := Dial(context.Background(), Endpoint{Mode: ModeSimulation, Address: l.Addr().String()})
	require.NoError(t, err)
	conn.Close()
	require.NoError(t, <-accepted)
}

func TestUnsupportedMode(t *testing.T) {
	_, err := Listen(Endpoint{Mode: "sgx"})
	assert.Error(t, err)
	_, err = Dial(context.Background(), Endpoint{Mode: "sgx"})
	assert.Error(t, err)
}

func TestEndpointString(t *testing.T) {
	assert.Equal(t, "vsock://16:9001", Endpoint{Mode: ModeHardware, CID: 16, Port: 9001}.String())
	assert.Equal(t, "tcp://127.0.0.1:9001", Endpoint{Address: "127.0.0.1:9001"}.String())
}

func stubVsockDial(t *testing.T, fn func(cid, port uint32) (net.Conn, error)) {
	t.Helper()
	prev := vsockDial
	vsockDial = fn
	t.Cleanup(func() { vsockDial = prev })
}

func TestDialHardware_ReturnsConn(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	stubVsockDial(t, func(cid, port uint32) (net.Conn, error) {
		assert.Equal(t, uint32(16), cid)
		assert.Equal(t, uint32(9001), port)
		return client, nil
	})

	conn, err := Dial(context.Background(), Endpoint{Mode: ModeHardware, CID: 16, Port: 9001})
	require.NoError(t, err)
	assert.Same(t, client, conn)
	conn.Close()
}

func TestDialHardware_WrapsError(t *testing.T) {
	boom := errors.New("no such device")
	stubVsockDial(t, func(uint32, uint32) (net.Conn, error) { return nil, boom })

	_, err := Dial(context.Background(), Endpoint{Mode: ModeHardware, CID: 3, Port: 5000})
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "vsock dial 3:5000")
}

func TestDialHardware_HonoursContextAndClosesLateConn(t *testing.T) {
	release := make(chan struct{})
	client, server := net.Pipe()
	stubVsockDial(t, func(uint32, uint32) (net.Conn, error) {
		<-release
		return client, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := Dial(ctx, Endpoint{Mode: ModeHardware, CID: 3, Port: 5000})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	close(release)
	// The late connection is closed, so the peer sees EOF.
	_ = server.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = server.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDialHardware_CancelledBeforeStart(t *testing.T) {
	called := false
	stubVsockDial(t, func(uint32, uint32) (net.Conn, error) {
		called = true
		return nil, errors.New("unreachable")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Dial(ctx, Endpoint{Mode: ModeHardware})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}
