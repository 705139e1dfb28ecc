package bridge

import (
	"bufio"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/confidential_sequencer/tee/protocol"
)

func startServer(t *testing.T, cfg SocketConfig, h Handler) (*Server, *Sink, string) {
	t.Helper()
	sink := NewSink(time.Second, nil)
	srv, err := NewServer(cfg, h, sink)
	require.NoError(t, err)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, l) }()

	t.Cleanup(func() {
		cancel()
		_ = sink.Close()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, sink, l.Addr().String()
}

func talk(t *testing.T, addr, msg string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, protocol.WriteMessage(conn, msg))
	resp, err := protocol.ReadMessage(bufio.NewReader(conn), 0)
	require.NoError(t, err)
	return resp
}

func echoHandler(_ context.Context, cmd protocol.Command) string {
	switch cmd.Kind {
	case protocol.KindHeartbeat:
		return protocol.RespHeartbeat
	case protocol.KindSwap:
		return protocol.RespSwapNack
	}
	return "handled:" + cmd.Kind.String()
}

func TestServer_TransientCommands(t *testing.T) {
	_, _, addr := startServer(t, SocketConfig{}, echoHandler)

	assert.Equal(t, "1", talk(t, addr, protocol.CmdHeartbeat))
	assert.Equal(t, "handled:publickey", talk(t, addr, protocol.CmdPublicKey))
	assert.Equal(t, protocol.RespSwapNack, talk(t, addr, "SEQ_SWAP:not-json"))
	assert.Equal(t, "ERROR:UNKNOWN_COMMAND", talk(t, addr, "BOGUS"))
}

func TestServer_TransientConnectionIsClosed(t *testing.T) {
	_, _, addr := startServer(t, SocketConfig{}, echoHandler)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, protocol.WriteMessage(conn, protocol.CmdHeartbeat))

	r := bufio.NewReader(conn)
	_, err = protocol.ReadMessage(r, 0)
	require.NoError(t, err)
	_, err = protocol.ReadMessage(r, 0)
	assert.Error(t, err)
}

func TestServer_PersistentRegistrationAndPush(t *testing.T) {
	_, sink, addr := startServer(t, SocketConfig{}, echoHandler)

	assert.ErrorIs(t, sink.Push("x"), ErrNoSink)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, protocol.WriteMessage(conn, protocol.CmdRegisterPersistent))
	r := bufio.NewReader(conn)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	ack, err := protocol.ReadMessage(r, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.RespPersistAck, ack)

	require.Eventually(t, sink.Connected, time.Second, 10*time.Millisecond)
	require.NoError(t, sink.Push(protocol.FormatBatchTx([]byte{1, 2})))

	msg, err := protocol.ReadMessage(r, 0)
	require.NoError(t, err)
	assert.Equal(t, "SEQ_BATCH_TX:0x0102", msg)
}

func TestServer_LastRegistrantWins(t *testing.T) {
	_, sink, addr := startServer(t, SocketConfig{}, echoHandler)

	register := func() (net.Conn, *bufio.Reader) {
		conn, err := net.Dial("tcp", addr)
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		require.NoError(t, protocol.WriteMessage(conn, protocol.CmdRegisterPersistent))
		r := bufio.NewReader(conn)
		ack, err := protocol.ReadMessage(r, 0)
		require.NoError(t, err)
		require.Equal(t, protocol.RespPersistAck, ack)
		return conn, r
	}

	first, firstR := register()
	defer first.Close()
	require.Eventually(t, sink.Connected, time.Second, 10*time.Millisecond)

	second, secondR := register()
	defer second.Close()

	// The first connection is closed by the enclave once replaced.
	_, err := protocol.ReadMessage(firstR, 0)
	assert.Error(t, err)

	require.NoError(t, sink.Push("SEQ_BATCH_TX:0xaa"))
	msg, err := protocol.ReadMessage(secondR, 0)
	require.NoError(t, err)
	assert.Equal(t, "SEQ_BATCH_TX:0xaa", msg)
}

func TestServer_HostHangupClearsSink(t *testing.T) {
	_, sink, addr := startServer(t, SocketConfig{}, echoHandler)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, protocol.WriteMessage(conn, protocol.CmdRegisterPersistent))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = protocol.ReadMessage(bufio.NewReader(conn), 0)
	require.NoError(t, err)
	require.Eventually(t, sink.Connected, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return !sink.Connected() }, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sink.Push("x"), ErrNoSink)
}

func TestServer_ConnectionBudget(t *testing.T) {
	release := make(chan struct{})
	var served atomic.Int32
	blocking := func(_ context.Context, cmd protocol.Command) string {
		served.Add(1)
		<-release
		return protocol.RespHeartbeat
	}
	_, _, addr := startServer(t, SocketConfig{MaxConns: 1}, blocking)
	defer close(release)

	held, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer held.Close()
	require.NoError(t, protocol.WriteMessage(held, protocol.CmdHeartbeat))
	require.Eventually(t, func() bool { return served.Load() == 1 }, time.Second, 10*time.Millisecond)

	over, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer over.Close()
	require.NoError(t, over.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = protocol.ReadMessage(bufio.NewReader(over), 0)
	assert.Error(t, err)
	assert.Equal(t, int32(1), served.Load())
}

func TestServer_ReadDeadline(t *testing.T) {
	_, _, addr := startServer(t, SocketConfig{ReadTimeout: 100 * time.Millisecond}, echoHandler)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	// Silent client: the server gives up and closes.
	_, err = protocol.ReadMessage(bufio.NewReader(conn), 0)
	assert.Error(t, err)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(SocketConfig{}, nil, NewSink(0, nil))
	assert.Error(t, err)
	_, err = NewServer(SocketConfig{}, echoHandler, nil)
	assert.Error(t, err)
}
