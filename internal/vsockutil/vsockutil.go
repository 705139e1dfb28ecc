// Package vsockutil opens enclave sockets. Hardware mode uses AF_VSOCK;
// simulation mode falls back to TCP so the whole stack runs on one machine.
package vsockutil

import (
	"context"
	"fmt"
	"net"

	"github.com/mdlayher/vsock"
)

const (
	ModeSimulation = "simulation"
	ModeHardware   = "hardware"
)

// Endpoint describes where the enclave listens.
type Endpoint struct {
	Mode string
	// CID and Port address the enclave over vsock.
	CID  uint32
	Port uint32
	// Address is the TCP address used in simulation mode.
	Address string
}

func (e Endpoint) String() string {
	if e.Mode == ModeHardware {
		return fmt.Sprintf("vsock://%d:%d", e.CID, e.Port)
	}
	return "tcp://" + e.Address
}

// Listen opens the enclave-side listener.
func Listen(e Endpoint) (net.Listener, error) {
	switch e.Mode {
	case ModeHardware:
		l, err := vsock.Listen(e.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", e.Port, err)
		}
		return l, nil
	case ModeSimulation, "":
		l, err := net.Listen("tcp", e.Address)
		if err != nil {
			return nil, fmt.Errorf("tcp listen on %s: %w", e.Address, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported mode %q", e.Mode)
	}
}

// vsockDial is replaced in tests.
var vsockDial = func(cid, port uint32) (net.Conn, error) {
	conn, err := vsock.Dial(cid, port, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Dial connects to the enclave from the host. vsock dials take no context,
// so the hardware dial runs aside and a connection that lands after ctx is
// done is closed.
func Dial(ctx context.Context, e Endpoint) (net.Conn, error) {
	switch e.Mode {
	case ModeHardware:
		conn, err := dialBounded(ctx, e.CID, e.Port)
		if err != nil {
			return nil, fmt.Errorf("vsock dial %d:%d: %w", e.CID, e.Port, err)
		}
		return conn, nil
	case ModeSimulation, "":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", e.Address)
		if err != nil {
			return nil, fmt.Errorf("tcp dial %s: %w", e.Address, err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported mode %q", e.Mode)
	}
}

type dialResult struct {
	conn net.Conn
	err  error
}

func dialBounded(ctx context.Context, cid, port uint32) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	done := make(chan dialResult, 1)
	go func() {
		conn, err := vsockDial(cid, port)
		done <- dialResult{conn, err}
	}()
	select {
	case r := <-done:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
