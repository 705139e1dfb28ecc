// Package enclaveclient speaks the transient request/response side of the
// enclave protocol from the host.
package enclaveclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/R3E-Network/confidential_sequencer/internal/logging"
	"github.com/R3E-Network/confidential_sequencer/internal/vsockutil"
	"github.com/R3E-Network/confidential_sequencer/tee/protocol"
)

var (
	// ErrTransport wraps dial, write, read and timeout failures.
	ErrTransport = errors.New("enclave transport failure")
	// ErrEnclave is returned when the enclave answers ERROR:<reason>.
	ErrEnclave = errors.New("enclave returned error")
	// ErrSwapRejected is returned when the enclave NACKs a swap.
	ErrSwapRejected = errors.New("swap rejected by enclave")
	// ErrUnexpectedResponse is returned for replies outside the protocol.
	ErrUnexpectedResponse = errors.New("unexpected enclave response")
)

// Default per-command timeouts.
const (
	DefaultPublicKeyTimeout   = 6 * time.Second
	DefaultHeartbeatTimeout   = 2 * time.Second
	DefaultAttestationTimeout = 8 * time.Second
	DefaultSwapTimeout        = 6 * time.Second
)

// DialFunc opens a connection to the enclave.
type DialFunc func(ctx context.Context, e vsockutil.Endpoint) (net.Conn, error)

// Timeouts bounds each command kind.
type Timeouts struct {
	PublicKey   time.Duration
	Heartbeat   time.Duration
	Attestation time.Duration
	Swap        time.Duration
}

type Config struct {
	Endpoint       vsockutil.Endpoint
	Timeouts       Timeouts
	MaxMessageSize int
	Dial           DialFunc
	Logger         *logging.Logger
}

// Client issues one command per connection.
type Client struct {
	endpoint vsockutil.Endpoint
	timeouts Timeouts
	maxMsg   int
	dial     DialFunc
	log      *logging.Logger
}

func New(cfg Config) *Client {
	t := cfg.Timeouts
	if t.PublicKey <= 0 {
		t.PublicKey = DefaultPublicKeyTimeout
	}
	if t.Heartbeat <= 0 {
		t.Heartbeat = DefaultHeartbeatTimeout
	}
	if t.Attestation <= 0 {
		t.Attestation = DefaultAttestationTimeout
	}
	if t.Swap <= 0 {
		t.Swap = DefaultSwapTimeout
	}
	dial := cfg.Dial
	if dial == nil {
		dial = vsockutil.Dial
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Client{
		endpoint: cfg.Endpoint,
		timeouts: t,
		maxMsg:   cfg.MaxMessageSize,
		dial:     dial,
		log:      log.Component("enclave-client"),
	}
}

// Endpoint returns the enclave endpoint.
func (c *Client) Endpoint() vsockutil.Endpoint {
	return c.endpoint
}

// Dial opens a raw connection to the enclave.
func (c *Client) Dial(ctx context.Context) (net.Conn, error) {
	conn, err := c.dial(ctx, c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	return conn, nil
}

// Talk dials the enclave, writes msg, reads exactly one reply and closes.
// The connection deadline guarantees release on every path.
func (c *Client) Talk(ctx context.Context, msg string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := c.Dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	deadline, _ := ctx.Deadline()
	if err := conn.SetDeadline(deadline); err != nil {
		return "", fmt.Errorf("%w: set deadline: %v", ErrTransport, err)
	}

	// Unblock I/O if the caller cancels before the deadline.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := protocol.WriteMessage(conn, msg); err != nil {
		return "", fmt.Errorf("%w: write: %v", ErrTransport, err)
	}

	resp, err := protocol.ReadMessage(bufio.NewReader(conn), c.maxMsg)
	if err != nil {
		c.log.Debug(ctx, "no reply from enclave", map[string]interface{}{
			"endpoint": c.endpoint.String(),
			"timeout":  timeout.String(),
			"error":    err.Error(),
		})
		return "", fmt.Errorf("%w: read: %v", ErrTransport, err)
	}
	return resp, nil
}

// PublicKey fetches the enclave public key (0x04 + 128 hex).
func (c *Client) PublicKey(ctx context.Context) (string, error) {
	resp, err := c.Talk(ctx, protocol.CmdPublicKey, c.timeouts.PublicKey)
	if err != nil {
		return "", err
	}
	if reason, ok := protocol.IsError(resp); ok {
		return "", fmt.Errorf("%w: %s", ErrEnclave, reason)
	}
	return resp, nil
}

// Heartbeat checks that the enclave is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	resp, err := c.Talk(ctx, protocol.CmdHeartbeat, c.timeouts.Heartbeat)
	if err != nil {
		return err
	}
	if reason, ok := protocol.IsError(resp); ok {
		return fmt.Errorf("%w: %s", ErrEnclave, reason)
	}
	if resp != protocol.RespHeartbeat {
		return fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp)
	}
	return nil
}

// Attest requests an attestation document for a hex nonce.
func (c *Client) Attest(ctx context.Context, nonceHex string) ([]byte, error) {
	cmd := protocol.Command{Kind: protocol.KindAttestation, Payload: nonceHex}
	resp, err := c.Talk(ctx, cmd.Encode(), c.timeouts.Attestation)
	if err != nil {
		return nil, err
	}
	if reason, ok := protocol.IsError(resp); ok {
		return nil, fmt.Errorf("%w: %s", ErrEnclave, reason)
	}
	doc, err := base64.StdEncoding.DecodeString(resp)
	if err != nil {
		return nil, fmt.Errorf("%w: document is not base64", ErrUnexpectedResponse)
	}
	return doc, nil
}

// SubmitSwap forwards a raw envelope JSON. Insignificant whitespace is
// stripped so the envelope fits on one line; content is untouched.
func (c *Client) SubmitSwap(ctx context.Context, rawEnvelope []byte) error {
	var compact bytes.Buffer
	if err := json.Compact(&compact, rawEnvelope); err != nil {
		return fmt.Errorf("%w: envelope is not JSON", ErrSwapRejected)
	}
	cmd := protocol.Command{Kind: protocol.KindSwap, Payload: compact.String()}
	resp, err := c.Talk(ctx, cmd.Encode(), c.timeouts.Swap)
	if err != nil {
		return err
	}
	switch resp {
	case protocol.RespSwapAck:
		return nil
	case protocol.RespSwapNack:
		return ErrSwapRejected
	}
	if reason, ok := protocol.IsError(resp); ok {
		return fmt.Errorf("%w: %s", ErrEnclave, reason)
	}
	return fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp)
}
