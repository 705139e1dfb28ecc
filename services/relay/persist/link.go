// Package persist keeps the single persistent connection over which the
// enclave pushes signed batches to the host.
package persist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/R3E-Network/confidential_sequencer/internal/logging"
	"github.com/R3E-Network/confidential_sequencer/internal/metrics"
	"github.com/R3E-Network/confidential_sequencer/tee/protocol"
)

// State of the persistent link.
type State int

const (
	Disconnected State = iota
	Connecting
	Registered
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Registered:
		return "registered"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the allowed next states.
var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Registered, Disconnected},
	Registered:   {Disconnected},
}

var (
	ErrInvalidTransition = errors.New("invalid link state transition")
	ErrNotAcknowledged   = errors.New("enclave did not acknowledge registration")
)

const (
	DefaultBackoff         = time.Second
	DefaultRegisterTimeout = 5 * time.Second
)

// Dialer opens a raw connection to the enclave.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// BatchHandler receives the call data of every SEQ_BATCH_TX push.
type BatchHandler func(ctx context.Context, callData []byte)

type Config struct {
	Dialer          Dialer
	Handler         BatchHandler
	Backoff         time.Duration
	RegisterTimeout time.Duration
	MaxMessageSize  int
	Logger          *logging.Logger
}

// Link owns the persistent connection. current is the single source of
// truth for the live connection.
type Link struct {
	dialer          Dialer
	handler         BatchHandler
	backoff         time.Duration
	registerTimeout time.Duration
	maxMsg          int
	log             *logging.Logger

	mu      sync.Mutex
	state   State
	current net.Conn
}

func New(cfg Config) (*Link, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("batch handler is required")
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}
	regTimeout := cfg.RegisterTimeout
	if regTimeout <= 0 {
		regTimeout = DefaultRegisterTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	return &Link{
		dialer:          cfg.Dialer,
		handler:         cfg.Handler,
		backoff:         backoff,
		registerTimeout: regTimeout,
		maxMsg:          cfg.MaxMessageSize,
		log:             log.Component("persist"),
		state:           Disconnected,
	}, nil
}

// State returns the current link state.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, allowed := range transitions[l.state] {
		if allowed == to {
			l.state = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, to)
}

// Run keeps the link registered until ctx is cancelled. Every close or
// error moves the link to Disconnected and a new attempt follows after
// the backoff.
func (l *Link) Run(ctx context.Context) error {
	for {
		err := l.session(ctx)
		l.drop()

		if ctx.Err() != nil {
			return nil
		}

		metrics.RecordReconnect()
		l.log.Warn(ctx, "persistent link down, reconnecting", map[string]interface{}{
			"error":   errString(err),
			"backoff": l.backoff.String(),
		})

		timer := time.NewTimer(l.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connect-register-read cycle.
func (l *Link) session(ctx context.Context) error {
	if err := l.transition(Connecting); err != nil {
		return err
	}

	conn, err := l.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	l.mu.Lock()
	l.current = conn
	l.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	reader := bufio.NewReader(conn)
	if err := l.register(conn, reader); err != nil {
		return err
	}
	if err := l.transition(Registered); err != nil {
		return err
	}
	l.log.Info(ctx, "persistent link registered", nil)

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clear deadline: %w", err)
	}

	for {
		msg, err := protocol.ReadMessage(reader, l.maxMsg)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		callData, err := protocol.ParseBatchTx(msg)
		if err != nil {
			l.log.Warn(ctx, "ignoring unexpected message on persistent link", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		l.handler(ctx, callData)
	}
}

func (l *Link) register(conn net.Conn, reader *bufio.Reader) error {
	if err := conn.SetDeadline(time.Now().Add(l.registerTimeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if err := protocol.WriteMessage(conn, protocol.CmdRegisterPersistent); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	ack, err := protocol.ReadMessage(reader, l.maxMsg)
	if err != nil {
		return fmt.Errorf("await ack: %w", err)
	}
	if ack != protocol.RespPersistAck {
		return fmt.Errorf("%w: %q", ErrNotAcknowledged, ack)
	}
	return conn.SetWriteDeadline(time.Time{})
}

// drop closes the current connection and returns to Disconnected.
func (l *Link) drop() {
	l.mu.Lock()
	conn := l.current
	l.current = nil
	l.state = Disconnected
	l.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
