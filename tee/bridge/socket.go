// Package bridge provides the untrusted bridge for enclave I/O.
// It accepts host connections, frames requests and hands persistent
// connections to the Sink that carries signed batches back out.
package bridge

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

// Handler answers one transient command. The returned string is written
// back as a single line. Handlers never see KindRegisterPersistent or
// KindUnknown.
type Handler func(ctx context.Context, cmd protocol.Command) string

// SocketConfig holds socket bridge configuration.
type SocketConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int
	MaxConns       int
	Logger         *logging.Logger
}

// Server accepts enclave connections.
type Server struct {
	config  SocketConfig
	handler Handler
	sink    *Sink
	log     *logging.Logger
	sem     chan struct{}

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server dispatching to handler and registering
// persistent connections on sink.
func NewServer(cfg SocketConfig, handler Handler, sink *Sink) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.MaxMessageSize == 0 {
		cfg.MaxMessageSize = protocol.DefaultMaxMessageSize
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 64
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	return &Server{
		config:  cfg,
		handler: handler,
		sink:    sink,
		log:     log.Component("bridge"),
		sem:     make(chan struct{}, cfg.MaxConns),
	}, nil
}

// Serve accepts connections on l until ctx is cancelled or Close is called.
// It returns nil on orderly shutdown.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("server is closed")
	}
	s.listener = l
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	s.log.Info(ctx, "enclave bridge listening", map[string]interface{}{
		"address": l.Addr().String(),
	})

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.log.Warn(ctx, "accept failed", map[string]interface{}{"error": err.Error()})
			time.Sleep(50 * time.Millisecond)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Warn(ctx, "connection budget exhausted", map[string]interface{}{
				"max_conns": s.config.MaxConns,
				"remote":    conn.RemoteAddr().String(),
			})
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	persistent := false
	defer func() {
		if !persistent {
			_ = conn.Close()
		}
	}()

	if err := conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout)); err != nil {
		return
	}
	reader := bufio.NewReader(conn)
	line, err := protocol.ReadMessage(reader, s.config.MaxMessageSize)
	if err != nil {
		s.log.Debug(ctx, "read request failed", map[string]interface{}{"error": err.Error()})
		return
	}

	cmd, err := protocol.Parse(line)
	metrics.RecordConnection(cmd.Kind.String())

	var resp string
	switch {
	case err != nil:
		resp = protocol.ErrorResponse(protocol.ReasonUnknownCommand)
	case cmd.Kind == protocol.KindRegisterPersistent:
		resp = protocol.RespPersistAck
	default:
		resp = s.handler(ctx, cmd)
	}

	if err := s.write(conn, resp); err != nil {
		s.log.Debug(ctx, "write response failed", map[string]interface{}{
			"command": cmd.Kind.String(),
			"error":   err.Error(),
		})
		return
	}

	if cmd.Kind == protocol.KindRegisterPersistent {
		persistent = true
		s.sink.Register(conn, reader)
	}
}

func (s *Server) write(conn net.Conn, msg string) error {
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		return err
	}
	return protocol.WriteMessage(conn, msg)
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting. Serve returns once in-flight transient
// connections are done.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	if l != nil {
		return l.Close()
	}
	return nil
}

// Address returns the listening address.
func (s *Server) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
