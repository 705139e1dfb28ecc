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
	"github.com/R3E-Network/confidential_sequencer/tee/protocol"
)

var (
	// ErrNoSink is returned by Push when no persistent connection is registered.
	ErrNoSink = errors.New("no persistent connection registered")
	// ErrPushFailed is returned when writing to the registered connection fails.
	ErrPushFailed = errors.New("push to persistent connection failed")
)

// Sink holds the single persistent host connection. The last registrant wins.
type Sink struct {
	mu           sync.Mutex
	conn         net.Conn
	writeTimeout time.Duration
	log          *logging.Logger
}

// NewSink creates an empty sink.
func NewSink(writeTimeout time.Duration, log *logging.Logger) *Sink {
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Sink{writeTimeout: writeTimeout, log: log.Component("sink")}
}

// Register makes conn the current sink, closing any previous one, and
// watches conn so the sink is cleared when the host hangs up. r must be the
// reader already wrapping conn so buffered bytes are not lost.
func (s *Sink) Register(conn net.Conn, r *bufio.Reader) {
	s.mu.Lock()
	prev := s.conn
	s.conn = conn
	s.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
		s.log.Info(context.Background(), "persistent connection replaced", nil)
	} else {
		s.log.Info(context.Background(), "persistent connection registered", nil)
	}

	if r == nil {
		r = bufio.NewReader(conn)
	}
	go s.watch(conn, r)
}

// watch drains anything the host sends and clears the sink on EOF.
func (s *Sink) watch(conn net.Conn, r *bufio.Reader) {
	_ = conn.SetReadDeadline(time.Time{})
	for {
		if _, err := protocol.ReadMessage(r, protocol.DefaultMaxMessageSize); err != nil {
			break
		}
	}
	if s.detach(conn) {
		s.log.Info(context.Background(), "persistent connection closed by host", nil)
	}
	_ = conn.Close()
}

// detach clears conn if it is still current.
func (s *Sink) detach(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}
	s.conn = nil
	return true
}

// Push writes one message to the registered connection. On write failure
// the connection is dropped.
func (s *Sink) Push(msg string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return ErrNoSink
	}

	err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if err == nil {
		err = protocol.WriteMessage(conn, msg)
	}
	if err != nil {
		s.detach(conn)
		_ = conn.Close()
		return fmt.Errorf("%w: %v", ErrPushFailed, err)
	}
	return nil
}

// Connected reports whether a persistent connection is registered.
func (s *Sink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Close drops the current connection.
func (s *Sink) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}
