// Package sequencer is the enclave-side service: it answers host commands,
// admits encrypted swap intents into the batch queue and periodically signs
// and pushes batches back to the host.
package sequencer

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/R3E-Network/confidential_sequencer/internal/logging"
	"github.com/R3E-Network/confidential_sequencer/internal/metrics"
	"github.com/R3E-Network/confidential_sequencer/tee/attestation"
	"github.com/R3E-Network/confidential_sequencer/tee/batch"
	"github.com/R3E-Network/confidential_sequencer/tee/envelope"
	"github.com/R3E-Network/confidential_sequencer/tee/intent"
	"github.com/R3E-Network/confidential_sequencer/tee/protocol"
	"github.com/R3E-Network/confidential_sequencer/tee/signer"
)

const (
	DefaultFlushInterval     = 10 * time.Second
	DefaultMaxBatchSize      = 256
	DefaultHeartbeatInterval = 10 * time.Second
)

// KeyHolder opens envelopes with the enclave key without exposing it.
type KeyHolder interface {
	PublicKeyHex() string
	OpenEnvelope(env *envelope.Envelope) (*intent.SwapIntent, error)
}

// Attester produces attestation documents for a nonce.
type Attester interface {
	Attest(ctx context.Context, nonce []byte) ([]byte, error)
}

// BatchSigner authorizes a batch of intents.
type BatchSigner interface {
	Sign(intents []*intent.SwapIntent) (*signer.Authorization, error)
}

// Pusher delivers one message to the host.
type Pusher interface {
	Push(msg string) error
}

type ServiceConfig struct {
	Keys     KeyHolder
	Attester Attester
	Signer   BatchSigner
	Sink     Pusher
	Queue    *batch.Queue

	FlushInterval     time.Duration
	MaxBatchSize      int
	HeartbeatInterval time.Duration
	// Health gates SEQ_HEARTBEAT. Nil means always healthy.
	Health func(ctx context.Context) error
	Logger *logging.Logger
}

type Service struct {
	keys     KeyHolder
	attester Attester
	queue    *batch.Queue
	flusher  *Flusher
	health   func(ctx context.Context) error

	heartbeatInterval time.Duration
	log               *logging.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Keys == nil {
		return nil, fmt.Errorf("keys are required")
	}
	if cfg.Attester == nil {
		return nil, fmt.Errorf("attester is required")
	}
	if cfg.Signer == nil {
		return nil, fmt.Errorf("signer is required")
	}
	if cfg.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	queue := cfg.Queue
	if queue == nil {
		queue = batch.NewQueue()
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	flusher, err := NewFlusher(FlusherConfig{
		Queue:        queue,
		Signer:       cfg.Signer,
		Sink:         cfg.Sink,
		Interval:     cfg.FlushInterval,
		MaxBatchSize: cfg.MaxBatchSize,
		Logger:       log,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		keys:              cfg.Keys,
		attester:          cfg.Attester,
		queue:             queue,
		flusher:           flusher,
		health:            cfg.Health,
		heartbeatInterval: heartbeat,
		log:               log.Component("sequencer"),
	}, nil
}

// Handle answers one transient host command.
func (s *Service) Handle(ctx context.Context, cmd protocol.Command) string {
	switch cmd.Kind {
	case protocol.KindPublicKey:
		return s.keys.PublicKeyHex()
	case protocol.KindHeartbeat:
		return s.heartbeat(ctx)
	case protocol.KindAttestation:
		return s.attest(ctx, cmd.Payload)
	case protocol.KindSwap:
		if err := s.SubmitEnvelope([]byte(cmd.Payload)); err != nil {
			return protocol.RespSwapNack
		}
		return protocol.RespSwapAck
	}
	return protocol.ErrorResponse(protocol.ReasonUnknownCommand)
}

// SubmitEnvelope decrypts, validates and enqueues one envelope. The returned
// error is for logging only and must not be sent back to the caller.
func (s *Service) SubmitEnvelope(raw []byte) error {
	env, err := envelope.ParseEnvelope(raw)
	if err == nil {
		var si *intent.SwapIntent
		si, err = s.keys.OpenEnvelope(env)
		if err == nil {
			s.queue.Enqueue(si)
			metrics.RecordSwap("accepted")
			metrics.SetQueueDepth(s.queue.Len())
			s.log.Info(context.Background(), "swap accepted", map[string]interface{}{
				"user":        si.User.Hex(),
				"queue_depth": s.queue.Len(),
			})
			return nil
		}
	}

	reason := rejectReason(err)
	metrics.RecordSwap(reason)
	fields := map[string]interface{}{"reason": reason, "error": err.Error()}
	if reason == "auth_failed" {
		s.log.LogSecurityEvent(context.Background(), "envelope_authentication_failed", fields)
	} else {
		s.log.Warn(context.Background(), "swap rejected", fields)
	}
	return err
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, envelope.ErrMalformedEnvelope):
		return "malformed"
	case errors.Is(err, envelope.ErrAuthenticationFailed):
		return "auth_failed"
	case errors.Is(err, envelope.ErrInvalidSchema):
		return "invalid_schema"
	case errors.Is(err, intent.ErrValidationFailed):
		return "validation_failed"
	default:
		return "error"
	}
}

// heartbeat answers "1" only while the trust root still holds its key.
func (s *Service) heartbeat(ctx context.Context) string {
	if s.health != nil {
		if err := s.health(ctx); err != nil {
			s.log.Warn(ctx, "heartbeat while unhealthy", map[string]interface{}{"error": err.Error()})
			return protocol.ErrorResponse(protocol.ReasonNotReady)
		}
	}
	return protocol.RespHeartbeat
}

func (s *Service) attest(ctx context.Context, nonceHex string) string {
	if nonceHex == "" {
		return protocol.ErrorResponse(protocol.ReasonEmptyNonce)
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return protocol.ErrorResponse(protocol.ReasonInvalidNonce)
	}

	doc, err := s.attester.Attest(ctx, nonce)
	if err != nil {
		s.log.Warn(ctx, "attestation failed", map[string]interface{}{
			"nonce_len": len(nonce),
			"error":     err.Error(),
		})
		switch {
		case errors.Is(err, attestation.ErrEmptyNonce):
			return protocol.ErrorResponse(protocol.ReasonEmptyNonce)
		case errors.Is(err, attestation.ErrNonceOutOfRange):
			return protocol.ErrorResponse(protocol.ReasonInvalidNonce)
		default:
			return protocol.ErrorResponse(protocol.ReasonDeviceFailure)
		}
	}
	return base64.StdEncoding.EncodeToString(doc)
}

// Flusher returns the batch flusher.
func (s *Service) Flusher() *Flusher {
	return s.flusher
}

// QueueLen reports the number of pending intents.
func (s *Service) QueueLen() int {
	return s.queue.Len()
}

// Run drives the flusher and the heartbeat log until ctx is cancelled, then
// makes one final flush attempt.
func (s *Service) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.flusher.Run(ctx)
	}()

	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			<-done
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.flusher.FlushNow(finalCtx); err != nil {
				s.log.Warn(finalCtx, "final flush failed", map[string]interface{}{
					"error":   err.Error(),
					"pending": s.queue.Len(),
				})
			}
			return nil
		case now := <-ticker.C:
			s.log.Info(ctx, "heartbeat", map[string]interface{}{
				"time":        now.UTC().Format(time.RFC3339),
				"queue_depth": s.queue.Len(),
			})
		}
	}
}
