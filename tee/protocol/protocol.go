// Package protocol defines the line-oriented command set spoken between the
// host relay and the enclave over vsock.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Wire tokens.
const (
	CmdPublicKey          = "SEQ_PUBLICKEY"
	CmdHeartbeat          = "SEQ_HEARTBEAT"
	CmdRegisterPersistent = "SEQ_REGISTER_PERSISTENT"

	PrefixAttestation = "SEQ_ATTESTATION:"
	PrefixSwap        = "SEQ_SWAP:"
	PrefixBatchTx     = "SEQ_BATCH_TX:"
	PrefixError       = "ERROR:"

	RespHeartbeat  = "1"
	RespSwapAck    = "ACK_SWAP_RECEIVED"
	RespSwapNack   = "NACK_SWAP_FAILED"
	RespPersistAck = "ACK_PERSIST"
)

// Error reasons returned after PrefixError.
const (
	ReasonUnknownCommand = "UNKNOWN_COMMAND"
	ReasonEmptyNonce     = "EMPTY_NONCE"
	ReasonInvalidNonce   = "INVALID_NONCE"
	ReasonDeviceFailure  = "ATTESTATION_FAILED"
	ReasonNotReady       = "NOT_READY"
)

// DefaultMaxMessageSize bounds a single framed message.
const DefaultMaxMessageSize = 1 << 20

var (
	ErrUnknownCommand  = errors.New("unknown command")
	ErrMessageTooLarge = errors.New("message too large")
	ErrMalformedPush   = errors.New("malformed batch push")
)

// Kind identifies a command.
type Kind int

const (
	KindUnknown Kind = iota
	KindPublicKey
	KindHeartbeat
	KindAttestation
	KindSwap
	KindRegisterPersistent
)

func (k Kind) String() string {
	switch k {
	case KindPublicKey:
		return "publickey"
	case KindHeartbeat:
		return "heartbeat"
	case KindAttestation:
		return "attestation"
	case KindSwap:
		return "swap"
	case KindRegisterPersistent:
		return "register_persistent"
	default:
		return "unknown"
	}
}

// Command is a parsed request. Payload carries the nonce hex for
// KindAttestation and the raw envelope JSON for KindSwap.
type Command struct {
	Kind    Kind
	Payload string
}

// Parse decodes one request line. Trailing CR/LF is ignored.
func Parse(line string) (Command, error) {
	line = strings.TrimRight(line, "\r\n")

	switch {
	case line == CmdPublicKey:
		return Command{Kind: KindPublicKey}, nil
	case line == CmdHeartbeat:
		return Command{Kind: KindHeartbeat}, nil
	case line == CmdRegisterPersistent:
		return Command{Kind: KindRegisterPersistent}, nil
	case strings.HasPrefix(line, PrefixAttestation):
		return Command{Kind: KindAttestation, Payload: strings.TrimPrefix(line, PrefixAttestation)}, nil
	case strings.HasPrefix(line, PrefixSwap):
		return Command{Kind: KindSwap, Payload: strings.TrimPrefix(line, PrefixSwap)}, nil
	}
	return Command{Kind: KindUnknown}, ErrUnknownCommand
}

// Encode renders c as a request line without the terminator.
func (c Command) Encode() string {
	switch c.Kind {
	case KindPublicKey:
		return CmdPublicKey
	case KindHeartbeat:
		return CmdHeartbeat
	case KindRegisterPersistent:
		return CmdRegisterPersistent
	case KindAttestation:
		return PrefixAttestation + c.Payload
	case KindSwap:
		return PrefixSwap + c.Payload
	}
	return ""
}

// ErrorResponse formats an ERROR:<reason> reply.
func ErrorResponse(reason string) string {
	return PrefixError + reason
}

// IsError reports whether resp is an ERROR:<reason> reply and returns the reason.
func IsError(resp string) (string, bool) {
	if strings.HasPrefix(resp, PrefixError) {
		return strings.TrimPrefix(resp, PrefixError), true
	}
	return "", false
}

// FormatBatchTx renders the push message for signed call data.
func FormatBatchTx(callData []byte) string {
	return PrefixBatchTx + hexutil.Encode(callData)
}

// ParseBatchTx extracts call data from a push message.
func ParseBatchTx(line string) ([]byte, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, PrefixBatchTx) {
		return nil, ErrMalformedPush
	}
	raw := strings.TrimPrefix(line, PrefixBatchTx)
	if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
		raw = "0x" + raw
	}
	data, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPush, err)
	}
	if len(data) == 0 {
		return nil, ErrMalformedPush
	}
	return data, nil
}

// ReadMessage reads one newline-terminated message of at most max bytes,
// terminator excluded. A final message without terminator is returned as is
// when the stream ends.
func ReadMessage(r *bufio.Reader, max int) (string, error) {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}

	var buf []byte
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			if err == io.EOF && len(buf) > 0 {
				return string(buf), nil
			}
			return "", err
		}
		if len(buf)+len(chunk) > max {
			return "", fmt.Errorf("%w: exceeds %d bytes", ErrMessageTooLarge, max)
		}
		buf = append(buf, chunk...)
		if !isPrefix {
			return string(buf), nil
		}
	}
}

// WriteMessage writes msg followed by a newline in a single write.
func WriteMessage(w io.Writer, msg string) error {
	if strings.ContainsAny(msg, "\r\n") {
		return fmt.Errorf("message contains line terminator")
	}
	_, err := io.WriteString(w, msg+"\n")
	return err
}
