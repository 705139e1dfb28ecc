// Package intent defines the swap intent accepted by the sequencer and the
// rules a decrypted payload must satisfy before it may be batched.
package intent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidSchema is returned when the payload is not a well-formed intent object.
	ErrInvalidSchema = errors.New("invalid intent schema")
	// ErrValidationFailed is matched by every *ValidationError.
	ErrValidationFailed = errors.New("intent validation failed")
)

// ValidationError names the field that failed a semantic check.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("intent validation failed: %s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidationFailed) true.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// =============================================================================
// Types
// =============================================================================

// MaxAmountBits bounds amountIn and minOut to the settlement contract's uint128.
const MaxAmountBits = 128

// SwapIntent is a validated request to swap AmountIn of TokenIn for at least
// MinOut of TokenOut on behalf of User.
type SwapIntent struct {
	User         common.Address
	TokenIn      common.Address
	TokenOut     common.Address
	AmountIn     *big.Int
	MinOut       *big.Int
	DirectPayout bool
	Nonce        uint64
	Deadline     uint64
}

// wireIntent is the plaintext JSON form carried inside an envelope.
type wireIntent struct {
	User         string `json:"user"`
	TokenIn      string `json:"tokenIn"`
	TokenOut     string `json:"tokenOut"`
	AmountIn     string `json:"amountIn"`
	MinOut       string `json:"minOut"`
	DirectPayout bool   `json:"directPayout"`
	Nonce        string `json:"nonce"`
	Deadline     string `json:"deadline"`
}

// MarshalJSON encodes the intent with integers as decimal strings.
func (s SwapIntent) MarshalJSON() ([]byte, error) {
	w := wireIntent{
		User:         s.User.Hex(),
		TokenIn:      s.TokenIn.Hex(),
		TokenOut:     s.TokenOut.Hex(),
		AmountIn:     "0",
		MinOut:       "0",
		DirectPayout: s.DirectPayout,
		Nonce:        strconv.FormatUint(s.Nonce, 10),
		Deadline:     strconv.FormatUint(s.Deadline, 10),
	}
	if s.AmountIn != nil {
		w.AmountIn = s.AmountIn.String()
	}
	if s.MinOut != nil {
		w.MinOut = s.MinOut.String()
	}
	return json.Marshal(w)
}

// Number is a non-negative integer that arrives as a JSON string or number.
type Number string

// UnmarshalJSON accepts "123" and 123. Anything else is a schema error.
func (n *Number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = Number(s)
		return nil
	}
	if !digits.Match(data) {
		return fmt.Errorf("expected integer, got %s", truncate(string(data), 32))
	}
	*n = Number(data)
	return nil
}

// Candidate is the untrusted decoded payload, before validation.
type Candidate struct {
	User         *string `json:"user"`
	TokenIn      *string `json:"tokenIn"`
	TokenOut     *string `json:"tokenOut"`
	AmountIn     *Number `json:"amountIn"`
	MinOut       *Number `json:"minOut"`
	DirectPayout *bool   `json:"directPayout"`
	Nonce        *Number `json:"nonce"`
	Deadline     *Number `json:"deadline"`
}

var digits = regexp.MustCompile(`^[0-9]+$`)

// ParseCandidate decodes a plaintext payload. Unknown fields, wrong JSON
// types and missing fields are schema errors.
func ParseCandidate(plaintext []byte) (*Candidate, error) {
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.DisallowUnknownFields()

	var c Candidate
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidSchema)
	}

	missing := make([]string, 0)
	if c.User == nil {
		missing = append(missing, "user")
	}
	if c.TokenIn == nil {
		missing = append(missing, "tokenIn")
	}
	if c.TokenOut == nil {
		missing = append(missing, "tokenOut")
	}
	if c.AmountIn == nil {
		missing = append(missing, "amountIn")
	}
	if c.MinOut == nil {
		missing = append(missing, "minOut")
	}
	if c.DirectPayout == nil {
		missing = append(missing, "directPayout")
	}
	if c.Nonce == nil {
		missing = append(missing, "nonce")
	}
	if c.Deadline == nil {
		missing = append(missing, "deadline")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidSchema, strings.Join(missing, ", "))
	}
	return &c, nil
}

// Validate turns a candidate into a SwapIntent. It is pure and never panics.
// It does not check nonce ordering, balances or deadline expiry.
func Validate(c *Candidate) (*SwapIntent, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidSchema)
	}
	if c.User == nil || c.TokenIn == nil || c.TokenOut == nil || c.AmountIn == nil ||
		c.MinOut == nil || c.DirectPayout == nil || c.Nonce == nil || c.Deadline == nil {
		return nil, fmt.Errorf("%w: missing field", ErrInvalidSchema)
	}

	user, err := parseAddress("user", *c.User)
	if err != nil {
		return nil, err
	}
	tokenIn, err := parseAddress("tokenIn", *c.TokenIn)
	if err != nil {
		return nil, err
	}
	tokenOut, err := parseAddress("tokenOut", *c.TokenOut)
	if err != nil {
		return nil, err
	}

	amountIn, err := parseAmount("amountIn", string(*c.AmountIn))
	if err != nil {
		return nil, err
	}
	minOut, err := parseAmount("minOut", string(*c.MinOut))
	if err != nil {
		return nil, err
	}

	nonce, err := parseUint64("nonce", string(*c.Nonce))
	if err != nil {
		return nil, err
	}
	deadline, err := parseUint64("deadline", string(*c.Deadline))
	if err != nil {
		return nil, err
	}

	return &SwapIntent{
		User:         user,
		TokenIn:      tokenIn,
		TokenOut:     tokenOut,
		AmountIn:     amountIn,
		MinOut:       minOut,
		DirectPayout: *c.DirectPayout,
		Nonce:        nonce,
		Deadline:     deadline,
	}, nil
}

// Decode is ParseCandidate followed by Validate.
func Decode(plaintext []byte) (*SwapIntent, error) {
	c, err := ParseCandidate(plaintext)
	if err != nil {
		return nil, err
	}
	return Validate(c)
}

func parseAddress(field, s string) (common.Address, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, invalid(field, "address must be 0x-prefixed")
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, invalid(field, "malformed address")
	}
	return common.HexToAddress(s), nil
}

// parseAmount accepts a decimal integer in (0, 2^128).
func parseAmount(field, s string) (*big.Int, error) {
	if !digits.MatchString(s) {
		return nil, invalid(field, "must be a decimal integer")
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, invalid(field, "out of range")
	}
	if v.BitLen() > MaxAmountBits {
		return nil, invalid(field, "exceeds uint128")
	}
	if v.IsZero() {
		return nil, invalid(field, "must be greater than zero")
	}
	return v.ToBig(), nil
}

func parseUint64(field, s string) (uint64, error) {
	if !digits.MatchString(s) {
		return 0, invalid(field, "must be a decimal integer")
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, invalid(field, "exceeds uint64")
	}
	return v, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
