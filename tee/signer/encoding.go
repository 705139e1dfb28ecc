// Package signer turns a drained batch into a signed settlement
// authorization: ABI encoding, batch hash, personal-message signature and
// batchSwap call data.
package signer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/R3E-Network/confidential_sequencer/tee/intent"
)

// SettlementABI is the settlement contract surface the host calls.
const SettlementABI = `[{
	"type": "function",
	"name": "batchSwap",
	"stateMutability": "nonpayable",
	"inputs": [
		{"name": "intents", "type": "tuple[]", "components": [
			{"name": "user", "type": "address"},
			{"name": "tokenIn", "type": "address"},
			{"name": "tokenOut", "type": "address"},
			{"name": "amountIn", "type": "uint128"},
			{"name": "minOut", "type": "uint128"},
			{"name": "directPayout", "type": "bool"},
			{"name": "nonce", "type": "uint64"},
			{"name": "deadline", "type": "uint256"}
		]},
		{"name": "signature", "type": "bytes"}
	],
	"outputs": []
}]`

// abiIntent mirrors the Solidity SwapIntent struct field for field.
type abiIntent struct {
	User         common.Address `abi:"user"`
	TokenIn      common.Address `abi:"tokenIn"`
	TokenOut     common.Address `abi:"tokenOut"`
	AmountIn     *big.Int       `abi:"amountIn"`
	MinOut       *big.Int       `abi:"minOut"`
	DirectPayout bool           `abi:"directPayout"`
	Nonce        uint64         `abi:"nonce"`
	Deadline     *big.Int       `abi:"deadline"`
}

var (
	settlementABI abi.ABI
	intentsArgs   abi.Arguments
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(SettlementABI))
	if err != nil {
		panic(fmt.Sprintf("parse settlement abi: %v", err))
	}
	settlementABI = parsed
	intentsArgs = abi.Arguments{parsed.Methods["batchSwap"].Inputs[0]}
}

func toABI(intents []*intent.SwapIntent) ([]abiIntent, error) {
	out := make([]abiIntent, len(intents))
	for i, si := range intents {
		if si == nil || si.AmountIn == nil || si.MinOut == nil {
			return nil, fmt.Errorf("intent %d is incomplete", i)
		}
		out[i] = abiIntent{
			User:         si.User,
			TokenIn:      si.TokenIn,
			TokenOut:     si.TokenOut,
			AmountIn:     si.AmountIn,
			MinOut:       si.MinOut,
			DirectPayout: si.DirectPayout,
			Nonce:        si.Nonce,
			Deadline:     new(big.Int).SetUint64(si.Deadline),
		}
	}
	return out, nil
}

func fromABI(in []abiIntent) []*intent.SwapIntent {
	out := make([]*intent.SwapIntent, len(in))
	for i, a := range in {
		out[i] = &intent.SwapIntent{
			User:         a.User,
			TokenIn:      a.TokenIn,
			TokenOut:     a.TokenOut,
			AmountIn:     a.AmountIn,
			MinOut:       a.MinOut,
			DirectPayout: a.DirectPayout,
			Nonce:        a.Nonce,
			Deadline:     a.Deadline.Uint64(),
		}
	}
	return out
}

// EncodeIntents returns abi.encode(intents) as the contract computes it.
func EncodeIntents(intents []*intent.SwapIntent) ([]byte, error) {
	tuples, err := toABI(intents)
	if err != nil {
		return nil, err
	}
	encoded, err := intentsArgs.Pack(tuples)
	if err != nil {
		return nil, fmt.Errorf("abi encode intents: %w", err)
	}
	return encoded, nil
}

// BatchHash returns keccak256(abi.encode(intents)).
func BatchHash(intents []*intent.SwapIntent) (common.Hash, error) {
	encoded, err := EncodeIntents(intents)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(encoded), nil
}

// PackCallData builds batchSwap(intents, signature) call data.
func PackCallData(intents []*intent.SwapIntent, signature []byte) ([]byte, error) {
	tuples, err := toABI(intents)
	if err != nil {
		return nil, err
	}
	data, err := settlementABI.Pack("batchSwap", tuples, signature)
	if err != nil {
		return nil, fmt.Errorf("pack batchSwap: %w", err)
	}
	return data, nil
}

// DecodeCallData reverses PackCallData.
func DecodeCallData(data []byte) ([]*intent.SwapIntent, []byte, error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("call data too short")
	}
	method, err := settlementABI.MethodById(data[:4])
	if err != nil {
		return nil, nil, fmt.Errorf("unknown selector: %w", err)
	}
	values, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, nil, fmt.Errorf("unpack %s: %w", method.Name, err)
	}

	var args struct {
		Intents   []abiIntent
		Signature []byte
	}
	if err := method.Inputs.Copy(&args, values); err != nil {
		return nil, nil, fmt.Errorf("copy %s args: %w", method.Name, err)
	}
	return fromABI(args.Intents), args.Signature, nil
}
