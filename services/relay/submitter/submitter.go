// Package submitter sends signed batch call data to the settlement contract
// from the relay account.
package submitter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/R3E-Network/confidential_sequencer/internal/config"
	"github.com/R3E-Network/confidential_sequencer/internal/logging"
	"github.com/R3E-Network/confidential_sequencer/internal/metrics"
)

var (
	ErrEmptyCallData     = errors.New("empty call data")
	ErrMaxRetriesReached = errors.New("max retries exceeded")
)

// ChainClient is the subset of ethclient.Client the submitter needs.
type ChainClient interface {
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// RetryConfig controls resubmission on transient failures.
type RetryConfig struct {
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            float64
}

// DefaultRetryConfig returns the default retry settings.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

type Config struct {
	Client           ChainClient
	ChainID          *big.Int
	Settlement       common.Address
	Key              *ecdsa.PrivateKey
	FallbackGasLimit uint64
	Retry            RetryConfig
	Logger           *logging.Logger
}

// Submitter signs legacy transactions with the relay key.
type Submitter struct {
	client      ChainClient
	chainID     *big.Int
	settlement  common.Address
	key         *ecdsa.PrivateKey
	from        common.Address
	fallbackGas uint64
	retry       RetryConfig
	log         *logging.Logger
}

func New(cfg Config) (*Submitter, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("chain client is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain id is required")
	}
	if cfg.Key == nil {
		return nil, fmt.Errorf("relay key is required")
	}
	if cfg.Settlement == (common.Address{}) {
		return nil, fmt.Errorf("settlement address is required")
	}
	retry := cfg.Retry
	defaults := DefaultRetryConfig()
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = defaults.InitialBackoff
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = defaults.MaxBackoff
	}
	if retry.BackoffMultiplier < 1 {
		retry.BackoffMultiplier = defaults.BackoffMultiplier
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Discard()
	}

	return &Submitter{
		client:      cfg.Client,
		chainID:     new(big.Int).Set(cfg.ChainID),
		settlement:  cfg.Settlement,
		key:         cfg.Key,
		from:        crypto.PubkeyToAddress(cfg.Key.PublicKey),
		fallbackGas: cfg.FallbackGasLimit,
		retry:       retry,
		log:         log.Component("submitter"),
	}, nil
}

// NewFromConfig dials the RPC endpoint and loads the relay key.
func NewFromConfig(ctx context.Context, cfg config.ChainConfig, log *logging.Logger) (*Submitter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.RelayKeyHex, "0x"))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse relay key: %w", err)
	}
	return New(Config{
		Client:           client,
		ChainID:          big.NewInt(cfg.ChainID),
		Settlement:       common.HexToAddress(cfg.SettlementAddress),
		Key:              key,
		FallbackGasLimit: cfg.FallbackGasLimit,
		Retry: RetryConfig{
			MaxRetries:        cfg.MaxRetries,
			InitialBackoff:    cfg.InitialBackoff,
			MaxBackoff:        cfg.MaxBackoff,
			BackoffMultiplier: 2.0,
			Jitter:            0.2,
		},
		Logger: log,
	})
}

// From returns the relay account address.
func (s *Submitter) From() common.Address {
	return s.from
}

// Submit sends callData to the settlement contract and returns the tx hash.
func (s *Submitter) Submit(ctx context.Context, callData []byte) (common.Hash, error) {
	if len(callData) == 0 {
		return common.Hash{}, ErrEmptyCallData
	}

	gas := s.estimateGas(ctx, callData)

	hash, err := s.submitWithRetry(ctx, callData, gas)
	if err != nil {
		metrics.RecordSubmission("failed")
		return common.Hash{}, err
	}
	metrics.RecordSubmission("submitted")
	return hash, nil
}

func (s *Submitter) estimateGas(ctx context.Context, callData []byte) uint64 {
	to := s.settlement
	gas, err := s.client.EstimateGas(ctx, ethereum.CallMsg{
		From: s.from,
		To:   &to,
		Data: callData,
	})
	if err == nil {
		return gas
	}

	metrics.RecordGasFallback()
	s.log.Warn(ctx, "gas estimation failed, using fallback limit", map[string]interface{}{
		"fallback_gas_limit": s.fallbackGas,
		"error":              err.Error(),
	})
	return s.fallbackGas
}

// submitWithRetry submits a transaction with retry logic.
func (s *Submitter) submitWithRetry(ctx context.Context, callData []byte, gas uint64) (common.Hash, error) {
	var lastErr error
	backoff := s.retry.InitialBackoff

	for attempt := 0; attempt <= s.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(float64(backoff) * s.retry.Jitter * (rand.Float64()*2 - 1))
			select {
			case <-ctx.Done():
				return common.Hash{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}

			backoff = time.Duration(float64(backoff) * s.retry.BackoffMultiplier)
			if backoff > s.retry.MaxBackoff {
				backoff = s.retry.MaxBackoff
			}
		}

		hash, err := s.send(ctx, callData, gas)
		if err == nil {
			s.log.Info(ctx, "batch transaction sent", map[string]interface{}{
				"tx_hash": hash.Hex(),
				"gas":     gas,
				"attempt": attempt + 1,
			})
			return hash, nil
		}
		if ctx.Err() != nil {
			return common.Hash{}, ctx.Err()
		}

		lastErr = err
		s.log.Warn(ctx, "transaction submission failed", map[string]interface{}{
			"attempt":     attempt + 1,
			"max_retries": s.retry.MaxRetries,
			"error":       err.Error(),
		})
	}

	return common.Hash{}, fmt.Errorf("%w: %v", ErrMaxRetriesReached, lastErr)
}

// send builds, signs and sends one legacy transaction.
func (s *Submitter) send(ctx context.Context, callData []byte, gas uint64) (common.Hash, error) {
	nonce, err := s.client.PendingNonceAt(ctx, s.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("gas price: %w", err)
	}

	to := s.settlement
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     callData,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("send tx: %w", err)
	}
	return signed.Hash(), nil
}
