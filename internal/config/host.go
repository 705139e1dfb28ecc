package config

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EnclaveEndpoint locates the enclave from the host side.
type EnclaveEndpoint struct {
	Mode    string `yaml:"mode" env:"HOST_ENCLAVE_MODE"`
	CID     uint32 `yaml:"cid" env:"HOST_ENCLAVE_CID"`
	Port    uint32 `yaml:"port" env:"HOST_ENCLAVE_PORT"`
	Address string `yaml:"address" env:"HOST_ENCLAVE_ADDRESS"`
}

// TalkTimeouts bounds each transient request kind.
type TalkTimeouts struct {
	PublicKey   time.Duration `yaml:"public_key" env:"HOST_TIMEOUT_PUBLICKEY"`
	Heartbeat   time.Duration `yaml:"heartbeat" env:"HOST_TIMEOUT_HEARTBEAT"`
	Attestation time.Duration `yaml:"attestation" env:"HOST_TIMEOUT_ATTESTATION"`
	Swap        time.Duration `yaml:"swap" env:"HOST_TIMEOUT_SWAP"`
}

// ChainConfig configures settlement submission.
type ChainConfig struct {
	RPCURL            string        `yaml:"rpc_url" env:"HOST_RPC_URL"`
	ChainID           int64         `yaml:"chain_id" env:"HOST_CHAIN_ID"`
	SettlementAddress string        `yaml:"settlement_address" env:"HOST_SETTLEMENT_ADDRESS"`
	RelayKeyHex       string        `yaml:"-" env:"HOST_RELAY_KEY"`
	FallbackGasLimit  uint64        `yaml:"fallback_gas_limit" env:"HOST_FALLBACK_GAS_LIMIT"`
	MaxRetries        int           `yaml:"max_retries" env:"HOST_SUBMIT_MAX_RETRIES"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" env:"HOST_SUBMIT_INITIAL_BACKOFF"`
	MaxBackoff        time.Duration `yaml:"max_backoff" env:"HOST_SUBMIT_MAX_BACKOFF"`
}

// Enabled reports whether on-chain submission is configured.
func (c ChainConfig) Enabled() bool {
	return c.RPCURL != ""
}

// JournalConfig configures the batch journal backend.
type JournalConfig struct {
	RedisURL   string        `yaml:"redis_url" env:"REDIS_URL"`
	TTL        time.Duration `yaml:"ttl" env:"HOST_JOURNAL_TTL"`
	MaxEntries int           `yaml:"max_entries" env:"HOST_JOURNAL_MAX_ENTRIES"`
}

// RateLimitConfig configures the per-client HTTP limiter.
type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second" env:"HOST_RATE_LIMIT_RPS"`
	Burst             int `yaml:"burst" env:"HOST_RATE_LIMIT_BURST"`
}

// HostConfig configures the untrusted host relay.
type HostConfig struct {
	HTTPAddress       string          `yaml:"http_address" env:"HOST_HTTP_ADDRESS"`
	Enclave           EnclaveEndpoint `yaml:"enclave"`
	Timeouts          TalkTimeouts    `yaml:"timeouts"`
	ReconnectBackoff  time.Duration   `yaml:"reconnect_backoff" env:"HOST_RECONNECT_BACKOFF"`
	HeartbeatSchedule string          `yaml:"heartbeat_schedule" env:"HOST_HEARTBEAT_SCHEDULE"`
	EnableTestSwap    bool            `yaml:"enable_test_swap" env:"HOST_ENABLE_TEST_SWAP"`
	Chain             ChainConfig     `yaml:"chain"`
	Journal           JournalConfig   `yaml:"journal"`
	RateLimit         RateLimitConfig `yaml:"rate_limit"`

	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`
}

// DefaultHostConfig returns the defaults used when no file is present.
func DefaultHostConfig() *HostConfig {
	return &HostConfig{
		HTTPAddress: ":8080",
		Enclave: EnclaveEndpoint{
			Mode:    ModeSimulation,
			CID:     16,
			Port:    9001,
			Address: "127.0.0.1:9001",
		},
		Timeouts: TalkTimeouts{
			PublicKey:   6 * time.Second,
			Heartbeat:   2 * time.Second,
			Attestation: 8 * time.Second,
			Swap:        6 * time.Second,
		},
		ReconnectBackoff:  time.Second,
		HeartbeatSchedule: "@every 10s",
		Chain: ChainConfig{
			ChainID:          84532,
			FallbackGasLimit: 3_000_000,
			MaxRetries:       3,
			InitialBackoff:   500 * time.Millisecond,
			MaxBackoff:       10 * time.Second,
		},
		Journal: JournalConfig{
			TTL:        24 * time.Hour,
			MaxEntries: 10_000,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
		},
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// Validate checks required fields.
func (c *HostConfig) Validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http_address is required")
	}
	switch c.Enclave.Mode {
	case ModeSimulation:
		if c.Enclave.Address == "" {
			return fmt.Errorf("enclave.address is required in simulation mode")
		}
	case ModeHardware:
		if c.Enclave.CID == 0 || c.Enclave.Port == 0 {
			return fmt.Errorf("enclave.cid and enclave.port are required in hardware mode")
		}
	default:
		return fmt.Errorf("unknown enclave mode %q", c.Enclave.Mode)
	}
	if c.Timeouts.PublicKey <= 0 || c.Timeouts.Heartbeat <= 0 || c.Timeouts.Attestation <= 0 || c.Timeouts.Swap <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.ReconnectBackoff <= 0 {
		return fmt.Errorf("reconnect_backoff must be positive")
	}
	if c.Chain.Enabled() {
		if c.Chain.RelayKeyHex == "" {
			return fmt.Errorf("HOST_RELAY_KEY is required when chain.rpc_url is set")
		}
		if !common.IsHexAddress(c.Chain.SettlementAddress) {
			return fmt.Errorf("chain.settlement_address is not a valid address")
		}
		if c.Chain.ChainID <= 0 {
			return fmt.Errorf("chain.chain_id must be positive")
		}
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	return nil
}

// LoadHostConfigFromPath loads the host configuration from path. An empty
// path skips the file and uses defaults plus environment overrides.
func LoadHostConfigFromPath(path string) (*HostConfig, error) {
	cfg := DefaultHostConfig()
	if err := loadFromPath(path, cfg); err != nil {
		return nil, fmt.Errorf("host config: %w", err)
	}
	return cfg, nil
}

// LoadHostConfig loads config/host.yaml when present.
func LoadHostConfig() (*HostConfig, error) {
	return LoadHostConfigFromPath(defaultPath("host"))
}
